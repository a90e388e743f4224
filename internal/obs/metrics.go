package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the admin/invite surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready, 0 otherwise.",
	})
)

// Orchestration metrics.
var (
	invitesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invites_total",
			Help: "Invite attempts by terminal outcome.",
		},
		[]string{"outcome"},
	)

	inviteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "invite_duration_seconds",
		Help:    "End-to-end invite pipeline latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	accountsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_accounts_available",
		Help: "Accounts currently active and under their daily ceiling.",
	})

	accountsSuspended = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_accounts_suspended",
		Help: "Accounts temporarily suspended by a platform rate limit.",
	})

	groupsSelectable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_groups_selectable",
		Help: "Groups active and under their daily invite quota.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		invitesTotal, inviteDuration,
		accountsAvailable, accountsSuspended, groupsSelectable,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveInvite records one finished invite pipeline run.
func ObserveInvite(outcome string, d time.Duration) {
	invitesTotal.WithLabelValues(outcome).Inc()
	inviteDuration.Observe(d.Seconds())
}

// SetPoolGauges updates account pool availability gauges.
func SetPoolGauges(available, suspended int) {
	accountsAvailable.Set(float64(available))
	accountsSuspended.Set(float64(suspended))
}

// SetSelectableGroups updates the group registry gauge.
func SetSelectableGroups(n int) {
	groupsSelectable.Set(float64(n))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier path segments so metric cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	replaceID := func(prefix []string, tail string) bool {
		if len(parts) < len(prefix)+1 {
			return false
		}
		for i, seg := range prefix {
			if parts[i] != seg {
				return false
			}
		}
		if tail != "" {
			return len(parts) == len(prefix)+2 && parts[len(parts)-1] == tail
		}
		return len(parts) == len(prefix)+1
	}
	switch {
	case replaceID([]string{"", "v1", "admin", "whitelist"}, ""):
		parts[4] = ":id"
	case replaceID([]string{"", "v1", "admin", "groups"}, ""):
		parts[4] = ":id"
	case replaceID([]string{"", "v1", "admin", "accounts"}, ""):
		parts[4] = ":id"
	}
	return strings.Join(parts, "/")
}

// statusWriter captures the response status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

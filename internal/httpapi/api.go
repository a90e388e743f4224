// Package httpapi is the HTTP surface: the invitation endpoint, the admin
// endpoints for whitelist, groups and accounts, and the usual health and
// metrics plumbing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"invitegate.org/internal/groups"
	"invitegate.org/internal/invite"
	"invitegate.org/internal/obs"
	"invitegate.org/internal/pool"
	"invitegate.org/internal/stats"
	"invitegate.org/internal/whitelist"
)

const serviceName = "invitegate-api"

// ReadyProbe checks the durable store before the service reports ready.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// HistoryReader serves the admin invitation log view.
type HistoryReader interface {
	RecentInvitations(ctx context.Context, limit int) ([]invite.Record, error)
}

// API is the HTTP layer. It delegates all semantics to the orchestrator and
// the managers; handlers only translate between HTTP and domain calls.
type API struct {
	mux        *http.ServeMux
	orch       *invite.Orchestrator
	whitelist  *whitelist.Service
	pool       *pool.Manager
	registry   *groups.Registry
	collector  *stats.Collector
	platform   invite.Platform
	history    HistoryReader
	readyProbe ReadyProbe
	version    string

	rateBurst     int
	ratePerSecond int
}

// Deps carries the wired domain components.
type Deps struct {
	Orchestrator *invite.Orchestrator
	Whitelist    *whitelist.Service
	Pool         *pool.Manager
	Registry     *groups.Registry
	Collector    *stats.Collector
	Platform     invite.Platform
	History      HistoryReader
	ReadyProbe   ReadyProbe
	Version      string

	// Per-client request throttling; zero values fall back to defaults.
	RateBurst     int
	RatePerSecond int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		orch:       d.Orchestrator,
		whitelist:  d.Whitelist,
		pool:       d.Pool,
		registry:   d.Registry,
		collector:  d.Collector,
		platform:   d.Platform,
		history:    d.History,
		readyProbe: d.ReadyProbe,
		version:    d.Version,

		rateBurst:     d.RateBurst,
		ratePerSecond: d.RatePerSecond,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = 10
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/invites", a.handleInvites)

	a.mux.HandleFunc("/v1/admin/whitelist", a.handleWhitelistCollection)
	a.mux.HandleFunc("/v1/admin/whitelist/", a.handleWhitelistResource)
	a.mux.HandleFunc("/v1/admin/blocks", a.handleBlocksCollection)
	a.mux.HandleFunc("/v1/admin/blocks/", a.handleBlockResource)
	a.mux.HandleFunc("/v1/admin/groups", a.handleGroupsCollection)
	a.mux.HandleFunc("/v1/admin/groups/", a.handleGroupResource)
	a.mux.HandleFunc("/v1/admin/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/admin/accounts/", a.handleAccountResource)
	a.mux.HandleFunc("/v1/admin/invitations", a.handleInvitationLog)
	a.mux.HandleFunc("/v1/admin/stats", a.handleStats)
	a.mux.HandleFunc("/v1/admin/stats/refresh", a.handleStatsRefresh)
	a.mux.HandleFunc("/v1/admin/reset-daily", a.handleResetDaily)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with the middleware chain.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = Logging(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	available, suspended := a.pool.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":               serviceName,
		"time":               time.Now().UTC().Format(time.RFC3339),
		"version":            a.version,
		"accounts_available": available,
		"accounts_suspended": suspended,
		"groups_selectable":  len(a.registry.Selectable()),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// Package stats periodically snapshots per-group health: live member counts
// read through the platform and invite success rates derived from history.
package stats

import (
	"context"
	"fmt"
	"time"

	"invitegate.org/internal/groups"
	"invitegate.org/internal/invite"
	"invitegate.org/internal/obs"
	"invitegate.org/internal/pool"
)

// GroupStat is one collected snapshot row.
type GroupStat struct {
	GroupID          string
	Name             string
	MemberCount      int
	InvitesTotal     int
	InvitesSucceeded int
	SuccessRate      float64
	CollectedAt      time.Time
}

// Store persists snapshots.
type Store interface {
	UpsertGroupStatistics(ctx context.Context, s GroupStat) error
	ListGroupStatistics(ctx context.Context) ([]GroupStat, error)
}

// HistorySource aggregates invitation outcomes per group.
type HistorySource interface {
	InvitationCounts(ctx context.Context, groupID string, since time.Time) (total, succeeded int, err error)
}

// DefaultWindow is how far back success rates look.
const DefaultWindow = 7 * 24 * time.Hour

// Collector drives the refresh. Member counts ride on a pool account's
// session; a temporarily dry pool downgrades the refresh to history-only.
type Collector struct {
	registry *groups.Registry
	pool     *pool.Manager
	platform invite.Platform
	history  HistorySource
	store    Store
	window   time.Duration
	now      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindow overrides the success-rate lookback.
func WithWindow(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Collector) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCollector wires the collector.
func NewCollector(reg *groups.Registry, pm *pool.Manager, platform invite.Platform, history HistorySource, store Store, opts ...Option) *Collector {
	c := &Collector{
		registry: reg,
		pool:     pm,
		platform: platform,
		history:  history,
		store:    store,
		window:   DefaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh snapshots every registered group and persists the rows. Per-group
// failures are logged and skipped so one bad group cannot starve the rest.
func (c *Collector) Refresh(ctx context.Context) ([]GroupStat, error) {
	now := c.now()
	since := now.Add(-c.window)

	var out []GroupStat
	for _, g := range c.registry.Snapshot() {
		stat := GroupStat{GroupID: g.ID, Name: g.Name, CollectedAt: now}

		stat.MemberCount = c.memberCount(ctx, g)

		if c.history != nil {
			total, succeeded, err := c.history.InvitationCounts(ctx, g.ID, since)
			if err != nil {
				obs.Event("stats.history_failed", map[string]any{"group": g.ID, "error": err.Error()})
				continue
			}
			stat.InvitesTotal = total
			stat.InvitesSucceeded = succeeded
			if total > 0 {
				stat.SuccessRate = float64(succeeded) / float64(total)
			}
		}

		if c.store != nil {
			if err := c.store.UpsertGroupStatistics(ctx, stat); err != nil {
				return out, fmt.Errorf("persist statistics for %s: %w", g.ID, err)
			}
		}
		out = append(out, stat)
	}
	return out, nil
}

// Latest returns the stored snapshot rows.
func (c *Collector) Latest(ctx context.Context) ([]GroupStat, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListGroupStatistics(ctx)
}

func (c *Collector) memberCount(ctx context.Context, g groups.Group) int {
	acc, err := c.pool.Select(ctx, g.ID)
	if err != nil {
		obs.Event("stats.no_account", map[string]any{"group": g.ID})
		return 0
	}
	defer c.pool.Release(acc.Session)

	n, err := c.platform.MemberCount(ctx, acc.Session, g.ID)
	if err != nil {
		obs.Event("stats.member_count_failed", map[string]any{"group": g.ID, "error": err.Error()})
		return 0
	}
	return n
}

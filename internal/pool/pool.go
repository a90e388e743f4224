// Package pool manages the operator account pool: availability, daily usage
// and group assignments. Selection reserves a candidate; usage is committed
// only after the platform outcome is known.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"invitegate.org/internal/obs"
)

// ErrNoneAvailable signals backpressure, not a fault: every account is
// inactive, busy, at quota or not assigned to the requested group.
var ErrNoneAvailable = errors.New("pool: no account available")

// ErrUnknownAccount is returned for operations on a session name the pool
// has never seen.
var ErrUnknownAccount = errors.New("pool: unknown account")

// Account is an operator-controlled platform identity. Credentials are held
// by the session gateway; the pool tracks scheduling state only.
type Account struct {
	Session        string
	Phone          string
	Active         bool
	SuspendedUntil time.Time
	LastUsed       time.Time
	DailyInvites   int
	DailyCeiling   int
	GroupsAssigned []string
}

// AssignedTo reports whether the account may invite into groupID. An account
// with no explicit assignments serves every group.
func (a Account) AssignedTo(groupID string) bool {
	if len(a.GroupsAssigned) == 0 {
		return true
	}
	return slices.Contains(a.GroupsAssigned, groupID)
}

// Store persists account scheduling state. The manager is the single writer.
type Store interface {
	UpsertAccount(ctx context.Context, acc Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Manager owns the pool. All mutations are serialized behind one mutex; the
// platform session underlying an account is never used concurrently, which
// Select enforces with a per-account in-flight reservation.
type Manager struct {
	mu       sync.Mutex
	accounts map[string]*Account
	inflight map[string]bool
	store    Store
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager builds the pool from configured seeds merged with durable state.
// Stored counters and timestamps win over seed defaults; seeds introduce
// accounts the store has not seen yet.
func NewManager(ctx context.Context, store Store, seeds []Account, opts ...Option) (*Manager, error) {
	m := &Manager{
		accounts: make(map[string]*Account),
		inflight: make(map[string]bool),
		store:    store,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, seed := range seeds {
		acc := seed
		m.accounts[acc.Session] = &acc
	}
	if store != nil {
		stored, err := store.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("load accounts: %w", err)
		}
		for _, sa := range stored {
			if seed, ok := m.accounts[sa.Session]; ok {
				// Config owns assignments and ceiling; the store owns runtime state.
				sa.GroupsAssigned = seed.GroupsAssigned
				if seed.DailyCeiling > 0 {
					sa.DailyCeiling = seed.DailyCeiling
				}
			}
			acc := sa
			m.accounts[acc.Session] = &acc
		}
		for _, acc := range m.accounts {
			if err := store.UpsertAccount(ctx, *acc); err != nil {
				return nil, fmt.Errorf("persist account %s: %w", acc.Session, err)
			}
		}
	}
	return m, nil
}

// Select returns the least-recently-used eligible account for groupID and
// reserves it until Release is called. Eligible means active (suspensions
// that have elapsed are lifted here), under the daily ceiling, assigned to
// the group and not already in flight.
func (m *Manager) Select(ctx context.Context, groupID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Account
	for _, acc := range m.accounts {
		if !acc.Active {
			if acc.SuspendedUntil.IsZero() || now.Before(acc.SuspendedUntil) {
				continue
			}
			acc.Active = true
			acc.SuspendedUntil = time.Time{}
			if err := m.persistLocked(ctx, acc); err != nil {
				obs.Event("pool.reactivate_persist_failed", map[string]any{
					"account": acc.Session, "error": err.Error(),
				})
			}
		}
		if m.inflight[acc.Session] {
			continue
		}
		if acc.DailyCeiling > 0 && acc.DailyInvites >= acc.DailyCeiling {
			continue
		}
		if !acc.AssignedTo(groupID) {
			continue
		}
		if best == nil || acc.LastUsed.Before(best.LastUsed) {
			best = acc
		}
	}
	if best == nil {
		return Account{}, ErrNoneAvailable
	}
	m.inflight[best.Session] = true
	return *best, nil
}

// Release frees the in-flight reservation taken by Select.
func (m *Manager) Release(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, session)
}

// CommitUsage records a successful invite: last_used advances and the daily
// counter increments. Called only after the platform outcome is known.
func (m *Manager) CommitUsage(ctx context.Context, session string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[session]
	if !ok {
		return ErrUnknownAccount
	}
	acc.LastUsed = at
	acc.DailyInvites++
	return m.persistLocked(ctx, acc)
}

// Suspend deactivates an account until resumeAt, typically on a platform
// rate-limit signal.
func (m *Manager) Suspend(ctx context.Context, session string, resumeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[session]
	if !ok {
		return ErrUnknownAccount
	}
	acc.Active = false
	acc.SuspendedUntil = resumeAt
	return m.persistLocked(ctx, acc)
}

// SetActive flips an account's availability by admin action. Clearing a
// suspension goes through here as well.
func (m *Manager) SetActive(ctx context.Context, session string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[session]
	if !ok {
		return ErrUnknownAccount
	}
	acc.Active = active
	acc.SuspendedUntil = time.Time{}
	return m.persistLocked(ctx, acc)
}

// ReactivateDue lifts suspensions whose resume time has passed and returns
// how many accounts came back.
func (m *Manager) ReactivateDue(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int
	for _, acc := range m.accounts {
		if acc.Active || acc.SuspendedUntil.IsZero() || now.Before(acc.SuspendedUntil) {
			continue
		}
		acc.Active = true
		acc.SuspendedUntil = time.Time{}
		if err := m.persistLocked(ctx, acc); err != nil {
			obs.Event("pool.reactivate_persist_failed", map[string]any{
				"account": acc.Session, "error": err.Error(),
			})
		}
		n++
	}
	return n
}

// ResetDaily zeroes every account's daily counter (midnight UTC boundary).
func (m *Manager) ResetDaily(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.DailyInvites = 0
		if err := m.persistLocked(ctx, acc); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns copies of all accounts, for the admin surface and stats.
func (m *Manager) Snapshot() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	slices.SortFunc(out, func(a, b Account) int {
		if a.Session < b.Session {
			return -1
		}
		if a.Session > b.Session {
			return 1
		}
		return 0
	})
	return out
}

// Counts returns (available, suspended) for metrics.
func (m *Manager) Counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var available, suspended int
	for _, acc := range m.accounts {
		switch {
		case !acc.Active:
			suspended++
		case acc.DailyCeiling == 0 || acc.DailyInvites < acc.DailyCeiling:
			available++
		}
	}
	return available, suspended
}

func (m *Manager) persistLocked(ctx context.Context, acc *Account) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.UpsertAccount(ctx, *acc); err != nil {
		return fmt.Errorf("persist account %s: %w", acc.Session, err)
	}
	return nil
}

// Package cooldown tracks last-action timestamps per subject and enforces
// minimum spacing between actions. The check-and-update is atomic: two
// concurrent requests for the same subject can never both observe Allowed.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies the class of subject a cooldown applies to.
type Kind string

const (
	// KindRequester spaces how often any one user may request an invite.
	KindRequester Kind = "requester"
	// KindGroup spaces how often any account invites into a given group.
	KindGroup Kind = "group"
	// KindReinvite spaces repeat invites of one requester into one group.
	KindReinvite Kind = "reinvite"
)

// Record is a durable cooldown stamp.
type Record struct {
	Kind         Kind
	SubjectID    string
	LastActionAt time.Time
}

// Result reports the outcome of a TryConsume call.
type Result struct {
	Allowed   bool
	Remaining time.Duration
	// Previous and ConsumedAt describe the stamp transition when Allowed;
	// the orchestrator uses them to revert a consumed cooldown when policy
	// says a failed attempt should not count.
	Previous   time.Time
	ConsumedAt time.Time
}

// Store persists cooldown stamps. The ledger is the single writer.
type Store interface {
	UpsertCooldown(ctx context.Context, rec Record) error
	ListCooldowns(ctx context.Context) ([]Record, error)
}

// Ledger is the in-process serialization point for cooldown checks.
type Ledger struct {
	mu    sync.Mutex
	last  map[string]time.Time
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger builds a ledger backed by store, preloading existing stamps.
// A nil store keeps stamps in memory only.
func NewLedger(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		last:  make(map[string]time.Time),
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if store != nil {
		recs, err := store.ListCooldowns(ctx)
		if err != nil {
			return nil, fmt.Errorf("load cooldowns: %w", err)
		}
		for _, rec := range recs {
			l.last[key(rec.Kind, rec.SubjectID)] = rec.LastActionAt
		}
	}
	return l, nil
}

// TryConsume compares now against the stored stamp for (kind, subjectID).
// If at least minInterval has elapsed it advances the stamp to now and
// returns Allowed; otherwise it returns Blocked with the remaining wait.
func (l *Ledger) TryConsume(ctx context.Context, kind Kind, subjectID string, minInterval time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(kind, subjectID)
	now := l.now()
	prev := l.last[k]
	if elapsed := now.Sub(prev); !prev.IsZero() && elapsed < minInterval {
		return Result{Allowed: false, Remaining: minInterval - elapsed}, nil
	}

	if l.store != nil {
		rec := Record{Kind: kind, SubjectID: subjectID, LastActionAt: now}
		if err := l.store.UpsertCooldown(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("persist cooldown %s/%s: %w", kind, subjectID, err)
		}
	}
	l.last[k] = now
	return Result{Allowed: true, Previous: prev, ConsumedAt: now}, nil
}

// Revert restores a previously consumed stamp. Used when a failed attempt
// should not count against the subject's budget. Stamps only move backwards
// to the exact previous value; a newer stamp written meanwhile wins.
func (l *Ledger) Revert(ctx context.Context, kind Kind, subjectID string, to time.Time, consumedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(kind, subjectID)
	if !l.last[k].Equal(consumedAt) {
		return nil
	}
	if l.store != nil {
		rec := Record{Kind: kind, SubjectID: subjectID, LastActionAt: to}
		if err := l.store.UpsertCooldown(ctx, rec); err != nil {
			return fmt.Errorf("revert cooldown %s/%s: %w", kind, subjectID, err)
		}
	}
	l.last[k] = to
	return nil
}

// Peek returns the current stamp without consuming anything.
func (l *Ledger) Peek(kind Kind, subjectID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.last[key(kind, subjectID)]
	return t, ok
}

// PairID builds the composite subject id for requester/group reinvite spacing.
func PairID(requesterID, groupID string) string {
	return requesterID + ":" + groupID
}

func key(kind Kind, subjectID string) string {
	return string(kind) + "/" + subjectID
}

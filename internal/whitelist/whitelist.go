// Package whitelist is the access gate: requesters must hold a live
// whitelist entry and no active block before the pipeline runs for them.
// Admins pass unconditionally.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotListed = errors.New("whitelist: not listed")
	ErrBlocked   = errors.New("whitelist: blocked")
)

// Entry grants a requester access. A zero ExpiresAt never expires.
type Entry struct {
	UserID    string
	Username  string
	AddedBy   string
	AddedAt   time.Time
	ExpiresAt time.Time
	Note      string
}

// Live reports whether the entry grants access at now.
func (e Entry) Live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Block denies a requester access regardless of whitelist state.
type Block struct {
	UserID    string
	Reason    string
	BlockedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Live reports whether the block is still in force at now.
func (b Block) Live(now time.Time) bool {
	return b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt)
}

// Store persists whitelist entries and blocks. The service is the single
// writer.
type Store interface {
	UpsertWhitelistEntry(ctx context.Context, e Entry) error
	DeleteWhitelistEntry(ctx context.Context, userID string) error
	ListWhitelistEntries(ctx context.Context) ([]Entry, error)
	UpsertBlock(ctx context.Context, b Block) error
	DeleteBlock(ctx context.Context, userID string) error
	ListBlocks(ctx context.Context) ([]Block, error)
}

// Service answers authorization checks from memory and writes every mutation
// through to the store.
type Service struct {
	mu      sync.Mutex
	entries map[string]Entry
	blocks  map[string]Block
	admins  map[string]bool
	store   Store
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService preloads durable state. admins bypass every check and can never
// be blocked out of the admin surface.
func NewService(ctx context.Context, store Store, admins []string, opts ...Option) (*Service, error) {
	s := &Service{
		entries: make(map[string]Entry),
		blocks:  make(map[string]Block),
		admins:  make(map[string]bool, len(admins)),
		store:   store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range admins {
		s.admins[id] = true
	}
	if store != nil {
		entries, err := store.ListWhitelistEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("load whitelist: %w", err)
		}
		for _, e := range entries {
			s.entries[e.UserID] = e
		}
		blocks, err := store.ListBlocks(ctx)
		if err != nil {
			return nil, fmt.Errorf("load blocks: %w", err)
		}
		for _, b := range blocks {
			s.blocks[b.UserID] = b
		}
	}
	return s, nil
}

// Authorize implements the invitation gate. Blocks win over whitelist
// entries; admins win over everything.
func (s *Service) Authorize(ctx context.Context, requesterID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admins[requesterID] {
		return true, "", nil
	}
	now := s.now()
	if b, ok := s.blocks[requesterID]; ok && b.Live(now) {
		return false, "you are temporarily blocked from requesting invitations", nil
	}
	e, ok := s.entries[requesterID]
	if !ok {
		return false, "you are not on the invitation whitelist", nil
	}
	if !e.Live(now) {
		return false, "your whitelist access has expired", nil
	}
	return true, "", nil
}

// IsAdmin reports whether userID was configured as an administrator.
func (s *Service) IsAdmin(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[userID]
}

// Add grants access. A zero ttl makes the entry permanent; a repeated Add
// replaces the prior entry.
func (s *Service) Add(ctx context.Context, userID, username, addedBy string, ttl time.Duration, note string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := Entry{UserID: userID, Username: username, AddedBy: addedBy, AddedAt: now, Note: note}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	if err := s.persistEntryLocked(ctx, e); err != nil {
		return Entry{}, err
	}
	s.entries[userID] = e
	return e, nil
}

// Extend pushes an entry's expiry out by ttl from now, or from the current
// expiry when that lies further in the future.
func (s *Service) Extend(ctx context.Context, userID string, ttl time.Duration) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotListed, userID)
	}
	base := s.now()
	if e.ExpiresAt.After(base) {
		base = e.ExpiresAt
	}
	e.ExpiresAt = base.Add(ttl)
	if err := s.persistEntryLocked(ctx, e); err != nil {
		return Entry{}, err
	}
	s.entries[userID] = e
	return e, nil
}

// Remove revokes access.
func (s *Service) Remove(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotListed, userID)
	}
	if s.store != nil {
		if err := s.store.DeleteWhitelistEntry(ctx, userID); err != nil {
			return fmt.Errorf("delete whitelist entry %s: %w", userID, err)
		}
	}
	delete(s.entries, userID)
	return nil
}

// List returns all entries sorted by user id.
func (s *Service) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Find returns entries whose user id matches q exactly or whose username
// contains q, case-insensitively. An empty q matches nothing.
func (s *Service) Find(q string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q == "" {
		return nil
	}
	needle := strings.ToLower(strings.TrimPrefix(q, "@"))
	var out []Entry
	for _, e := range s.entries {
		if e.UserID == q || strings.Contains(strings.ToLower(e.Username), needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Expiring returns live entries whose expiry falls within the window.
func (s *Service) Expiring(within time.Duration) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	horizon := now.Add(within)
	var out []Entry
	for _, e := range s.entries {
		if e.ExpiresAt.IsZero() || !e.Live(now) {
			continue
		}
		if e.ExpiresAt.Before(horizon) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// PlaceBlock denies a requester for the given duration. A zero duration
// blocks permanently. Admins cannot be blocked.
func (s *Service) PlaceBlock(ctx context.Context, userID, reason, blockedBy string, d time.Duration) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admins[userID] {
		return Block{}, fmt.Errorf("whitelist: cannot block administrator %s", userID)
	}
	now := s.now()
	b := Block{UserID: userID, Reason: reason, BlockedBy: blockedBy, CreatedAt: now}
	if d > 0 {
		b.ExpiresAt = now.Add(d)
	}
	if s.store != nil {
		if err := s.store.UpsertBlock(ctx, b); err != nil {
			return Block{}, fmt.Errorf("persist block %s: %w", userID, err)
		}
	}
	s.blocks[userID] = b
	return b, nil
}

// Unblock lifts a block early.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[userID]; !ok {
		return fmt.Errorf("%w: no block for %s", ErrBlocked, userID)
	}
	if s.store != nil {
		if err := s.store.DeleteBlock(ctx, userID); err != nil {
			return fmt.Errorf("delete block %s: %w", userID, err)
		}
	}
	delete(s.blocks, userID)
	return nil
}

// Blocks returns all blocks, live and expired, sorted by user id.
func (s *Service) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PurgeExpired drops expired entries and blocks, returning how many records
// were removed. Run periodically by the scheduler.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, e := range s.entries {
		if e.Live(now) {
			continue
		}
		if s.store != nil {
			if err := s.store.DeleteWhitelistEntry(ctx, id); err != nil {
				return purged, fmt.Errorf("purge whitelist entry %s: %w", id, err)
			}
		}
		delete(s.entries, id)
		purged++
	}
	for id, b := range s.blocks {
		if b.Live(now) {
			continue
		}
		if s.store != nil {
			if err := s.store.DeleteBlock(ctx, id); err != nil {
				return purged, fmt.Errorf("purge block %s: %w", id, err)
			}
		}
		delete(s.blocks, id)
		purged++
	}
	return purged, nil
}

func (s *Service) persistEntryLocked(ctx context.Context, e Entry) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.UpsertWhitelistEntry(ctx, e); err != nil {
		return fmt.Errorf("persist whitelist entry %s: %w", e.UserID, err)
	}
	return nil
}

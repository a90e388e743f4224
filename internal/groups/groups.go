// Package groups tracks target groups: identity, invite link, daily quota
// and account assignments. Join-via-link resolution for new groups lives in
// the orchestrator, which owns the platform boundary; this registry is pure
// scheduling state.
package groups

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrNotFound     = errors.New("groups: not found")
	ErrExists       = errors.New("groups: already registered")
	ErrQuotaReached = errors.New("groups: daily invite quota reached")
	ErrInactive     = errors.New("groups: group is inactive")
)

// Group is a target group the pool invites into.
type Group struct {
	ID                  string
	Name                string
	InviteLink          string
	Active              bool
	MaxDailyInvites     int
	CurrentDailyInvites int
	AssignedAccounts    []string
}

// UnderQuota reports whether the group can take another invite today.
func (g Group) UnderQuota() bool {
	return g.MaxDailyInvites <= 0 || g.CurrentDailyInvites < g.MaxDailyInvites
}

// Store persists group state. The registry is the single writer.
type Store interface {
	UpsertGroup(ctx context.Context, g Group) error
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, id string) error
}

// Registry owns group records. Mutations are serialized behind one mutex and
// written through to the store, which stays the source of truth.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*Group
	store  Store
}

// NewRegistry merges configured seeds with durable state. Stored counters
// win over seeds; seeds introduce groups the store has not seen yet.
func NewRegistry(ctx context.Context, store Store, seeds []Group) (*Registry, error) {
	r := &Registry{
		groups: make(map[string]*Group),
		store:  store,
	}
	for _, seed := range seeds {
		g := seed
		r.groups[g.ID] = &g
	}
	if store != nil {
		stored, err := store.ListGroups(ctx)
		if err != nil {
			return nil, fmt.Errorf("load groups: %w", err)
		}
		for _, sg := range stored {
			if seed, ok := r.groups[sg.ID]; ok {
				// Config owns link, quota and assignments; the store owns counters.
				sg.InviteLink = seed.InviteLink
				sg.Name = seed.Name
				if seed.MaxDailyInvites > 0 {
					sg.MaxDailyInvites = seed.MaxDailyInvites
				}
				sg.AssignedAccounts = seed.AssignedAccounts
			}
			g := sg
			r.groups[g.ID] = &g
		}
		for _, g := range r.groups {
			if err := store.UpsertGroup(ctx, *g); err != nil {
				return nil, fmt.Errorf("persist group %s: %w", g.ID, err)
			}
		}
	}
	return r, nil
}

// Resolve returns the group record for id.
func (r *Registry) Resolve(id string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return *g, nil
}

// Create registers a group whose durable id has already been resolved.
func (r *Registry) Create(ctx context.Context, g Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return ErrExists
	}
	stored := g
	r.groups[g.ID] = &stored
	return r.persistLocked(ctx, &stored)
}

// RecordUsage increments the group's daily counter. It refuses once the
// quota is reached, so the counter never exceeds the ceiling.
func (r *Registry) RecordUsage(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return ErrNotFound
	}
	if !g.Active {
		return ErrInactive
	}
	if !g.UnderQuota() {
		return ErrQuotaReached
	}
	g.CurrentDailyInvites++
	return r.persistLocked(ctx, g)
}

// Selectable returns active under-quota groups ordered by current daily
// usage ascending, so lightly used groups absorb load first.
func (r *Registry) Selectable() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Group
	for _, g := range r.groups {
		if g.Active && g.UnderQuota() {
			out = append(out, *g)
		}
	}
	slices.SortFunc(out, func(a, b Group) int {
		if a.CurrentDailyInvites != b.CurrentDailyInvites {
			return a.CurrentDailyInvites - b.CurrentDailyInvites
		}
		return compareID(a.ID, b.ID)
	})
	return out
}

// Assign adds an account to the group's assignment set.
func (r *Registry) Assign(ctx context.Context, id, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(g.AssignedAccounts, session) {
		g.AssignedAccounts = append(g.AssignedAccounts, session)
	}
	return r.persistLocked(ctx, g)
}

// Unassign removes an account from the group's assignment set.
func (r *Registry) Unassign(ctx context.Context, id, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.AssignedAccounts = slices.DeleteFunc(g.AssignedAccounts, func(s string) bool { return s == session })
	return r.persistLocked(ctx, g)
}

// SetActive flips a group's availability.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.Active = active
	return r.persistLocked(ctx, g)
}

// Remove deletes a group by admin action.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[id]; !ok {
		return ErrNotFound
	}
	delete(r.groups, id)
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteGroup(ctx, id); err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}

// ResetDaily zeroes every group's daily counter.
func (r *Registry) ResetDaily(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		g.CurrentDailyInvites = 0
		if err := r.persistLocked(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns copies of all groups for the admin surface and stats.
func (r *Registry) Snapshot() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b Group) int { return compareID(a.ID, b.ID) })
	return out
}

func (r *Registry) persistLocked(ctx context.Context, g *Group) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpsertGroup(ctx, *g); err != nil {
		return fmt.Errorf("persist group %s: %w", g.ID, err)
	}
	return nil
}

func compareID(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

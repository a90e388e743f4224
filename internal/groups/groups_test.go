package groups

import (
	"context"
	"errors"
	"testing"
)

func seedGroups() []Group {
	return []Group{
		{ID: "-100", Name: "Main", InviteLink: "https://t.me/+aaa", Active: true, MaxDailyInvites: 100},
		{ID: "-200", Name: "Side", InviteLink: "https://t.me/+bbb", Active: true, MaxDailyInvites: 2},
		{ID: "-300", Name: "Closed", InviteLink: "https://t.me/+ccc", Active: false, MaxDailyInvites: 100},
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), nil, seedGroups())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRecordUsageEnforcesQuota(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.RecordUsage(ctx, "-200"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordUsage(ctx, "-200"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordUsage(ctx, "-200"); !errors.Is(err, ErrQuotaReached) {
		t.Fatalf("expected ErrQuotaReached, got %v", err)
	}
	g, _ := r.Resolve("-200")
	if g.CurrentDailyInvites != 2 {
		t.Fatalf("counter = %d, quota must cap it at 2", g.CurrentDailyInvites)
	}
}

func TestSelectableExcludesInactiveAndAtQuota(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_ = r.RecordUsage(ctx, "-200")
	_ = r.RecordUsage(ctx, "-200")

	sel := r.Selectable()
	if len(sel) != 1 || sel[0].ID != "-100" {
		t.Fatalf("selectable = %v, want only -100", sel)
	}
}

func TestSelectableOrdersByUsage(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_ = r.SetActive(ctx, "-300", true)
	_ = r.RecordUsage(ctx, "-100")

	sel := r.Selectable()
	if len(sel) != 3 {
		t.Fatalf("selectable = %d groups, want 3", len(sel))
	}
	if sel[0].CurrentDailyInvites > sel[len(sel)-1].CurrentDailyInvites {
		t.Fatal("selectable not ordered by usage ascending")
	}
	if sel[len(sel)-1].ID != "-100" {
		t.Fatalf("most used group should sort last, got %s", sel[len(sel)-1].ID)
	}
}

func TestAssignUnassign(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.Assign(ctx, "-100", "acc_a"); err != nil {
		t.Fatal(err)
	}
	// Assigning twice stays idempotent.
	if err := r.Assign(ctx, "-100", "acc_a"); err != nil {
		t.Fatal(err)
	}
	g, _ := r.Resolve("-100")
	if len(g.AssignedAccounts) != 1 {
		t.Fatalf("assignments = %v", g.AssignedAccounts)
	}
	if err := r.Unassign(ctx, "-100", "acc_a"); err != nil {
		t.Fatal(err)
	}
	g, _ = r.Resolve("-100")
	if len(g.AssignedAccounts) != 0 {
		t.Fatalf("assignments after unassign = %v", g.AssignedAccounts)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	r := newRegistry(t)
	err := r.Create(context.Background(), Group{ID: "-100", Name: "Dup", InviteLink: "https://t.me/+x", Active: true})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRemoveAndResolve(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.Remove(ctx, "-300"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("-300"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetDaily(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_ = r.RecordUsage(ctx, "-100")
	if err := r.ResetDaily(ctx); err != nil {
		t.Fatal(err)
	}
	g, _ := r.Resolve("-100")
	if g.CurrentDailyInvites != 0 {
		t.Fatalf("counter = %d after reset", g.CurrentDailyInvites)
	}
}

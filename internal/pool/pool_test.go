package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedAccounts() []Account {
	return []Account{
		{Session: "acc_a", Active: true, DailyCeiling: 50, LastUsed: time.Unix(100, 0)},
		{Session: "acc_b", Active: true, DailyCeiling: 50, LastUsed: time.Unix(50, 0)},
		{Session: "acc_c", Active: true, DailyCeiling: 50, LastUsed: time.Unix(200, 0), GroupsAssigned: []string{"-200"}},
	}
}

func newManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), nil, seedAccounts(), WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSelectPrefersLeastRecentlyUsed(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)

	acc, err := m.Select(context.Background(), "-100")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session != "acc_b" {
		t.Fatalf("selected %s, want acc_b (oldest last_used)", acc.Session)
	}
}

func TestSelectRespectsAssignment(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)

	// acc_c is restricted to -200; for -200 it competes, for -100 it does not.
	acc, err := m.Select(context.Background(), "-200")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session != "acc_b" {
		t.Fatalf("selected %s, want acc_b", acc.Session)
	}
	m.Release(acc.Session)

	if err := m.Suspend(context.Background(), "acc_a", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := m.Suspend(context.Background(), "acc_b", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Select(context.Background(), "-100"); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("acc_c must not serve -100, got %v", err)
	}
	acc, err = m.Select(context.Background(), "-200")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session != "acc_c" {
		t.Fatalf("selected %s, want acc_c", acc.Session)
	}
}

func TestSelectSkipsAtCeiling(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := m.CommitUsage(ctx, "acc_b", now); err != nil {
			t.Fatal(err)
		}
	}
	acc, err := m.Select(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session == "acc_b" {
		t.Fatal("account at daily ceiling must not be selected")
	}
}

func TestSelectReservesUntilRelease(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)
	ctx := context.Background()

	first, err := m.Select(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Select(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	if first.Session == second.Session {
		t.Fatal("same account selected twice while in flight")
	}
	m.Release(first.Session)
	m.Release(second.Session)
}

func TestSuspendAndLazyReactivate(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)
	ctx := context.Background()

	if err := m.Suspend(ctx, "acc_b", now.Add(600*time.Second)); err != nil {
		t.Fatal(err)
	}
	acc, err := m.Select(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session == "acc_b" {
		t.Fatal("suspended account selected")
	}
	m.Release(acc.Session)

	now = now.Add(601 * time.Second)
	// acc_b's last_used is the oldest, so once the suspension elapses it is
	// selected again without waiting for the sweep.
	acc, err = m.Select(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Session != "acc_b" {
		t.Fatalf("selected %s, want reactivated acc_b", acc.Session)
	}
}

func TestReactivateDueSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)
	ctx := context.Background()

	_ = m.Suspend(ctx, "acc_a", now.Add(10*time.Second))
	_ = m.Suspend(ctx, "acc_b", now.Add(time.Hour))

	now = now.Add(11 * time.Second)
	if n := m.ReactivateDue(ctx); n != 1 {
		t.Fatalf("reactivated %d accounts, want 1", n)
	}
	available, suspended := m.Counts()
	if available != 2 || suspended != 1 {
		t.Fatalf("counts = (%d,%d), want (2,1)", available, suspended)
	}
}

func TestResetDaily(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(t, &now)
	ctx := context.Background()

	_ = m.CommitUsage(ctx, "acc_a", now)
	_ = m.CommitUsage(ctx, "acc_a", now)
	if err := m.ResetDaily(ctx); err != nil {
		t.Fatal(err)
	}
	for _, acc := range m.Snapshot() {
		if acc.DailyInvites != 0 {
			t.Fatalf("account %s daily count = %d after reset", acc.Session, acc.DailyInvites)
		}
	}
}

type flakyStore struct {
	err error
}

func (s *flakyStore) UpsertAccount(ctx context.Context, acc Account) error { return s.err }

func (s *flakyStore) ListAccounts(ctx context.Context) ([]Account, error) { return nil, nil }

func TestReactivateProceedsWhenPersistFails(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &flakyStore{}
	m, err := NewManager(context.Background(), store, seedAccounts(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Suspend(context.Background(), "acc_a", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.Suspend(context.Background(), "acc_b", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	// The store goes away while the suspensions elapse; memory must still
	// come back so invitations keep flowing.
	store.err = errors.New("connection refused")
	now = now.Add(2 * time.Minute)

	if n := m.ReactivateDue(context.Background()); n != 2 {
		t.Fatalf("reactivated = %d, want 2", n)
	}
	for _, acc := range m.Snapshot() {
		if acc.Session != "acc_c" && !acc.Active {
			t.Fatalf("%s still inactive after sweep", acc.Session)
		}
	}

	if err := m.Suspend(context.Background(), "acc_c", now.Add(time.Minute)); err == nil {
		t.Fatal("suspend must surface the persist failure")
	}
}

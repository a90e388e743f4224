package whitelist

import (
	"context"
	"testing"
	"time"
)

func newTestService(t *testing.T, admins []string) (*Service, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewService(context.Background(), nil, admins, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	return s, &now
}

func TestAuthorizeLifecycle(t *testing.T) {
	s, now := newTestService(t, nil)

	if ok, reason, _ := s.Authorize(context.Background(), "user1"); ok || reason == "" {
		t.Fatalf("unknown user: ok=%v reason=%q", ok, reason)
	}

	if _, err := s.Add(context.Background(), "user1", "", "admin1", 48*time.Hour, ""); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := s.Authorize(context.Background(), "user1"); !ok {
		t.Fatal("listed user must be allowed")
	}

	*now = now.Add(49 * time.Hour)
	if ok, reason, _ := s.Authorize(context.Background(), "user1"); ok || reason != "your whitelist access has expired" {
		t.Fatalf("expired entry: ok=%v reason=%q", ok, reason)
	}
}

func TestPermanentEntryNeverExpires(t *testing.T) {
	s, now := newTestService(t, nil)

	if _, err := s.Add(context.Background(), "user1", "", "admin1", 0, "vip"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(1000 * 24 * time.Hour)
	if ok, _, _ := s.Authorize(context.Background(), "user1"); !ok {
		t.Fatal("permanent entry expired")
	}
}

func TestBlockWinsOverEntry(t *testing.T) {
	s, now := newTestService(t, nil)

	if _, err := s.Add(context.Background(), "user1", "", "admin1", 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlaceBlock(context.Background(), "user1", "spam", "admin1", 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := s.Authorize(context.Background(), "user1"); ok {
		t.Fatal("blocked user must be denied")
	}

	// The block lapses on its own; the entry is still there.
	*now = now.Add(25 * time.Hour)
	if ok, _, _ := s.Authorize(context.Background(), "user1"); !ok {
		t.Fatal("lapsed block must not deny")
	}
}

func TestUnblockLiftsEarly(t *testing.T) {
	s, _ := newTestService(t, nil)

	if _, err := s.Add(context.Background(), "user1", "", "admin1", 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlaceBlock(context.Background(), "user1", "spam", "admin1", 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Unblock(context.Background(), "user1"); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := s.Authorize(context.Background(), "user1"); !ok {
		t.Fatal("unblocked user must be allowed")
	}
}

func TestAdminBypassesEverything(t *testing.T) {
	s, _ := newTestService(t, []string{"boss"})

	if ok, _, _ := s.Authorize(context.Background(), "boss"); !ok {
		t.Fatal("admin must always be allowed")
	}
	if _, err := s.PlaceBlock(context.Background(), "boss", "oops", "boss", 0); err == nil {
		t.Fatal("blocking an admin must fail")
	}
	if !s.IsAdmin("boss") || s.IsAdmin("user1") {
		t.Fatal("IsAdmin mismatch")
	}
}

func TestExtendPushesExpiry(t *testing.T) {
	s, now := newTestService(t, nil)

	if _, err := s.Add(context.Background(), "user1", "", "admin1", 24*time.Hour, ""); err != nil {
		t.Fatal(err)
	}
	e, err := s.Extend(context.Background(), "user1", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(48 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %s, want %s", e.ExpiresAt, want)
	}

	if _, err := s.Extend(context.Background(), "ghost", time.Hour); err == nil {
		t.Fatal("extending an unknown user must fail")
	}
}

func TestExpiringWindow(t *testing.T) {
	s, _ := newTestService(t, nil)

	s.Add(context.Background(), "soon", "", "admin1", 2*time.Hour, "")
	s.Add(context.Background(), "later", "", "admin1", 72*time.Hour, "")
	s.Add(context.Background(), "forever", "", "admin1", 0, "")

	got := s.Expiring(24 * time.Hour)
	if len(got) != 1 || got[0].UserID != "soon" {
		t.Fatalf("expiring = %+v, want just 'soon'", got)
	}
}

func TestPurgeExpired(t *testing.T) {
	s, now := newTestService(t, nil)

	s.Add(context.Background(), "old", "", "admin1", time.Hour, "")
	s.Add(context.Background(), "fresh", "", "admin1", 48*time.Hour, "")
	s.PlaceBlock(context.Background(), "troll", "spam", "admin1", time.Hour)

	*now = now.Add(2 * time.Hour)
	purged, err := s.PurgeExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if len(s.List()) != 1 || len(s.Blocks()) != 0 {
		t.Fatalf("list=%d blocks=%d after purge", len(s.List()), len(s.Blocks()))
	}
}

func TestFindByIDAndUsername(t *testing.T) {
	s, _ := newTestService(t, nil)

	s.Add(context.Background(), "1001", "Alice", "admin1", 0, "")
	s.Add(context.Background(), "1002", "alicia", "admin1", 0, "")
	s.Add(context.Background(), "1003", "bob", "admin1", 0, "")

	if got := s.Find("1003"); len(got) != 1 || got[0].Username != "bob" {
		t.Fatalf("by id = %+v", got)
	}
	if got := s.Find("@alic"); len(got) != 2 {
		t.Fatalf("by username = %+v", got)
	}
	if got := s.Find(""); got != nil {
		t.Fatalf("empty query = %+v", got)
	}
}

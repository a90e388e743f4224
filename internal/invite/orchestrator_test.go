package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"invitegate.org/internal/cooldown"
	"invitegate.org/internal/groups"
	"invitegate.org/internal/pool"
)

type fakeGate struct {
	allow  bool
	reason string
	err    error
}

func (g *fakeGate) Authorize(ctx context.Context, requesterID string) (bool, string, error) {
	return g.allow, g.reason, g.err
}

type inviteCall struct {
	session, groupID, requester string
}

type fakePlatform struct {
	mu sync.Mutex

	joinObj  GroupObject
	joinErrs []error // consumed one per JoinByLink call, nil joinObj applies after

	inviteErrs []error // consumed one per InviteUser call
	onInvite   func() // runs on every InviteUser call

	joins   int
	invites []inviteCall
}

func (p *fakePlatform) JoinByLink(ctx context.Context, session, link string) (GroupObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins++
	if len(p.joinErrs) > 0 {
		err := p.joinErrs[0]
		p.joinErrs = p.joinErrs[1:]
		if err != nil {
			return GroupObject{}, err
		}
	}
	return p.joinObj, nil
}

func (p *fakePlatform) InviteUser(ctx context.Context, session, groupID, requesterID string) error {
	p.mu.Lock()
	p.invites = append(p.invites, inviteCall{session, groupID, requesterID})
	var err error
	if len(p.inviteErrs) > 0 {
		err = p.inviteErrs[0]
		p.inviteErrs = p.inviteErrs[1:]
	}
	hook := p.onInvite
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (p *fakePlatform) MemberCount(ctx context.Context, session, groupID string) (int, error) {
	return 0, nil
}

func (p *fakePlatform) Ping(ctx context.Context, session string) error { return nil }

type fakeHistory struct {
	mu   sync.Mutex
	recs []Record
}

func (h *fakeHistory) AppendInvitation(ctx context.Context, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func (h *fakeHistory) FindByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key == "" {
		return nil, nil
	}
	for i := len(h.recs) - 1; i >= 0; i-- {
		if h.recs[i].IdempotencyKey == key {
			rec := h.recs[i]
			return &rec, nil
		}
	}
	return nil, nil
}

type fixture struct {
	orch     *Orchestrator
	platform *fakePlatform
	history  *fakeHistory
	pool     *pool.Manager
	registry *groups.Registry
	ledger   *cooldown.Ledger
	now      *time.Time
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func newFixture(t *testing.T, accounts []pool.Account, grps []groups.Group, policy Policy, platform *fakePlatform) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledger, err := cooldown.NewLedger(context.Background(), nil, cooldown.WithClock(clock))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	pm, err := pool.NewManager(context.Background(), nil, accounts, pool.WithClock(clock))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	reg, err := groups.NewRegistry(context.Background(), nil, grps)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	history := &fakeHistory{}
	orch := New(&fakeGate{allow: true}, ledger, pm, reg, platform, history, policy,
		WithClock(clock),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	return &fixture{orch: orch, platform: platform, history: history, pool: pm, registry: reg, ledger: ledger, now: &now}
}

func defaultPolicy() Policy {
	return Policy{
		RequesterCooldown: 180 * time.Second,
		GroupCooldown:     3 * time.Second,
		ReinviteSpacing:   24 * time.Hour,
		ConsumeOnFailure:  true,
	}
}

func testAccounts() []pool.Account {
	return []pool.Account{
		{Session: "acc_a", Active: true, DailyCeiling: 50},
		{Session: "acc_b", Active: true, DailyCeiling: 50},
	}
}

func testGroups() []groups.Group {
	return []groups.Group{
		{ID: "-100200", Name: "Main Group", InviteLink: "https://t.me/+main", Active: true, MaxDailyInvites: 100},
	}
}

func TestInviteSuccessCommitsOnce(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200", Title: "Main Group"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if res.GroupID != "-100200" || res.InviteLink != "https://t.me/+main" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.RecordID == "" {
		t.Fatal("success result must carry a record id")
	}

	g, err := f.registry.Resolve("-100200")
	if err != nil {
		t.Fatal(err)
	}
	if g.CurrentDailyInvites != 1 {
		t.Fatalf("group usage = %d, want 1", g.CurrentDailyInvites)
	}
	var total int
	for _, acc := range f.pool.Snapshot() {
		total += acc.DailyInvites
	}
	if total != 1 {
		t.Fatalf("pool usage = %d, want exactly 1", total)
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != OutcomeSuccess {
		t.Fatalf("history = %+v, want one success record", f.history.recs)
	}
	if f.history.recs[0].IdempotencyKey == "" {
		t.Fatal("success record must carry an idempotency key")
	}
}

func TestInviteRequesterCooldownBlocks(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	if res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("first attempt: %s (%s)", res.Outcome, res.Reason)
	}

	f.advance(65 * time.Second)
	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if res.Outcome != OutcomeCooldownActive {
		t.Fatalf("outcome = %s, want cooldown_active", res.Outcome)
	}
	if res.RetryAfter != 115*time.Second {
		t.Fatalf("retry after = %s, want 115s", res.RetryAfter)
	}
	if got := len(f.platform.invites); got != 1 {
		t.Fatalf("platform invites = %d, want 1", got)
	}
}

func TestInvitePreviewShapeKeepsConfiguredID(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapePreview, Title: "Main Group"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(platform.invites) != 1 || platform.invites[0].groupID != "-100200" {
		t.Fatalf("invite calls = %+v, want configured id", platform.invites)
	}
}

func TestInviteShapeMismatchFallsBackToConfiguredID(t *testing.T) {
	platform := &fakePlatform{joinErrs: []error{ErrShapeMismatch}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(platform.invites) != 1 || platform.invites[0].groupID != "-100200" {
		t.Fatalf("invite calls = %+v, want configured id fallback", platform.invites)
	}
}

func TestInviteJoinAlreadyMemberIsBenign(t *testing.T) {
	platform := &fakePlatform{joinErrs: []error{ErrAlreadyMember}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestInviteUnauthorizedConsumesNothing(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	gate := &fakeGate{allow: false, reason: "not on the list"}
	f.orch.gate = gate

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if res.Outcome != OutcomeUnauthorized || res.Reason != "not on the list" {
		t.Fatalf("res = %+v", res)
	}
	if len(f.history.recs) != 0 {
		t.Fatalf("denied request must not leave history, got %d records", len(f.history.recs))
	}

	// The denial must not have burned any cooldown budget.
	gate.allow = true
	if res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("after re-allow: %s (%s)", res.Outcome, res.Reason)
	}
}

func TestInviteRateLimitedReselectsOnce(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{&RateLimitedError{Wait: 10 * time.Minute}},
	}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(platform.invites) != 2 {
		t.Fatalf("invite calls = %d, want 2", len(platform.invites))
	}
	if platform.invites[0].session == platform.invites[1].session {
		t.Fatal("retry must use a different account")
	}
	if _, suspended := f.pool.Counts(); suspended != 1 {
		t.Fatalf("suspended = %d, want 1", suspended)
	}
}

func TestInviteRateLimitedNoSpareAccount(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{&RateLimitedError{Wait: 10 * time.Minute}},
	}
	single := []pool.Account{{Session: "acc_a", Active: true, DailyCeiling: 50}}
	f := newFixture(t, single, testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("outcome = %s, want rate_limited", res.Outcome)
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != OutcomeRateLimited {
		t.Fatalf("history = %+v", f.history.recs)
	}
}

func TestInviteNoCapacityWhenPoolDry(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, nil, testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if res.Outcome != OutcomeNoCapacity {
		t.Fatalf("outcome = %s, want no_capacity", res.Outcome)
	}
	if platform.joins != 0 {
		t.Fatal("platform must not be touched without a pairing")
	}
}

func TestInviteReinviteSpacingBlocksSameGroup(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	if res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("first: %s (%s)", res.Outcome, res.Reason)
	}

	// Requester cooldown long elapsed, reinvite spacing not.
	f.advance(2 * time.Hour)
	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeCooldownActive {
		t.Fatalf("outcome = %s, want cooldown_active", res.Outcome)
	}

	// A different requester is unaffected.
	if res := f.orch.Invite(context.Background(), Request{RequesterID: "user2", GroupID: "-100200"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("other requester: %s (%s)", res.Outcome, res.Reason)
	}

	// After the spacing window the same pairing works again.
	f.advance(23 * time.Hour)
	if res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("after window: %s (%s)", res.Outcome, res.Reason)
	}
}

func TestInviteAutoPickSkipsRecentGroups(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	grps := []groups.Group{
		{ID: "-100200", Name: "First", InviteLink: "https://t.me/+a", Active: true, MaxDailyInvites: 100},
		{ID: "-100300", Name: "Second", InviteLink: "https://t.me/+b", Active: true, MaxDailyInvites: 100},
	}
	f := newFixture(t, testAccounts(), grps, defaultPolicy(), platform)

	first := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if first.Outcome != OutcomeSuccess {
		t.Fatalf("first: %s (%s)", first.Outcome, first.Reason)
	}

	f.advance(2 * time.Hour)
	second := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if second.Outcome != OutcomeSuccess {
		t.Fatalf("second: %s (%s)", second.Outcome, second.Reason)
	}
	if second.GroupID == first.GroupID {
		t.Fatalf("second invite reused %s within the reinvite window", first.GroupID)
	}
}

func TestInviteNetworkErrorsRetryThenSucceed(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{ErrNetwork, ErrNetwork, nil},
	}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(platform.invites) != 3 {
		t.Fatalf("invite calls = %d, want 3", len(platform.invites))
	}
}

func TestInviteNetworkErrorsExhaustRetries(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{ErrNetwork, ErrNetwork, ErrNetwork},
	}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("outcome = %s, want network_error", res.Outcome)
	}

	g, _ := f.registry.Resolve("-100200")
	if g.CurrentDailyInvites != 0 {
		t.Fatal("failed attempt must not count against the group quota")
	}
}

func TestInvitePrivacyRestrictedClassified(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{ErrPrivacyRestricted},
	}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomePrivacyRestricted {
		t.Fatalf("outcome = %s, want privacy_restricted", res.Outcome)
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != OutcomePrivacyRestricted {
		t.Fatalf("history = %+v", f.history.recs)
	}
}

func TestInviteDedupReturnsOriginalSuccess(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	first := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if first.Outcome != OutcomeSuccess {
		t.Fatalf("first: %s (%s)", first.Outcome, first.Reason)
	}

	// A replay inside the window short-circuits before any cooldown check.
	f.advance(time.Minute)
	second := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if second.Outcome != OutcomeSuccess {
		t.Fatalf("replay: %s (%s)", second.Outcome, second.Reason)
	}
	if second.RecordID != first.RecordID {
		t.Fatalf("replay record %q, want original %q", second.RecordID, first.RecordID)
	}
	if len(platform.invites) != 1 {
		t.Fatalf("platform invites = %d, want 1", len(platform.invites))
	}
	if len(f.history.recs) != 1 {
		t.Fatalf("history = %d records, want 1", len(f.history.recs))
	}
}

func TestInviteRevertsCooldownWhenPolicySaysSo(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200"},
		inviteErrs: []error{ErrPermissionDenied, nil},
	}
	policy := defaultPolicy()
	policy.ConsumeOnFailure = false
	f := newFixture(t, testAccounts(), testGroups(), policy, platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomePermissionDenied {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	// Stamp reverted, an immediate retry is allowed.
	f.advance(time.Second)
	res = f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("retry: %s (%s)", res.Outcome, res.Reason)
	}
}

func TestInviteGroupQuotaExhausted(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	grps := []groups.Group{
		{ID: "-100200", InviteLink: "https://t.me/+main", Active: true, MaxDailyInvites: 1, CurrentDailyInvites: 1},
	}
	f := newFixture(t, testAccounts(), grps, defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeNoCapacity {
		t.Fatalf("outcome = %s, want no_capacity", res.Outcome)
	}
}

func TestInviteQuotaFilledDuringCommitKeepsSuccessRecord(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200", Title: "Main Group"}}
	grps := []groups.Group{
		{ID: "-100200", Name: "Main Group", InviteLink: "https://t.me/+main", Active: true, MaxDailyInvites: 1},
	}
	f := newFixture(t, testAccounts(), grps, defaultPolicy(), platform)

	// A concurrent request claims the last quota slot while the platform call
	// is in flight, so the usage commit of this request is refused.
	platform.onInvite = func() {
		if err := f.registry.RecordUsage(context.Background(), "-100200"); err != nil {
			t.Errorf("racing usage commit: %v", err)
		}
	}

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if res.RecordID == "" {
		t.Fatal("success result must carry a record id")
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != OutcomeSuccess {
		t.Fatalf("history = %+v, want one success record", f.history.recs)
	}
	g, err := f.registry.Resolve("-100200")
	if err != nil {
		t.Fatal(err)
	}
	if g.CurrentDailyInvites != 1 {
		t.Fatalf("group usage = %d, want 1 despite the refused commit", g.CurrentDailyInvites)
	}
}

func TestInviteTimeoutUnknownThenReplayIsIdempotent(t *testing.T) {
	platform := &fakePlatform{
		joinObj:    GroupObject{Shape: ShapeFull, ID: "-100200", Title: "Main Group"},
		inviteErrs: []error{context.DeadlineExceeded},
	}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeTimeoutUnknown {
		t.Fatalf("outcome = %s (%s), want timeout_unknown", res.Outcome, res.Reason)
	}
	if len(f.history.recs) != 1 || f.history.recs[0].IdempotencyKey == "" {
		t.Fatalf("history = %+v, want one keyed timeout record", f.history.recs)
	}
	g, _ := f.registry.Resolve("-100200")
	if g.CurrentDailyInvites != 0 {
		t.Fatalf("group usage = %d, nothing may commit while the outcome is unknown", g.CurrentDailyInvites)
	}

	// Past the requester cooldown but still inside the 15-minute idempotency
	// window: the retry runs the pipeline again and shares the record key.
	f.advance(185 * time.Second)
	res = f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("retry outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if len(f.history.recs) != 2 || f.history.recs[1].IdempotencyKey != f.history.recs[0].IdempotencyKey {
		t.Fatalf("history = %+v, want the retry to share the timeout record's key", f.history.recs)
	}

	// A further replay in the same window dedups to the committed success
	// without touching the platform or the counters again.
	replay := f.orch.Invite(context.Background(), Request{RequesterID: "user1", GroupID: "-100200"})
	if replay.Outcome != OutcomeSuccess || replay.RecordID != f.history.recs[1].ID {
		t.Fatalf("replay = %+v, want the original success", replay)
	}
	if len(platform.invites) != 2 {
		t.Fatalf("platform invites = %d, want 2", len(platform.invites))
	}
	g, _ = f.registry.Resolve("-100200")
	if g.CurrentDailyInvites != 1 {
		t.Fatalf("group usage = %d, want exactly 1", g.CurrentDailyInvites)
	}
}

func TestInviteStoreFailureFailsClosed(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100200"}}
	f := newFixture(t, testAccounts(), testGroups(), defaultPolicy(), platform)
	f.orch.gate = &fakeGate{err: errors.New("connection refused")}

	res := f.orch.Invite(context.Background(), Request{RequesterID: "user1"})
	if res.Outcome != OutcomeStoreUnavailable {
		t.Fatalf("outcome = %s, want store_unavailable", res.Outcome)
	}
}

func TestRegisterGroupFullShape(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapeFull, ID: "-100999", Title: "New Group"}}
	f := newFixture(t, testAccounts(), nil, defaultPolicy(), platform)

	g, err := f.orch.RegisterGroup(context.Background(), "", "https://t.me/+new", "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "-100999" || g.Name != "New Group" || !g.Active {
		t.Fatalf("group = %+v", g)
	}
	stored, err := f.registry.Resolve("-100999")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.AssignedAccounts) != 1 {
		t.Fatalf("assigned = %v, want the joining account", stored.AssignedAccounts)
	}
}

func TestRegisterGroupPreviewRequiresExplicitID(t *testing.T) {
	platform := &fakePlatform{joinObj: GroupObject{Shape: ShapePreview, Title: "Preview Only"}}
	f := newFixture(t, testAccounts(), nil, defaultPolicy(), platform)

	if _, err := f.orch.RegisterGroup(context.Background(), "Preview Only", "https://t.me/+p", "", 100); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}

	g, err := f.orch.RegisterGroup(context.Background(), "Preview Only", "https://t.me/+p", "-100111", 100)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "-100111" {
		t.Fatalf("id = %s", g.ID)
	}
}

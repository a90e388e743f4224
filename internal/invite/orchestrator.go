// Package invite implements the invitation orchestration pipeline: authorize,
// consume cooldowns, pair an account with a group, execute the platform
// invite with a tiered shape-mismatch fallback, classify the outcome and
// commit counters and history.
package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invitegate.org/internal/cooldown"
	"invitegate.org/internal/groups"
	"invitegate.org/internal/ids"
	"invitegate.org/internal/obs"
	"invitegate.org/internal/pool"
)

func newRecordID(at time.Time) string { return ids.NewAt(at) }

// Policy carries the tunables of the pipeline.
type Policy struct {
	RequesterCooldown time.Duration
	GroupCooldown     time.Duration
	ReinviteSpacing   time.Duration
	// ConsumeOnFailure keeps cooldown stamps consumed even when the attempt
	// fails. Disabling it reverts stamps for attempts that never benefited.
	ConsumeOnFailure bool
	NetworkRetries   int
	NetworkBackoff   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.NetworkRetries <= 0 {
		p.NetworkRetries = 3
	}
	if p.NetworkBackoff <= 0 {
		p.NetworkBackoff = 500 * time.Millisecond
	}
	return p
}

// Orchestrator coordinates the gate, the cooldown ledger, the account pool,
// the group registry and the platform. Requests run the pipeline strictly
// once; recovery is a fresh request, never mid-pipeline resumption.
type Orchestrator struct {
	gate      Gate
	cooldowns *cooldown.Ledger
	pool      *pool.Manager
	registry  *groups.Registry
	platform  Platform
	history   HistoryStore
	policy    Policy
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithSleep overrides the backoff sleeper (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// New wires the orchestrator.
func New(gate Gate, cd *cooldown.Ledger, pm *pool.Manager, reg *groups.Registry, platform Platform, history HistoryStore, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:      gate,
		cooldowns: cd,
		pool:      pm,
		registry:  reg,
		platform:  platform,
		history:   history,
		policy:    policy.withDefaults(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invite runs the full pipeline for one request and returns a structured
// terminal result. Platform and store failures are classified, never leaked.
func (o *Orchestrator) Invite(ctx context.Context, req Request) Result {
	start := o.now()
	res := o.run(ctx, req)
	obs.ObserveInvite(string(res.Outcome), o.now().Sub(start))
	obs.SetPoolGauges(o.pool.Counts())
	obs.SetSelectableGroups(len(o.registry.Selectable()))
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request) Result {
	// Authorization comes strictly first: a denied request never consumes
	// cooldown budget and leaves no history row.
	allowed, reason, err := o.gate.Authorize(ctx, req.RequesterID)
	if err != nil {
		return o.storeFailure(req, "", "authorize", err)
	}
	if !allowed {
		return Result{Outcome: OutcomeUnauthorized, Reason: reason}
	}

	// Replays of a recent attempt with an unknown outcome must not run the
	// pipeline again once the original is known to have succeeded.
	if req.GroupID != "" {
		if prior := o.dedup(ctx, req.RequesterID, req.GroupID); prior != nil {
			return *prior
		}
	}

	reqStamp, err := o.cooldowns.TryConsume(ctx, cooldown.KindRequester, req.RequesterID, o.policy.RequesterCooldown)
	if err != nil {
		return o.storeFailure(req, "", "requester cooldown", err)
	}
	if !reqStamp.Allowed {
		res := Result{
			Outcome:    OutcomeCooldownActive,
			Reason:     fmt.Sprintf("please wait %s before the next invitation", reqStamp.Remaining.Round(time.Second)),
			RetryAfter: reqStamp.Remaining,
			GroupID:    req.GroupID,
		}
		o.appendRecord(ctx, req, "", "", res, "")
		return res
	}

	g, acc, groupStamp, res := o.selectPairing(ctx, req)
	if res != nil {
		o.revertOnFailure(ctx, req.RequesterID, "", reqStamp, cooldown.Result{})
		o.appendRecord(ctx, req, "", "", *res, "")
		return *res
	}
	// acc may be swapped for a fresh account after a rate limit; release
	// whichever one the pipeline ends with.
	defer func() { o.pool.Release(acc.Session) }()

	if req.GroupID == "" {
		if prior := o.dedup(ctx, req.RequesterID, g.ID); prior != nil {
			return *prior
		}
	}

	outcome, detail := o.execute(ctx, &acc, g, req.RequesterID)

	if outcome != OutcomeSuccess {
		o.revertOnFailure(ctx, req.RequesterID, g.ID, reqStamp, groupStamp)
		res := failureResult(outcome, detail, g)
		key := ""
		if outcome == OutcomeTimeoutUnknown {
			key = IdempotencyKey(req.RequesterID, g.ID, o.now())
		}
		o.appendRecord(ctx, req, g.ID, acc.Session, res, key)
		return res
	}

	return o.commitSuccess(ctx, req, g, acc)
}

// selectPairing narrows the feasible (account, group) set: candidate groups
// are active, under quota and outside the per-requester reinvite window;
// accounts are taken from the pool's joint filter. The group cooldown is
// consumed only after an account is reserved so a dry pool does not burn the
// group's budget.
func (o *Orchestrator) selectPairing(ctx context.Context, req Request) (groups.Group, pool.Account, cooldown.Result, *Result) {
	var candidates []groups.Group
	if req.GroupID != "" {
		g, err := o.registry.Resolve(req.GroupID)
		if err != nil || !g.Active || !g.UnderQuota() {
			return groups.Group{}, pool.Account{}, cooldown.Result{}, &Result{
				Outcome: OutcomeNoCapacity,
				Reason:  "no available groups for invitation right now",
				GroupID: req.GroupID,
			}
		}
		if o.reinviteBlocked(req.RequesterID, g.ID) {
			return groups.Group{}, pool.Account{}, cooldown.Result{}, &Result{
				Outcome: OutcomeCooldownActive,
				Reason:  "you were invited to this group recently",
				GroupID: req.GroupID,
			}
		}
		candidates = []groups.Group{g}
	} else {
		for _, g := range o.registry.Selectable() {
			if !o.reinviteBlocked(req.RequesterID, g.ID) {
				candidates = append(candidates, g)
			}
		}
	}

	var minRemaining time.Duration
	for _, g := range candidates {
		acc, err := o.pool.Select(ctx, g.ID)
		if errors.Is(err, pool.ErrNoneAvailable) {
			continue
		}
		stamp, err := o.cooldowns.TryConsume(ctx, cooldown.KindGroup, g.ID, o.policy.GroupCooldown)
		if err != nil {
			o.pool.Release(acc.Session)
			fail := o.storeFailure(req, g.ID, "group cooldown", err)
			return groups.Group{}, pool.Account{}, cooldown.Result{}, &fail
		}
		if !stamp.Allowed {
			o.pool.Release(acc.Session)
			if minRemaining == 0 || stamp.Remaining < minRemaining {
				minRemaining = stamp.Remaining
			}
			continue
		}
		return g, acc, stamp, nil
	}

	if minRemaining > 0 {
		return groups.Group{}, pool.Account{}, cooldown.Result{}, &Result{
			Outcome:    OutcomeCooldownActive,
			Reason:     fmt.Sprintf("group cooldown: wait %s", minRemaining.Round(time.Second)),
			RetryAfter: minRemaining,
			GroupID:    req.GroupID,
		}
	}
	return groups.Group{}, pool.Account{}, cooldown.Result{}, &Result{
		Outcome: OutcomeNoCapacity,
		Reason:  "no available accounts to send the invitation right now",
		GroupID: req.GroupID,
	}
}

// execute runs the platform operation, retrying once with a different
// account when the platform rate-limits the first.
func (o *Orchestrator) execute(ctx context.Context, acc *pool.Account, g groups.Group, requesterID string) (Outcome, string) {
	for attempt := 0; ; attempt++ {
		err := o.perform(ctx, acc.Session, g, requesterID)
		if err == nil {
			return OutcomeSuccess, ""
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			resumeAt := o.now().Add(rl.Wait)
			if serr := o.pool.Suspend(ctx, acc.Session, resumeAt); serr != nil {
				obs.Event("invite.suspend_failed", map[string]any{"account": acc.Session, "error": serr.Error()})
			}
			obs.Event("invite.rate_limited", map[string]any{
				"account": acc.Session, "group": g.ID, "wait_seconds": int(rl.Wait.Seconds()),
			})
			if attempt == 0 {
				o.pool.Release(acc.Session)
				next, serr := o.pool.Select(ctx, g.ID)
				if serr == nil {
					*acc = next
					continue
				}
			}
			return OutcomeRateLimited, fmt.Sprintf("platform rate limit, resume in %s", rl.Wait)
		}

		return o.classify(ctx, err)
	}
}

// perform executes the invite with the tiered group-object fallback:
// a fresh full object's id wins; a preview keeps the configured id; a shape
// mismatch on join falls back to the configured id unconditionally.
// Unrelated join errors short-circuit without burning further tiers.
func (o *Orchestrator) perform(ctx context.Context, session string, g groups.Group, requesterID string) error {
	targetID := g.ID

	var obj GroupObject
	err := o.retryNetwork(ctx, func() error {
		var jerr error
		obj, jerr = o.platform.JoinByLink(ctx, session, g.InviteLink)
		return jerr
	})
	switch {
	case err == nil:
		if id, ok := obj.FullID(); ok {
			targetID = id
		}
		// Preview shape: keep the configured id. The preview's id field is
		// not assumed to exist and is never read.
	case errors.Is(err, ErrShapeMismatch):
		// Last resort: configured id unconditionally.
	case errors.Is(err, ErrAlreadyMember):
		// The account already sits in the group; that is the normal steady
		// state, proceed with the configured id.
	default:
		return err
	}

	return o.retryNetwork(ctx, func() error {
		return o.platform.InviteUser(ctx, session, targetID, requesterID)
	})
}

func (o *Orchestrator) retryNetwork(ctx context.Context, op func() error) error {
	backoff := o.policy.NetworkBackoff
	var err error
	for attempt := 0; attempt < o.policy.NetworkRetries; attempt++ {
		if err = op(); err == nil || !errors.Is(err, ErrNetwork) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < o.policy.NetworkRetries-1 {
			if serr := o.sleep(ctx, backoff); serr != nil {
				return err
			}
			backoff *= 2
		}
	}
	return err
}

func (o *Orchestrator) classify(ctx context.Context, err error) (Outcome, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// The platform call may still land after the deadline; success is
		// never assumed and the idempotency key absorbs a late confirm.
		return OutcomeTimeoutUnknown, "platform operation timed out, outcome unknown"
	case errors.Is(err, ErrAlreadyMember):
		return OutcomeAlreadyMember, "requester is already a member of the group"
	case errors.Is(err, ErrPrivacyRestricted):
		return OutcomePrivacyRestricted, "requester's privacy settings reject invitations"
	case errors.Is(err, ErrPermissionDenied):
		return OutcomePermissionDenied, "account lacks permission to invite into the group"
	case errors.Is(err, ErrShapeMismatch):
		return OutcomeShapeMismatch, "all group resolution tiers exhausted"
	default:
		return OutcomeNetworkError, err.Error()
	}
}

func (o *Orchestrator) commitSuccess(ctx context.Context, req Request, g groups.Group, acc pool.Account) Result {
	now := o.now()
	if err := o.pool.CommitUsage(ctx, acc.Session, now); err != nil {
		return o.storeFailure(req, g.ID, "commit account usage", err)
	}
	if err := o.registry.RecordUsage(ctx, g.ID); err != nil {
		switch {
		case errors.Is(err, groups.ErrQuotaReached), errors.Is(err, groups.ErrInactive):
			// A concurrent commit can claim the last quota slot, or an admin
			// can deactivate the group, between selection and commit. The
			// invite already landed on the platform; the counter refusal must
			// not erase the success from the audit trail.
			obs.Event("invite.usage_commit_refused", map[string]any{
				"requester": req.RequesterID, "group": g.ID, "error": err.Error(),
			})
		default:
			return o.storeFailure(req, g.ID, "commit group usage", err)
		}
	}
	// Zero interval: stamp unconditionally, spacing is enforced at selection.
	if _, err := o.cooldowns.TryConsume(ctx, cooldown.KindReinvite, cooldown.PairID(req.RequesterID, g.ID), 0); err != nil {
		return o.storeFailure(req, g.ID, "stamp reinvite", err)
	}

	res := Result{
		Outcome:    OutcomeSuccess,
		Reason:     "invitation sent",
		GroupID:    g.ID,
		GroupName:  g.Name,
		InviteLink: g.InviteLink,
		Account:    acc.Session,
	}
	key := IdempotencyKey(req.RequesterID, g.ID, now)
	res.RecordID = o.appendRecord(ctx, req, g.ID, acc.Session, res, key)
	return res
}

// dedup returns the prior success for the current idempotency window, if any.
func (o *Orchestrator) dedup(ctx context.Context, requesterID, groupID string) *Result {
	if o.history == nil {
		return nil
	}
	key := IdempotencyKey(requesterID, groupID, o.now())
	prior, err := o.history.FindByIdempotencyKey(ctx, key)
	if err != nil || prior == nil || prior.Outcome != OutcomeSuccess {
		return nil
	}
	return &Result{
		Outcome:   OutcomeSuccess,
		Reason:    "invitation already sent",
		GroupID:   prior.GroupID,
		GroupName: prior.GroupName,
		Account:   prior.AccountSession,
		RecordID:  prior.ID,
	}
}

func (o *Orchestrator) revertOnFailure(ctx context.Context, requesterID, groupID string, reqStamp, groupStamp cooldown.Result) {
	if o.policy.ConsumeOnFailure {
		return
	}
	if reqStamp.Allowed {
		if err := o.cooldowns.Revert(ctx, cooldown.KindRequester, requesterID, reqStamp.Previous, reqStamp.ConsumedAt); err != nil {
			obs.Event("invite.revert_failed", map[string]any{"kind": "requester", "error": err.Error()})
		}
	}
	if groupStamp.Allowed && groupID != "" {
		if err := o.cooldowns.Revert(ctx, cooldown.KindGroup, groupID, groupStamp.Previous, groupStamp.ConsumedAt); err != nil {
			obs.Event("invite.revert_failed", map[string]any{"kind": "group", "error": err.Error()})
		}
	}
}

func (o *Orchestrator) appendRecord(ctx context.Context, req Request, groupID, session string, res Result, key string) string {
	if o.history == nil {
		return ""
	}
	groupName := res.GroupName
	if groupID == "" {
		groupID = res.GroupID
	}
	rec := Record{
		ID:             newRecordID(o.now()),
		RequesterID:    req.RequesterID,
		GroupID:        groupID,
		GroupName:      groupName,
		AccountSession: session,
		Outcome:        res.Outcome,
		Detail:         res.Reason,
		IdempotencyKey: key,
		CreatedAt:      o.now(),
	}
	if err := o.history.AppendInvitation(ctx, rec); err != nil {
		obs.Event("invite.history_append_failed", map[string]any{"requester": req.RequesterID, "error": err.Error()})
		return ""
	}
	return rec.ID
}

func (o *Orchestrator) storeFailure(req Request, groupID, stage string, err error) Result {
	obs.Event("invite.store_unavailable", map[string]any{
		"requester": req.RequesterID, "group": groupID, "stage": stage, "error": err.Error(),
	})
	return Result{
		Outcome: OutcomeStoreUnavailable,
		Reason:  "internal storage failure, please try again later",
		GroupID: groupID,
	}
}

func (o *Orchestrator) reinviteBlocked(requesterID, groupID string) bool {
	if o.policy.ReinviteSpacing <= 0 {
		return false
	}
	stamp, ok := o.cooldowns.Peek(cooldown.KindReinvite, cooldown.PairID(requesterID, groupID))
	return ok && o.now().Sub(stamp) < o.policy.ReinviteSpacing
}

func failureResult(outcome Outcome, detail string, g groups.Group) Result {
	return Result{
		Outcome:   outcome,
		Reason:    detail,
		GroupID:   g.ID,
		GroupName: g.Name,
	}
}

// RegisterGroup has an operator account join the chat behind the link and
// records the group. A full-shaped join result resolves the durable id; a
// preview requires an explicit id from the caller.
func (o *Orchestrator) RegisterGroup(ctx context.Context, name, link, explicitID string, maxDaily int) (groups.Group, error) {
	acc, err := o.pool.Select(ctx, "")
	if err != nil {
		return groups.Group{}, fmt.Errorf("register group: %w", err)
	}
	defer o.pool.Release(acc.Session)

	var obj GroupObject
	jerr := o.retryNetwork(ctx, func() error {
		var e error
		obj, e = o.platform.JoinByLink(ctx, acc.Session, link)
		return e
	})
	if jerr != nil && !errors.Is(jerr, ErrAlreadyMember) && !errors.Is(jerr, ErrShapeMismatch) {
		return groups.Group{}, fmt.Errorf("register group: join: %w", jerr)
	}

	id := explicitID
	if full, ok := obj.FullID(); ok {
		id = full
	}
	if id == "" {
		return groups.Group{}, fmt.Errorf("register group: %w: id required for preview-only chats", ErrShapeMismatch)
	}
	if name == "" && obj.Title != "" {
		name = obj.Title
	}

	g := groups.Group{
		ID:              id,
		Name:            name,
		InviteLink:      link,
		Active:          true,
		MaxDailyInvites: maxDaily,
	}
	if err := o.registry.Create(ctx, g); err != nil {
		return groups.Group{}, err
	}
	// The joining account is usable in the group immediately.
	if err := o.registry.Assign(ctx, id, acc.Session); err != nil {
		return groups.Group{}, err
	}
	return g, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

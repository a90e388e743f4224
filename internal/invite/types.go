package invite

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the terminal classification of one invite attempt. User-visible
// messages derive from the outcome kind; raw platform errors are logged only.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeUnauthorized      Outcome = "unauthorized"
	OutcomeCooldownActive    Outcome = "cooldown_active"
	OutcomeNoCapacity        Outcome = "no_capacity"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeShapeMismatch     Outcome = "shape_mismatch"
	OutcomeAlreadyMember     Outcome = "already_member"
	OutcomePrivacyRestricted Outcome = "privacy_restricted"
	OutcomePermissionDenied  Outcome = "permission_denied"
	OutcomeNetworkError      Outcome = "network_error"
	OutcomeTimeoutUnknown    Outcome = "timeout_unknown"
	OutcomeStoreUnavailable  Outcome = "store_unavailable"
)

// Request asks the orchestrator to invite a requester. GroupID may be empty,
// in which case the orchestrator picks the least loaded eligible group.
type Request struct {
	RequesterID string
	GroupID     string
}

// Result is the structured report returned to the caller.
type Result struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
	GroupID    string
	GroupName  string
	InviteLink string
	Account    string
	RecordID   string
}

// Record is one append-only invitation audit row.
type Record struct {
	ID             string
	RequesterID    string
	GroupID        string
	GroupName      string
	AccountSession string
	Outcome        Outcome
	Detail         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// HistoryStore appends immutable invitation records and serves the
// idempotency lookup.
type HistoryStore interface {
	AppendInvitation(ctx context.Context, rec Record) error
	FindByIdempotencyKey(ctx context.Context, key string) (*Record, error)
}

// GroupShape tags the two incompatible representations the platform returns
// for the same remote group.
type GroupShape int

const (
	// ShapeFull carries a stable durable identifier.
	ShapeFull GroupShape = iota
	// ShapePreview lacks a durable identifier; its fields are best-effort
	// and must never be dereferenced for an id.
	ShapePreview
)

// GroupObject is the tagged union at the platform boundary.
type GroupObject struct {
	Shape       GroupShape
	ID          string
	Title       string
	MemberCount int
}

// FullID returns the durable identifier, valid only for full-shaped objects.
func (g GroupObject) FullID() (string, bool) {
	if g.Shape != ShapeFull || g.ID == "" {
		return "", false
	}
	return g.ID, true
}

// Platform is the session-gateway boundary. Implementations map transport
// failures onto the sentinel errors below so the orchestrator can classify
// without parsing strings.
type Platform interface {
	// JoinByLink has the account join the chat behind an invite link and
	// returns whichever group representation the platform produced.
	JoinByLink(ctx context.Context, session, link string) (GroupObject, error)
	// InviteUser adds the requester to the group via the account's session.
	InviteUser(ctx context.Context, session, groupID, requesterID string) error
	// MemberCount reports the group's current member total.
	MemberCount(ctx context.Context, session, groupID string) (int, error)
	// Ping verifies the account's session is alive on the gateway.
	Ping(ctx context.Context, session string) error
}

// Platform failure classes.
var (
	ErrShapeMismatch     = errors.New("invite: group object shape mismatch")
	ErrAlreadyMember     = errors.New("invite: already a member")
	ErrPrivacyRestricted = errors.New("invite: privacy restricted")
	ErrPermissionDenied  = errors.New("invite: permission denied")
	ErrNetwork           = errors.New("invite: network error")
)

// RateLimitedError carries the platform's resume delay.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("invite: rate limited for %s", e.Wait)
}

// Gate authorizes requesters. Satisfied by whitelist.Service.
type Gate interface {
	Authorize(ctx context.Context, requesterID string) (allowed bool, reason string, err error)
}

// IdempotencyWindow buckets attempts so a replay after an unknown outcome
// maps onto the original attempt.
const IdempotencyWindow = 15 * time.Minute

// IdempotencyKey derives the dedup key for (requester, group, window).
func IdempotencyKey(requesterID, groupID string, at time.Time) string {
	bucket := at.UTC().Unix() / int64(IdempotencyWindow/time.Second)
	return fmt.Sprintf("%s:%s:%d", requesterID, groupID, bucket)
}

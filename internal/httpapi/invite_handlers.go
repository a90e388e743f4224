package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"invitegate.org/internal/invite"
)

type inviteRequest struct {
	RequesterID string `json:"requester_id"`
	GroupID     string `json:"group_id"`
}

type inviteResponse struct {
	Outcome           string `json:"outcome"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	GroupID           string `json:"group_id,omitempty"`
	GroupName         string `json:"group_name,omitempty"`
	InviteLink        string `json:"invite_link,omitempty"`
	RecordID          string `json:"record_id,omitempty"`
}

func (a *API) handleInvites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	requesterID := strings.TrimSpace(req.RequesterID)
	if requesterID == "" {
		writeError(w, r, http.StatusBadRequest, "requester_id is required")
		return
	}
	if len(requesterID) > 64 || len(req.GroupID) > 64 {
		writeError(w, r, http.StatusBadRequest, "identifiers must be <=64 characters")
		return
	}

	res := a.orch.Invite(r.Context(), invite.Request{
		RequesterID: requesterID,
		GroupID:     strings.TrimSpace(req.GroupID),
	})

	resp := inviteResponse{
		Outcome:    string(res.Outcome),
		Message:    res.Reason,
		GroupID:    res.GroupID,
		GroupName:  res.GroupName,
		InviteLink: res.InviteLink,
		RecordID:   res.RecordID,
	}
	if res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Round(time.Second).Seconds())
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusForOutcome(res.Outcome), resp)
}

// statusForOutcome keeps the HTTP code aligned with the terminal outcome so
// callers can branch without parsing the body.
func statusForOutcome(o invite.Outcome) int {
	switch o {
	case invite.OutcomeSuccess:
		return http.StatusOK
	case invite.OutcomeUnauthorized:
		return http.StatusForbidden
	case invite.OutcomeCooldownActive:
		return http.StatusTooManyRequests
	case invite.OutcomeNoCapacity, invite.OutcomeRateLimited, invite.OutcomeStoreUnavailable:
		return http.StatusServiceUnavailable
	case invite.OutcomeAlreadyMember, invite.OutcomePrivacyRestricted,
		invite.OutcomePermissionDenied, invite.OutcomeShapeMismatch:
		return http.StatusUnprocessableEntity
	case invite.OutcomeNetworkError, invite.OutcomeTimeoutUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

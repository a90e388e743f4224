package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invitegate.org/internal/audit"
	"invitegate.org/internal/auth"
	"invitegate.org/internal/groups"
	"invitegate.org/internal/invite"
	"invitegate.org/internal/pool"
	"invitegate.org/internal/stats"
	"invitegate.org/internal/whitelist"
)

// --- whitelist ---

type whitelistAddRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	TTLHours int    `json:"ttl_hours"`
	Note     string `json:"note"`
}

type whitelistEntryView struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username,omitempty"`
	AddedBy   string     `json:"added_by"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

func entryView(e whitelist.Entry) whitelistEntryView {
	v := whitelistEntryView{UserID: e.UserID, Username: e.Username, AddedBy: e.AddedBy, AddedAt: e.AddedAt, Note: e.Note}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func (a *API) handleWhitelistCollection(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		var entries []whitelist.Entry
		switch {
		case r.URL.Query().Get("q") != "":
			entries = a.whitelist.Find(r.URL.Query().Get("q"))
		case r.URL.Query().Get("expiring_within_hours") != "":
			hours, err := strconv.Atoi(r.URL.Query().Get("expiring_within_hours"))
			if err != nil || hours < 1 {
				writeError(w, r, http.StatusBadRequest, "expiring_within_hours must be a positive integer")
				return
			}
			entries = a.whitelist.Expiring(time.Duration(hours) * time.Hour)
		default:
			entries = a.whitelist.List()
		}
		out := make([]whitelistEntryView, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryView(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	case http.MethodPost:
		var req whitelistAddRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			writeError(w, r, http.StatusBadRequest, "user_id is required")
			return
		}
		if req.TTLHours < 0 {
			writeError(w, r, http.StatusBadRequest, "ttl_hours must be >= 0")
			return
		}
		operator, _ := auth.OperatorIDFromContext(r.Context())
		e, err := a.whitelist.Add(r.Context(), userID, strings.TrimPrefix(req.Username, "@"), operator, time.Duration(req.TTLHours)*time.Hour, req.Note)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "could not persist entry")
			return
		}
		_ = audit.LogEvent(r.Context(), "whitelist.add", map[string]any{
			"user_id": userID, "ttl_hours": req.TTLHours,
		})
		writeJSON(w, http.StatusCreated, entryView(e))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (a *API) handleWhitelistResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/whitelist/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if userID, ok := strings.CutSuffix(path, "/extend"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req struct {
			TTLHours int `json:"ttl_hours"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.TTLHours <= 0 {
			writeError(w, r, http.StatusBadRequest, "ttl_hours must be > 0")
			return
		}
		e, err := a.whitelist.Extend(r.Context(), userID, time.Duration(req.TTLHours)*time.Hour)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "whitelist.extend", map[string]any{
			"user_id": userID, "ttl_hours": req.TTLHours,
		})
		writeJSON(w, http.StatusOK, entryView(e))
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := a.whitelist.Remove(r.Context(), path); err != nil {
			handleAdminError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "whitelist.remove", map[string]any{"user_id": path})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

// --- blocks ---

type blockRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	Hours  int    `json:"hours"`
}

type blockView struct {
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason,omitempty"`
	BlockedBy string     `json:"blocked_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func viewBlock(b whitelist.Block) blockView {
	v := blockView{UserID: b.UserID, Reason: b.Reason, BlockedBy: b.BlockedBy, CreatedAt: b.CreatedAt}
	if !b.ExpiresAt.IsZero() {
		exp := b.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func (a *API) handleBlocksCollection(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		blocks := a.whitelist.Blocks()
		out := make([]blockView, 0, len(blocks))
		for _, b := range blocks {
			out = append(out, viewBlock(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	case http.MethodPost:
		var req blockRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			writeError(w, r, http.StatusBadRequest, "user_id is required")
			return
		}
		if req.Hours < 0 {
			writeError(w, r, http.StatusBadRequest, "hours must be >= 0")
			return
		}
		operator, _ := auth.OperatorIDFromContext(r.Context())
		b, err := a.whitelist.PlaceBlock(r.Context(), userID, req.Reason, operator, time.Duration(req.Hours)*time.Hour)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		_ = audit.LogEvent(r.Context(), "whitelist.block", map[string]any{
			"user_id": userID, "hours": req.Hours, "reason": req.Reason,
		})
		writeJSON(w, http.StatusCreated, viewBlock(b))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (a *API) handleBlockResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/v1/admin/blocks/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.whitelist.Unblock(r.Context(), userID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "whitelist.unblock", map[string]any{"user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

// --- groups ---

type registerGroupRequest struct {
	Name            string `json:"name"`
	InviteLink      string `json:"invite_link"`
	GroupID         string `json:"group_id"`
	MaxDailyInvites int    `json:"max_daily_invites"`
}

type groupView struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	InviteLink          string   `json:"invite_link"`
	Active              bool     `json:"active"`
	MaxDailyInvites     int      `json:"max_daily_invites"`
	CurrentDailyInvites int      `json:"current_daily_invites"`
	AssignedAccounts    []string `json:"assigned_accounts,omitempty"`
}

func viewGroup(g groups.Group) groupView {
	return groupView{
		ID:                  g.ID,
		Name:                g.Name,
		InviteLink:          g.InviteLink,
		Active:              g.Active,
		MaxDailyInvites:     g.MaxDailyInvites,
		CurrentDailyInvites: g.CurrentDailyInvites,
		AssignedAccounts:    g.AssignedAccounts,
	}
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		snapshot := a.registry.Snapshot()
		out := make([]groupView, 0, len(snapshot))
		for _, g := range snapshot {
			out = append(out, viewGroup(g))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	case http.MethodPost:
		var req registerGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		link := strings.TrimSpace(req.InviteLink)
		if link == "" {
			writeError(w, r, http.StatusBadRequest, "invite_link is required")
			return
		}
		if req.MaxDailyInvites < 0 {
			writeError(w, r, http.StatusBadRequest, "max_daily_invites must be >= 0")
			return
		}
		g, err := a.orch.RegisterGroup(r.Context(), strings.TrimSpace(req.Name), link,
			strings.TrimSpace(req.GroupID), req.MaxDailyInvites)
		if err != nil {
			handleRegisterError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "groups.register", map[string]any{
			"group_id": g.ID, "invite_link": link,
		})
		w.Header().Set("Location", "/v1/admin/groups/"+g.ID)
		writeJSON(w, http.StatusCreated, viewGroup(g))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/groups/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/assign"); ok {
		a.assignGroupAccount(w, r, id, true)
		return
	}
	if id, ok := strings.CutSuffix(path, "/unassign"); ok {
		a.assignGroupAccount(w, r, id, false)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Active *bool `json:"active"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Active == nil {
			writeError(w, r, http.StatusBadRequest, "active is required")
			return
		}
		if err := a.registry.SetActive(r.Context(), path, *req.Active); err != nil {
			handleAdminError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "groups.set_active", map[string]any{
			"group_id": path, "active": *req.Active,
		})
		g, err := a.registry.Resolve(path)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewGroup(g))
	case http.MethodDelete:
		if err := a.registry.Remove(r.Context(), path); err != nil {
			handleAdminError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "groups.remove", map[string]any{"group_id": path})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, "PATCH, DELETE")
	}
}

func (a *API) assignGroupAccount(w http.ResponseWriter, r *http.Request, groupID string, assign bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Session string `json:"session"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session := strings.TrimSpace(req.Session)
	if session == "" {
		writeError(w, r, http.StatusBadRequest, "session is required")
		return
	}

	var err error
	event := "groups.assign"
	if assign {
		err = a.registry.Assign(r.Context(), groupID, session)
	} else {
		event = "groups.unassign"
		err = a.registry.Unassign(r.Context(), groupID, session)
	}
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{"group_id": groupID, "session": session})
	g, err := a.registry.Resolve(groupID)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewGroup(g))
}

// --- accounts ---

type accountView struct {
	Session        string     `json:"session"`
	Phone          string     `json:"phone,omitempty"`
	Active         bool       `json:"active"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
	DailyInvites   int        `json:"daily_invites"`
	DailyCeiling   int        `json:"daily_ceiling"`
	GroupsAssigned []string   `json:"groups_assigned,omitempty"`
}

func viewAccount(acc pool.Account) accountView {
	v := accountView{
		Session:        acc.Session,
		Phone:          acc.Phone,
		Active:         acc.Active,
		DailyInvites:   acc.DailyInvites,
		DailyCeiling:   acc.DailyCeiling,
		GroupsAssigned: acc.GroupsAssigned,
	}
	if !acc.SuspendedUntil.IsZero() {
		t := acc.SuspendedUntil
		v.SuspendedUntil = &t
	}
	if !acc.LastUsed.IsZero() {
		t := acc.LastUsed
		v.LastUsed = &t
	}
	return v
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	snapshot := a.pool.Snapshot()
	out := make([]accountView, 0, len(snapshot))
	for _, acc := range snapshot {
		out = append(out, viewAccount(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	session := strings.TrimPrefix(r.URL.Path, "/v1/admin/accounts/")
	if sess, ok := strings.CutSuffix(session, "/test"); ok && sess != "" && !strings.Contains(sess, "/") {
		a.handleAccountTest(w, r, sess)
		return
	}
	if session == "" || strings.Contains(session, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}

	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	if err := a.pool.SetActive(r.Context(), session, *req.Active); err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "accounts.set_active", map[string]any{
		"session": session, "active": *req.Active,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleAccountTest checks a session's connectivity through the gateway.
func (a *API) handleAccountTest(w http.ResponseWriter, r *http.Request, session string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.platform == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connectivity checks unavailable")
		return
	}
	if err := a.platform.Ping(r.Context(), session); err != nil {
		if errors.Is(err, invite.ErrPermissionDenied) {
			writeError(w, r, http.StatusNotFound, "unknown session")
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"session": session,
			"status":  "unreachable",
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "status": "ok"})
}

// --- history, stats, resets ---

type invitationView struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	GroupID     string    `json:"group_id,omitempty"`
	GroupName   string    `json:"group_name,omitempty"`
	Account     string    `json:"account,omitempty"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *API) handleInvitationLog(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 500 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = v
	}
	if a.history == nil {
		writeJSON(w, http.StatusOK, []invitationView{})
		return
	}
	recs, err := a.history.RecentInvitations(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read invitation log")
		return
	}
	out := make([]invitationView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, invitationView{
			ID:          rec.ID,
			RequesterID: rec.RequesterID,
			GroupID:     rec.GroupID,
			GroupName:   rec.GroupName,
			Account:     rec.AccountSession,
			Outcome:     string(rec.Outcome),
			Detail:      rec.Detail,
			CreatedAt:   rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type statView struct {
	GroupID          string    `json:"group_id"`
	Name             string    `json:"name,omitempty"`
	MemberCount      int       `json:"member_count"`
	InvitesTotal     int       `json:"invites_total"`
	InvitesSucceeded int       `json:"invites_succeeded"`
	SuccessRate      float64   `json:"success_rate"`
	CollectedAt      time.Time `json:"collected_at"`
}

func statViews(rows []stats.GroupStat) []statView {
	out := make([]statView, 0, len(rows))
	for _, s := range rows {
		out = append(out, statView{
			GroupID:          s.GroupID,
			Name:             s.Name,
			MemberCount:      s.MemberCount,
			InvitesTotal:     s.InvitesTotal,
			InvitesSucceeded: s.InvitesSucceeded,
			SuccessRate:      s.SuccessRate,
			CollectedAt:      s.CollectedAt,
		})
	}
	return out
}

type statSummary struct {
	InvitesTotal     int     `json:"invites_total"`
	InvitesSucceeded int     `json:"invites_succeeded"`
	SuccessRate      float64 `json:"success_rate"`
}

func summarize(rows []stats.GroupStat) statSummary {
	var sum statSummary
	for _, s := range rows {
		sum.InvitesTotal += s.InvitesTotal
		sum.InvitesSucceeded += s.InvitesSucceeded
	}
	if sum.InvitesTotal > 0 {
		sum.SuccessRate = float64(sum.InvitesSucceeded) / float64(sum.InvitesTotal)
	}
	return sum
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		rows, err := a.collector.Latest(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "could not read statistics")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":   statViews(rows),
			"summary": summarize(rows),
			"as_of":   time.Now().UTC(),
		})
	case http.MethodPost:
		a.refreshStats(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (a *API) handleStatsRefresh(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.refreshStats(w, r)
}

func (a *API) refreshStats(w http.ResponseWriter, r *http.Request) {
	rows, err := a.collector.Refresh(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "statistics refresh failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "stats.refresh", map[string]any{"groups": len(rows)})
	writeJSON(w, http.StatusOK, map[string]any{"items": statViews(rows), "summary": summarize(rows)})
}

func (a *API) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.pool.ResetDaily(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "account counter reset failed")
		return
	}
	if err := a.registry.ResetDaily(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "group counter reset failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.reset_daily", nil)
	w.WriteHeader(http.StatusNoContent)
}

func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, groups.ErrNotFound), errors.Is(err, whitelist.ErrNotListed),
		errors.Is(err, whitelist.ErrBlocked), errors.Is(err, pool.ErrUnknownAccount):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleRegisterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, groups.ErrExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, invite.ErrShapeMismatch):
		writeError(w, r, http.StatusUnprocessableEntity,
			"could not resolve a durable group id; supply group_id explicitly")
	case errors.Is(err, pool.ErrNoneAvailable):
		writeError(w, r, http.StatusServiceUnavailable, "no account available to join the group")
	default:
		writeError(w, r, http.StatusBadGateway, "group registration failed")
	}
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/citaguard/internal/storage"
	"github.com/org/citaguard/pkg/models"
)

const maxEventLimit = 1000

// PhoneVerifyHandler handles POST /api/admin/emergency/phones/{id}/verify
func (s *Server) PhoneVerifyHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.phones.Verify(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), clientInfo(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}

// SecurityEventsHandler handles GET /api/admin/security-events
func (s *Server) SecurityEventsHandler(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseEventFilter(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	events, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "count": len(events)})
}

func parseEventFilter(r *http.Request) (storage.EventFilter, string) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		UserID: q.Get("user_id"),
		Limit:  storage.DefaultEventLimit,
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "since must be an RFC 3339 timestamp"
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "until must be an RFC 3339 timestamp"
		}
		filter.Until = &t
	}
	if v := q.Get("event_type"); v != "" {
		filter.EventType = models.EventType(v)
		if !filter.EventType.Valid() {
			return filter, "unknown event_type"
		}
	}
	if v := q.Get("severity"); v != "" {
		filter.Severity = models.Severity(v)
		if !filter.Severity.Valid() {
			return filter, "unknown severity"
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			return filter, "limit must be between 1 and 1000"
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, "offset must be a non-negative integer"
		}
		filter.Offset = n
	}
	return filter, ""
}

// ClientStatsHandler handles GET /api/admin/client-stats
func (s *Server) ClientStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.stats.snapshot()})
}

// AccountDeleteHandler handles DELETE /api/admin/accounts/{uid}. It removes
// the user's phones and revokes their debug tokens.
func (s *Server) AccountDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := principalFromCtx(ctx)
	uid := chi.URLParam(r, "uid")
	client := clientInfo(r)

	deleted, err := s.phones.DeleteAllForUser(ctx, uid)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	revoked := 0
	if s.tokens != nil {
		revoked = s.tokens.RevokeUser(uid)
	}

	s.auditor.LogAccountDeleted(ctx, uid, admin.UID, client)
	s.auditor.LogAdminAction(ctx, admin.UID, "delete_account", uid, client, map[string]any{
		"phones_deleted": deleted,
		"tokens_revoked": revoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_phones": deleted,
		"revoked_tokens": revoked,
	})
}

package api

import (
	"net/http"
	"strings"

	"github.com/org/citaguard/internal/csrf"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// HealthHandler handles GET /health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("storage health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// SecurityInfoHandler handles GET /security-info
func (s *Server) SecurityInfoHandler(w http.ResponseWriter, r *http.Request) {
	env := "development"
	if s.cfg.Production {
		env = "production"
	}
	csrfInfo := map[string]any{
		"cookie":  csrf.CookieName,
		"header":  csrf.HeaderName,
		"max_age": csrf.CookieMaxAge,
	}
	encryption := map[string]any{
		"algorithm":     "AES-256-GCM",
		"ephemeral_key": s.cipher.IsEphemeral(),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"environment":      env,
		"csrf":             csrfInfo,
		"field_encryption": encryption,
		"hsts":             s.cfg.Production,
	})
}

// CSRFTokenHandler handles GET /csrf-token. The guard has already set the
// cookie; the token is echoed in the body for clients that cannot read headers.
func (s *Server) CSRFTokenHandler(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r.Context())
	if token == "" {
		writeError(w, http.StatusInternalServerError, "csrf token unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": token})
}

// DebugLoginHandler handles POST /api/v1/debug/login. It is only routed
// outside production.
func (s *Server) DebugLoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientInfo(r)

	var req struct {
		UID   string `json:"uid"`
		Email string `json:"email"`
		Admin bool   `json:"admin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UID = strings.TrimSpace(req.UID)
	if req.UID == "" {
		s.auditor.LogLoginAttempt(ctx, "", req.Email, false, client, "missing uid")
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	p := models.Principal{UID: req.UID, Email: req.Email, Admin: req.Admin}
	token, first, err := s.tokens.Issue(p)
	if err != nil {
		s.auditor.LogLoginAttempt(ctx, p.UID, p.Email, false, client, "token generation failed")
		writeServiceError(w, r, err)
		return
	}
	if first {
		s.auditor.LogAccountCreated(ctx, p.UID, p.Email, client)
	}
	s.auditor.LogLoginAttempt(ctx, p.UID, p.Email, true, client, "")
	log.Warn().Str("user_id", p.UID).Bool("admin", p.Admin).Msg("debug login issued a token")

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"principal": p,
	})
}

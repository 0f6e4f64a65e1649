package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/citaguard/internal/phones"
)

// PhoneCreateHandler handles POST /api/emergency/phones[?user_id=]
func (s *Server) PhoneCreateHandler(w http.ResponseWriter, r *http.Request) {
	var in phones.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.phones.Create(r.Context(), principalFromCtx(r.Context()), r.URL.Query().Get("user_id"), in, clientInfo(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": p})
}

// PhoneListHandler handles GET /api/emergency/phones[?user_id=]
func (s *Server) PhoneListHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.phones.List(r.Context(), principalFromCtx(r.Context()), r.URL.Query().Get("user_id"), clientInfo(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

// PhoneGetHandler handles GET /api/emergency/phones/{id}
func (s *Server) PhoneGetHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.phones.Get(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), clientInfo(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}

// PhoneUpdateHandler handles PUT /api/emergency/phones/{id}
func (s *Server) PhoneUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var u phones.Update
	if err := decodeJSON(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if u.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	p, err := s.phones.Update(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), u, clientInfo(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}

// PhoneDeleteHandler handles DELETE /api/emergency/phones/{id}
func (s *Server) PhoneDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.phones.Delete(r.Context(), principalFromCtx(r.Context()), chi.URLParam(r, "id"), clientInfo(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

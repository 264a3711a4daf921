package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleHealth reports liveness, dependency health and load slots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"loads":  s.limiter.Status(),
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			resp["code"] = codeUnavailable
			writeJSONStatus(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, resp)
}

// handleListEntities returns every registered entity type descriptor.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.EntityTypes()
	writeJSON(w, map[string]any{
		"entityTypes": defs,
		"count":       len(defs),
	})
}

// handleGetEntity returns one descriptor.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.EntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, def)
}

// handleStats returns row, key and override counts per entity type.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"entityTypes": s.engine.Stats(),
	})
}

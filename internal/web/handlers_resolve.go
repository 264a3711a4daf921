package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// handleResolve answers GET /resolve/{entityType}?key=&attribute=&asOf=.
// A value found in neither source is a 200 with provenance "none".
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	key, err := keyParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	attribute, err := requireParam(r, "attribute")
	if err != nil {
		respondError(w, r, err)
		return
	}
	asOf, err := s.asOfParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rv, err := s.engine.Resolve(r.Context(), entityType, key, attribute, asOf)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, rv)
}

// handleResolveBatch resolves one attribute for many keys against a single
// snapshot generation.
func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody*16)

	var req batchResolveRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Keys) > s.cfg.Batch.MaxKeys {
		respondError(w, r, badRequest(fmt.Sprintf("batch of %d keys exceeds the limit of %d", len(req.Keys), s.cfg.Batch.MaxKeys)))
		return
	}
	for i, k := range req.Keys {
		if !k.Valid() {
			respondError(w, r, badRequest("invalid key", core.FieldError{Field: fmt.Sprintf("keys[%d]", i), Value: k.String(), Message: "key parts must be non-empty"}))
			return
		}
	}
	if req.AsOf.IsZero() {
		req.AsOf = core.DateOf(s.now())
	}

	results, err := s.engine.ResolveAll(r.Context(), entityType, req.Keys, req.Attribute, req.AsOf)
	if err != nil {
		respondError(w, r, err)
		return
	}

	found := 0
	for _, rv := range results {
		if rv.Found() {
			found++
		}
	}
	writeJSON(w, map[string]any{
		"entityType": entityType,
		"attribute":  req.Attribute,
		"asOf":       req.AsOf,
		"count":      len(results),
		"found":      found,
		"results":    results,
	})
}

// handleHistory returns every snapshot row for a key in effective order.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	key, err := keyParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := s.engine.History(entityType, key)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []core.SnapshotRow{}
	}
	writeJSON(w, map[string]any{
		"entityType": entityType,
		"key":        key,
		"rows":       rows,
	})
}

package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/logging"
)

// handleListOverrides lists overrides for a key, optionally narrowed to one
// attribute. Tombstones are included.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	store, err := s.engine.Overrides(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}

	key, err := keyParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var records []core.OverrideRecord
	if attribute := strings.TrimSpace(r.URL.Query().Get("attribute")); attribute != "" {
		records = store.List(key, attribute)
	} else {
		records = store.ListKey(key)
	}
	if r.URL.Query().Get("includeDeleted") == "false" {
		live := records[:0]
		for _, rec := range records {
			if !rec.Deleted {
				live = append(live, rec)
			}
		}
		records = live
	}
	if records == nil {
		records = []core.OverrideRecord{}
	}

	writeJSON(w, map[string]any{
		"entityType": entityType,
		"key":        key,
		"overrides":  records,
		"count":      len(records),
	})
}

// handleGetOverride returns one override by id.
func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	store, err := s.engine.Overrides(chi.URLParam(r, "entityType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rec, ok := store.Get(id)
	if !ok {
		respondError(w, r, &core.NotFoundError{ID: id})
		return
	}
	writeJSON(w, rec)
}

// handleCreateOverride adds an override. The actor comes from X-Actor.
func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	def, err := s.engine.EntityType(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	store, err := s.engine.Overrides(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req overrideRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	value, err := typedValue(def, req.Attribute, req.Value)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rec, err := store.Add(r.Context(), core.OverrideRecord{
		Key:           req.Key,
		Attribute:     req.Attribute,
		Value:         value,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		Comment:       req.Comment,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "entity_type", entityType, "override_id", rec.ID).
		Info("override created", "key", rec.Key.String(), "attribute", rec.Attribute, "window", rec.Window())
	writeJSONStatus(w, http.StatusCreated, rec)
}

// handleUpdateOverride replaces the value, window and comment of an override.
func (s *Server) handleUpdateOverride(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	def, err := s.engine.EntityType(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	store, err := s.engine.Overrides(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req overrideUpdateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	current, ok := store.Get(id)
	if !ok || current.Deleted {
		respondError(w, r, &core.NotFoundError{ID: id})
		return
	}
	value, err := typedValue(def, current.Attribute, req.Value)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rec, err := store.Update(r.Context(), id, core.OverrideUpdate{
		Value:         value,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		Comment:       req.Comment,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "entity_type", entityType, "override_id", rec.ID).
		Info("override updated", "window", rec.Window())
	writeJSON(w, rec)
}

// handleDeleteOverride tombstones an override and returns the tombstone.
func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	store, err := s.engine.Overrides(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rec, err := store.Delete(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "entity_type", entityType, "override_id", rec.ID).
		Info("override deleted")
	writeJSON(w, rec)
}

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/logging"
)

// handleLoadSnapshot replaces the snapshot of one entity type with the rows
// in the body. The load waits for a limiter slot unless ?wait=false; on any
// error the previous snapshot stays active.
func (s *Server) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	def, err := s.engine.EntityType(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Load.Timeout)
	defer cancel()

	if err := s.acquireLoadSlot(ctx, r); err != nil {
		respondError(w, r, err)
		return
	}
	defer s.limiter.Release()

	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Load.MaxBodySize)

	var req snapshotRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := snapshotRows(def, req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.engine.Load(ctx, entityType, rows); err != nil {
		respondError(w, r, err)
		return
	}

	records, err := s.engine.Records(entityType)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(),
		"entity_type", entityType,
		"rows", len(rows),
		"source_system", req.SourceSystem,
	).Info("snapshot load accepted", "duration", time.Since(start))

	writeJSON(w, map[string]any{
		"entityType": entityType,
		"rows":       records.Len(),
		"keys":       len(records.Keys()),
		"generation": records.Generation(),
		"loadedAt":   records.LoadedAt(),
		"duration":   time.Since(start).String(),
	})
}

// acquireLoadSlot waits for a limiter slot, or with ?wait=false fails at once
// when every slot is taken.
func (s *Server) acquireLoadSlot(ctx context.Context, r *http.Request) error {
	if r.URL.Query().Get("wait") == "false" {
		if !s.limiter.TryAcquire() {
			return core.ErrTooManyLoads
		}
		return nil
	}
	return s.limiter.Acquire(ctx)
}

// handleLoadStatus returns the load limiter state.
func (s *Server) handleLoadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.limiter.Status())
}

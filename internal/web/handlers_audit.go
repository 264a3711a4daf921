package web

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

const (
	defaultAuditLimit = 500
	maxAuditLimit     = 5000
)

// handleAudit returns the audit entries for a key in timestamp order,
// optionally narrowed to one entity type. At most limit entries are returned;
// truncated reports whether more exist.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	entityType := strings.TrimSpace(r.URL.Query().Get("entityType"))
	if entityType != "" {
		if _, err := s.engine.EntityType(entityType); err != nil {
			respondError(w, r, err)
			return
		}
	}
	limit := parseIntParam(r, "limit", defaultAuditLimit, maxAuditLimit)

	entries := []core.AuditEntry{}
	truncated := false
	for entry, err := range s.engine.Audit().ForKey(r.Context(), key) {
		if err != nil {
			respondError(w, r, err)
			return
		}
		if entityType != "" && entry.Area != entityType {
			continue
		}
		if len(entries) == limit {
			truncated = true
			break
		}
		entries = append(entries, entry)
	}

	writeJSON(w, map[string]any{
		"key":       key,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
	})
}

package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// ActorHeader names the staff member making a change. Override mutations
// without it are refused by the override store.
const ActorHeader = "X-Actor"

// maxActorLength bounds the stored modified_by value.
const maxActorLength = 256

// Actor copies the caller identity and request metadata into the request
// context, where the override store and audit trail pick them up.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			if len(actor) > maxActorLength {
				writeJSONError(w, http.StatusBadRequest, "X-Actor header too long", "REQ001")
				return
			}
			ctx = core.ContextWithActor(ctx, actor)
		}

		ctx = core.ContextWithIPAddress(ctx, ClientIP(r))
		ctx = core.ContextWithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSONError writes the same error shape the API handlers use.
func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"message": message,
		"code":    code,
	})
}

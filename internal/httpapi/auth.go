package httpapi

import (
	"net/http"
	"strings"

	"clinicq/internal/models"
)

// actorFromRequest reads the already-authenticated identity forwarded by the
// gateway. The engine trusts the headers and enforces only its own domain
// rules (ownership and role preconditions).
func actorFromRequest(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	role := strings.TrimSpace(r.Header.Get("X-Actor-Role"))
	if actorID == "" || role == "" {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "X-Actor-ID and X-Actor-Role are required")
		return models.Actor{}, false
	}
	if !models.ValidRole(role) {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "unknown actor role")
		return models.Actor{}, false
	}
	return models.Actor{ID: actorID, Role: role}, true
}

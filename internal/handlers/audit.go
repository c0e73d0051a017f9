package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tomyedwab/relay/audit"
	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/httputils"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type AuditReader interface {
	GetEventsByActor(actor string, limit int) ([]audit.AuditEvent, error)
	GetEventsByType(eventType audit.EventType, limit int) ([]audit.AuditEvent, error)
	GetRecentEvents(limit int) ([]audit.AuditEvent, error)
}

type AuditResponse struct {
	Events []audit.AuditEvent `json:"events"`
	Count  int                `json:"count"`
}

// HandleListAudit answers GET /api/audit for administrators. At most one of
// ?type= and ?actor= may be given; without either the most recent events are
// returned.
func HandleListAudit(w http.ResponseWriter, r *http.Request, logger *zap.Logger, reader AuditReader, admins AdminChecker) {
	if _, ok := requireAdmin(w, r, admins); !ok {
		return
	}

	q := r.URL.Query()
	limit, err := ParseAuditLimit(q.Get("limit"))
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	eventType, actor := q.Get("type"), q.Get("actor")
	if eventType != "" && actor != "" {
		httputils.WriteError(w, http.StatusBadRequest, "filter by type or actor, not both")
		return
	}

	var found []audit.AuditEvent
	switch {
	case eventType != "":
		if !audit.KnownEventType(eventType) {
			httputils.WriteError(w, http.StatusBadRequest, "unknown audit event type")
			return
		}
		found, err = reader.GetEventsByType(audit.EventType(eventType), limit)
	case actor != "":
		// The CLI records its changes under a plain name rather than a key.
		if pubkey, perr := httpauth.ParsePubkeyOrDID(actor); perr == nil {
			actor = pubkey
		}
		found, err = reader.GetEventsByActor(actor, limit)
	default:
		found, err = reader.GetRecentEvents(limit)
	}
	if err != nil {
		httputils.HandleAPIResponse(w, r, logger, nil, err, http.StatusInternalServerError)
		return
	}
	if found == nil {
		found = []audit.AuditEvent{}
	}
	httputils.WriteJSON(w, http.StatusOK, AuditResponse{Events: found, Count: len(found)})
}

// ParseAuditLimit reads a limit parameter, applying the default when empty
// and capping it.
func ParseAuditLimit(raw string) (int, error) {
	if raw == "" {
		return defaultAuditLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	return min(n, maxAuditLimit), nil
}

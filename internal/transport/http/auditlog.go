package http

import (
	"net/http"
	"time"

	"incasso/internal/audit"
	"incasso/internal/platform/middleware"
	dErrors "incasso/pkg/domain-errors"
)

// roleAdmin may read the compliance export; regular operators cannot.
const roleAdmin = "admin"

type auditEventResponse struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Category   string `json:"category"`
	Actor      string `json:"actor"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	PriorState string `json:"priorState,omitempty"`
	NewState   string `json:"newState,omitempty"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// queryAudit is the read-only compliance export. Filters combine with AND;
// no mutation surface exists on this route.
func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	if middleware.GetRole(r.Context()) != roleAdmin {
		writeError(w, h.logger, dErrors.New(dErrors.CodeUnauthorized, "audit export requires the admin role"))
		return
	}
	q := audit.Query{
		EntityType: audit.EntityType(r.URL.Query().Get("entityType")),
		EntityID:   r.URL.Query().Get("entityId"),
		Action:     audit.Action(r.URL.Query().Get("action")),
	}
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q.From = from
	q.To = to

	events, err := h.auditLog.List(r.Context(), q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			ID:         e.ID.String(),
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Category:   string(e.Category),
			Actor:      e.Actor,
			EntityType: string(e.EntityType),
			EntityID:   e.EntityID,
			PriorState: e.PriorState,
			NewState:   e.NewState,
			Action:     string(e.Action),
			Reason:     e.Reason,
			RequestID:  e.RequestID,
			Archived:   e.Archived,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

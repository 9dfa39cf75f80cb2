package http

import (
	"net/http"
	"time"

	"incasso/internal/audit"
	"incasso/internal/charge"
	"incasso/internal/platform/middleware"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
)

type chargeRequest struct {
	ChargeID   string `json:"chargeId"`
	MemberID   string `json:"memberId"`
	MandateRef string `json:"mandateRef"`
	Amount     int64  `json:"amountCents"`
	Currency   string `json:"currency"`
	DueDate    string `json:"dueDate"`
}

type ingestChargesRequest struct {
	Charges []chargeRequest `json:"charges"`
}

type ingestChargesResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// ingestCharges accepts the due-amount feed from the membership software.
// Each charge is validated independently; one bad line never blocks the rest.
func (h *Handler) ingestCharges(w http.ResponseWriter, r *http.Request) {
	var req ingestChargesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(req.Charges) == 0 {
		writeError(w, h.logger, dErrors.New(dErrors.CodeBadRequest, "charges list is empty"))
		return
	}

	actor := middleware.GetActor(r.Context())
	var resp ingestChargesResponse
	for _, cr := range req.Charges {
		c, err := h.toCharge(cr)
		if err == nil {
			err = h.charges.Accept(r.Context(), c)
		}
		if err != nil {
			h.logger.Warn("charge rejected", "charge_id", cr.ChargeID, "error", err)
			resp.Rejected = append(resp.Rejected, cr.ChargeID)
			continue
		}
		resp.Accepted++
		if h.auditLog != nil {
			_ = h.auditLog.Emit(r.Context(), audit.Event{
				Actor:      actor,
				EntityType: audit.EntityCharge,
				EntityID:   string(c.ID),
				NewState:   "accepted",
				Action:     audit.ActionChargeAccepted,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) toCharge(cr chargeRequest) (charge.Charge, error) {
	if cr.ChargeID == "" {
		return charge.Charge{}, dErrors.New(dErrors.CodeBadRequest, "chargeId is required")
	}
	memberID, err := id.ParseMemberID(cr.MemberID)
	if err != nil {
		return charge.Charge{}, err
	}
	ref, err := id.ParseMandateRef(cr.MandateRef)
	if err != nil {
		return charge.Charge{}, err
	}
	amount := id.Cents(cr.Amount)
	if err := id.ValidateAmount(amount); err != nil {
		return charge.Charge{}, err
	}
	currency := id.Currency(cr.Currency)
	if err := id.ValidateCurrency(currency); err != nil {
		return charge.Charge{}, err
	}
	dueDate, err := time.Parse("2006-01-02", cr.DueDate)
	if err != nil {
		return charge.Charge{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "dueDate must be YYYY-MM-DD")
	}
	return charge.Charge{
		ID:         id.ChargeID(cr.ChargeID),
		MemberID:   memberID,
		MandateRef: ref,
		Amount:     amount,
		Currency:   currency,
		DueDate:    dueDate,
	}, nil
}

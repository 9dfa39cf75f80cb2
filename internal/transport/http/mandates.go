package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"incasso/internal/mandate"
	mandatesvc "incasso/internal/mandate/service"
	"incasso/internal/platform/middleware"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
)

type registerMandateRequest struct {
	Reference     string `json:"reference"`
	MemberID      string `json:"memberId"`
	IBAN          string `json:"iban"`
	BIC           string `json:"bic,omitempty"`
	SequenceType  string `json:"sequenceType"`
	SignatureDate string `json:"signatureDate,omitempty"`
	ValidUntil    string `json:"validUntil,omitempty"`
}

type mandateResponse struct {
	Reference     string `json:"reference"`
	MemberID      string `json:"memberId"`
	IBAN          string `json:"iban"`
	BIC           string `json:"bic"`
	CreditorID    string `json:"creditorId"`
	SequenceType  string `json:"sequenceType"`
	Status        string `json:"status"`
	UsageCount    int    `json:"usageCount"`
	SignatureDate string `json:"signatureDate,omitempty"`
	ValidUntil    string `json:"validUntil,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type activateRequest struct {
	Evidence string `json:"evidence"`
}

func toMandateResponse(m mandate.Mandate) mandateResponse {
	resp := mandateResponse{
		Reference:    string(m.Reference),
		MemberID:     m.MemberID.String(),
		IBAN:         m.IBAN,
		BIC:          m.BIC,
		CreditorID:   m.CreditorID,
		SequenceType: string(m.SequenceType),
		Status:       string(m.Status),
		UsageCount:   m.UsageCount,
	}
	if !m.SignatureDate.IsZero() {
		resp.SignatureDate = m.SignatureDate.Format("2006-01-02")
	}
	if !m.ValidUntil.IsZero() {
		resp.ValidUntil = m.ValidUntil.Format("2006-01-02")
	}
	return resp
}

func (h *Handler) registerMandate(w http.ResponseWriter, r *http.Request) {
	var req registerMandateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	ref, err := id.ParseMandateRef(req.Reference)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	memberID, err := id.ParseMemberID(req.MemberID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sequenceType, ok := mandate.ParseSequenceType(req.SequenceType)
	if !ok {
		writeError(w, h.logger, dErrors.Newf(dErrors.CodeValidation, "unknown sequence type %q", req.SequenceType))
		return
	}
	signatureDate, err := parseDate(req.SignatureDate)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	validUntil, err := parseDate(req.ValidUntil)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	m, err := h.mandates.Register(r.Context(), mandatesvc.RegisterRequest{
		Reference:     ref,
		MemberID:      memberID,
		IBAN:          req.IBAN,
		BIC:           req.BIC,
		SequenceType:  sequenceType,
		SignatureDate: signatureDate,
		ValidUntil:    validUntil,
		Actor:         middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMandateResponse(m))
}

func (h *Handler) getMandate(w http.ResponseWriter, r *http.Request) {
	m, err := h.mandates.Get(r.Context(), id.MandateRef(chi.URLParam(r, "ref")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMandateResponse(m))
}

func (h *Handler) listMemberMandates(w http.ResponseWriter, r *http.Request) {
	memberID, err := id.ParseMemberID(chi.URLParam(r, "memberID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.mandates.ListByMember(r.Context(), memberID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]mandateResponse, 0, len(list))
	for _, m := range list {
		out = append(out, toMandateResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) activateMandate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ref := id.MandateRef(chi.URLParam(r, "ref"))
	if err := h.mandates.Activate(r.Context(), ref, middleware.GetActor(r.Context()), req.Evidence); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.respondMandate(w, r, ref)
}

func (h *Handler) suspendMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.Suspend)
}

func (h *Handler) resumeMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.Resume)
}

func (h *Handler) cancelMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.Cancel)
}

func (h *Handler) mandateTransition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, ref id.MandateRef, actor, reason string) error) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ref := id.MandateRef(chi.URLParam(r, "ref"))
	if err := op(r.Context(), ref, middleware.GetActor(r.Context()), req.Reason); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.respondMandate(w, r, ref)
}

func (h *Handler) respondMandate(w http.ResponseWriter, r *http.Request, ref id.MandateRef) {
	m, err := h.mandates.Get(r.Context(), ref)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMandateResponse(m))
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "dates must be YYYY-MM-DD")
	}
	return t, nil
}

package http

import (
	"net/http"
	"time"

	"incasso/internal/platform/middleware"
	"incasso/internal/returns"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
)

type returnEntryRequest struct {
	EndToEndID     string `json:"endToEndId"`
	ResultCode     string `json:"resultCode"`
	ReasonCode     string `json:"reasonCode,omitempty"`
	SettlementDate string `json:"settlementDate,omitempty"`
}

type processReturnsRequest struct {
	Entries []returnEntryRequest `json:"entries"`
}

type unmatchedResponse struct {
	EndToEndID string `json:"endToEndId"`
	Reason     string `json:"reason"`
}

type processReturnsResponse struct {
	Settled           int                 `json:"settled"`
	Failed            int                 `json:"failed"`
	RetriesScheduled  int                 `json:"retriesScheduled"`
	PermanentFailures int                 `json:"permanentFailures"`
	MandatesCancelled int                 `json:"mandatesCancelled"`
	Unmatched         []unmatchedResponse `json:"unmatched,omitempty"`
}

func (h *Handler) processReturns(w http.ResponseWriter, r *http.Request) {
	var req processReturnsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, h.logger, dErrors.New(dErrors.CodeBadRequest, "entries list is empty"))
		return
	}

	entries := make([]returns.Entry, 0, len(req.Entries))
	for _, er := range req.Entries {
		settlementDate, err := parseDate(er.SettlementDate)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		entries = append(entries, returns.Entry{
			EndToEndID:     id.EndToEndID(er.EndToEndID),
			ResultCode:     er.ResultCode,
			ReasonCode:     er.ReasonCode,
			SettlementDate: settlementDate,
		})
	}

	report, err := h.processor.Process(r.Context(), entries, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := processReturnsResponse{
		Settled:           report.Settled,
		Failed:            report.Failed,
		RetriesScheduled:  report.RetriesScheduled,
		PermanentFailures: report.PermanentFailures,
		MandatesCancelled: report.MandatesCancelled,
	}
	for _, u := range report.Unmatched {
		resp.Unmatched = append(resp.Unmatched, unmatchedResponse{
			EndToEndID: string(u.Entry.EndToEndID),
			Reason:     u.Reason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type sweepResponse struct {
	Released int    `json:"released"`
	SweptAt  string `json:"sweptAt"`
}

func (h *Handler) sweepRetries(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	released, err := h.scheduler.Sweep(r.Context(), now)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Released: released,
		SweptAt:  now.Format(time.RFC3339),
	})
}

package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"incasso/internal/batch"
	"incasso/internal/platform/middleware"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
	"incasso/pkg/platform/sentinel"
)

type batchResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	SequenceType  string `json:"sequenceType"`
	ExecutionDate string `json:"executionDate"`
	TotalAmount   string `json:"totalAmount"`
	TxCount       int    `json:"txCount"`
	SubmittedAt   string `json:"submittedAt,omitempty"`
}

type composeResponse struct {
	Batches  []batchResponse `json:"batches"`
	Claimed  int             `json:"claimed"`
	Deferred int             `json:"deferred"`
	Skipped  int             `json:"skipped"`
}

type transactionResponse struct {
	EndToEndID   string `json:"endToEndId"`
	BatchID      string `json:"batchId"`
	ChargeID     string `json:"chargeId"`
	MandateRef   string `json:"mandateRef"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	SequenceType string `json:"sequenceType"`
	Attempt      int    `json:"attempt"`
	Outcome      string `json:"outcome"`
	ReasonCode   string `json:"reasonCode,omitempty"`
	SettledAt    string `json:"settledAt,omitempty"`
}

type acknowledgeRequest struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func toBatchResponse(b batch.Batch) batchResponse {
	resp := batchResponse{
		ID:            b.ID.String(),
		Status:        string(b.Status),
		Currency:      string(b.Currency),
		SequenceType:  string(b.SequenceType),
		ExecutionDate: b.ExecutionDate.Format("2006-01-02"),
		TotalAmount:   b.TotalAmount.Decimal(),
		TxCount:       b.TxCount,
	}
	if !b.SubmittedAt.IsZero() {
		resp.SubmittedAt = b.SubmittedAt.Format(time.RFC3339)
	}
	return resp
}

func toTransactionResponse(tx batch.Transaction) transactionResponse {
	resp := transactionResponse{
		EndToEndID:   string(tx.EndToEndID),
		BatchID:      tx.BatchID.String(),
		ChargeID:     string(tx.ChargeID),
		MandateRef:   string(tx.MandateRef),
		Amount:       tx.Amount.Decimal(),
		Currency:     string(tx.Currency),
		SequenceType: string(tx.SequenceType),
		Attempt:      tx.Attempt,
		Outcome:      string(tx.Outcome),
		ReasonCode:   tx.ReasonCode,
	}
	if !tx.SettledAt.IsZero() {
		resp.SettledAt = tx.SettledAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) composeBatches(w http.ResponseWriter, r *http.Request) {
	result, err := h.composer.Compose(r.Context(), time.Now(), middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := composeResponse{
		Claimed:  result.Claimed,
		Deferred: result.Deferred,
		Skipped:  result.Skipped,
		Batches:  make([]batchResponse, 0, len(result.Batches)),
	}
	for _, b := range result.Batches {
		resp.Batches = append(resp.Batches, toBatchResponse(b))
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	list, err := h.tracker.List(r.Context(), batch.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]batchResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBatchResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := h.tracker.Get(r.Context(), batchID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) listBatchTransactions(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	txs, err := h.tracker.Transactions(r.Context(), batchID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) validateBatch(w http.ResponseWriter, r *http.Request) {
	h.batchOperation(w, r, h.tracker.Validate)
}

func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	h.batchOperation(w, r, h.tracker.Submit)
}

func (h *Handler) batchFile(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := h.tracker.File(r.Context(), batchID, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.Name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Body)
}

func (h *Handler) acknowledgeBatch(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := h.tracker.Acknowledge(r.Context(), batchID, req.Accepted, req.Reason, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) cancelBatch(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := h.tracker.Cancel(r.Context(), batchID, middleware.GetActor(r.Context()), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	endToEndID := id.EndToEndID(chi.URLParam(r, "endToEndID"))
	tx, err := h.batches.GetTransaction(r.Context(), endToEndID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			err = dErrors.Wrap(err, dErrors.CodeNotFound, "transaction "+string(endToEndID)+" not found")
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *Handler) batchOperation(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, batchID id.BatchID, actor string) (batch.Batch, error)) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := op(r.Context(), batchID, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "incasso/pkg/domain-errors"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError translates a coded domain error into its HTTP shape. Uncoded
// errors become opaque 500s; their detail stays in the logs.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := dErrors.CodeOf(err)
	status := dErrors.ToHTTPStatus(code)
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}

	message := "internal error"
	var de *dErrors.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: string(code), Message: message})
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed request body")
	}
	return nil
}

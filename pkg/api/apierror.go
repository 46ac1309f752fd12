package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/legivellum/receiptgate/pkg/auth"
	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
)

// WriteError renders any error as the uniform envelope. Unclassified errors
// become opaque 500s; their detail goes to the log, not the wire.
func WriteError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var gerr *gateerr.Error
	if !errors.As(err, &gerr) {
		if log != nil {
			log.ErrorContext(r.Context(), "internal error",
				slog.String("path", r.URL.Path),
				slog.String("request_id", auth.GetRequestID(r.Context())),
				slog.String("error", err.Error()),
			)
		}
		gerr = &gateerr.Error{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "Internal server error"}
	}
	WriteJSON(w, gerr.Status, contracts.ErrorResponse{
		Error: contracts.ErrorObject{Code: gerr.Code, Message: gerr.Message, Details: gerr.Details},
	})
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

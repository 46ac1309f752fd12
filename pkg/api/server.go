// Package api exposes the REST surface of ReceiptGate over net/http.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
	"github.com/legivellum/receiptgate/pkg/receipts"
	"github.com/legivellum/receiptgate/pkg/validation"
)

// Handler serves the REST endpoints for one tenant.
type Handler struct {
	svc             *receipts.Service
	tenantID        string
	requestMaxBytes int64
	log             *slog.Logger
	version         string
}

// NewHandler builds the REST handler.
func NewHandler(svc *receipts.Service, tenantID string, requestMaxBytes int64, version string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if requestMaxBytes <= 0 {
		requestMaxBytes = 1 << 20
	}
	return &Handler{
		svc:             svc,
		tenantID:        tenantID,
		requestMaxBytes: requestMaxBytes,
		log:             log,
		version:         version,
	}
}

// Routes registers every REST endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /receipts", h.handlePutReceipt)
	mux.HandleFunc("POST /receipts/search", h.handleSearch)
	mux.HandleFunc("GET /receipts/stats", h.handleStats)
	mux.HandleFunc("GET /receipts/{receipt_id}", h.handleGetReceipt)
	mux.HandleFunc("GET /receipts/{receipt_id}/chain", h.handleChain)
	mux.HandleFunc("GET /inbox/{recipient}", h.handleInbox)
	mux.HandleFunc("GET /tasks/{task_id}/receipts", h.handleTaskReceipts)
	mux.HandleFunc("GET /obligations/{obligation_id}/receipts", h.handleObligationReceipts)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "receiptgate",
		"version": h.version,
	})
}

func (h *Handler) handlePutReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}

	// Schema check runs on the raw document so unknown top-level keys and
	// type mismatches fail before typed decoding.
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		WriteError(w, r, h.log, gateerr.Validation("Request body is not a JSON object", nil))
		return
	}
	if verr := validation.ValidateSchema(raw); verr != nil {
		WriteError(w, r, h.log, verr)
		return
	}

	rec, err := contracts.DecodeReceipt(body)
	if err != nil {
		WriteError(w, r, h.log, gateerr.Validation("Malformed receipt envelope",
			map[string]any{"error": err.Error()}))
		return
	}

	resp, err := h.svc.PutReceipt(r.Context(), h.tenantID, rec)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	status := http.StatusCreated
	if resp.IdempotentReplay {
		status = http.StatusOK
	}
	WriteJSON(w, status, resp)
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetReceipt(r.Context(), h.tenantID, r.PathValue("receipt_id"))
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": rec})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	var req contracts.SearchRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, r, h.log, gateerr.Validation("Malformed search request",
				map[string]any{"error": err.Error()}))
			return
		}
	}
	resp, err := h.svc.Search(r.Context(), h.tenantID, &req)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChain(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Chain(r.Context(), h.tenantID, r.PathValue("receipt_id"))
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, r, h.log, gateerr.Validation("limit must be a positive integer", nil))
			return
		}
		limit = n
	}
	resp, err := h.svc.Inbox(r.Context(), h.tenantID, r.PathValue("recipient"), limit)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Stats(r.Context(), h.tenantID)
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTaskReceipts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListTaskReceipts(r.Context(), h.tenantID, r.PathValue("task_id"))
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(recs), "receipts": recs})
}

func (h *Handler) handleObligationReceipts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListObligationReceipts(r.Context(), h.tenantID, r.PathValue("obligation_id"))
	if err != nil {
		WriteError(w, r, h.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(recs), "receipts": recs})
}

// readBody reads the request body under the transport-level size cap.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.requestMaxBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &gateerr.Error{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    gateerr.CodeBodyTooLarge,
				Message: "Request body exceeds maximum size",
				Details: map[string]any{"max_bytes": maxErr.Limit},
			}
		}
		return nil, err
	}
	return body, nil
}

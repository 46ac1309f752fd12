// Package mcp exposes the ReceiptGate tools over a JSON-RPC 2.0 endpoint.
// The v1 tool contract predates the REST surface and keeps its original
// argument names (recipient_ai, root_task_id); this layer adapts them to the
// canonical envelope at the boundary.
package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
	"github.com/legivellum/receiptgate/pkg/receipts"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcError struct {
	// Code is numeric for protocol errors and a string for tool errors,
	// matching the v1 contract.
	Code    any    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Handler serves POST /mcp.
type Handler struct {
	svc       *receipts.Service
	tenantID  string
	publicURL string
	version   string
	log       *slog.Logger

	defaultLimit int
}

// NewHandler builds the JSON-RPC handler.
func NewHandler(svc *receipts.Service, tenantID, publicURL, version string, defaultLimit int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &Handler{
		svc:          svc,
		tenantID:     tenantID,
		publicURL:    publicURL,
		version:      version,
		defaultLimit: defaultLimit,
		log:          log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}})
		return
	}

	switch req.Method {
	case "tools/list":
		writeRPC(w, result(req.ID, map[string]any{"tools": toolCatalog}))
	case "tools/call":
		h.handleToolCall(w, r, req)
	default:
		writeRPC(w, rpcErr(req.ID, codeMethodNotFound, "Method not found: "+req.Method, nil))
	}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, rpcErr(req.ID, codeInvalidParams, "Invalid params", nil))
			return
		}
	}
	if params.Name == "" {
		writeRPC(w, rpcErr(req.ID, codeInvalidParams, "Missing tool name", nil))
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	resp := h.dispatch(r, req.ID, params.Name, params.Arguments)
	writeRPC(w, resp)
}

func (h *Handler) dispatch(r *http.Request, id any, tool string, args map[string]any) rpcResponse {
	ctx := r.Context()
	switch tool {
	case "receiptgate.health":
		return result(id, map[string]any{
			"status":  "healthy",
			"service": "ReceiptGate",
			"version": h.version,
		})

	case "receiptgate.submit_receipt":
		raw, ok := args["receipt"].(map[string]any)
		if !ok {
			return rpcErr(id, "validation_failed", "receipt is required", nil)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return rpcErr(id, "validation_failed", "receipt is not serializable", nil)
		}
		rec, err := contracts.DecodeReceipt(data)
		if err != nil {
			return rpcErr(id, "validation_failed", "Malformed receipt envelope", err.Error())
		}
		put, err := h.svc.PutReceipt(ctx, h.tenantID, rec)
		if err != nil {
			return toolError(id, err)
		}
		return result(id, put)

	case "receiptgate.list_inbox":
		recipient, _ := args["recipient_ai"].(string)
		if recipient == "" {
			return rpcErr(id, "validation_failed", "recipient_ai is required", nil)
		}
		inbox, err := h.svc.Inbox(ctx, h.tenantID, recipient, intArg(args, "limit", h.defaultLimit))
		if err != nil {
			return toolError(id, err)
		}
		return result(id, inbox)

	case "receiptgate.bootstrap":
		agent, _ := args["agent_name"].(string)
		session, _ := args["session_id"].(string)
		if agent == "" || session == "" {
			return rpcErr(id, "validation_failed", "agent_name and session_id are required", nil)
		}
		inbox, err := h.svc.Inbox(ctx, h.tenantID, agent, h.defaultLimit)
		if err != nil {
			return toolError(id, err)
		}
		return result(id, map[string]any{
			"tenant_id":  h.tenantID,
			"agent_name": agent,
			"session_id": session,
			"config": map[string]any{
				"receipt_schema_version": "1.0",
				"receiptgate_url":        h.publicURL,
				"capabilities":           []string{"receipts", "audit"},
			},
			"inbox": inbox,
		})

	case "receiptgate.list_task_receipts":
		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return rpcErr(id, "validation_failed", "task_id is required", nil)
		}
		recs, err := h.svc.ListTaskReceipts(ctx, h.tenantID, taskID)
		if err != nil {
			return toolError(id, err)
		}
		sortDir, _ := args["sort"].(string)
		if sortDir == "desc" {
			for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
		if limit := intArg(args, "limit", 0); limit > 0 && limit < len(recs) {
			recs = recs[:limit]
		}
		includePayload, _ := args["include_payload"].(bool)
		items := make([]map[string]any, 0, len(recs))
		for i := range recs {
			items = append(items, taskItem(&recs[i], includePayload))
		}
		return result(id, map[string]any{"task_id": taskID, "count": len(items), "receipts": items})

	case "receiptgate.search_receipts":
		rootTaskID, _ := args["root_task_id"].(string)
		if rootTaskID == "" {
			return rpcErr(id, "validation_failed", "root_task_id is required", nil)
		}
		search := &contracts.SearchRequest{
			TaskID: rootTaskID,
			Limit:  intArg(args, "limit", h.defaultLimit),
		}
		if phase, _ := args["phase"].(string); phase != "" {
			search.Phase = contracts.Phase(phase)
		}
		if recipient, _ := args["recipient_ai"].(string); recipient != "" {
			search.Recipient = recipient
		}
		if since, _ := args["since"].(string); since != "" {
			t, err := parseTimestamp(since)
			if err != nil {
				return rpcErr(id, "validation_failed", "since must be an ISO timestamp", nil)
			}
			search.CreatedAtFrom = &t
		}
		found, err := h.svc.Search(ctx, h.tenantID, search)
		if err != nil {
			return toolError(id, err)
		}
		return result(id, found)

	case "receiptgate.get_receipt_chain":
		receiptID, _ := args["receipt_id"].(string)
		if receiptID == "" {
			return rpcErr(id, "validation_failed", "receipt_id is required", nil)
		}
		chain, err := h.svc.Chain(ctx, h.tenantID, receiptID)
		if err != nil {
			return toolError(id, err)
		}
		return result(id, chainV1(chain))

	case "receiptgate.get_receipt":
		receiptID, _ := args["receipt_id"].(string)
		if receiptID == "" {
			return rpcErr(id, "validation_failed", "receipt_id is required", nil)
		}
		rec, err := h.svc.GetReceipt(ctx, h.tenantID, receiptID)
		if err != nil {
			return toolError(id, err)
		}
		return result(id, rec)
	}
	return rpcErr(id, "unknown_tool", "Unknown tool: "+tool, nil)
}

// chainV1 renders a chain in the v1 wire format, where a missing causal link
// is spelled "NA" rather than omitted.
func chainV1(chain *contracts.ChainResponse) map[string]any {
	links := make([]map[string]any, 0, len(chain.Chain))
	for i := range chain.Chain {
		raw, err := json.Marshal(&chain.Chain[i])
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if _, ok := m["caused_by_receipt_id"]; !ok {
			m["caused_by_receipt_id"] = contracts.CausedByNone
		}
		links = append(links, m)
	}
	return map[string]any{
		"receipt_id": chain.ReceiptID,
		"depth":      len(links),
		"truncated":  chain.Truncated,
		"chain":      links,
	}
}

func taskItem(rec *contracts.Record, includePayload bool) map[string]any {
	if includePayload {
		raw, _ := json.Marshal(rec)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		return m
	}
	item := map[string]any{
		"receipt_id":     rec.ReceiptID,
		"phase":          rec.Phase,
		"obligation_id":  rec.ObligationID,
		"created_by":     rec.CreatedBy,
		"recipient":      rec.Recipient,
		"canonical_hash": rec.CanonicalHash,
	}
	if rec.CreatedAt != nil {
		item["created_at"] = rec.CreatedAt
	}
	return item
}

// toolError maps service failures to v1 string error codes.
func toolError(id any, err error) rpcResponse {
	var gerr *gateerr.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case gateerr.CodeNotFound:
			return rpcErr(id, "not_found", gerr.Message, gerr.Details)
		case gateerr.CodeValidation:
			return rpcErr(id, "validation_failed", gerr.Message, gerr.Details)
		}
		return rpcErr(id, gerr.Code, gerr.Message, gerr.Details)
	}
	return rpcErr(id, "internal_error", "Internal error", nil)
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func result(id any, v any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func rpcErr(id any, code any, message string, details any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Details: details}}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

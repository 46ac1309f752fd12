package mcp

import "time"

// toolCatalog is the v1 tool inventory returned by tools/list.
var toolCatalog = []map[string]any{
	{
		"name":        "receiptgate.health",
		"description": "Health check / service info",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		"name":        "receiptgate.submit_receipt",
		"description": "Store a new receipt",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"receipt": map[string]any{"type": "object", "description": "Receipt payload"},
			},
			"required": []string{"receipt"},
		},
	},
	{
		"name":        "receiptgate.list_inbox",
		"description": "Retrieve active obligations for an agent",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recipient_ai": map[string]any{"type": "string"},
				"limit":        map[string]any{"type": "integer"},
			},
			"required": []string{"recipient_ai"},
		},
	},
	{
		"name":        "receiptgate.bootstrap",
		"description": "Initialize session and return inbox/config",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{"type": "string"},
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"agent_name", "session_id"},
		},
	},
	{
		"name":        "receiptgate.list_task_receipts",
		"description": "Retrieve all receipts for a task",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id":         map[string]any{"type": "string"},
				"sort":            map[string]any{"type": "string", "enum": []string{"asc", "desc"}},
				"include_payload": map[string]any{"type": "boolean"},
				"limit":           map[string]any{"type": "integer"},
			},
			"required": []string{"task_id"},
		},
	},
	{
		"name":        "receiptgate.search_receipts",
		"description": "Search receipt headers by task and filters",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"root_task_id": map[string]any{"type": "string"},
				"phase":        map[string]any{"type": "string"},
				"recipient_ai": map[string]any{"type": "string"},
				"since":        map[string]any{"type": "string", "description": "ISO timestamp"},
				"limit":        map[string]any{"type": "integer"},
			},
			"required": []string{"root_task_id"},
		},
	},
	{
		"name":        "receiptgate.get_receipt_chain",
		"description": "Retrieve escalation/causation chain",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"receipt_id": map[string]any{"type": "string"},
			},
			"required": []string{"receipt_id"},
		},
	},
	{
		"name":        "receiptgate.get_receipt",
		"description": "Retrieve full receipt payload by ID",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"receipt_id": map[string]any{"type": "string"},
			},
			"required": []string{"receipt_id"},
		},
	},
}

// parseTimestamp accepts RFC 3339 with or without sub-second precision.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse("2006-01-02T15:04:05", s)
	}
	return t.UTC(), nil
}

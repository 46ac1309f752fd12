package contracts

import "time"

// Record is a stored receipt as returned by read endpoints: the envelope plus
// the server-computed canonical hash.
type Record struct {
	Receipt
	CanonicalHash string `json:"canonical_hash"`
}

// PutResponse is the result of a receipt write.
type PutResponse struct {
	OK               bool       `json:"ok"`
	ReceiptID        string     `json:"receipt_id"`
	CanonicalHash    string     `json:"canonical_hash"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	IdempotentReplay bool       `json:"idempotent_replay"`
}

// SearchRequest is the conjunctive filter object accepted by receipt search.
type SearchRequest struct {
	ReceiptID         string     `json:"receipt_id,omitempty"`
	ObligationID      string     `json:"obligation_id,omitempty"`
	Phase             Phase      `json:"phase,omitempty"`
	Recipient         string     `json:"recipient,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	Principal         string     `json:"principal,omitempty"`
	CausedByReceiptID string     `json:"caused_by_receipt_id,omitempty"`
	TaskID            string     `json:"task_id,omitempty"`
	PlanID            string     `json:"plan_id,omitempty"`
	CreatedAtFrom     *time.Time `json:"created_at_from,omitempty"`
	CreatedAtTo       *time.Time `json:"created_at_to,omitempty"`
	Query             string     `json:"query,omitempty"`
	Limit             int        `json:"limit,omitempty"`
	Offset            int        `json:"offset,omitempty"`
}

// SearchResponse is one page of search results.
type SearchResponse struct {
	OK       bool     `json:"ok"`
	Count    int      `json:"count"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	Receipts []Record `json:"receipts"`
}

// ChainResponse is the causal chain of a receipt, oldest first.
type ChainResponse struct {
	OK        bool     `json:"ok"`
	ReceiptID string   `json:"receipt_id"`
	Chain     []Record `json:"chain"`
	Truncated bool     `json:"truncated"`
}

// InboxItem is one open obligation assigned to a recipient.
type InboxItem struct {
	ObligationID       string `json:"obligation_id"`
	OpenedByReceiptID  string `json:"opened_by_receipt_id"`
	OpenedByPhase      Phase  `json:"opened_by_phase"`
	Receipt            Record `json:"receipt"`
	ParentObligationID string `json:"parent_obligation_id,omitempty"`
}

// InboxResponse lists the open obligations of a recipient.
type InboxResponse struct {
	OK        bool        `json:"ok"`
	Recipient string      `json:"recipient"`
	Items     []InboxItem `json:"items"`
}

// RecipientCount is one entry of the top-recipients aggregate.
type RecipientCount struct {
	Recipient string `json:"recipient"`
	Count     int    `json:"count"`
}

// StatsResponse aggregates ledger totals.
type StatsResponse struct {
	OK            bool             `json:"ok"`
	TotalReceipts int              `json:"total_receipts"`
	ByPhase       map[string]int   `json:"by_phase"`
	TopRecipients []RecipientCount `json:"top_recipients"`
}

// ErrorObject is the error payload of a failed request.
type ErrorObject struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the uniform error body of the REST surface.
type ErrorResponse struct {
	OK    bool        `json:"ok"`
	Error ErrorObject `json:"error"`
}

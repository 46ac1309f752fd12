// Package ledger is the append-only receipt store. It speaks two SQL
// dialects (postgres for production, sqlite for dev and tests) behind one
// store type; rows are immutable once inserted.
package ledger

import (
	"errors"
	"time"
)

// Dialect selects the SQL flavor the store emits.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var (
	// ErrDuplicate is returned by Insert when (tenant_id, receipt_id)
	// already exists.
	ErrDuplicate = errors.New("ledger: duplicate receipt_id")
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("ledger: receipt not found")
)

// Record is one persisted receipt row. JSON columns hold the sub-documents
// verbatim as submitted (after normalization); extracted scalar columns exist
// for indexing and filtering only.
type Record struct {
	UID           string
	TenantID      string
	ReceiptID     string
	CanonicalHash string
	Phase         string
	ObligationID  string
	CausedBy      string // empty means no causal predecessor
	CreatedBy     string
	Recipient     string
	Principal     string
	TaskID        string
	PlanID        string
	TaskRef       []byte // JSON or nil
	PlanRef       []byte // JSON or nil
	ArtifactRefs  []byte // JSON array or nil
	Body          []byte // JSON object, never nil
	CreatedAt     time.Time
	StoredAt      time.Time
}

// SearchFilter is the conjunctive row filter for Search. Zero values mean
// "no constraint".
type SearchFilter struct {
	ReceiptID     string
	ObligationID  string
	Phase         string
	Recipient     string
	CreatedBy     string
	Principal     string
	CausedBy      string
	TaskID        string
	PlanID        string
	CreatedAtFrom *time.Time
	CreatedAtTo   *time.Time
	Query         string // substring match on body summary and receipt_id
	Limit         int
	Offset        int
}

// Stats aggregates ledger totals for one tenant.
type Stats struct {
	TotalReceipts int
	ByPhase       map[string]int
	TopRecipients []RecipientCount
}

// RecipientCount is one row of the top-recipients aggregate.
type RecipientCount struct {
	Recipient string
	Count     int
}

// Timestamps persist as fixed-width UTC text in both dialects so that
// lexicographic comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

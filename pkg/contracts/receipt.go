// Package contracts defines the canonical receipt envelope and the wire shapes
// of the ReceiptGate API. The envelope here is the single source of truth for
// both the REST and JSON-RPC surfaces.
package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the lifecycle event kind a receipt records.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
	PhaseCancel   Phase = "cancel"
)

// Valid reports whether p is one of the four enumerated phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAccepted, PhaseComplete, PhaseEscalate, PhaseCancel:
		return true
	}
	return false
}

// Terminal reports whether a receipt of this phase closes its obligation.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseEscalate, PhaseCancel:
		return true
	}
	return false
}

// TerminalPhases lists the phases that close an obligation.
var TerminalPhases = []Phase{PhaseComplete, PhaseEscalate, PhaseCancel}

// CausedByNone is the v1 wire sentinel meaning "no causal predecessor".
// It is normalized to the empty string at ingress and persisted as NULL.
const CausedByNone = "NA"

// TaskRef points at the task an obligation was created for.
type TaskRef struct {
	TaskID       string `json:"task_id"`
	Queue        string `json:"queue,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// PlanRef points at the plan a receipt was produced under.
type PlanRef struct {
	PlanID   string `json:"plan_id"`
	PlanHash string `json:"plan_hash,omitempty"`
}

// Artifact kinds that require a content digest.
const (
	ArtifactKindBinary  = "binary"
	ArtifactKindDataset = "dataset"
)

// ArtifactKinds enumerates the allowed artifact kinds.
var ArtifactKinds = []string{"report", "dataset", "binary", "text", "json", "image", "other"}

// ArtifactRef references an artifact produced or consumed by a receipt.
// The ledger stores references only; artifact bytes live elsewhere.
type ArtifactRef struct {
	ArtifactID string     `json:"artifact_id,omitempty"`
	URI        string     `json:"uri,omitempty"`
	Digest     string     `json:"digest,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	MIME       string     `json:"mime,omitempty"`
	Bytes      *int64     `json:"bytes,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// CompletionResult is the required payload of a complete receipt when no
// artifact refs are attached.
type CompletionResult struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// CompletionStatuses enumerates the allowed result statuses.
var CompletionStatuses = []string{"ok", "no_output", "partial", "failed"}

// Escalation is the required body payload of an escalate receipt.
type Escalation struct {
	ParentReceiptID    string         `json:"parent_receipt_id"`
	ParentObligationID string         `json:"parent_obligation_id"`
	ChildObligationID  string         `json:"child_obligation_id"`
	From               string         `json:"from"`
	To                 string         `json:"to"`
	Reason             string         `json:"reason"`
	CopiedTaskID       string         `json:"copied_task_id,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// Cancel is the required body payload of a cancel receipt.
type Cancel struct {
	Reason                   string `json:"reason"`
	SupersededByObligationID string `json:"superseded_by_obligation_id,omitempty"`
	SupersededByReceiptID    string `json:"superseded_by_receipt_id,omitempty"`
}

// Body is the free-form receipt envelope body. Known sub-objects are typed;
// any additional keys round-trip through Extra.
type Body struct {
	Summary     string
	Inputs      map[string]any
	Constraints map[string]any
	Result      *CompletionResult
	Escalation  *Escalation
	Cancel      *Cancel
	Extra       map[string]any
}

var bodyKnownKeys = []string{"summary", "inputs", "constraints", "result", "escalation", "cancel"}

// MarshalJSON emits the known sub-objects merged with the extras bag,
// omitting unset fields.
func (b Body) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Extra)+6)
	for k, v := range b.Extra {
		out[k] = v
	}
	if b.Summary != "" {
		out["summary"] = b.Summary
	}
	if b.Inputs != nil {
		out["inputs"] = b.Inputs
	}
	if b.Constraints != nil {
		out["constraints"] = b.Constraints
	}
	if b.Result != nil {
		out["result"] = b.Result
	}
	if b.Escalation != nil {
		out["escalation"] = b.Escalation
	}
	if b.Cancel != nil {
		out["cancel"] = b.Cancel
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known sub-objects from the extras bag. Known keys are
// decoded strictly; unknown keys are preserved verbatim.
func (b *Body) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	strict := func(key string, v json.RawMessage, dst any) error {
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("body.%s: %w", key, err)
		}
		return nil
	}
	present := func(key string) (json.RawMessage, bool) {
		v, ok := raw[key]
		if !ok || bytes.Equal(v, []byte("null")) {
			return nil, false
		}
		return v, true
	}

	if v, ok := present("summary"); ok {
		if err := strict("summary", v, &b.Summary); err != nil {
			return err
		}
	}
	if v, ok := present("inputs"); ok {
		if err := strict("inputs", v, &b.Inputs); err != nil {
			return err
		}
	}
	if v, ok := present("constraints"); ok {
		if err := strict("constraints", v, &b.Constraints); err != nil {
			return err
		}
	}
	if v, ok := present("result"); ok {
		b.Result = &CompletionResult{}
		if err := strict("result", v, b.Result); err != nil {
			return err
		}
	}
	if v, ok := present("escalation"); ok {
		b.Escalation = &Escalation{}
		if err := strict("escalation", v, b.Escalation); err != nil {
			return err
		}
	}
	if v, ok := present("cancel"); ok {
		b.Cancel = &Cancel{}
		if err := strict("cancel", v, b.Cancel); err != nil {
			return err
		}
	}

	for _, k := range bodyKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		b.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			b.Extra[k] = val
		}
	}
	return nil
}

// Receipt is the canonical receipt envelope submitted by clients.
// Server-assigned fields (tenant, stored_at, canonical hash) live on the
// stored record, not here.
type Receipt struct {
	ReceiptID         string        `json:"receipt_id"`
	Phase             Phase         `json:"phase"`
	ObligationID      string        `json:"obligation_id"`
	CausedByReceiptID string        `json:"caused_by_receipt_id,omitempty"`
	CreatedBy         string        `json:"created_by"`
	Recipient         string        `json:"recipient"`
	Principal         string        `json:"principal,omitempty"`
	TaskRef           *TaskRef      `json:"task_ref,omitempty"`
	PlanRef           *PlanRef      `json:"plan_ref,omitempty"`
	ArtifactRefs      []ArtifactRef `json:"artifact_refs,omitempty"`
	Body              Body          `json:"body"`
	CreatedAt         *time.Time    `json:"created_at,omitempty"`
}

// Normalize maps wire sentinels to internal absence and folds timestamps to
// UTC. Call once after decoding, before validation or hashing.
func (r *Receipt) Normalize() {
	if r.CausedByReceiptID == CausedByNone {
		r.CausedByReceiptID = ""
	}
	if r.CreatedAt != nil {
		t := r.CreatedAt.UTC()
		r.CreatedAt = &t
	}
}

// Payload returns the receipt as a generic JSON map with null and unset
// fields stripped. This is the input to canonical hashing and the shape that
// is persisted in JSON columns.
func (r *Receipt) Payload() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal receipt: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("contracts: decode receipt payload: %w", err)
	}
	return payload, nil
}

// DecodeReceipt decodes a client-supplied envelope strictly: unknown fields
// anywhere outside the body are rejected. The result is normalized.
func DecodeReceipt(data []byte) (*Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Receipt
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	r.Normalize()
	return &r, nil
}

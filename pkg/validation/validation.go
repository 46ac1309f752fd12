// Package validation performs stateless structural and semantic checks on a
// receipt envelope. Nothing here consults the ledger; state-dependent
// invariants live in the receipts service.
package validation

import (
	"fmt"
	"regexp"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
)

const (
	maxIdentifierLen = 200
	maxURILen        = 2048
	maxSummaryLen    = 2000
	maxReasonLen     = 5000
	maxArtifactRefs  = 100
	minLeaseSeconds  = 1
	maxLeaseSeconds  = 86400
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// FieldError describes one failed constraint on one field.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// Err converts a non-empty field error list into a VALIDATION_ERROR.
func Err(errs []FieldError) *gateerr.Error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		details = append(details, map[string]any{
			"field":      e.Field,
			"constraint": e.Constraint,
			"message":    e.Message,
		})
	}
	return gateerr.Validation("Receipt validation failed", map[string]any{"errors": details})
}

// Validate runs every ledger-independent check on the envelope and returns
// the accumulated field errors.
func Validate(r *contracts.Receipt) []FieldError {
	var errs []FieldError
	add := func(field, constraint, message string) {
		errs = append(errs, FieldError{Field: field, Constraint: constraint, Message: message})
	}

	checkID := func(field, value string, required bool) {
		if value == "" {
			if required {
				add(field, "required", field+" is required")
			}
			return
		}
		if len(value) > maxIdentifierLen {
			add(field, "max_length", fmt.Sprintf("%s exceeds %d characters", field, maxIdentifierLen))
		}
	}

	checkID("receipt_id", r.ReceiptID, true)
	if r.ReceiptID != "" && !identifierRe.MatchString(r.ReceiptID) {
		add("receipt_id", "pattern", "receipt_id must match [A-Za-z0-9._:-]+")
	}

	if !r.Phase.Valid() {
		add("phase", "enum", "phase must be one of accepted, complete, escalate, cancel")
	}

	checkID("obligation_id", r.ObligationID, true)
	checkID("caused_by_receipt_id", r.CausedByReceiptID, false)
	checkID("created_by", r.CreatedBy, true)
	checkID("recipient", r.Recipient, true)
	checkID("principal", r.Principal, false)

	if r.TaskRef != nil {
		checkID("task_ref.task_id", r.TaskRef.TaskID, true)
		checkID("task_ref.queue", r.TaskRef.Queue, false)
		if r.TaskRef.LeaseSeconds != 0 &&
			(r.TaskRef.LeaseSeconds < minLeaseSeconds || r.TaskRef.LeaseSeconds > maxLeaseSeconds) {
			add("task_ref.lease_seconds", "range",
				fmt.Sprintf("lease_seconds must be between %d and %d", minLeaseSeconds, maxLeaseSeconds))
		}
	}
	if r.PlanRef != nil {
		checkID("plan_ref.plan_id", r.PlanRef.PlanID, true)
		checkID("plan_ref.plan_hash", r.PlanRef.PlanHash, false)
	}

	if len(r.ArtifactRefs) > maxArtifactRefs {
		add("artifact_refs", "max_items", fmt.Sprintf("artifact_refs exceeds %d entries", maxArtifactRefs))
	}
	for i, ref := range r.ArtifactRefs {
		field := fmt.Sprintf("artifact_refs[%d]", i)
		if ref.ArtifactID == "" && ref.URI == "" {
			add(field, "required", "artifact_ref requires artifact_id or uri")
		}
		if len(ref.URI) > maxURILen {
			add(field+".uri", "max_length", fmt.Sprintf("uri exceeds %d characters", maxURILen))
		}
		if ref.Kind != "" && !oneOf(ref.Kind, contracts.ArtifactKinds) {
			add(field+".kind", "enum", "unknown artifact kind")
		}
		if ref.Bytes != nil && *ref.Bytes < 0 {
			add(field+".bytes", "range", "bytes must be non-negative")
		}
	}

	if len(r.Body.Summary) > maxSummaryLen {
		add("body.summary", "max_length", fmt.Sprintf("summary exceeds %d characters", maxSummaryLen))
	}
	if r.Body.Result != nil && !oneOf(r.Body.Result.Status, contracts.CompletionStatuses) {
		add("body.result.status", "enum", "status must be one of ok, no_output, partial, failed")
	}
	if esc := r.Body.Escalation; esc != nil {
		checkID("body.escalation.parent_receipt_id", esc.ParentReceiptID, true)
		checkID("body.escalation.parent_obligation_id", esc.ParentObligationID, true)
		checkID("body.escalation.child_obligation_id", esc.ChildObligationID, true)
		checkID("body.escalation.from", esc.From, true)
		checkID("body.escalation.to", esc.To, true)
		if esc.Reason == "" {
			add("body.escalation.reason", "required", "escalation reason is required")
		} else if len(esc.Reason) > maxReasonLen {
			add("body.escalation.reason", "max_length", fmt.Sprintf("reason exceeds %d characters", maxReasonLen))
		}
	}
	if c := r.Body.Cancel; c != nil {
		if c.Reason == "" {
			add("body.cancel.reason", "required", "cancel reason is required")
		} else if len(c.Reason) > maxReasonLen {
			add("body.cancel.reason", "max_length", fmt.Sprintf("reason exceeds %d characters", maxReasonLen))
		}
	}

	errs = append(errs, phaseErrors(r)...)
	return errs
}

// phaseErrors checks the phase-specific body requirements and the escalate
// routing invariant that needs no ledger lookups.
func phaseErrors(r *contracts.Receipt) []FieldError {
	var errs []FieldError
	add := func(field, constraint, message string) {
		errs = append(errs, FieldError{Field: field, Constraint: constraint, Message: message})
	}

	switch r.Phase {
	case contracts.PhaseComplete:
		if len(r.ArtifactRefs) == 0 && r.Body.Result == nil {
			add("body.result", "required", "complete requires artifact_refs or body.result")
		}
	case contracts.PhaseEscalate:
		esc := r.Body.Escalation
		if esc == nil {
			add("body.escalation", "required", "escalate requires body.escalation")
			break
		}
		if r.CreatedBy != r.Recipient {
			add("created_by", "routing_invariant", "escalate must be minted by receiver (created_by == recipient)")
		}
		if r.Recipient != esc.To {
			add("recipient", "routing_invariant", "escalate recipient must equal escalation.to")
		}
		if r.ObligationID != esc.ParentObligationID {
			add("obligation_id", "routing_invariant", "escalate obligation_id must equal escalation.parent_obligation_id")
		}
	case contracts.PhaseCancel:
		if r.Body.Cancel == nil {
			add("body.cancel", "required", "cancel requires body.cancel")
		}
	}
	return errs
}

// ArtifactDigestErrors returns the artifact refs of kind binary or dataset
// that are missing a digest. Surfaced as ARTIFACT_REF_INVALID by the write
// path.
func ArtifactDigestErrors(r *contracts.Receipt) *gateerr.Error {
	for _, ref := range r.ArtifactRefs {
		if (ref.Kind == contracts.ArtifactKindBinary || ref.Kind == contracts.ArtifactKindDataset) && ref.Digest == "" {
			return gateerr.Unprocessable(
				gateerr.CodeArtifactRefInvalid,
				"artifact_ref.digest required for binary/dataset kinds",
				map[string]any{"artifact_id": ref.ArtifactID, "uri": ref.URI, "kind": ref.Kind},
			)
		}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

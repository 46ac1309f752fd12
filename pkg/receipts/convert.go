package receipts

import (
	"encoding/json"
	"fmt"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/ledger"
)

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshal: %w", err)
	}
	return b, nil
}

// toContract rebuilds the wire envelope from a stored row.
func toContract(rec *ledger.Record) (*contracts.Record, error) {
	createdAt := rec.CreatedAt
	out := &contracts.Record{
		Receipt: contracts.Receipt{
			ReceiptID:         rec.ReceiptID,
			Phase:             contracts.Phase(rec.Phase),
			ObligationID:      rec.ObligationID,
			CausedByReceiptID: rec.CausedBy,
			CreatedBy:         rec.CreatedBy,
			Recipient:         rec.Recipient,
			Principal:         rec.Principal,
			CreatedAt:         &createdAt,
		},
		CanonicalHash: rec.CanonicalHash,
	}
	if err := json.Unmarshal(rec.Body, &out.Body); err != nil {
		return nil, fmt.Errorf("receipts: decode stored body for %s: %w", rec.ReceiptID, err)
	}
	if len(rec.TaskRef) > 0 {
		out.TaskRef = &contracts.TaskRef{}
		if err := json.Unmarshal(rec.TaskRef, out.TaskRef); err != nil {
			return nil, fmt.Errorf("receipts: decode stored task_ref for %s: %w", rec.ReceiptID, err)
		}
	}
	if len(rec.PlanRef) > 0 {
		out.PlanRef = &contracts.PlanRef{}
		if err := json.Unmarshal(rec.PlanRef, out.PlanRef); err != nil {
			return nil, fmt.Errorf("receipts: decode stored plan_ref for %s: %w", rec.ReceiptID, err)
		}
	}
	if len(rec.ArtifactRefs) > 0 {
		if err := json.Unmarshal(rec.ArtifactRefs, &out.ArtifactRefs); err != nil {
			return nil, fmt.Errorf("receipts: decode stored artifact_refs for %s: %w", rec.ReceiptID, err)
		}
	}
	return out, nil
}

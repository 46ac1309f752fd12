// Package graph maintains the receipt_edges projection: a flat edge table
// derived from causal links, rebuilt as a batch job so graph queries never
// touch the hot write path.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/legivellum/receiptgate/pkg/ledger"
)

// Relations recorded in receipt_edges.
const (
	RelationCausedBy  = "caused_by"
	RelationEscalates = "escalates"
)

// Rebuilder repopulates receipt_edges from the receipts table.
type Rebuilder struct {
	store *ledger.Store
	log   *slog.Logger
}

// NewRebuilder wires the job over a ledger store.
func NewRebuilder(store *ledger.Store, log *slog.Logger) *Rebuilder {
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{store: store, log: log}
}

// Rebuild replaces the edge set for one tenant inside a single transaction.
// caused_by edges come from the causal link column; escalates edges connect
// escalate receipts to their parent receipts.
func (r *Rebuilder) Rebuild(ctx context.Context, tenantID string) (int64, error) {
	db := r.store.DB()
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("graph: begin: %w", err)
	}
	defer tx.Rollback()

	deleteStmt := `DELETE FROM receipt_edges WHERE tenant_id = ?`
	causedStmt := `INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		SELECT tenant_id, receipt_id, caused_by_receipt_id, '` + RelationCausedBy + `', created_at
		FROM receipts
		WHERE tenant_id = ? AND caused_by_receipt_id IS NOT NULL`
	escalateExpr := `json_extract(body, '$.escalation.parent_receipt_id')`
	if r.store.Dialect() == ledger.DialectPostgres {
		deleteStmt = `DELETE FROM receipt_edges WHERE tenant_id = $1`
		causedStmt = `INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
			SELECT tenant_id, receipt_id, caused_by_receipt_id, '` + RelationCausedBy + `', created_at
			FROM receipts
			WHERE tenant_id = $1 AND caused_by_receipt_id IS NOT NULL`
		escalateExpr = `body->'escalation'->>'parent_receipt_id'`
	}

	if _, err := tx.ExecContext(ctx, deleteStmt, tenantID); err != nil {
		return 0, fmt.Errorf("graph: clear edges: %w", err)
	}

	res, err := tx.ExecContext(ctx, causedStmt, tenantID)
	if err != nil {
		return 0, fmt.Errorf("graph: insert caused_by edges: %w", err)
	}
	causedRows, _ := res.RowsAffected()

	escalateStmt := `INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		SELECT tenant_id, receipt_id, ` + escalateExpr + `, '` + RelationEscalates + `', created_at
		FROM receipts
		WHERE tenant_id = ? AND phase = 'escalate' AND ` + escalateExpr + ` IS NOT NULL`
	if r.store.Dialect() == ledger.DialectPostgres {
		escalateStmt = `INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
			SELECT tenant_id, receipt_id, ` + escalateExpr + `, '` + RelationEscalates + `', created_at
			FROM receipts
			WHERE tenant_id = $1 AND phase = 'escalate' AND ` + escalateExpr + ` IS NOT NULL`
	}
	res, err = tx.ExecContext(ctx, escalateStmt, tenantID)
	if err != nil {
		return 0, fmt.Errorf("graph: insert escalates edges: %w", err)
	}
	escalateRows, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("graph: commit: %w", err)
	}

	total := causedRows + escalateRows
	r.log.InfoContext(ctx, "receipt graph rebuilt",
		slog.String("tenant_id", tenantID),
		slog.Int64("edges", total),
		slog.Duration("took", time.Since(start)),
	)
	return total, nil
}

package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		uid                  TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		receipt_id           TEXT NOT NULL,
		canonical_hash       TEXT NOT NULL,
		phase                TEXT NOT NULL,
		obligation_id        TEXT NOT NULL,
		caused_by_receipt_id TEXT,
		created_by           TEXT NOT NULL,
		recipient            TEXT NOT NULL,
		principal            TEXT,
		task_id              TEXT,
		plan_id              TEXT,
		task_ref             JSONB,
		plan_ref             JSONB,
		artifact_refs        JSONB,
		body                 JSONB NOT NULL,
		created_at           TEXT NOT NULL,
		stored_at            TEXT NOT NULL,
		CONSTRAINT receipts_tenant_receipt_uniq UNIQUE (tenant_id, receipt_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_obligation ON receipts (tenant_id, obligation_id, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_recipient_phase ON receipts (tenant_id, recipient, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_caused_by ON receipts (tenant_id, caused_by_receipt_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_task ON receipts (tenant_id, task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_created_at ON receipts (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_child_obligation
		ON receipts (tenant_id, ((body->'escalation'->>'child_obligation_id')))
		WHERE phase = 'escalate'`,
}

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		uid                  TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		receipt_id           TEXT NOT NULL,
		canonical_hash       TEXT NOT NULL,
		phase                TEXT NOT NULL,
		obligation_id        TEXT NOT NULL,
		caused_by_receipt_id TEXT,
		created_by           TEXT NOT NULL,
		recipient            TEXT NOT NULL,
		principal            TEXT,
		task_id              TEXT,
		plan_id              TEXT,
		task_ref             TEXT,
		plan_ref             TEXT,
		artifact_refs        TEXT,
		body                 TEXT NOT NULL,
		created_at           TEXT NOT NULL,
		stored_at            TEXT NOT NULL,
		UNIQUE (tenant_id, receipt_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_obligation ON receipts (tenant_id, obligation_id, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_recipient_phase ON receipts (tenant_id, recipient, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_caused_by ON receipts (tenant_id, caused_by_receipt_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_task ON receipts (tenant_id, task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_created_at ON receipts (tenant_id, created_at)`,
}

// schemaGraph is the derived-edge layer used by the graph rebuild job. The
// DDL is dialect-neutral.
var schemaGraph = []string{
	`CREATE TABLE IF NOT EXISTS receipt_edges (
		tenant_id      TEXT NOT NULL,
		src_receipt_id TEXT NOT NULL,
		dst_receipt_id TEXT NOT NULL,
		relation       TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		PRIMARY KEY (tenant_id, src_receipt_id, dst_receipt_id, relation)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipt_edges_dst ON receipt_edges (tenant_id, dst_receipt_id)`,
}

// schemaSemantic holds free-form annotations attached to receipts by offline
// enrichment jobs. Table DDL only; nothing in the core writes it.
var schemaSemantic = []string{
	`CREATE TABLE IF NOT EXISTS receipt_annotations (
		tenant_id  TEXT NOT NULL,
		receipt_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, receipt_id, kind)
	)`,
}

// EnsureSchema creates the receipts table and its indexes if missing.
// Statements are idempotent; safe to run on every boot.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts := schemaSQLite
	if dialect == DialectPostgres {
		stmts = schemaPostgres
	}
	return execAll(ctx, db, stmts)
}

// EnsureGraphSchema creates the receipt_edges layer.
func EnsureGraphSchema(ctx context.Context, db *sql.DB) error {
	return execAll(ctx, db, schemaGraph)
}

// EnsureSemanticSchema creates the receipt_annotations layer.
func EnsureSemanticSchema(ctx context.Context, db *sql.DB) error {
	return execAll(ctx, db, schemaSemantic)
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: schema bootstrap failed: %w", err)
		}
	}
	return nil
}

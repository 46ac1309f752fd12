package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store methods that must observe an obligation lock take a Querier so they
// run on the locking transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and appends receipt rows over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an opened database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for health pings and maintenance jobs.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL flavor in use.
func (s *Store) Dialect() Dialect { return s.dialect }

const recordColumns = `uid, tenant_id, receipt_id, canonical_hash, phase, obligation_id,
	caused_by_receipt_id, created_by, recipient, principal, task_id, plan_id,
	task_ref, plan_ref, artifact_refs, body, created_at, stored_at`

// rebind rewrites ? placeholders to $n for postgres. Queries are written in
// sqlite style and rebound on the way out.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) childObligationExpr(col string) string {
	if s.dialect == DialectPostgres {
		return col + `->'escalation'->>'child_obligation_id'`
	}
	return `json_extract(` + col + `, '$.escalation.child_obligation_id')`
}

func (s *Store) summaryExpr() string {
	if s.dialect == DialectPostgres {
		return `body->>'summary'`
	}
	return `json_extract(body, '$.summary')`
}

// Insert appends one receipt row. A (tenant_id, receipt_id) uniqueness
// violation is mapped to ErrDuplicate so callers can distinguish replay from
// collision by re-reading.
func (s *Store) Insert(ctx context.Context, q Querier, rec *Record) error {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`INSERT INTO receipts (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query,
		rec.UID, rec.TenantID, rec.ReceiptID, rec.CanonicalHash, rec.Phase, rec.ObligationID,
		nullStr(rec.CausedBy), rec.CreatedBy, rec.Recipient, nullStr(rec.Principal),
		nullStr(rec.TaskID), nullStr(rec.PlanID),
		nullBytes(rec.TaskRef), nullBytes(rec.PlanRef), nullBytes(rec.ArtifactRefs), rec.Body,
		formatTime(rec.CreatedAt), formatTime(rec.StoredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("ledger: insert receipt: %w", err)
	}
	return nil
}

// Get returns one receipt by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, q Querier, tenantID, receiptID string) (*Record, error) {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND receipt_id = ?`)
	return scanRecord(q.QueryRowContext(ctx, query, tenantID, receiptID))
}

// TerminalReceipt returns the terminal receipt that closed an obligation, or
// ErrNotFound while the obligation is still open.
func (s *Store) TerminalReceipt(ctx context.Context, q Querier, tenantID, obligationID string) (*Record, error) {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND obligation_id = ?
		AND phase IN ('complete', 'escalate', 'cancel')
		ORDER BY created_at ASC, uid ASC LIMIT 1`)
	return scanRecord(q.QueryRowContext(ctx, query, tenantID, obligationID))
}

// HasOpenEvent reports whether an obligation has ever been opened, either by
// an accepted receipt or as the child of an escalation.
func (s *Store) HasOpenEvent(ctx context.Context, q Querier, tenantID, obligationID string) (bool, error) {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`SELECT EXISTS (
		SELECT 1 FROM receipts WHERE tenant_id = ? AND obligation_id = ? AND phase = 'accepted'
	) OR EXISTS (
		SELECT 1 FROM receipts WHERE tenant_id = ? AND phase = 'escalate'
		AND ` + s.childObligationExpr("body") + ` = ?
	)`)
	var open bool
	err := q.QueryRowContext(ctx, query, tenantID, obligationID, tenantID, obligationID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("ledger: open event lookup: %w", err)
	}
	return open, nil
}

// EscalationByChild returns the escalate receipt that opened a child
// obligation, or ErrNotFound.
func (s *Store) EscalationByChild(ctx context.Context, q Querier, tenantID, childObligationID string) (*Record, error) {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND phase = 'escalate'
		AND ` + s.childObligationExpr("body") + ` = ?
		ORDER BY created_at ASC, uid ASC LIMIT 1`)
	return scanRecord(q.QueryRowContext(ctx, query, tenantID, childObligationID))
}

// ObligationInUse reports whether an obligation id already appears on any
// receipt or as the child of any escalation.
func (s *Store) ObligationInUse(ctx context.Context, q Querier, tenantID, obligationID string) (bool, error) {
	if q == nil {
		q = s.db
	}
	query := s.rebind(`SELECT EXISTS (
		SELECT 1 FROM receipts WHERE tenant_id = ? AND obligation_id = ?
	) OR EXISTS (
		SELECT 1 FROM receipts WHERE tenant_id = ? AND phase = 'escalate'
		AND ` + s.childObligationExpr("body") + ` = ?
	)`)
	var used bool
	err := q.QueryRowContext(ctx, query, tenantID, obligationID, tenantID, obligationID).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("ledger: obligation lookup: %w", err)
	}
	return used, nil
}

// ListByObligation returns every receipt of one obligation, oldest first.
func (s *Store) ListByObligation(ctx context.Context, tenantID, obligationID string) ([]Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND obligation_id = ?
		ORDER BY created_at ASC, uid ASC`)
	return s.queryRecords(ctx, query, tenantID, obligationID)
}

// ListOpenAccepted returns the accepted receipts addressed to one recipient
// whose obligations have no terminal receipt yet, newest first.
func (s *Store) ListOpenAccepted(ctx context.Context, tenantID, recipient string) ([]Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND recipient = ? AND phase = 'accepted'
		AND NOT EXISTS (
			SELECT 1 FROM receipts t
			WHERE t.tenant_id = receipts.tenant_id
			AND t.obligation_id = receipts.obligation_id
			AND t.phase IN ('complete', 'escalate', 'cancel')
		)
		ORDER BY created_at DESC, uid DESC`)
	return s.queryRecords(ctx, query, tenantID, recipient)
}

// ListOpenEscalations returns the escalate receipts addressed to one
// recipient whose child obligations have no terminal receipt yet, newest
// first.
func (s *Store) ListOpenEscalations(ctx context.Context, tenantID, recipient string) ([]Record, error) {
	child := s.childObligationExpr("receipts.body")
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND recipient = ? AND phase = 'escalate'
		AND ` + child + ` IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM receipts t
			WHERE t.tenant_id = receipts.tenant_id
			AND t.obligation_id = ` + child + `
			AND t.phase IN ('complete', 'escalate', 'cancel')
		)
		ORDER BY created_at DESC, uid DESC`)
	return s.queryRecords(ctx, query, tenantID, recipient)
}

// ListByTask returns every receipt referencing a task, oldest first.
func (s *Store) ListByTask(ctx context.Context, tenantID, taskID string) ([]Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM receipts
		WHERE tenant_id = ? AND task_id = ?
		ORDER BY created_at ASC, uid ASC`)
	return s.queryRecords(ctx, query, tenantID, taskID)
}

// Search applies a conjunctive filter, newest first.
func (s *Store) Search(ctx context.Context, tenantID string, f SearchFilter) ([]Record, error) {
	var (
		conds = []string{"tenant_id = ?"}
		args  = []any{tenantID}
	)
	eq := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	eq("receipt_id", f.ReceiptID)
	eq("obligation_id", f.ObligationID)
	eq("phase", f.Phase)
	eq("recipient", f.Recipient)
	eq("created_by", f.CreatedBy)
	eq("principal", f.Principal)
	eq("caused_by_receipt_id", f.CausedBy)
	eq("task_id", f.TaskID)
	eq("plan_id", f.PlanID)
	if f.CreatedAtFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.CreatedAtFrom))
	}
	if f.CreatedAtTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*f.CreatedAtTo))
	}
	if f.Query != "" {
		conds = append(conds, "(receipt_id LIKE ? OR "+s.summaryExpr()+" LIKE ?)")
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + recordColumns + ` FROM receipts WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, uid DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	return s.queryRecords(ctx, s.rebind(query), args...)
}

// Aggregate computes tenant-wide totals: receipt count, per-phase counts, and
// the topN recipients by receipt count.
func (s *Store) Aggregate(ctx context.Context, tenantID string, topN int) (*Stats, error) {
	st := &Stats{ByPhase: make(map[string]int)}

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM receipts WHERE tenant_id = ?`), tenantID)
	if err := row.Scan(&st.TotalReceipts); err != nil {
		return nil, fmt.Errorf("ledger: stats total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT phase, COUNT(*) FROM receipts WHERE tenant_id = ? GROUP BY phase`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats by phase: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("ledger: stats by phase scan: %w", err)
		}
		st.ByPhase[phase] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: stats by phase rows: %w", err)
	}

	top, err := s.db.QueryContext(ctx, s.rebind(`SELECT recipient, COUNT(*) AS n FROM receipts
		WHERE tenant_id = ? GROUP BY recipient ORDER BY n DESC, recipient ASC LIMIT ?`),
		tenantID, topN)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats recipients: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var rc RecipientCount
		if err := top.Scan(&rc.Recipient, &rc.Count); err != nil {
			return nil, fmt.Errorf("ledger: stats recipients scan: %w", err)
		}
		st.TopRecipients = append(st.TopRecipients, rc)
	}
	if err := top.Err(); err != nil {
		return nil, fmt.Errorf("ledger: stats recipients rows: %w", err)
	}
	return st, nil
}

const (
	lockRetries   = 3
	lockRetryBase = 25 * time.Millisecond
)

// WithObligationLock runs fn inside a transaction that serializes writers of
// one (tenant, obligation) pair. On postgres this takes an advisory xact
// lock; on sqlite the connection string forces immediate transactions, which
// serializes writers globally. Transient lock and serialization failures are
// retried with jitter.
func (s *Store) WithObligationLock(ctx context.Context, tenantID, obligationID string, fn func(q Querier) error) error {
	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * lockRetryBase
			delay += time.Duration(rand.Int63n(int64(lockRetryBase)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := s.runLocked(ctx, tenantID, obligationID, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("ledger: obligation lock retries exhausted: %w", lastErr)
}

func (s *Store) runLocked(ctx context.Context, tenantID, obligationID string, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	if s.dialect == DialectPostgres {
		key := obligationLockKey(tenantID, obligationID)
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return fmt.Errorf("ledger: advisory lock: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// obligationLockKey folds (tenant, obligation) to the signed 64-bit key space
// pg_advisory_xact_lock expects.
func obligationLockKey(tenantID, obligationID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(obligationID))
	return int64(h.Sum64())
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query receipts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate receipts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanInto(rows)
}

func scanInto(sc rowScanner) (*Record, error) {
	var (
		rec                            Record
		causedBy, principal            sql.NullString
		taskID, planID                 sql.NullString
		taskRef, planRef, artifactRefs []byte
		createdAtRaw, storedAtRaw      string
	)
	err := sc.Scan(
		&rec.UID, &rec.TenantID, &rec.ReceiptID, &rec.CanonicalHash, &rec.Phase, &rec.ObligationID,
		&causedBy, &rec.CreatedBy, &rec.Recipient, &principal, &taskID, &planID,
		&taskRef, &planRef, &artifactRefs, &rec.Body,
		&createdAtRaw, &storedAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: scan receipt: %w", err)
	}
	rec.CausedBy = causedBy.String
	rec.Principal = principal.String
	rec.TaskID = taskID.String
	rec.PlanID = planID.String
	rec.TaskRef = taskRef
	rec.PlanRef = planRef
	rec.ArtifactRefs = artifactRefs
	if rec.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return nil, fmt.Errorf("ledger: parse created_at: %w", err)
	}
	if rec.StoredAt, err = parseTime(storedAtRaw); err != nil {
		return nil, fmt.Errorf("ledger: parse stored_at: %w", err)
	}
	return &rec, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected, lock_not_available
		return pqErr.Code == "40001" || pqErr.Code == "40P01" || pqErr.Code == "55P03"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

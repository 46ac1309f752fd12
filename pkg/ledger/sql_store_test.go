package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *Record {
	now := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	return &Record{
		UID:           "uid-1",
		TenantID:      "default",
		ReceiptID:     "r-1",
		CanonicalHash: "sha256:abc",
		Phase:         "accepted",
		ObligationID:  "ob-1",
		CreatedBy:     "agent.a",
		Recipient:     "agent.b",
		Body:          []byte(`{"summary":"x"}`),
		CreatedAt:     now,
		StoredAt:      now,
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}

func TestInsert_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db, DialectPostgres)

	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), db, testRecord()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateMapping(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db, DialectPostgres)

	mock.ExpectExec("INSERT INTO receipts").
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.Insert(context.Background(), db, testRecord())
	assert.ErrorIs(t, err, ErrDuplicate)

	mock.ExpectExec("INSERT INTO receipts").
		WillReturnError(errors.New("UNIQUE constraint failed: receipts.tenant_id, receipts.receipt_id"))
	err = store.Insert(context.Background(), db, testRecord())
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithObligationLock_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(obligationLockKey("default", "ob-1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	called := false
	err = store.WithObligationLock(context.Background(), "default", "ob-1", func(q Querier) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithObligationLock_CallbackErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = store.WithObligationLock(context.Background(), "default", "ob-1", func(q Querier) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithObligationLock_RetriesSerializationFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db, DialectPostgres)

	// First attempt fails with a serialization error, second succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	attempts := 0
	err = store.WithObligationLock(context.Background(), "default", "ob-1", func(q Querier) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestObligationLockKey_Deterministic(t *testing.T) {
	k1 := obligationLockKey("default", "ob-1")
	k2 := obligationLockKey("default", "ob-1")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, obligationLockKey("default", "ob-2"))
	assert.NotEqual(t, k1, obligationLockKey("other", "ob-1"))
	// The separator keeps (a, bc) and (ab, c) apart.
	assert.NotEqual(t, obligationLockKey("a", "bc"), obligationLockKey("ab", "c"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, isRetryable(&pq.Error{Code: "40P01"}))
	assert.True(t, isRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isRetryable(errors.New("syntax error")))
	assert.False(t, isRetryable(&pq.Error{Code: "23505"}))
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6789, time.UTC)
	parsed, err := parseTime(formatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	// Fixed-width text keeps lexicographic and chronological order aligned.
	earlier := formatTime(ts.Add(-time.Nanosecond))
	assert.Less(t, earlier, formatTime(ts))
}

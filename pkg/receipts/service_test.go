package receipts

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
	"github.com/legivellum/receiptgate/pkg/ledger"

	_ "modernc.org/sqlite"
)

const testTenant = "default"

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, ledger.EnsureSchema(context.Background(), db, ledger.DialectSQLite))
	return NewService(ledger.New(db, ledger.DialectSQLite), nil, opts)
}

func accepted(receiptID, obligationID, createdBy, recipient string) *contracts.Receipt {
	return &contracts.Receipt{
		ReceiptID:    receiptID,
		Phase:        contracts.PhaseAccepted,
		ObligationID: obligationID,
		CreatedBy:    createdBy,
		Recipient:    recipient,
		Body:         contracts.Body{Summary: "accepted " + obligationID},
	}
}

func complete(receiptID, obligationID, createdBy, recipient string) *contracts.Receipt {
	return &contracts.Receipt{
		ReceiptID:    receiptID,
		Phase:        contracts.PhaseComplete,
		ObligationID: obligationID,
		CreatedBy:    createdBy,
		Recipient:    recipient,
		Body: contracts.Body{
			Summary: "done",
			Result:  &contracts.CompletionResult{Status: "ok"},
		},
	}
}

func cancelReceipt(receiptID, obligationID string) *contracts.Receipt {
	return &contracts.Receipt{
		ReceiptID:    receiptID,
		Phase:        contracts.PhaseCancel,
		ObligationID: obligationID,
		CreatedBy:    "agent.a",
		Recipient:    "agent.b",
		Body:         contracts.Body{Cancel: &contracts.Cancel{Reason: "superseded"}},
	}
}

func escalate(receiptID, parentReceiptID, parentObligation, childObligation, from, to string) *contracts.Receipt {
	return &contracts.Receipt{
		ReceiptID:    receiptID,
		Phase:        contracts.PhaseEscalate,
		ObligationID: parentObligation,
		CreatedBy:    to,
		Recipient:    to,
		Body: contracts.Body{
			Escalation: &contracts.Escalation{
				ParentReceiptID:    parentReceiptID,
				ParentObligationID: parentObligation,
				ChildObligationID:  childObligation,
				From:               from,
				To:                 to,
				Reason:             "needs a specialist",
			},
		},
	}
}

func gateCode(t *testing.T, err error) string {
	t.Helper()
	var gerr *gateerr.Error
	require.ErrorAs(t, err, &gerr)
	return gerr.Code
}

func TestPutReceipt_IdempotentReplay(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	first, err := svc.PutReceipt(ctx, testTenant, accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	assert.True(t, first.OK)
	assert.False(t, first.IdempotentReplay)
	assert.True(t, strings.HasPrefix(first.CanonicalHash, "sha256:"))
	require.NotNil(t, first.CreatedAt)

	replay, err := svc.PutReceipt(ctx, testTenant, accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	assert.True(t, replay.IdempotentReplay)
	assert.Equal(t, first.CanonicalHash, replay.CanonicalHash)
	require.NotNil(t, replay.CreatedAt)
	assert.True(t, first.CreatedAt.Equal(*replay.CreatedAt))

	modified := accepted("r-1", "ob-1", "agent.a", "agent.b")
	modified.Body.Summary = "something else"
	_, err = svc.PutReceipt(ctx, testTenant, modified)
	assert.Equal(t, gateerr.CodeReceiptIDCollision, gateCode(t, err))
}

func TestPutReceipt_ClientCreatedAtInHash(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	ts := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	r := accepted("r-ts", "ob-ts", "agent.a", "agent.b")
	r.CreatedAt = &ts
	resp, err := svc.PutReceipt(ctx, testTenant, r)
	require.NoError(t, err)
	require.NotNil(t, resp.CreatedAt)
	assert.True(t, ts.Equal(*resp.CreatedAt))

	// Same payload with a different client timestamp is a collision, not a
	// replay.
	ts2 := ts.Add(time.Minute)
	r2 := accepted("r-ts", "ob-ts", "agent.a", "agent.b")
	r2.CreatedAt = &ts2
	_, err = svc.PutReceipt(ctx, testTenant, r2)
	assert.Equal(t, gateerr.CodeReceiptIDCollision, gateCode(t, err))
}

func TestPutReceipt_CompleteWithoutAccept(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.PutReceipt(context.Background(), testTenant,
		complete("r-c", "ob-unknown", "agent.b", "agent.a"))
	assert.Equal(t, gateerr.CodeCompleteWithoutAccept, gateCode(t, err))
}

func TestPutReceipt_CancelWithoutAccept(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.PutReceipt(context.Background(), testTenant, cancelReceipt("r-x", "ob-unknown"))
	assert.Equal(t, gateerr.CodeCancelWithoutAccept, gateCode(t, err))
}

func TestPutReceipt_TerminalOnce(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-2", "ob-1", "agent.b", "agent.a"))
	require.NoError(t, err)

	_, err = svc.PutReceipt(ctx, testTenant, cancelReceipt("r-3", "ob-1"))
	assert.Equal(t, gateerr.CodeObligationTerminated, gateCode(t, err))

	_, err = svc.PutReceipt(ctx, testTenant, complete("r-4", "ob-1", "agent.b", "agent.a"))
	assert.Equal(t, gateerr.CodeObligationTerminated, gateCode(t, err))

	// Accepting a terminated obligation is rejected too.
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-5", "ob-1", "agent.a", "agent.b"))
	assert.Equal(t, gateerr.CodeObligationTerminated, gateCode(t, err))
}

func TestPutReceipt_EscalateFlow(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-acc", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)

	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-esc", "r-acc", "ob-1", "ob-2", "agent.b", "agent.c"))
	require.NoError(t, err)

	// Escalation closes the parent obligation.
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-late", "ob-1", "agent.b", "agent.a"))
	assert.Equal(t, gateerr.CodeObligationTerminated, gateCode(t, err))

	// The child obligation is open without any accepted receipt: the
	// escalation itself is its open event.
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-child-done", "ob-2", "agent.c", "agent.b"))
	require.NoError(t, err)
}

func TestPutReceipt_EscalateParentInvalid(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant,
		escalate("r-esc", "r-ghost", "ob-1", "ob-2", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeEscalateParentInvalid, gateCode(t, err))

	// Parent exists but is not an accepted receipt. The parent check wins
	// over the terminal state of ob-3.
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-acc", "ob-3", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-done", "ob-3", "agent.b", "agent.a"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-esc2", "r-done", "ob-3", "ob-4", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeEscalateParentInvalid, gateCode(t, err))

	// Parent accepted receipt belongs to a different obligation.
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-acc5", "ob-5", "agent.a", "agent.b"))
	require.NoError(t, err)
	bad := escalate("r-esc3", "r-acc5", "ob-6", "ob-7", "agent.b", "agent.c")
	_, err = svc.PutReceipt(ctx, testTenant, bad)
	assert.Equal(t, gateerr.CodeEscalateParentInvalid, gateCode(t, err))
}

func TestPutReceipt_EscalateBadParentOnClosedObligation(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-acc", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-done", "ob-1", "agent.b", "agent.a"))
	require.NoError(t, err)

	// A nonexistent parent reports as invalid even though ob-1 is closed.
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-esc", "r-ghost", "ob-1", "ob-2", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeEscalateParentInvalid, gateCode(t, err))

	// With a valid parent the terminal state is the error.
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-esc2", "r-acc", "ob-1", "ob-3", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeObligationTerminated, gateCode(t, err))
}

func TestPutReceipt_ChildObligationReuse(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-a1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-a2", "ob-2", "agent.a", "agent.b"))
	require.NoError(t, err)

	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-e1", "r-a1", "ob-1", "ob-child", "agent.b", "agent.c"))
	require.NoError(t, err)

	// Same child id from a different parent.
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-e2", "r-a2", "ob-2", "ob-child", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeChildObligationExists, gateCode(t, err))

	// A child id equal to an existing obligation id is rejected as well.
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-e3", "r-a2", "ob-2", "ob-1", "agent.b", "agent.c"))
	assert.Equal(t, gateerr.CodeChildObligationExists, gateCode(t, err))
}

func TestPutReceipt_BodyTooLarge(t *testing.T) {
	svc := newTestService(t, Options{BodyMaxBytes: 64})
	r := accepted("r-big", "ob-big", "agent.a", "agent.b")
	r.Body.Summary = strings.Repeat("x", 200)
	_, err := svc.PutReceipt(context.Background(), testTenant, r)

	var gerr *gateerr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gateerr.CodeBodyTooLarge, gerr.Code)
	assert.Equal(t, 413, gerr.Status)
}

func TestPutReceipt_ArtifactDigestRequired(t *testing.T) {
	svc := newTestService(t, Options{})
	r := accepted("r-art", "ob-art", "agent.a", "agent.b")
	r.ArtifactRefs = []contracts.ArtifactRef{{ArtifactID: "a-1", Kind: contracts.ArtifactKindDataset}}
	_, err := svc.PutReceipt(context.Background(), testTenant, r)
	assert.Equal(t, gateerr.CodeArtifactRefInvalid, gateCode(t, err))
}

func TestPutReceipt_SelfCause(t *testing.T) {
	svc := newTestService(t, Options{})
	r := accepted("r-self", "ob-self", "agent.a", "agent.b")
	r.CausedByReceiptID = "r-self"
	_, err := svc.PutReceipt(context.Background(), testTenant, r)
	assert.Equal(t, gateerr.CodeValidation, gateCode(t, err))
}

func TestPutReceipt_CauseNotFound(t *testing.T) {
	svc := newTestService(t, Options{RequireCauseExists: true})
	r := accepted("r-c", "ob-c", "agent.a", "agent.b")
	r.CausedByReceiptID = "r-ghost"
	_, err := svc.PutReceipt(context.Background(), testTenant, r)
	assert.Equal(t, gateerr.CodeCauseNotFound, gateCode(t, err))
}

func TestGetReceipt(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	r := accepted("r-get", "ob-get", "agent.a", "agent.b")
	r.TaskRef = &contracts.TaskRef{TaskID: "task-9", Queue: "default"}
	put, err := svc.PutReceipt(ctx, testTenant, r)
	require.NoError(t, err)

	got, err := svc.GetReceipt(ctx, testTenant, "r-get")
	require.NoError(t, err)
	assert.Equal(t, "r-get", got.ReceiptID)
	assert.Equal(t, contracts.PhaseAccepted, got.Phase)
	assert.Equal(t, put.CanonicalHash, got.CanonicalHash)
	require.NotNil(t, got.TaskRef)
	assert.Equal(t, "task-9", got.TaskRef.TaskID)
	assert.Equal(t, "accepted ob-get", got.Body.Summary)

	_, err = svc.GetReceipt(ctx, testTenant, "r-ghost")
	assert.Equal(t, gateerr.CodeNotFound, gateCode(t, err))
}

func TestGetReceipt_TenantIsolation(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, "tenant-a", accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)

	_, err = svc.GetReceipt(ctx, "tenant-b", "r-1")
	assert.Equal(t, gateerr.CodeNotFound, gateCode(t, err))
}

func TestChain(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	r1 := accepted("r-1", "ob-1", "agent.a", "agent.b")
	_, err := svc.PutReceipt(ctx, testTenant, r1)
	require.NoError(t, err)

	r2 := complete("r-2", "ob-1", "agent.b", "agent.a")
	r2.CausedByReceiptID = "r-1"
	_, err = svc.PutReceipt(ctx, testTenant, r2)
	require.NoError(t, err)

	r3 := accepted("r-3", "ob-2", "agent.a", "agent.b")
	r3.CausedByReceiptID = "r-2"
	_, err = svc.PutReceipt(ctx, testTenant, r3)
	require.NoError(t, err)

	chain, err := svc.Chain(ctx, testTenant, "r-3")
	require.NoError(t, err)
	require.Len(t, chain.Chain, 3)
	assert.Equal(t, "r-1", chain.Chain[0].ReceiptID)
	assert.Equal(t, "r-2", chain.Chain[1].ReceiptID)
	assert.Equal(t, "r-3", chain.Chain[2].ReceiptID)
	assert.False(t, chain.Truncated)

	_, err = svc.Chain(ctx, testTenant, "r-ghost")
	assert.Equal(t, gateerr.CodeNotFound, gateCode(t, err))
}

func TestChain_CycleSafety(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	// r-a points at r-b before r-b exists; r-b then points back at r-a.
	ra := accepted("r-a", "ob-a", "agent.a", "agent.b")
	ra.CausedByReceiptID = "r-b"
	_, err := svc.PutReceipt(ctx, testTenant, ra)
	require.NoError(t, err)

	rb := accepted("r-b", "ob-b", "agent.a", "agent.b")
	rb.CausedByReceiptID = "r-a"
	_, err = svc.PutReceipt(ctx, testTenant, rb)
	require.NoError(t, err)

	chain, err := svc.Chain(ctx, testTenant, "r-b")
	require.NoError(t, err)
	assert.Len(t, chain.Chain, 2)
	assert.True(t, chain.Truncated)
}

func TestChain_DepthCap(t *testing.T) {
	svc := newTestService(t, Options{ChainMaxDepth: 2})
	ctx := context.Background()

	prev := ""
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		r := accepted(id, "ob-"+id, "agent.a", "agent.b")
		r.CausedByReceiptID = prev
		_, err := svc.PutReceipt(ctx, testTenant, r)
		require.NoError(t, err)
		prev = id
	}

	chain, err := svc.Chain(ctx, testTenant, "r-3")
	require.NoError(t, err)
	assert.Len(t, chain.Chain, 2)
	assert.True(t, chain.Truncated)
}

func TestInbox(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-2", "ob-2", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-3", "ob-3", "agent.a", "agent.z"))
	require.NoError(t, err)

	// ob-2 gets closed; it must drop out of the inbox.
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-4", "ob-2", "agent.b", "agent.a"))
	require.NoError(t, err)

	inbox, err := svc.Inbox(ctx, testTenant, "agent.b", 0)
	require.NoError(t, err)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, "ob-1", inbox.Items[0].ObligationID)
	assert.Equal(t, "r-1", inbox.Items[0].OpenedByReceiptID)
	assert.Equal(t, contracts.PhaseAccepted, inbox.Items[0].OpenedByPhase)
}

func TestInbox_EscalatedChild(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-acc", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant,
		escalate("r-esc", "r-acc", "ob-1", "ob-2", "agent.b", "agent.c"))
	require.NoError(t, err)

	inbox, err := svc.Inbox(ctx, testTenant, "agent.c", 0)
	require.NoError(t, err)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, "ob-2", inbox.Items[0].ObligationID)
	assert.Equal(t, "r-esc", inbox.Items[0].OpenedByReceiptID)
	assert.Equal(t, contracts.PhaseEscalate, inbox.Items[0].OpenedByPhase)
	assert.Equal(t, "ob-1", inbox.Items[0].ParentObligationID)

	// The closed parent obligation is gone from the escalating agent's
	// side too.
	inboxB, err := svc.Inbox(ctx, testTenant, "agent.b", 0)
	require.NoError(t, err)
	assert.Empty(t, inboxB.Items)
}

func TestInbox_OldOpenObligationSurvives(t *testing.T) {
	svc := newTestService(t, Options{InboxDefaultLimit: 1})
	ctx := context.Background()

	ids := []string{"1", "2", "3", "4", "5"}
	for _, n := range ids {
		_, err := svc.PutReceipt(ctx, testTenant, accepted("r-"+n, "ob-"+n, "agent.a", "agent.b"))
		require.NoError(t, err)
	}
	// Close the four newest; only ob-1 stays open.
	for _, n := range ids[1:] {
		_, err := svc.PutReceipt(ctx, testTenant, complete("r-done-"+n, "ob-"+n, "agent.b", "agent.a"))
		require.NoError(t, err)
	}

	inbox, err := svc.Inbox(ctx, testTenant, "agent.b", 1)
	require.NoError(t, err)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, "ob-1", inbox.Items[0].ObligationID)
}

func TestInbox_LimitAboveDefault(t *testing.T) {
	svc := newTestService(t, Options{InboxDefaultLimit: 2})
	ctx := context.Background()

	for _, n := range []string{"1", "2", "3"} {
		_, err := svc.PutReceipt(ctx, testTenant, accepted("r-"+n, "ob-"+n, "agent.a", "agent.b"))
		require.NoError(t, err)
	}

	wide, err := svc.Inbox(ctx, testTenant, "agent.b", 5)
	require.NoError(t, err)
	assert.Len(t, wide.Items, 3)

	dflt, err := svc.Inbox(ctx, testTenant, "agent.b", 0)
	require.NoError(t, err)
	assert.Len(t, dflt.Items, 2)
}

func TestSearch(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	r1 := accepted("r-1", "ob-1", "agent.a", "agent.b")
	r1.TaskRef = &contracts.TaskRef{TaskID: "task-1"}
	_, err := svc.PutReceipt(ctx, testTenant, r1)
	require.NoError(t, err)

	r2 := complete("r-2", "ob-1", "agent.b", "agent.a")
	r2.TaskRef = &contracts.TaskRef{TaskID: "task-1"}
	_, err = svc.PutReceipt(ctx, testTenant, r2)
	require.NoError(t, err)

	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-3", "ob-2", "agent.a", "agent.z"))
	require.NoError(t, err)

	byPhase, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{Phase: contracts.PhaseAccepted})
	require.NoError(t, err)
	assert.Equal(t, 2, byPhase.Count)

	byTask, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, byTask.Count)

	conj, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{
		TaskID: "task-1",
		Phase:  contracts.PhaseComplete,
	})
	require.NoError(t, err)
	require.Equal(t, 1, conj.Count)
	assert.Equal(t, "r-2", conj.Receipts[0].ReceiptID)

	none, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{Recipient: "agent.nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Count)
	assert.NotNil(t, none.Receipts)
}

func TestSearch_LimitClamping(t *testing.T) {
	svc := newTestService(t, Options{SearchDefaultLimit: 2, SearchMaxLimit: 3})
	ctx := context.Background()

	for _, id := range []string{"r-1", "r-2", "r-3", "r-4", "r-5"} {
		_, err := svc.PutReceipt(ctx, testTenant, accepted(id, "ob-"+id, "agent.a", "agent.b"))
		require.NoError(t, err)
	}

	def, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, def.Count)
	assert.Equal(t, 2, def.Limit)

	capped, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, capped.Count)
	assert.Equal(t, 3, capped.Limit)

	page2, err := svc.Search(ctx, testTenant, &contracts.SearchRequest{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, page2.Count)
	assert.Equal(t, 3, page2.Offset)
}

func TestStats(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.PutReceipt(ctx, testTenant, accepted("r-1", "ob-1", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, accepted("r-2", "ob-2", "agent.a", "agent.b"))
	require.NoError(t, err)
	_, err = svc.PutReceipt(ctx, testTenant, complete("r-3", "ob-1", "agent.b", "agent.a"))
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalReceipts)
	assert.Equal(t, 2, stats.ByPhase["accepted"])
	assert.Equal(t, 1, stats.ByPhase["complete"])
	require.NotEmpty(t, stats.TopRecipients)
	assert.Equal(t, "agent.b", stats.TopRecipients[0].Recipient)
	assert.Equal(t, 2, stats.TopRecipients[0].Count)
}

func TestListTaskReceipts(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	r1 := accepted("r-1", "ob-1", "agent.a", "agent.b")
	r1.TaskRef = &contracts.TaskRef{TaskID: "task-7"}
	_, err := svc.PutReceipt(ctx, testTenant, r1)
	require.NoError(t, err)

	recs, err := svc.ListTaskReceipts(ctx, testTenant, "task-7")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r-1", recs[0].ReceiptID)

	empty, err := svc.ListTaskReceipts(ctx, testTenant, "task-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPutReceipt_ValidationError(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.PutReceipt(context.Background(), testTenant, &contracts.Receipt{
		ReceiptID: "r-1",
		Phase:     "done",
	})
	assert.Equal(t, gateerr.CodeValidation, gateCode(t, err))
	assert.False(t, errors.Is(err, ledger.ErrNotFound))
}

// Package receipts implements the obligation state machine over the ledger:
// idempotent content-addressed writes, phase transition invariants, and the
// derived views (inbox, chain, search, stats).
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/legivellum/receiptgate/pkg/canonicalize"
	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/gateerr"
	"github.com/legivellum/receiptgate/pkg/ledger"
	"github.com/legivellum/receiptgate/pkg/validation"
)

// Options tunes service limits. Zero values fall back to defaults.
type Options struct {
	BodyMaxBytes       int
	RequireCauseExists bool
	SearchDefaultLimit int
	SearchMaxLimit     int
	InboxDefaultLimit  int
	ChainMaxDepth      int
	StatsTopN          int
}

func (o *Options) applyDefaults() {
	if o.BodyMaxBytes <= 0 {
		o.BodyMaxBytes = 262144
	}
	if o.SearchDefaultLimit <= 0 {
		o.SearchDefaultLimit = 50
	}
	if o.SearchMaxLimit <= 0 {
		o.SearchMaxLimit = 500
	}
	if o.InboxDefaultLimit <= 0 {
		o.InboxDefaultLimit = 100
	}
	if o.ChainMaxDepth <= 0 {
		o.ChainMaxDepth = 2048
	}
	if o.StatsTopN <= 0 {
		o.StatsTopN = 10
	}
}

// Service is the transport-independent receipt API.
type Service struct {
	store *ledger.Store
	log   *slog.Logger
	opts  Options

	now    func() time.Time
	newUID func() string
}

// NewService wires the state machine over a ledger store.
func NewService(store *ledger.Store, log *slog.Logger, opts Options) *Service {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		log:    log,
		opts:   opts,
		now:    time.Now,
		newUID: uuid.NewString,
	}
}

// PutReceipt appends one receipt. The same payload under the same receipt_id
// replays the original result; a different payload under an existing
// receipt_id is a collision.
func (s *Service) PutReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) (*contracts.PutResponse, error) {
	r.Normalize()
	if err := validation.Err(validation.Validate(r)); err != nil {
		return nil, err
	}

	payload, err := r.Payload()
	if err != nil {
		return nil, fmt.Errorf("receipts: payload: %w", err)
	}
	_, hash, err := canonicalize.ReceiptHash(payload, r.CreatedAt != nil)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash: %w", err)
	}

	// Fast path: a row already under this receipt_id settles replay vs
	// collision without taking the obligation lock.
	if existing, err := s.store.Get(ctx, nil, tenantID, r.ReceiptID); err == nil {
		return replayOrCollision(existing, hash)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	if err := s.checkBodySize(r); err != nil {
		return nil, err
	}
	if err := validation.ArtifactDigestErrors(r); err != nil {
		return nil, err
	}
	if err := s.checkCause(ctx, tenantID, r); err != nil {
		return nil, err
	}

	createdAt := s.now().UTC()
	if r.CreatedAt != nil {
		createdAt = r.CreatedAt.UTC()
	}

	var resp *contracts.PutResponse
	lockErr := s.store.WithObligationLock(ctx, tenantID, r.ObligationID, func(q ledger.Querier) error {
		// Re-check under the lock: a concurrent writer may have landed
		// this receipt_id between the fast path and here.
		if existing, err := s.store.Get(ctx, q, tenantID, r.ReceiptID); err == nil {
			resp, err = replayOrCollision(existing, hash)
			return err
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		if err := s.checkPhaseInvariants(ctx, q, tenantID, r); err != nil {
			return err
		}

		rec, err := s.buildRecord(tenantID, r, hash, createdAt)
		if err != nil {
			return err
		}
		if err := s.store.Insert(ctx, q, rec); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				existing, gerr := s.store.Get(ctx, q, tenantID, r.ReceiptID)
				if gerr != nil {
					return gerr
				}
				resp, err = replayOrCollision(existing, hash)
				return err
			}
			return err
		}
		resp = &contracts.PutResponse{
			OK:            true,
			ReceiptID:     r.ReceiptID,
			CanonicalHash: hash,
			CreatedAt:     &createdAt,
		}
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}

	if !resp.IdempotentReplay {
		s.log.InfoContext(ctx, "receipt stored",
			slog.String("tenant_id", tenantID),
			slog.String("receipt_id", r.ReceiptID),
			slog.String("phase", string(r.Phase)),
			slog.String("obligation_id", r.ObligationID),
			slog.String("canonical_hash", hash),
		)
	}
	return resp, nil
}

func replayOrCollision(existing *ledger.Record, hash string) (*contracts.PutResponse, error) {
	if existing.CanonicalHash == hash {
		createdAt := existing.CreatedAt
		return &contracts.PutResponse{
			OK:               true,
			ReceiptID:        existing.ReceiptID,
			CanonicalHash:    existing.CanonicalHash,
			CreatedAt:        &createdAt,
			IdempotentReplay: true,
		}, nil
	}
	return nil, gateerr.Conflict(gateerr.CodeReceiptIDCollision,
		"receipt_id already exists with different content",
		map[string]any{
			"receipt_id":     existing.ReceiptID,
			"existing_hash":  existing.CanonicalHash,
			"submitted_hash": hash,
		})
}

func (s *Service) checkBodySize(r *contracts.Receipt) error {
	size, err := canonicalize.JSONSizeBytes(r.Body)
	if err != nil {
		return fmt.Errorf("receipts: body size: %w", err)
	}
	if size > s.opts.BodyMaxBytes {
		return gateerr.BodyTooLarge(s.opts.BodyMaxBytes, size)
	}
	return nil
}

func (s *Service) checkCause(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	if r.CausedByReceiptID == "" {
		return nil
	}
	if r.CausedByReceiptID == r.ReceiptID {
		return gateerr.Validation("caused_by_receipt_id must not reference the receipt itself",
			map[string]any{"receipt_id": r.ReceiptID})
	}
	if !s.opts.RequireCauseExists {
		return nil
	}
	_, err := s.store.Get(ctx, nil, tenantID, r.CausedByReceiptID)
	if errors.Is(err, ledger.ErrNotFound) {
		return gateerr.Unprocessable(gateerr.CodeCauseNotFound,
			"caused_by_receipt_id references an unknown receipt",
			map[string]any{"caused_by_receipt_id": r.CausedByReceiptID})
	}
	return err
}

// checkPhaseInvariants enforces the transition rules under the obligation
// lock. The obligation here is r.ObligationID, which for escalate is the
// parent obligation being closed.
func (s *Service) checkPhaseInvariants(ctx context.Context, q ledger.Querier, tenantID string, r *contracts.Receipt) error {
	// An escalation validates its parent reference before the terminal
	// state, so a bad parent reports ESCALATE_PARENT_INVALID even when the
	// obligation is already closed.
	if r.Phase == contracts.PhaseEscalate {
		if err := s.checkEscalationParent(ctx, q, tenantID, r); err != nil {
			return err
		}
	}

	terminal, err := s.store.TerminalReceipt(ctx, q, tenantID, r.ObligationID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if terminal != nil {
		return gateerr.Conflict(gateerr.CodeObligationTerminated,
			"obligation is already terminated",
			map[string]any{
				"obligation_id":       r.ObligationID,
				"terminal_receipt_id": terminal.ReceiptID,
				"terminal_phase":      terminal.Phase,
			})
	}

	switch r.Phase {
	case contracts.PhaseAccepted:
		return nil

	case contracts.PhaseComplete, contracts.PhaseCancel:
		open, err := s.store.HasOpenEvent(ctx, q, tenantID, r.ObligationID)
		if err != nil {
			return err
		}
		if !open {
			code := gateerr.CodeCompleteWithoutAccept
			if r.Phase == contracts.PhaseCancel {
				code = gateerr.CodeCancelWithoutAccept
			}
			return gateerr.Conflict(code,
				fmt.Sprintf("%s receipt requires an open obligation", r.Phase),
				map[string]any{"obligation_id": r.ObligationID})
		}
		return nil

	case contracts.PhaseEscalate:
		return s.checkEscalationChild(ctx, q, tenantID, r)
	}
	return nil
}

func (s *Service) checkEscalationParent(ctx context.Context, q ledger.Querier, tenantID string, r *contracts.Receipt) error {
	esc := r.Body.Escalation

	parent, err := s.store.Get(ctx, q, tenantID, esc.ParentReceiptID)
	if errors.Is(err, ledger.ErrNotFound) {
		return gateerr.Conflict(gateerr.CodeEscalateParentInvalid,
			"escalation parent receipt not found",
			map[string]any{"parent_receipt_id": esc.ParentReceiptID})
	}
	if err != nil {
		return err
	}
	if parent.Phase != string(contracts.PhaseAccepted) || parent.ObligationID != esc.ParentObligationID {
		return gateerr.Conflict(gateerr.CodeEscalateParentInvalid,
			"escalation parent must be an accepted receipt of the parent obligation",
			map[string]any{
				"parent_receipt_id":    esc.ParentReceiptID,
				"parent_phase":         parent.Phase,
				"parent_obligation_id": parent.ObligationID,
			})
	}
	return nil
}

func (s *Service) checkEscalationChild(ctx context.Context, q ledger.Querier, tenantID string, r *contracts.Receipt) error {
	esc := r.Body.Escalation

	used, err := s.store.ObligationInUse(ctx, q, tenantID, esc.ChildObligationID)
	if err != nil {
		return err
	}
	if used {
		return gateerr.Conflict(gateerr.CodeChildObligationExists,
			"child obligation id is already in use",
			map[string]any{"child_obligation_id": esc.ChildObligationID})
	}
	return nil
}

func (s *Service) buildRecord(tenantID string, r *contracts.Receipt, hash string, createdAt time.Time) (*ledger.Record, error) {
	rec := &ledger.Record{
		UID:           s.newUID(),
		TenantID:      tenantID,
		ReceiptID:     r.ReceiptID,
		CanonicalHash: hash,
		Phase:         string(r.Phase),
		ObligationID:  r.ObligationID,
		CausedBy:      r.CausedByReceiptID,
		CreatedBy:     r.CreatedBy,
		Recipient:     r.Recipient,
		Principal:     r.Principal,
		CreatedAt:     createdAt,
		StoredAt:      s.now().UTC(),
	}
	if r.TaskRef != nil {
		rec.TaskID = r.TaskRef.TaskID
	}
	if r.PlanRef != nil {
		rec.PlanID = r.PlanRef.PlanID
	}

	var err error
	if rec.Body, err = marshalJSON(r.Body); err != nil {
		return nil, err
	}
	if r.TaskRef != nil {
		if rec.TaskRef, err = marshalJSON(r.TaskRef); err != nil {
			return nil, err
		}
	}
	if r.PlanRef != nil {
		if rec.PlanRef, err = marshalJSON(r.PlanRef); err != nil {
			return nil, err
		}
	}
	if len(r.ArtifactRefs) > 0 {
		if rec.ArtifactRefs, err = marshalJSON(r.ArtifactRefs); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetReceipt returns one stored receipt.
func (s *Service) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Record, error) {
	rec, err := s.store.Get(ctx, nil, tenantID, receiptID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, gateerr.NotFound("receipt not found")
	}
	if err != nil {
		return nil, err
	}
	return toContract(rec)
}

// Search returns one page of receipts matching a conjunctive filter, newest
// first. Limits are clamped to the configured maximum.
func (s *Service) Search(ctx context.Context, tenantID string, req *contracts.SearchRequest) (*contracts.SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.SearchDefaultLimit
	}
	if limit > s.opts.SearchMaxLimit {
		limit = s.opts.SearchMaxLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	recs, err := s.store.Search(ctx, tenantID, ledger.SearchFilter{
		ReceiptID:     req.ReceiptID,
		ObligationID:  req.ObligationID,
		Phase:         string(req.Phase),
		Recipient:     req.Recipient,
		CreatedBy:     req.CreatedBy,
		Principal:     req.Principal,
		CausedBy:      req.CausedByReceiptID,
		TaskID:        req.TaskID,
		PlanID:        req.PlanID,
		CreatedAtFrom: req.CreatedAtFrom,
		CreatedAtTo:   req.CreatedAtTo,
		Query:         req.Query,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return nil, err
	}

	out := &contracts.SearchResponse{OK: true, Limit: limit, Offset: offset, Receipts: []contracts.Record{}}
	for i := range recs {
		c, err := toContract(&recs[i])
		if err != nil {
			return nil, err
		}
		out.Receipts = append(out.Receipts, *c)
	}
	out.Count = len(out.Receipts)
	return out, nil
}

// Chain walks caused_by_receipt_id links from a receipt back to a root and
// returns the chain oldest first. A missing link ends the walk silently; a
// cycle or the depth cap ends it with Truncated set.
func (s *Service) Chain(ctx context.Context, tenantID, receiptID string) (*contracts.ChainResponse, error) {
	start, err := s.store.Get(ctx, nil, tenantID, receiptID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, gateerr.NotFound("receipt not found")
	}
	if err != nil {
		return nil, err
	}

	var (
		chain     []contracts.Record
		visited   = map[string]bool{}
		truncated bool
		cur       = start
	)
	for {
		if len(chain) >= s.opts.ChainMaxDepth {
			truncated = true
			break
		}
		if visited[cur.ReceiptID] {
			truncated = true
			break
		}
		visited[cur.ReceiptID] = true

		c, err := toContract(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *c)

		if cur.CausedBy == "" {
			break
		}
		next, err := s.store.Get(ctx, nil, tenantID, cur.CausedBy)
		if errors.Is(err, ledger.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}

	// Walked newest to oldest; flip to chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return &contracts.ChainResponse{
		OK:        true,
		ReceiptID: receiptID,
		Chain:     chain,
		Truncated: truncated,
	}, nil
}

// Inbox projects the open obligations assigned to a recipient: obligations
// opened by an accepted receipt addressed to them, plus child obligations of
// escalations targeting them, minus anything since terminated. Terminated
// obligations are filtered in SQL, so an old open obligation stays visible
// no matter how many newer ones have closed.
func (s *Service) Inbox(ctx context.Context, tenantID, recipient string, limit int) (*contracts.InboxResponse, error) {
	if limit <= 0 {
		limit = s.opts.InboxDefaultLimit
	}

	accepted, err := s.store.ListOpenAccepted(ctx, tenantID, recipient)
	if err != nil {
		return nil, err
	}
	escalations, err := s.store.ListOpenEscalations(ctx, tenantID, recipient)
	if err != nil {
		return nil, err
	}

	type opener struct {
		rec          *ledger.Record
		obligationID string
		parentOblig  string
	}
	var openers []opener
	for i := range accepted {
		openers = append(openers, opener{rec: &accepted[i], obligationID: accepted[i].ObligationID})
	}
	for i := range escalations {
		c, err := toContract(&escalations[i])
		if err != nil {
			return nil, err
		}
		esc := c.Body.Escalation
		if esc == nil || esc.ChildObligationID == "" {
			continue
		}
		openers = append(openers, opener{
			rec:          &escalations[i],
			obligationID: esc.ChildObligationID,
			parentOblig:  esc.ParentObligationID,
		})
	}

	// Newest opener first, one item per obligation.
	sortOpeners := func(a, b opener) bool {
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.rec.UID > b.rec.UID
	}
	for i := 1; i < len(openers); i++ {
		for j := i; j > 0 && sortOpeners(openers[j], openers[j-1]); j-- {
			openers[j], openers[j-1] = openers[j-1], openers[j]
		}
	}

	resp := &contracts.InboxResponse{OK: true, Recipient: recipient, Items: []contracts.InboxItem{}}
	seen := map[string]bool{}
	for _, op := range openers {
		if len(resp.Items) >= limit {
			break
		}
		if seen[op.obligationID] {
			continue
		}
		seen[op.obligationID] = true

		c, err := toContract(op.rec)
		if err != nil {
			return nil, err
		}
		resp.Items = append(resp.Items, contracts.InboxItem{
			ObligationID:       op.obligationID,
			OpenedByReceiptID:  op.rec.ReceiptID,
			OpenedByPhase:      contracts.Phase(op.rec.Phase),
			Receipt:            *c,
			ParentObligationID: op.parentOblig,
		})
	}
	return resp, nil
}

// Stats aggregates ledger totals for one tenant.
func (s *Service) Stats(ctx context.Context, tenantID string) (*contracts.StatsResponse, error) {
	st, err := s.store.Aggregate(ctx, tenantID, s.opts.StatsTopN)
	if err != nil {
		return nil, err
	}
	resp := &contracts.StatsResponse{
		OK:            true,
		TotalReceipts: st.TotalReceipts,
		ByPhase:       st.ByPhase,
		TopRecipients: []contracts.RecipientCount{},
	}
	for _, rc := range st.TopRecipients {
		resp.TopRecipients = append(resp.TopRecipients,
			contracts.RecipientCount{Recipient: rc.Recipient, Count: rc.Count})
	}
	return resp, nil
}

// ListTaskReceipts returns every receipt referencing a task, oldest first.
func (s *Service) ListTaskReceipts(ctx context.Context, tenantID, taskID string) ([]contracts.Record, error) {
	recs, err := s.store.ListByTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	out := []contracts.Record{}
	for i := range recs {
		c, err := toContract(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// ListObligationReceipts returns every receipt of one obligation, oldest
// first.
func (s *Service) ListObligationReceipts(ctx context.Context, tenantID, obligationID string) ([]contracts.Record, error) {
	recs, err := s.store.ListByObligation(ctx, tenantID, obligationID)
	if err != nil {
		return nil, err
	}
	out := []contracts.Record{}
	for i := range recs {
		c, err := toContract(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

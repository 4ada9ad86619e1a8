package contract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"commitflow/apperr"
	"commitflow/db"
	"commitflow/evidence"
	"commitflow/logger"
	"commitflow/metrics"
)

// OutboxWriter enqueues a notification inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

// Refunder returns the stake of a completed contract.
type Refunder interface {
	RefundForContract(ctx context.Context, contractID string) (Refund, error)
}

// DocumentStore persists uploaded evidence and generated contract documents.
type DocumentStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Service is the lifecycle controller. Every status change goes through
// transition, which writes the row, a timeline event and an outbox message in
// the transaction that holds the row lock.
type Service struct {
	pool     db.TxBeginner
	repo     Repository
	outbox   OutboxWriter
	refunder Refunder
	store    DocumentStore
	grace    time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

func NewService(pool db.TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		now:    time.Now,
		log:    logger.NewSublogger("contract"),
	}
}

func (s *Service) WithRefunder(r Refunder) *Service {
	s.refunder = r
	return s
}

func (s *Service) WithDocumentStore(store DocumentStore) *Service {
	s.store = store
	return s
}

func (s *Service) WithCompletionGrace(grace time.Duration) *Service {
	s.grace = grace
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a new DRAFT contract owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, params CreateParams) (Contract, error) {
	if ownerID == "" {
		return Contract{}, fmt.Errorf("contract: missing owner: %w", apperr.ErrUnauthorized)
	}
	params.Title = strings.TrimSpace(params.Title)
	if err := validateFields(params.Title, params.Amount.IsPositive(), params.StartDate, params.EndDate); err != nil {
		return Contract{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, apperr.Persistence("contract: begin tx", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.Create(ctx, tx, ownerID, params, StatusDraft)
	if err != nil {
		return Contract{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, Event{
		ContractID: c.ID,
		Type:       EventCreated,
		ToStatus:   statusPtr(StatusDraft),
		ActorID:    &ownerID,
		Payload: map[string]any{
			"amount":            c.Amount.StringFixed(2),
			"end_date":          c.EndDate.UTC(),
			"evidence_required": c.EvidenceRequired,
		},
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, apperr.Persistence("contract: commit create", err)
	}

	s.log.WithFields(logrus.Fields{"contract_id": c.ID, "owner_id": ownerID}).Info("Contract created")
	return c, nil
}

// List returns the owner's contracts, newest first, with overdue ones failed.
func (s *Service) List(ctx context.Context, ownerID string) ([]Contract, error) {
	contracts, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range contracts {
		if !contracts[i].Overdue(now, s.grace) {
			continue
		}
		expired, _, err := s.expire(ctx, contracts[i].ID)
		if err != nil {
			return nil, err
		}
		contracts[i] = expired
	}
	return contracts, nil
}

// Get returns one contract of the owner, failing it first if it is overdue.
func (s *Service) Get(ctx context.Context, id, ownerID string) (Contract, error) {
	if !validID(id) {
		return Contract{}, ErrNotFound
	}
	c, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return Contract{}, err
	}
	if c.Overdue(s.now(), s.grace) {
		expired, _, err := s.expire(ctx, c.ID)
		return expired, err
	}
	return c, nil
}

// Events returns the timeline of a contract the owner can see.
func (s *Service) Events(ctx context.Context, id, ownerID string) ([]Event, error) {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

// Update edits a DRAFT contract. Evidence requirement and owner are immutable.
func (s *Service) Update(ctx context.Context, id, ownerID string, patch Patch) (Contract, error) {
	tx, c, err := s.lockOwned(ctx, id, ownerID)
	if err != nil {
		return Contract{}, err
	}
	defer tx.Rollback(ctx)

	if c.Status != StatusDraft {
		return Contract{}, ErrNotEditable
	}

	title, start, end, amountOK := c.Title, c.StartDate, c.EndDate, true
	if patch.Title != nil {
		trimmed := strings.TrimSpace(*patch.Title)
		patch.Title = &trimmed
		title = trimmed
	}
	if patch.Amount != nil {
		amountOK = patch.Amount.IsPositive()
	}
	if patch.StartDate != nil {
		start = *patch.StartDate
	}
	if patch.EndDate != nil {
		end = *patch.EndDate
	}
	if err := validateFields(title, amountOK, start, end); err != nil {
		return Contract{}, err
	}

	updated, err := s.repo.Update(ctx, tx, id, patch)
	if err != nil {
		return Contract{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{ContractID: id, Type: EventUpdated, ActorID: &ownerID}); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, apperr.Persistence("contract: commit update", err)
	}
	return updated, nil
}

// Delete removes a DRAFT contract that never had a payment attempt.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	tx, c, err := s.lockOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if c.Status != StatusDraft {
		return ErrNotEditable
	}
	hasPayments, err := s.repo.HasPayments(ctx, tx, id, false)
	if err != nil {
		return err
	}
	if hasPayments {
		return ErrHasPayments
	}
	if err := s.repo.Remove(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("contract: commit delete", err)
	}

	s.log.WithField("contract_id", id).Info("Draft contract removed")
	return nil
}

// Cancel abandons a contract before its stake has been collected.
func (s *Service) Cancel(ctx context.Context, id, ownerID string) (Contract, error) {
	tx, c, err := s.lockOwned(ctx, id, ownerID)
	if err != nil {
		return Contract{}, err
	}
	defer tx.Rollback(ctx)

	if c.Status == StatusCancelled {
		return c, nil
	}
	if c.Status != StatusDraft && c.Status != StatusPendingPayment {
		return Contract{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusCancelled)
	}
	captured, err := s.repo.HasPayments(ctx, tx, id, true)
	if err != nil {
		return Contract{}, err
	}
	if captured {
		return Contract{}, ErrStakeCaptured
	}

	next, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusCancelled, RequireNoCompletedPayment: true}, &ownerID, nil)
	if err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, apperr.Persistence("contract: commit cancel", err)
	}
	return next, nil
}

// RequestCompletion finalizes an ACTIVE contract and refunds its stake. Asking
// again for a COMPLETED contract retries a refund that did not go through and
// fails with apperr.ErrAlreadyRefunded otherwise.
func (s *Service) RequestCompletion(ctx context.Context, id, ownerID string) (Completion, error) {
	tx, c, err := s.lockOwned(ctx, id, ownerID)
	if err != nil {
		return Completion{}, err
	}
	defer tx.Rollback(ctx)

	switch c.Status {
	case StatusCompleted:
		_ = tx.Rollback(ctx)
		return s.refund(ctx, c)
	case StatusActive:
	default:
		return Completion{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusCompleted)
	}

	now := s.now()
	if c.Overdue(now, s.grace) {
		if _, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusFailed}, nil, map[string]any{"reason": "deadline"}); err != nil {
			return Completion{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Completion{}, apperr.Persistence("contract: commit expiry", err)
		}
		return Completion{}, ErrDeadlinePassed
	}
	if err := c.completionGuard(now, false); err != nil {
		return Completion{}, err
	}

	next, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusCompleted}, &ownerID, nil)
	if err != nil {
		return Completion{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Completion{}, apperr.Persistence("contract: commit completion", err)
	}

	return s.refund(ctx, next)
}

// SubmitEvidence verifies a proof document, stores it and completes the
// contract with it.
func (s *Service) SubmitEvidence(ctx context.Context, id, ownerID string, upload EvidenceUpload) (Completion, error) {
	if s.store == nil {
		return Completion{}, fmt.Errorf("contract: evidence storage is not configured")
	}
	if upload.Body == nil {
		return Completion{}, apperr.Validation("evidence file is required")
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(upload.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Completion{}, fmt.Errorf("contract: read evidence: %w", err)
	}
	head = head[:n]
	if err := evidence.Validate(upload.ContentType, head); err != nil {
		return Completion{}, err
	}

	tx, c, err := s.lockOwned(ctx, id, ownerID)
	if err != nil {
		return Completion{}, err
	}
	defer tx.Rollback(ctx)

	if c.Status != StatusActive {
		return Completion{}, fmt.Errorf("%w: evidence can only be attached to active contracts", ErrInvalidTransition)
	}
	now := s.now()
	if c.Overdue(now, s.grace) {
		return Completion{}, ErrDeadlinePassed
	}
	if err := c.completionGuard(now, true); err != nil {
		return Completion{}, err
	}

	// Nothing is uploaded for a submission the contract would reject.
	key := path.Join("contracts", c.ID, "evidence", xid.New().String()+"-"+evidence.SafeName(upload.Filename))
	url, err := s.store.Put(ctx, key, io.MultiReader(bytes.NewReader(head), upload.Body), upload.Size, evidence.ContentTypePDF)
	if err != nil {
		return Completion{}, err
	}

	next, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusCompleted, EvidenceURL: &url}, &ownerID, map[string]any{"evidence_url": url})
	if err != nil {
		return Completion{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Completion{}, apperr.Persistence("contract: commit evidence", err)
	}

	return s.refund(ctx, next)
}

// AttachDocument stores the rendered contract document and links it.
func (s *Service) AttachDocument(ctx context.Context, id, ownerID string, pdf []byte) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("contract: document storage is not configured")
	}
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return "", err
	}

	key := path.Join("contracts", id, "contract.pdf")
	url, err := s.store.Put(ctx, key, bytes.NewReader(pdf), int64(len(pdf)), evidence.ContentTypePDF)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", apperr.Persistence("contract: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetDocumentURL(ctx, tx, id, url); err != nil {
		return "", err
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{ContractID: id, Type: EventDocument, ActorID: &ownerID, Payload: map[string]any{"document_url": url}}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", apperr.Persistence("contract: commit document", err)
	}
	return url, nil
}

// ForPayment loads a contract regardless of owner for the payment orchestrator.
func (s *Service) ForPayment(ctx context.Context, id string) (Contract, error) {
	if !validID(id) {
		return Contract{}, ErrNotFound
	}
	return s.repo.Find(ctx, id)
}

// EnterPendingPayment moves a DRAFT contract to PENDING_PAYMENT inside the
// transaction that records the new payment. Retrying payment on a contract
// that is already pending is a no-op.
func (s *Service) EnterPendingPayment(ctx context.Context, tx pgx.Tx, id string) error {
	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case StatusPendingPayment:
		return nil
	case StatusDraft:
		_, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusPendingPayment}, nil, nil)
		return err
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusPendingPayment)
	}
}

// ActivateFromPayment is called inside the transaction that marked paymentID
// COMPLETED. Redelivery for the payment that already activated the contract
// is reported as neither activated nor stray.
func (s *Service) ActivateFromPayment(ctx context.Context, tx pgx.Tx, id, paymentID string) (Activation, error) {
	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Activation{}, err
	}

	switch c.Status {
	case StatusPendingPayment:
		next, err := s.transition(ctx, tx, c, StatusUpdate{
			To:                      StatusActive,
			StakePaymentID:          &paymentID,
			RequireCompletedPayment: true,
		}, nil, map[string]any{"payment_id": paymentID})
		if err != nil {
			return Activation{}, err
		}
		return Activation{Activated: true, Status: next.Status}, nil
	case StatusDraft:
		return Activation{}, fmt.Errorf("%w: payment %s succeeded for a draft", ErrInvalidTransition, paymentID)
	default:
		stray := c.StakePaymentID == nil || *c.StakePaymentID != paymentID
		return Activation{Stray: stray, Status: c.Status}, nil
	}
}

// OverdueIDs lists active contracts past their completion window.
func (s *Service) OverdueIDs(ctx context.Context, limit int) ([]string, error) {
	return s.repo.ListOverdue(ctx, s.now().Add(-s.grace), limit)
}

// Expire fails one overdue contract. It reports false when the contract was
// no longer ACTIVE or not yet overdue, so repeated sweeps are harmless.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	_, failed, err := s.expire(ctx, id)
	return failed, err
}

// ExpireOverdue runs one sequential sweep and returns how many contracts failed.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := s.OverdueIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	var failed int
	for _, id := range ids {
		ok, err := s.Expire(ctx, id)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}

func (s *Service) expire(ctx context.Context, id string) (Contract, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, false, apperr.Persistence("contract: begin tx", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Contract{}, false, err
	}
	if !c.Overdue(s.now(), s.grace) {
		return c, false, nil
	}

	next, err := s.transition(ctx, tx, c, StatusUpdate{To: StatusFailed}, nil, map[string]any{"reason": "deadline"})
	if err != nil {
		return Contract{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, false, apperr.Persistence("contract: commit expiry", err)
	}
	return next, true, nil
}

func (s *Service) transition(ctx context.Context, tx pgx.Tx, c Contract, upd StatusUpdate, actorID *string, payload map[string]any) (Contract, error) {
	if !c.Status.CanTransitionTo(upd.To) {
		return Contract{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, upd.To)
	}
	upd.ID = c.ID
	upd.From = c.Status

	next, err := s.repo.UpdateStatus(ctx, tx, upd)
	if err != nil {
		return Contract{}, err
	}

	eventPayload := map[string]any{}
	for k, v := range payload {
		eventPayload[k] = v
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ContractID: c.ID,
		Type:       EventStatusChanged,
		FromStatus: statusPtr(c.Status),
		ToStatus:   statusPtr(upd.To),
		ActorID:    actorID,
		Payload:    eventPayload,
	}); err != nil {
		return Contract{}, err
	}

	if topic := upd.To.topic(); topic != "" && s.outbox != nil {
		msg := map[string]any{
			"contract_id": c.ID,
			"owner_id":    c.OwnerID,
			"previous":    c.Status,
			"next":        upd.To,
			"amount":      c.Amount.StringFixed(2),
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, msg); err != nil {
			return Contract{}, fmt.Errorf("contract: enqueue outbox: %w", err)
		}
	}

	metrics.ContractTransitions.WithLabelValues(string(c.Status), string(upd.To)).Inc()
	logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"contract_id": c.ID,
		"from":        c.Status,
		"to":          upd.To,
	}).Info("Contract status changed")
	return next, nil
}

func (s *Service) refund(ctx context.Context, c Contract) (Completion, error) {
	if s.refunder == nil {
		return Completion{Contract: c}, fmt.Errorf("contract: refunds are not configured")
	}
	refund, err := s.refunder.RefundForContract(ctx, c.ID)
	if err != nil {
		return Completion{Contract: c}, fmt.Errorf("contract: refund stake of %s: %w", c.ID, err)
	}
	return Completion{Contract: c, Refund: &refund}, nil
}

func (s *Service) lockOwned(ctx context.Context, id, ownerID string) (pgx.Tx, Contract, error) {
	if !validID(id) {
		return nil, Contract{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, Contract{}, apperr.Persistence("contract: begin tx", err)
	}
	c, err := s.repo.GetForUpdate(ctx, tx, id)
	if err == nil && c.OwnerID != ownerID {
		err = ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, Contract{}, err
	}
	return tx, c, nil
}

func validateFields(title string, amountPositive bool, start, end time.Time) error {
	switch {
	case title == "":
		return apperr.Validation("title is required")
	case !amountPositive:
		return apperr.Validation("amount must be a positive number")
	case start.IsZero():
		return apperr.Validation("startDate is required")
	case end.IsZero():
		return apperr.Validation("endDate is required")
	case !end.After(start):
		return apperr.Validation("endDate must be after startDate")
	}
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func statusPtr(s Status) *Status {
	return &s
}

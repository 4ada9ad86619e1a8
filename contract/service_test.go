package contract

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitflow/apperr"
)

const owner = "11111111-1111-1111-1111-111111111111"

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type harness struct {
	now      time.Time
	repo     *fakeRepository
	pool     *fakePool
	outbox   *fakeOutbox
	refunder *fakeRefunder
	store    *fakeStore
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.repo = newFakeRepository(clock)
	h.pool = &fakePool{}
	h.outbox = &fakeOutbox{}
	h.refunder = &fakeRefunder{}
	h.store = &fakeStore{}
	h.svc = NewService(h.pool, h.repo, h.outbox).
		WithRefunder(h.refunder).
		WithDocumentStore(h.store).
		WithCompletionGrace(24 * time.Hour).
		WithClock(clock)
	return h
}

func (h *harness) activeContract(t *testing.T, evidenceRequired bool) Contract {
	t.Helper()
	paymentID := uuid.NewString()
	c := h.repo.put(Contract{
		OwnerID:          owner,
		Title:            "Run a marathon",
		Amount:           decimal.RequireFromString("25.00"),
		StartDate:        h.now.Add(-48 * time.Hour),
		EndDate:          h.now.Add(48 * time.Hour),
		Status:           StatusActive,
		EvidenceRequired: evidenceRequired,
		StakePaymentID:   &paymentID,
		CreatedAt:        h.now,
	})
	h.repo.addPayment(c.ID, paymentID, true)
	return c
}

func validParams(now time.Time) CreateParams {
	return CreateParams{
		Title:     "  Read 12 books  ",
		Amount:    decimal.RequireFromString("10.00"),
		StartDate: now,
		EndDate:   now.Add(30 * 24 * time.Hour),
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)

	c, err := h.svc.Create(context.Background(), owner, validParams(h.now))
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, c.Status)
	assert.Equal(t, "Read 12 books", c.Title)
	assert.True(t, c.Amount.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, 1, h.pool.commits())

	events := h.repo.eventsOf(c.ID)
	require.Len(t, events, 1)
	assert.Equal(t, EventCreated, events[0].Type)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]func(p *CreateParams){
		"missing title":      func(p *CreateParams) { p.Title = "   " },
		"zero amount":        func(p *CreateParams) { p.Amount = decimal.Zero },
		"negative amount":    func(p *CreateParams) { p.Amount = decimal.RequireFromString("-1") },
		"missing start date": func(p *CreateParams) { p.StartDate = time.Time{} },
		"missing end date":   func(p *CreateParams) { p.EndDate = time.Time{} },
		"end before start":   func(p *CreateParams) { p.EndDate = p.StartDate },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams(h.now)
			mutate(&p)
			_, err := h.svc.Create(ctx, owner, p)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	_, err := h.svc.Create(ctx, "", validParams(h.now))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Zero(t, h.pool.commits())
}

func TestGetIsScopedByOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)

	_, err = h.svc.Get(ctx, c.ID, "22222222-2222-2222-2222-222222222222")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Get(ctx, "not-a-uuid", owner)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Cancel(ctx, c.ID, "22222222-2222-2222-2222-222222222222")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := h.svc.Get(ctx, c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)
	assert.Equal(t, c.EndDate, got.EndDate)
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	h.now = h.now.Add(time.Minute)
	second, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)

	list, err := h.svc.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestEnterPendingPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)

	require.NoError(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, c.ID))
	require.NoError(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, c.ID))

	got, _ := h.repo.Find(ctx, c.ID)
	assert.Equal(t, StatusPendingPayment, got.Status)

	changes := 0
	for _, ev := range h.repo.eventsOf(c.ID) {
		if ev.Type == EventStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 1, changes)

	active := h.activeContract(t, false)
	assert.ErrorIs(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, active.ID), ErrInvalidTransition)
}

func TestActivateFromPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	require.NoError(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, c.ID))

	paymentID := uuid.NewString()
	h.repo.addPayment(c.ID, paymentID, false)

	_, err = h.svc.ActivateFromPayment(ctx, &fakeTx{}, c.ID, paymentID)
	assert.ErrorIs(t, err, ErrStaleStatus, "contract must not activate without a completed payment")

	h.repo.addPayment(c.ID, paymentID, true)
	act, err := h.svc.ActivateFromPayment(ctx, &fakeTx{}, c.ID, paymentID)
	require.NoError(t, err)
	assert.True(t, act.Activated)
	assert.False(t, act.Stray)

	again, err := h.svc.ActivateFromPayment(ctx, &fakeTx{}, c.ID, paymentID)
	require.NoError(t, err)
	assert.False(t, again.Activated)
	assert.False(t, again.Stray)
	assert.Equal(t, 1, h.outbox.count(TopicActivated))

	other, err := h.svc.ActivateFromPayment(ctx, &fakeTx{}, c.ID, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, other.Stray)

	got, _ := h.repo.Find(ctx, c.ID)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.StakePaymentID)
	assert.Equal(t, paymentID, *got.StakePaymentID)
}

func TestActivateCancelledContractIsStray(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	require.NoError(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, c.ID))
	_, err = h.svc.Cancel(ctx, c.ID, owner)
	require.NoError(t, err)

	act, err := h.svc.ActivateFromPayment(ctx, &fakeTx{}, c.ID, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, act.Stray)
	assert.Equal(t, StatusCancelled, act.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	require.NoError(t, h.svc.EnterPendingPayment(ctx, &fakeTx{}, c.ID))
	h.repo.addPayment(c.ID, uuid.NewString(), true)

	_, err = h.svc.Cancel(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrStakeCaptured)

	draft, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	cancelled, err := h.svc.Cancel(ctx, draft.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, h.outbox.count(TopicCancelled))

	_, err = h.svc.Cancel(ctx, h.activeContract(t, false).ID, owner)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompletionRequiresEvidence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, true)
	h.now = c.EndDate.Add(time.Hour)

	_, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrEvidenceRequired)
	assert.Zero(t, h.refunder.calls)

	done, err := h.svc.SubmitEvidence(ctx, c.ID, owner, EvidenceUpload{
		Filename:    "finish-line.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(pdfBytes)),
		Body:        bytes.NewReader(pdfBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Contract.Status)
	require.NotNil(t, done.Contract.EvidenceURL)
	assert.Contains(t, *done.Contract.EvidenceURL, "finish-line.pdf")
	require.NotNil(t, done.Refund)
	assert.Equal(t, 1, h.refunder.calls)
	assert.Equal(t, 1, h.outbox.count(TopicCompleted))
}

func TestEvidenceCompletesBeforeEndDate(t *testing.T) {
	h := newHarness(t)
	c := h.activeContract(t, true)

	done, err := h.svc.SubmitEvidence(context.Background(), c.ID, owner, EvidenceUpload{
		Filename:    "proof.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(pdfBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Contract.Status)
}

func TestEvidenceKeepsEndDateWhenNotRequired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)

	_, err := h.svc.SubmitEvidence(ctx, c.ID, owner, EvidenceUpload{
		Filename:    "early.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(pdfBytes),
	})
	assert.ErrorIs(t, err, ErrTooEarly)

	got, _ := h.repo.Find(ctx, c.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.EvidenceURL)
	assert.Empty(t, h.store.keys)
	assert.Zero(t, h.refunder.calls)

	_, err = h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrTooEarly)

	h.now = c.EndDate
	done, err := h.svc.SubmitEvidence(ctx, c.ID, owner, EvidenceUpload{
		Filename:    "on-time.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(pdfBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Contract.Status)
	assert.Len(t, h.store.keys, 1)
	assert.Equal(t, 1, h.refunder.calls)
}

func TestEvidenceRejectedAfterDeadlineStoresNothing(t *testing.T) {
	h := newHarness(t)
	c := h.activeContract(t, true)
	h.now = c.EndDate.Add(48 * time.Hour)

	_, err := h.svc.SubmitEvidence(context.Background(), c.ID, owner, EvidenceUpload{
		Filename:    "late.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(pdfBytes),
	})
	assert.ErrorIs(t, err, ErrDeadlinePassed)
	assert.Empty(t, h.store.keys)
	assert.Zero(t, h.refunder.calls)
}

func TestEvidenceRejectsNonPDF(t *testing.T) {
	h := newHarness(t)
	c := h.activeContract(t, true)

	_, err := h.svc.SubmitEvidence(context.Background(), c.ID, owner, EvidenceUpload{
		Filename:    "selfie.png",
		ContentType: "image/png",
		Body:        bytes.NewReader([]byte("\x89PNG\r\n\x1a\n")),
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.SubmitEvidence(context.Background(), c.ID, owner, EvidenceUpload{
		Filename:    "fake.pdf",
		ContentType: "application/pdf",
		Body:        bytes.NewReader([]byte("just some text")),
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, _ := h.repo.Find(context.Background(), c.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, h.store.keys)
	assert.Zero(t, h.refunder.calls)
}

func TestCompletionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)

	_, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrTooEarly)

	h.now = c.EndDate
	done, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Contract.Status)
	assert.Equal(t, 1, h.refunder.calls)
}

func TestCompletionRefundsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)
	h.now = c.EndDate.Add(time.Minute)

	_, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	require.NoError(t, err)

	_, err = h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, apperr.ErrAlreadyRefunded)
	assert.Equal(t, 1, h.outbox.count(TopicCompleted))
	assert.Len(t, h.refunder.refunded, 1)
}

func TestCompletionRetriesFailedRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)
	h.now = c.EndDate.Add(time.Minute)

	h.refunder.err = apperr.ErrProvider
	done, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, apperr.ErrProvider)
	assert.Equal(t, StatusCompleted, done.Contract.Status)

	h.refunder.err = nil
	retry, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	require.NoError(t, err)
	require.NotNil(t, retry.Refund)
	assert.Equal(t, 1, h.outbox.count(TopicCompleted))
}

func TestDeadlineSweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)

	h.now = c.EndDate.Add(23 * time.Hour)
	n, err := h.svc.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "still inside the completion grace period")

	h.now = c.EndDate.Add(25 * time.Hour)
	n, err = h.svc.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.svc.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	failed, err := h.svc.Expire(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, failed)

	got, err := h.svc.Get(ctx, c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, h.outbox.count(TopicFailed))
	assert.Zero(t, h.refunder.calls)
}

func TestLazyExpiryOnRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)
	h.now = c.EndDate.Add(48 * time.Hour)

	list, err := h.svc.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)

	got, err := h.svc.Get(ctx, c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, h.outbox.count(TopicFailed))
}

func TestCompletionAfterWindowFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, false)
	h.now = c.EndDate.Add(25 * time.Hour)

	_, err := h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrDeadlinePassed)

	got, _ := h.repo.Find(ctx, c.ID)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = h.svc.RequestCompletion(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, h.refunder.calls)
	assert.Equal(t, 1, h.outbox.count(TopicFailed))
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)

	title := "Read 24 books"
	amount := decimal.RequireFromString("20.00")
	updated, err := h.svc.Update(ctx, c.ID, owner, Patch{Title: &title, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.True(t, updated.Amount.Equal(amount))

	bad := c.StartDate.Add(-time.Hour)
	_, err = h.svc.Update(ctx, c.ID, owner, Patch{EndDate: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	withPayment, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)
	h.repo.addPayment(withPayment.ID, uuid.NewString(), false)
	assert.ErrorIs(t, h.svc.Delete(ctx, withPayment.ID, owner), ErrHasPayments)

	require.NoError(t, h.svc.Delete(ctx, c.ID, owner))
	_, err = h.svc.Get(ctx, c.ID, owner)
	assert.ErrorIs(t, err, ErrNotFound)

	active := h.activeContract(t, false)
	_, err = h.svc.Update(ctx, active.ID, owner, Patch{Title: &title})
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestAttachDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.svc.Create(ctx, owner, validParams(h.now))
	require.NoError(t, err)

	url, err := h.svc.AttachDocument(ctx, c.ID, owner, pdfBytes)
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example.com/contracts/"+c.ID+"/contract.pdf", url)

	got, _ := h.repo.Find(ctx, c.ID)
	require.NotNil(t, got.DocumentURL)
	assert.Equal(t, url, *got.DocumentURL)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusDraft.CanTransitionTo(StatusPendingPayment))
	assert.True(t, StatusPendingPayment.CanTransitionTo(StatusActive))
	assert.True(t, StatusActive.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusActive.CanTransitionTo(StatusFailed))
	assert.False(t, StatusDraft.CanTransitionTo(StatusActive))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusFailed))
	assert.False(t, StatusFailed.CanTransitionTo(StatusCompleted))
	assert.False(t, StatusActive.CanTransitionTo(StatusCancelled))

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal())
	}
	assert.False(t, Status("PAID").Valid())
}

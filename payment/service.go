package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"commitflow/apperr"
	"commitflow/contract"
	"commitflow/db"
	"commitflow/logger"
	"commitflow/metrics"
	"commitflow/money"
	"commitflow/provider"
)

// ContractLifecycle is what the orchestrator needs from the contract service.
// The Tx variants run inside the transaction that writes the payment row.
type ContractLifecycle interface {
	ForPayment(ctx context.Context, id string) (contract.Contract, error)
	EnterPendingPayment(ctx context.Context, tx pgx.Tx, id string) error
	ActivateFromPayment(ctx context.Context, tx pgx.Tx, id, paymentID string) (contract.Activation, error)
}

const (
	// a refund claim older than this is assumed abandoned
	defaultClaimTTL = 5 * time.Minute
	cancelTimeout   = 10 * time.Second
)

// Service orchestrates payment intents, provider events and refunds.
type Service struct {
	pool      db.Pool
	repo      Repository
	provider  provider.Client
	contracts ContractLifecycle
	currency  string
	claimTTL  time.Duration
	newID     func() string
	now       func() time.Time
	log       *logrus.Entry
}

func NewService(pool db.Pool, repo Repository, client provider.Client, contracts ContractLifecycle, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		provider:  client,
		contracts: contracts,
		currency:  strings.ToLower(currency),
		claimTTL:  defaultClaimTTL,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       logger.NewSublogger("payment"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(newID func() string) *Service {
	s.newID = newID
	return s
}

// CreatePaymentIntent asks the provider for an intent and records a PENDING
// payment for it. The contract moves to PENDING_PAYMENT in the same
// transaction. Nothing is persisted when any step fails.
func (s *Service) CreatePaymentIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	if strings.TrimSpace(req.ContractID) == "" {
		return IntentResult{}, apperr.Validation("contractId is required")
	}
	if err := money.CheckMinimum(req.Amount); err != nil {
		return IntentResult{}, err
	}

	c, err := s.contracts.ForPayment(ctx, req.ContractID)
	if err != nil {
		return IntentResult{}, err
	}
	if req.OwnerID != "" && c.OwnerID != req.OwnerID {
		return IntentResult{}, contract.ErrNotFound
	}
	if c.Status != contract.StatusDraft && c.Status != contract.StatusPendingPayment {
		return IntentResult{}, fmt.Errorf("%w (status %s)", ErrContractNotPayable, c.Status)
	}
	if !req.Amount.Equal(c.Amount) {
		return IntentResult{}, apperr.Validation("amount %s does not match the contract stake %s", money.Format(req.Amount), money.Format(c.Amount))
	}

	paymentID := s.newID()
	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["contractId"] = c.ID
	metadata["paymentId"] = paymentID

	intent, err := s.provider.CreatePaymentIntent(ctx, provider.CreateIntentParams{
		Amount:         money.ToMinorUnits(c.Amount),
		Currency:       s.currency,
		Metadata:       metadata,
		IdempotencyKey: "payment-" + paymentID,
	})
	if err != nil {
		return IntentResult{}, fmt.Errorf("payment: create intent: %w", err)
	}

	if err := s.persistIntent(ctx, paymentID, c, intent.ID); err != nil {
		s.cancelIntent(ctx, intent.ID)
		return IntentResult{}, err
	}

	logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"contract_id": c.ID,
		"payment_id":  paymentID,
		"intent_id":   intent.ID,
		"amount":      money.Format(c.Amount),
	}).Info("Payment intent created")

	return IntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		PaymentID:       paymentID,
	}, nil
}

func (s *Service) persistIntent(ctx context.Context, paymentID string, c contract.Contract, intentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence("payment: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Insert(ctx, tx, Payment{
		ID:                paymentID,
		ContractID:        c.ID,
		Amount:            c.Amount,
		Currency:          s.currency,
		Status:            StatusPending,
		ProviderPaymentID: intentID,
	}); err != nil {
		return err
	}
	if err := s.contracts.EnterPendingPayment(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("payment: commit intent", err)
	}
	return nil
}

// cancelIntent voids an intent whose payment row could not be written.
func (s *Service) cancelIntent(ctx context.Context, intentID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := s.provider.CancelPaymentIntent(cctx, intentID); err != nil {
		s.log.WithError(err).WithField("intent_id", intentID).Error("Failed to cancel orphaned payment intent")
	}
}

// HandleSuccessfulPayment marks the payment COMPLETED and activates its
// contract. Redelivery is a no-op. A payment that arrives for a contract it can
// no longer fund is refunded.
func (s *Service) HandleSuccessfulPayment(ctx context.Context, providerPaymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence("payment: begin tx", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetByProviderIDForUpdate(ctx, tx, providerPaymentID)
	if err != nil {
		return fmt.Errorf("%w (provider id %s)", err, providerPaymentID)
	}

	if p.Status != StatusCompleted {
		p, err = s.repo.UpdateStatus(ctx, tx, p.ID, []Status{StatusPending, StatusFailed}, StatusCompleted)
		if err != nil {
			return err
		}
	}

	activation, err := s.contracts.ActivateFromPayment(ctx, tx, p.ContractID, p.ID)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("payment: commit success", err)
	}

	log := logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"payment_id":      p.ID,
		"contract_id":     p.ContractID,
		"contract_status": activation.Status,
	})
	switch {
	case activation.Activated:
		log.Info("Payment completed, contract activated")
	case activation.Stray && !p.Refunded():
		log.Warn("Payment completed for a contract it cannot fund, refunding")
		if _, err := s.refund(ctx, p); err != nil && !errors.Is(err, apperr.ErrAlreadyRefunded) {
			return err
		}
	default:
		log.Debug("Payment success already applied")
	}
	return nil
}

// HandleFailedPayment marks a PENDING payment FAILED. The contract is left
// untouched so the owner can retry.
func (s *Service) HandleFailedPayment(ctx context.Context, providerPaymentID string) error {
	p, err := s.repo.GetByProviderID(ctx, s.pool, providerPaymentID)
	if err != nil {
		return fmt.Errorf("%w (provider id %s)", err, providerPaymentID)
	}
	if p.Status != StatusPending {
		return nil
	}

	if _, err := s.repo.UpdateStatus(ctx, s.pool, p.ID, []Status{StatusPending}, StatusFailed); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil
		}
		return err
	}
	logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"payment_id":  p.ID,
		"contract_id": p.ContractID,
	}).Info("Payment failed")
	return nil
}

// ProcessRefund refunds a completed payment. A payment is refunded at most
// once; later calls fail with ErrAlreadyRefunded.
func (s *Service) ProcessRefund(ctx context.Context, providerPaymentID string) (Payment, error) {
	p, err := s.repo.GetByProviderID(ctx, s.pool, providerPaymentID)
	if err != nil {
		return Payment{}, fmt.Errorf("%w (provider id %s)", err, providerPaymentID)
	}
	return s.refund(ctx, p)
}

// RefundForContract refunds the payment that funded a contract.
func (s *Service) RefundForContract(ctx context.Context, contractID string) (contract.Refund, error) {
	c, err := s.contracts.ForPayment(ctx, contractID)
	if err != nil {
		return contract.Refund{}, err
	}

	var target *Payment
	if c.StakePaymentID != nil {
		p, err := s.repo.Get(ctx, s.pool, *c.StakePaymentID)
		if err != nil {
			return contract.Refund{}, err
		}
		target = &p
	} else {
		payments, err := s.repo.ListByContract(ctx, s.pool, contractID)
		if err != nil {
			return contract.Refund{}, err
		}
		for i := range payments {
			if payments[i].Status == StatusCompleted {
				target = &payments[i]
				break
			}
		}
	}
	if target == nil {
		return contract.Refund{}, ErrNotRefundable
	}

	p, err := s.refund(ctx, *target)
	if err != nil {
		return contract.Refund{}, err
	}
	return contract.Refund{PaymentID: p.ID, RefundID: deref(p.RefundID), Status: deref(p.RefundStatus)}, nil
}

func (s *Service) refund(ctx context.Context, p Payment) (Payment, error) {
	if p.Refunded() {
		return p, ErrAlreadyRefunded
	}
	if p.Status != StatusCompleted {
		return p, fmt.Errorf("%w (payment %s is %s)", ErrNotRefundable, p.ID, p.Status)
	}

	claimed, err := s.repo.ClaimRefund(ctx, s.pool, p.ID, s.now().Add(-s.claimTTL))
	if err != nil {
		return p, err
	}
	if !claimed {
		metrics.Refunds.WithLabelValues("duplicate").Inc()
		return p, ErrAlreadyRefunded
	}

	log := logger.FromContext(ctx, s.log).WithFields(logrus.Fields{"payment_id": p.ID, "intent_id": p.ProviderPaymentID})
	refund, err := s.provider.CreateRefund(ctx, provider.CreateRefundParams{
		PaymentIntentID: p.ProviderPaymentID,
		IdempotencyKey:  "refund-" + p.ID,
	})
	if err != nil {
		metrics.Refunds.WithLabelValues("error").Inc()
		if rerr := s.repo.ReleaseRefund(context.WithoutCancel(ctx), s.pool, p.ID); rerr != nil {
			log.WithError(rerr).Error("Failed to release refund claim")
		}
		return p, fmt.Errorf("payment: refund %s: %w", p.ID, err)
	}

	updated, err := s.repo.RecordRefund(ctx, s.pool, p.ID, refund.ID, RefundProcessing)
	if err != nil {
		// the claim stays in place; a retry after claimTTL replays the same
		// idempotency key and gets this refund back
		log.WithError(err).WithField("refund_id", refund.ID).Error("Refund issued but not recorded")
		return p, err
	}

	metrics.Refunds.WithLabelValues("issued").Inc()
	log.WithField("refund_id", refund.ID).Info("Refund issued")
	return updated, nil
}

// ApplyRefundUpdate records the provider's final verdict on a refund.
func (s *Service) ApplyRefundUpdate(ctx context.Context, refund provider.Refund) error {
	status := refundStatus(refund.Status)

	_, err := s.repo.UpdateRefundStatus(ctx, s.pool, refund.ID, status)
	if err == nil || !errors.Is(err, ErrPaymentNotFound) || refund.PaymentIntentID == "" {
		return err
	}

	// the update can overtake the write that records the refund id
	p, err := s.repo.GetByProviderID(ctx, s.pool, refund.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("%w (refund %s)", err, refund.ID)
	}
	_, err = s.repo.RecordRefund(ctx, s.pool, p.ID, refund.ID, status)
	return err
}

// GetPaymentIntent reads an intent from the provider. Provider errors are
// returned unchanged.
func (s *Service) GetPaymentIntent(ctx context.Context, intentID string) (provider.PaymentIntent, error) {
	return s.provider.GetPaymentIntent(ctx, intentID)
}

// IntentForOwner is GetPaymentIntent restricted to intents of the owner's contracts.
func (s *Service) IntentForOwner(ctx context.Context, intentID, ownerID string) (provider.PaymentIntent, error) {
	p, err := s.repo.GetByProviderID(ctx, s.pool, intentID)
	if err != nil {
		return provider.PaymentIntent{}, err
	}
	c, err := s.contracts.ForPayment(ctx, p.ContractID)
	if err != nil {
		return provider.PaymentIntent{}, err
	}
	if c.OwnerID != ownerID {
		return provider.PaymentIntent{}, ErrPaymentNotFound
	}
	return s.GetPaymentIntent(ctx, intentID)
}

// Payments lists the payment attempts of a contract.
func (s *Service) Payments(ctx context.Context, contractID string) ([]Payment, error) {
	return s.repo.ListByContract(ctx, s.pool, contractID)
}

func refundStatus(providerStatus string) string {
	switch strings.ToLower(providerStatus) {
	case "succeeded":
		return RefundCompleted
	case "failed", "canceled":
		return RefundFailed
	case "pending", "requires_action", "":
		return RefundProcessing
	default:
		return strings.ToUpper(providerStatus)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}


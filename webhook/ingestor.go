// Package webhook authenticates provider notifications and routes them to the
// payment orchestrator.
package webhook

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"commitflow/logger"
	"commitflow/metrics"
	"commitflow/provider"
)

// Processor applies provider events. Every method must tolerate redelivery.
type Processor interface {
	HandleSuccessfulPayment(ctx context.Context, providerPaymentID string) error
	HandleFailedPayment(ctx context.Context, providerPaymentID string) error
	ApplyRefundUpdate(ctx context.Context, refund provider.Refund) error
}

// Result describes how an accepted delivery was treated.
type Result struct {
	EventID   string
	Type      string
	Handled   bool
	Duplicate bool
	// Unverified is set when no signing secret is configured. Such deliveries
	// are acknowledged and never applied.
	Unverified bool
}

type Ingestor struct {
	verifier  *Verifier
	processor Processor
	ledger    Ledger
	log       *logrus.Entry
}

// NewIngestor builds the webhook boundary. A nil verifier disables
// verification and processing, which callers only allow outside production.
// ledger may be nil.
func NewIngestor(verifier *Verifier, processor Processor, ledger Ledger) *Ingestor {
	return &Ingestor{
		verifier:  verifier,
		processor: processor,
		ledger:    ledger,
		log:       logger.NewSublogger("webhook"),
	}
}

// Ingest verifies and dispatches one delivery. Signature failures wrap
// apperr.ErrInvalidSignature and happen before anything is read from payload.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (Result, error) {
	log := logger.FromContext(ctx, i.log)

	if i.verifier == nil {
		log.Warn("Webhook signature verification skipped: no signing secret configured")
		metrics.WebhookEvents.WithLabelValues("unknown", "unverified").Inc()
		return Result{Unverified: true}, nil
	}
	if err := i.verifier.Verify(payload, signature); err != nil {
		log.WithError(err).Warn("Rejected webhook delivery")
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		return Result{}, err
	}

	ev, err := parseEvent(payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return Result{}, err
	}
	res := Result{EventID: ev.ID, Type: ev.Type}
	log = log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	if i.ledger != nil && ev.ID != "" {
		done, err := i.ledger.Processed(ctx, ev.ID)
		if err != nil {
			metrics.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
			return res, err
		}
		if done {
			log.Info("Duplicate webhook event acknowledged")
			metrics.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
			res.Duplicate = true
			return res, nil
		}
	}

	handled, err := i.dispatch(ctx, ev)
	if err != nil {
		log.WithError(err).Error("Webhook processing failed")
		metrics.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
		return res, err
	}
	res.Handled = handled

	if !handled {
		log.Debug("Unhandled webhook event type")
		metrics.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
		return res, nil
	}

	if i.ledger != nil && ev.ID != "" {
		if err := i.ledger.MarkProcessed(ctx, ev.ID, ev.Type); err != nil {
			// already applied; a redelivery is absorbed by the handlers
			log.WithError(err).Warn("Failed to record processed webhook event")
		}
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, "processed").Inc()
	log.Info("Webhook event processed")
	return res, nil
}

func (i *Ingestor) dispatch(ctx context.Context, ev Event) (bool, error) {
	switch ev.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventRefundUpdated, EventChargeRefundUpdated:
	default:
		return false, nil
	}

	obj, err := ev.object()
	if err != nil {
		return false, err
	}

	switch ev.Type {
	case EventPaymentSucceeded:
		err = i.processor.HandleSuccessfulPayment(ctx, obj.ID)
	case EventPaymentFailed:
		err = i.processor.HandleFailedPayment(ctx, obj.ID)
	default:
		err = i.processor.ApplyRefundUpdate(ctx, provider.Refund{
			ID:              obj.ID,
			PaymentIntentID: obj.PaymentIntent,
			Status:          obj.Status,
		})
	}
	if err != nil {
		return false, fmt.Errorf("webhook: %s %s: %w", ev.Type, obj.ID, err)
	}
	return true, nil
}

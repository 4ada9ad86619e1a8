// Package mock is an in-memory payment provider for development and tests.
// Idempotency keys are honoured the same way the real provider honours them.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"commitflow/provider"
)

const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
	RefundPending               = "pending"
)

// Provider keeps intents and refunds in memory.
type Provider struct {
	mu       sync.Mutex
	intents  map[string]*provider.PaymentIntent
	refunds  map[string]*provider.Refund
	byKey    map[string]string
	refunded map[string]string

	// one-shot injected errors keyed by operation
	failures map[string]error
	calls    map[string]int
}

func New() *Provider {
	return &Provider{
		intents:  make(map[string]*provider.PaymentIntent),
		refunds:  make(map[string]*provider.Refund),
		byKey:    make(map[string]string),
		refunded: make(map[string]string),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call of op return err. Valid ops are "create",
// "get", "cancel" and "refund".
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

// Calls reports how many times op reached the provider.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) enter(op string) error {
	p.calls[op]++
	if err, ok := p.failures[op]; ok {
		delete(p.failures, op)
		return err
	}
	return nil
}

func (p *Provider) CreatePaymentIntent(ctx context.Context, params provider.CreateIntentParams) (provider.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return provider.PaymentIntent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create"); err != nil {
		return provider.PaymentIntent{}, err
	}

	if params.IdempotencyKey != "" {
		if id, ok := p.byKey[params.IdempotencyKey]; ok {
			return *p.intents[id], nil
		}
	}

	id := "pi_" + xid.New().String()
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	intent := &provider.PaymentIntent{
		ID:           id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, xid.New().String()),
		Status:       StatusRequiresPaymentMethod,
		Amount:       params.Amount,
		Currency:     params.Currency,
		Metadata:     metadata,
	}
	p.intents[id] = intent
	if params.IdempotencyKey != "" {
		p.byKey[params.IdempotencyKey] = id
	}
	return *intent, nil
}

func (p *Provider) GetPaymentIntent(ctx context.Context, id string) (provider.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("get"); err != nil {
		return provider.PaymentIntent{}, err
	}
	intent, ok := p.intents[id]
	if !ok {
		return provider.PaymentIntent{}, notFound("get payment intent", id)
	}
	return *intent, nil
}

func (p *Provider) CancelPaymentIntent(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cancel"); err != nil {
		return err
	}
	intent, ok := p.intents[id]
	if !ok {
		return notFound("cancel payment intent", id)
	}
	intent.Status = StatusCanceled
	return nil
}

// Succeed marks an intent as paid, the way a confirmed card payment would.
func (p *Provider) Succeed(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.intents[id]
	if !ok {
		return notFound("succeed payment intent", id)
	}
	intent.Status = StatusSucceeded
	return nil
}

func (p *Provider) CreateRefund(ctx context.Context, params provider.CreateRefundParams) (provider.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("refund"); err != nil {
		return provider.Refund{}, err
	}

	if params.IdempotencyKey != "" {
		if id, ok := p.byKey[params.IdempotencyKey]; ok {
			return *p.refunds[id], nil
		}
	}
	intent, ok := p.intents[params.PaymentIntentID]
	if !ok {
		return provider.Refund{}, notFound("create refund", params.PaymentIntentID)
	}
	if _, done := p.refunded[intent.ID]; done {
		return provider.Refund{}, &provider.Error{
			Op:         "create refund",
			StatusCode: 400,
			Code:       "charge_already_refunded",
			Message:    fmt.Sprintf("Charge %s has already been refunded.", intent.ID),
		}
	}

	refund := &provider.Refund{
		ID:              "re_" + xid.New().String(),
		PaymentIntentID: intent.ID,
		Status:          RefundPending,
		Amount:          intent.Amount,
	}
	p.refunds[refund.ID] = refund
	p.refunded[intent.ID] = refund.ID
	if params.IdempotencyKey != "" {
		p.byKey[params.IdempotencyKey] = refund.ID
	}
	return *refund, nil
}

// RefundsFor lists refund ids created against an intent.
func (p *Provider) RefundsFor(intentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, r := range p.refunds {
		if r.PaymentIntentID == intentID {
			ids = append(ids, id)
		}
	}
	return ids
}

func notFound(op, id string) error {
	return &provider.Error{
		Op:         op,
		StatusCode: 404,
		Code:       "resource_missing",
		Message:    fmt.Sprintf("No such object: '%s'", id),
	}
}

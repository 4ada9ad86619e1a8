// Package provider describes the payment provider capability the payment
// orchestrator depends on. Implementations live in the stripe and mock packages.
package provider

import (
	"context"
	"errors"
	"fmt"

	"commitflow/apperr"
)

// PaymentIntent is the provider side handle of a charge.
type PaymentIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

type CreateIntentParams struct {
	// Amount in minor units
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type Refund struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
}

type CreateRefundParams struct {
	PaymentIntentID string
	IdempotencyKey  string
}

// Client is implemented by every payment provider integration. All calls must
// honour ctx and return *Error on provider side failures.
type Client interface {
	CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) error
	CreateRefund(ctx context.Context, params CreateRefundParams) (Refund, error)
}

// Error carries the provider's own message so it can be surfaced to clients.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: %s: %s (status %d)", e.Op, msg, e.StatusCode)
	}
	return fmt.Sprintf("provider: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() []error {
	errs := []error{apperr.ErrProvider}
	if e.Retryable {
		errs = append(errs, apperr.ErrUnavailable)
	}
	if e.StatusCode == 404 {
		errs = append(errs, apperr.ErrNotFound)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsRetryable reports whether the failed call may succeed when repeated.
func IsRetryable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Retryable
}

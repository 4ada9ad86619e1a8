// Package stripe talks to the Stripe REST API with form encoded requests.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"commitflow/config"
	"commitflow/logger"
	"commitflow/metrics"
	"commitflow/provider"
)

type Client struct {
	config *config.Payment
	log    *logrus.Entry
	http   *resty.Client
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewClient(cfg *config.Payment) *Client {
	c := &Client{
		config: cfg,
		log:    logger.NewSublogger("stripe"),
	}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("User-Agent", "commitflow/1.0").
		SetRetryCount(0).
		SetError(&apiError{})
	return c
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params provider.CreateIntentParams) (provider.PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", params.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent provider.PaymentIntent
	err := c.do(ctx, "create payment intent", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Idempotency-Key", params.IdempotencyKey).
			SetFormDataFromValues(form).
			SetResult(&intent).
			Post("/v1/payment_intents")
	})
	return intent, err
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (provider.PaymentIntent, error) {
	var intent provider.PaymentIntent
	err := c.do(ctx, "get payment intent", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).
			SetResult(&intent).
			Get("/v1/payment_intents/{id}")
	})
	return intent, err
}

func (c *Client) CancelPaymentIntent(ctx context.Context, id string) error {
	return c.do(ctx, "cancel payment intent", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).
			SetHeader("Idempotency-Key", "cancel-"+id).
			Post("/v1/payment_intents/{id}/cancel")
	})
}

func (c *Client) CreateRefund(ctx context.Context, params provider.CreateRefundParams) (provider.Refund, error) {
	var refund provider.Refund
	err := c.do(ctx, "create refund", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Idempotency-Key", params.IdempotencyKey).
			SetFormData(map[string]string{"payment_intent": params.PaymentIntentID}).
			SetResult(&refund).
			Post("/v1/refunds")
	})
	return refund, err
}

// do runs one API call with exponential backoff on retryable failures. Every
// mutating call carries an idempotency key so a retry can't charge or refund twice.
func (c *Client) do(ctx context.Context, op string, call func(*resty.Request) (*resty.Response, error)) error {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		resp, err := call(c.http.R().SetContext(ctx))
		if perr := toError(op, resp, err); perr != nil {
			if perr.Retryable {
				return perr
			}
			return backoff.Permanent(perr)
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("op", op).WithField("wait", wait).Warn("Retrying provider call")
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		// context cancellation surfaces as a bare ctx error from backoff
		var perr *provider.Error
		if !errors.As(err, &perr) {
			err = &provider.Error{Op: op, Retryable: true, Err: err}
		}
	}
	metrics.ProviderRequests.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	c.log.WithFields(logrus.Fields{"op": op, "outcome": outcome, "elapsed": time.Since(start)}).Debug("Provider call")
	return err
}

func toError(op string, resp *resty.Response, err error) *provider.Error {
	if err != nil {
		return &provider.Error{Op: op, Retryable: isTransient(err), Err: err}
	}
	if resp.IsSuccess() {
		return nil
	}

	perr := &provider.Error{
		Op:         op,
		StatusCode: resp.StatusCode(),
		Retryable:  resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500,
	}
	if body, ok := resp.Error().(*apiError); ok && body != nil {
		perr.Code = body.Error.Code
		perr.Message = body.Error.Message
	}
	if perr.Message == "" {
		perr.Message = fmt.Sprintf("unexpected response %s", resp.Status())
	}
	return perr
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

package actors

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"commitflow/contract"
	"commitflow/payment"
)

// Stats counts outcomes so a run can tell it actually exercised the races.
type Stats struct {
	Deliveries  atomic.Int64
	Failures    atomic.Int64
	Completions atomic.Int64
	Cancels     atomic.Int64
	Expired     atomic.Int64
	Refunds     atomic.Int64
	Relayed     atomic.Int64
	Errors      atomic.Int64
}

// Target is one seeded contract with the intents opened for it.
type Target struct {
	ContractID string
	OwnerID    string
	Intents    []string
}

func pick[T any](items []T) T {
	return items[rand.Intn(len(items))]
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(time.Duration(base+rand.Intn(jitter)) * time.Millisecond):
		return true
	}
}

func count(stats *Stats, ok *atomic.Int64, err error) {
	if err != nil {
		stats.Errors.Add(1)
		return
	}
	ok.Add(1)
}

// Redeliverer replays payment_intent.succeeded for random intents, the way a
// provider retries a delivery it never saw acknowledged.
func Redeliverer(ctx context.Context, svc *payment.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 5, 20) {
		t := pick(targets)
		count(stats, &stats.Deliveries, svc.HandleSuccessfulPayment(ctx, pick(t.Intents)))
	}
	return nil
}

// Failer delivers payment failures, sometimes after a success for the same intent.
func Failer(ctx context.Context, svc *payment.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 20, 40) {
		t := pick(targets)
		count(stats, &stats.Failures, svc.HandleFailedPayment(ctx, pick(t.Intents)))
	}
	return nil
}

// Completer asks for completion while the sweeper is trying to fail the same
// contracts at the edge of their grace window.
func Completer(ctx context.Context, svc *contract.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 10, 30) {
		t := pick(targets)
		_, err := svc.RequestCompletion(ctx, t.ContractID, t.OwnerID)
		count(stats, &stats.Completions, err)
	}
	return nil
}

func Canceller(ctx context.Context, svc *contract.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 100, 200) {
		t := pick(targets)
		_, err := svc.Cancel(ctx, t.ContractID, t.OwnerID)
		count(stats, &stats.Cancels, err)
	}
	return nil
}

func Sweeper(ctx context.Context, svc *contract.Service, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 50, 100) {
		n, err := svc.ExpireOverdue(ctx, 50)
		if err != nil {
			stats.Errors.Add(1)
		}
		stats.Expired.Add(int64(n))
	}
	return nil
}

// Refunder issues refunds for random intents directly, racing the refund a
// completion triggers.
func Refunder(ctx context.Context, svc *payment.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 30, 60) {
		t := pick(targets)
		_, err := svc.ProcessRefund(ctx, pick(t.Intents))
		count(stats, &stats.Refunds, err)
	}
	return nil
}

type Relay interface {
	RelayOnce(ctx context.Context) (int, error)
}

func OutboxRelay(ctx context.Context, relay Relay, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 50, 100) {
		n, err := relay.RelayOnce(ctx)
		if err != nil {
			stats.Errors.Add(1)
		}
		stats.Relayed.Add(int64(n))
	}
	return nil
}

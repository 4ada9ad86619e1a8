// Package sweeper runs the periodic jobs: failing contracts past their
// completion window and relaying outbox messages.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"commitflow/config"
	"commitflow/logger"
)

// Expirer fails overdue contracts. Expire must be safe to call for a contract
// that is no longer overdue.
type Expirer interface {
	OverdueIDs(ctx context.Context, limit int) ([]string, error)
	Expire(ctx context.Context, id string) (bool, error)
}

type Relayer interface {
	RelayOnce(ctx context.Context) (int, error)
}

type Sweeper struct {
	config    config.Lifecycle
	contracts Expirer
	relay     Relayer
	log       *logrus.Entry

	sweeping atomic.Bool
	relaying atomic.Bool
}

// New builds a sweeper. relay may be nil.
func New(cfg config.Lifecycle, contracts Expirer, relay Relayer) *Sweeper {
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 1
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	return &Sweeper{
		config:    cfg,
		contracts: contracts,
		relay:     relay,
		log:       logger.NewSublogger("sweeper"),
	}
}

// SweepOnce fails every overdue contract of one batch and returns how many
// actually changed. Contracts completed concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.contracts.OverdueIDs(ctx, s.config.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list overdue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		failed atomic.Int64
		mu     sync.Mutex
		errs   []error
	)
	workers := workerpool.New(s.config.SweepWorkers)
	for _, id := range ids {
		workers.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			ok, err := s.contracts.Expire(ctx, id)
			if err != nil {
				s.log.WithError(err).WithField("contract_id", id).Error("Failed to expire contract")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if ok {
				failed.Add(1)
			}
		})
	}
	workers.StopWait()

	n := int(failed.Load())
	if n > 0 {
		s.log.WithFields(logrus.Fields{"failed": n, "checked": len(ids)}).Info("Expired overdue contracts")
	}
	return n, errors.Join(errs...)
}

// RelayOnce drains the outbox until a batch comes back short.
func (s *Sweeper) RelayOnce(ctx context.Context) (int, error) {
	if s.relay == nil {
		return 0, nil
	}
	var total int
	for {
		n, err := s.relay.RelayOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 || ctx.Err() != nil {
			return total, nil
		}
	}
}

// Run schedules both jobs and blocks until ctx is cancelled. A job still
// running when its next tick fires is not started twice.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if err := c.AddFunc(s.config.SweepSchedule, func() {
		s.guard(&s.sweeping, "sweep", func() error {
			_, err := s.SweepOnce(ctx)
			return err
		})
	}); err != nil {
		return fmt.Errorf("sweeper: bad sweep schedule %q: %w", s.config.SweepSchedule, err)
	}
	if s.relay != nil {
		if err := c.AddFunc(s.config.OutboxSchedule, func() {
			s.guard(&s.relaying, "relay", func() error {
				_, err := s.RelayOnce(ctx)
				return err
			})
		}); err != nil {
			return fmt.Errorf("sweeper: bad outbox schedule %q: %w", s.config.OutboxSchedule, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"sweep":  s.config.SweepSchedule,
		"outbox": s.config.OutboxSchedule,
	}).Info("Scheduler started")
	c.Start()
	<-ctx.Done()
	c.Stop()
	s.log.Info("Scheduler stopped")
	return nil
}

func (s *Sweeper) guard(running *atomic.Bool, job string, f func() error) {
	if !running.CompareAndSwap(false, true) {
		s.log.WithField("job", job).Debug("Previous run still in progress, skipping")
		return
	}
	defer running.Store(false)
	if err := f(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).WithField("job", job).Error("Scheduled job failed")
	}
}

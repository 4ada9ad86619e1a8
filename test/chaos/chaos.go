package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"commitflow/outbox"
)

// TerminateRandomBackend now and then kills a backend connection of the test
// database so in-flight transactions abort.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

var ErrInjected = errors.New("chaos: injected publish failure")

// FlakyPublisher fails one publish in every FailEvery, forcing relay retries.
type FlakyPublisher struct {
	Next      outbox.Publisher
	FailEvery int
}

func (p FlakyPublisher) Publish(ctx context.Context, msg outbox.Message) error {
	if p.FailEvery > 0 && rand.Intn(p.FailEvery) == 0 {
		return ErrInjected
	}
	return p.Next.Publish(ctx, msg)
}

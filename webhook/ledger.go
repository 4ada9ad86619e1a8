package webhook

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"commitflow/apperr"
	"commitflow/db"
)

// Ledger remembers which provider event ids were already applied.
type Ledger interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

type PGLedger struct {
	pool db.Querier
}

func NewLedger(pool db.Querier) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Processed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := l.pool.QueryRow(ctx, `SELECT processed_at IS NOT NULL FROM webhook_events WHERE event_id = $1`, eventID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Persistence("webhook: lookup event", err)
	}
	return processed, nil
}

func (l *PGLedger) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO webhook_events (event_id, event_type, processed_at)
VALUES ($1, $2, now())
ON CONFLICT (event_id) DO UPDATE SET processed_at = COALESCE(webhook_events.processed_at, EXCLUDED.processed_at)`,
		eventID, eventType)
	if err != nil {
		return apperr.Persistence("webhook: record event", err)
	}
	return nil
}

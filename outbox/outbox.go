// Package outbox implements the transactional outbox: messages are written in
// the transaction that changes state and relayed to a publisher afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"commitflow/apperr"
	"commitflow/db"
	"commitflow/logger"
	"commitflow/metrics"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        int64
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Publisher delivers relayed messages to whatever consumes notifications.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Writer enqueues messages. It has no state, the caller's transaction is the unit of work.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := q.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return apperr.Persistence("outbox: insert message", err)
	}
	return nil
}

// Relay moves pending messages to the publisher. Rows are claimed with
// SKIP LOCKED so several relays can run side by side.
type Relay struct {
	pool        db.TxBeginner
	publisher   Publisher
	batchSize   int
	maxAttempts int
	log         *logrus.Entry
}

func NewRelay(pool db.TxBeginner, publisher Publisher, batchSize, maxAttempts int) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Relay{
		pool:        pool,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		log:         logger.NewSublogger("outbox"),
	}
}

// RelayOnce publishes one batch and returns how many messages were delivered.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Persistence("outbox: begin tx", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT $1`, r.batchSize)
	if err != nil {
		return 0, apperr.Persistence("outbox: claim batch", err)
	}

	batch := make([]Message, 0, r.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, apperr.Persistence("outbox: scan message", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Persistence("outbox: claim batch", err)
	}

	var delivered int
	for _, m := range batch {
		if err := r.publisher.Publish(ctx, m); err != nil {
			status := StatusPending
			if m.Attempts+1 >= r.maxAttempts {
				status = StatusDead
			}
			if _, err := tx.Exec(ctx, `
UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), last_error = $2, status = $3
WHERE id = $1`, m.ID, err.Error(), status); err != nil {
				return delivered, apperr.Persistence("outbox: record failure", err)
			}
			r.log.WithError(err).WithFields(logrus.Fields{"id": m.ID, "topic": m.Topic, "status": status}).Warn("Failed to publish message")
			metrics.OutboxRelayed.WithLabelValues(m.Topic, "failed").Inc()
			continue
		}

		if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now(), processed_at = now()
WHERE id = $1`, m.ID); err != nil {
			return delivered, apperr.Persistence("outbox: mark processed", err)
		}
		metrics.OutboxRelayed.WithLabelValues(m.Topic, "processed").Inc()
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Persistence("outbox: commit batch", err)
	}
	return delivered, nil
}

// LogPublisher writes notifications to the log. It stands in for an email or
// push integration.
type LogPublisher struct {
	log *logrus.Entry
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.NewSublogger("notifications")}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("outbox: decode payload of %d: %w", msg.ID, err)
	}
	p.log.WithFields(logrus.Fields{
		"id":      msg.ID,
		"topic":   msg.Topic,
		"payload": payload,
	}).Info("Notification")
	return nil
}

package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"commitflow/apperr"
	"commitflow/db"
)

// Repository is the persistence capability used by the lifecycle service.
// Reads scoped by owner treat a foreign contract exactly like a missing one.
type Repository interface {
	Create(ctx context.Context, q db.Querier, ownerID string, params CreateParams, status Status) (Contract, error)
	List(ctx context.Context, ownerID string) ([]Contract, error)
	Get(ctx context.Context, id, ownerID string) (Contract, error)
	Find(ctx context.Context, id string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	Update(ctx context.Context, q db.Querier, id string, patch Patch) (Contract, error)
	Remove(ctx context.Context, q db.Querier, id string) error
	UpdateStatus(ctx context.Context, q db.Querier, upd StatusUpdate) (Contract, error)
	SetDocumentURL(ctx context.Context, q db.Querier, id, url string) error
	HasPayments(ctx context.Context, q db.Querier, id string, completedOnly bool) (bool, error)
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, q db.Querier, ev Event) error
	Events(ctx context.Context, id string) ([]Event, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const contractColumns = `id::text, owner_id::text, title, COALESCE(description, ''), amount::text,
	start_date, end_date, status, evidence_required, evidence_url, document_url,
	stake_payment_id::text, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, q db.Querier, ownerID string, params CreateParams, status Status) (Contract, error) {
	insertSQL := `
INSERT INTO contracts (owner_id, title, description, amount, start_date, end_date, status, evidence_required)
VALUES ($1, $2, NULLIF($3, ''), $4::numeric, $5, $6, $7, $8)
RETURNING ` + contractColumns

	c, err := scanContract(q.QueryRow(ctx, insertSQL,
		ownerID,
		params.Title,
		params.Description,
		params.Amount.String(),
		params.StartDate,
		params.EndDate,
		status,
		params.EvidenceRequired,
	))
	if err != nil {
		return Contract{}, apperr.Persistence("contract: insert", err)
	}
	return c, nil
}

func (r *PGRepository) List(ctx context.Context, ownerID string) ([]Contract, error) {
	listSQL := `SELECT ` + contractColumns + ` FROM contracts WHERE owner_id = $1 ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, listSQL, ownerID)
	if err != nil {
		return nil, apperr.Persistence("contract: list", err)
	}
	defer rows.Close()

	contracts := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, apperr.Persistence("contract: scan", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("contract: list", err)
	}
	return contracts, nil
}

func (r *PGRepository) Get(ctx context.Context, id, ownerID string) (Contract, error) {
	selectSQL := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 AND owner_id = $2`
	return r.one(r.pool.QueryRow(ctx, selectSQL, id, ownerID), "contract: get")
}

func (r *PGRepository) Find(ctx context.Context, id string) (Contract, error) {
	selectSQL := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	return r.one(r.pool.QueryRow(ctx, selectSQL, id), "contract: find")
}

// GetForUpdate locks the row until tx ends so concurrent transitions serialize.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	selectSQL := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 FOR UPDATE`
	return r.one(tx.QueryRow(ctx, selectSQL, id), "contract: lock")
}

func (r *PGRepository) Update(ctx context.Context, q db.Querier, id string, patch Patch) (Contract, error) {
	var amount *string
	if patch.Amount != nil {
		s := patch.Amount.String()
		amount = &s
	}

	updateSQL := `
UPDATE contracts
SET title = COALESCE($2, title),
    description = COALESCE($3, description),
    amount = COALESCE($4::numeric, amount),
    start_date = COALESCE($5, start_date),
    end_date = COALESCE($6, end_date),
    updated_at = now()
WHERE id = $1
RETURNING ` + contractColumns

	return r.one(q.QueryRow(ctx, updateSQL, id, patch.Title, patch.Description, amount, patch.StartDate, patch.EndDate), "contract: update")
}

func (r *PGRepository) Remove(ctx context.Context, q db.Querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return apperr.Persistence("contract: delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus applies the transition only if the row is still in upd.From.
// ErrStaleStatus means another writer got there first or a payment guard failed.
func (r *PGRepository) UpdateStatus(ctx context.Context, q db.Querier, upd StatusUpdate) (Contract, error) {
	updateSQL := `
UPDATE contracts
SET status = $3,
    evidence_url = COALESCE($4, evidence_url),
    stake_payment_id = COALESCE($5::uuid, stake_payment_id),
    updated_at = now()
WHERE id = $1
  AND status = $2
  AND (NOT $6 OR EXISTS (
        SELECT 1 FROM payments p
        WHERE p.contract_id = contracts.id
          AND p.status = 'COMPLETED'
          AND ($5::uuid IS NULL OR p.id = $5::uuid)))
  AND (NOT $7 OR NOT EXISTS (
        SELECT 1 FROM payments p
        WHERE p.contract_id = contracts.id AND p.status = 'COMPLETED'))
RETURNING ` + contractColumns

	c, err := scanContract(q.QueryRow(ctx, updateSQL,
		upd.ID,
		upd.From,
		upd.To,
		upd.EvidenceURL,
		upd.StakePaymentID,
		upd.RequireCompletedPayment,
		upd.RequireNoCompletedPayment,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrStaleStatus
		}
		return Contract{}, apperr.Persistence("contract: update status", err)
	}
	return c, nil
}

func (r *PGRepository) SetDocumentURL(ctx context.Context, q db.Querier, id, url string) error {
	tag, err := q.Exec(ctx, `UPDATE contracts SET document_url = $2, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return apperr.Persistence("contract: set document", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) HasPayments(ctx context.Context, q db.Querier, id string, completedOnly bool) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM payments
    WHERE contract_id = $1 AND (NOT $2 OR status = 'COMPLETED'))`, id, completedOnly).Scan(&exists)
	if err != nil {
		return false, apperr.Persistence("contract: check payments", err)
	}
	return exists, nil
}

// ListOverdue returns active contracts whose end date is before cutoff, oldest first.
func (r *PGRepository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id::text FROM contracts
WHERE status = 'ACTIVE' AND end_date < $1
ORDER BY end_date
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, apperr.Persistence("contract: list overdue", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Persistence("contract: scan overdue", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("contract: list overdue", err)
	}
	return ids, nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, q db.Querier, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO contract_events (contract_id, type, from_status, to_status, actor_id, payload)
VALUES ($1, $2, $3, $4, $5::uuid, $6)`

	if _, err := q.Exec(ctx, insertSQL, ev.ContractID, ev.Type, ev.FromStatus, ev.ToStatus, ev.ActorID, payloadBytes); err != nil {
		return apperr.Persistence("contract: insert event", err)
	}
	return nil
}

func (r *PGRepository) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, contract_id::text, type, from_status, to_status, actor_id::text, payload, created_at
FROM contract_events
WHERE contract_id = $1
ORDER BY id`, id)
	if err != nil {
		return nil, apperr.Persistence("contract: list events", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev      Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ContractID, &ev.Type, &ev.FromStatus, &ev.ToStatus, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, apperr.Persistence("contract: scan event", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("contract: decode event payload: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("contract: list events", err)
	}
	return events, nil
}

func (r *PGRepository) one(row pgx.Row, op string) (Contract, error) {
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, apperr.Persistence(op, err)
	}
	return c, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c      Contract
		amount string
	)
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Title,
		&c.Description,
		&amount,
		&c.StartDate,
		&c.EndDate,
		&c.Status,
		&c.EvidenceRequired,
		&c.EvidenceURL,
		&c.DocumentURL,
		&c.StakePaymentID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}

	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: parse amount %q: %w", amount, err)
	}
	return c, nil
}

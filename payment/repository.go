package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"commitflow/apperr"
	"commitflow/db"
)

// Repository persists payments. Status and refund writes are conditional so
// concurrent webhook deliveries cannot both apply.
type Repository interface {
	Insert(ctx context.Context, q db.Querier, p Payment) (Payment, error)
	Get(ctx context.Context, q db.Querier, id string) (Payment, error)
	GetByProviderID(ctx context.Context, q db.Querier, providerPaymentID string) (Payment, error)
	GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerPaymentID string) (Payment, error)
	GetByRefundID(ctx context.Context, q db.Querier, refundID string) (Payment, error)
	ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Payment, error)
	UpdateStatus(ctx context.Context, q db.Querier, id string, from []Status, to Status) (Payment, error)
	ClaimRefund(ctx context.Context, q db.Querier, id string, staleBefore time.Time) (bool, error)
	ReleaseRefund(ctx context.Context, q db.Querier, id string) error
	RecordRefund(ctx context.Context, q db.Querier, id, refundID, status string) (Payment, error)
	UpdateRefundStatus(ctx context.Context, q db.Querier, refundID, status string) (Payment, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const paymentColumns = `id::text, contract_id::text, amount::text, currency, status,
	provider_payment_id, refund_id, refund_status, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, p Payment) (Payment, error) {
	insertSQL := `
INSERT INTO payments (id, contract_id, amount, currency, status, provider_payment_id)
VALUES ($1, $2, $3::numeric, $4, $5, $6)
RETURNING ` + paymentColumns

	saved, err := scanPayment(q.QueryRow(ctx, insertSQL,
		p.ID,
		p.ContractID,
		p.Amount.String(),
		p.Currency,
		p.Status,
		p.ProviderPaymentID,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Payment{}, fmt.Errorf("payment: provider payment %s already recorded: %w", p.ProviderPaymentID, apperr.ErrConflict)
		}
		return Payment{}, apperr.Persistence("payment: insert", err)
	}
	return saved, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Payment, error) {
	return one(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id), "payment: get")
}

func (r *PGRepository) GetByProviderID(ctx context.Context, q db.Querier, providerPaymentID string) (Payment, error) {
	selectSQL := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_id = $1`
	return one(q.QueryRow(ctx, selectSQL, providerPaymentID), "payment: get by provider id")
}

func (r *PGRepository) GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerPaymentID string) (Payment, error) {
	selectSQL := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_id = $1 FOR UPDATE`
	return one(tx.QueryRow(ctx, selectSQL, providerPaymentID), "payment: lock")
}

func (r *PGRepository) GetByRefundID(ctx context.Context, q db.Querier, refundID string) (Payment, error) {
	selectSQL := `SELECT ` + paymentColumns + ` FROM payments WHERE refund_id = $1`
	return one(q.QueryRow(ctx, selectSQL, refundID), "payment: get by refund id")
}

// ListByContract returns every payment attempt of a contract, oldest first.
func (r *PGRepository) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE contract_id = $1 ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, apperr.Persistence("payment: list", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, apperr.Persistence("payment: scan", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("payment: list", err)
	}
	return payments, nil
}

// UpdateStatus moves the payment to `to` only while it is in one of `from`.
func (r *PGRepository) UpdateStatus(ctx context.Context, q db.Querier, id string, from []Status, to Status) (Payment, error) {
	prior := make([]string, len(from))
	for i, s := range from {
		prior[i] = string(s)
	}

	updateSQL := `
UPDATE payments SET status = $2, updated_at = now()
WHERE id = $1 AND status = ANY($3)
RETURNING ` + paymentColumns

	p, err := scanPayment(q.QueryRow(ctx, updateSQL, id, to, prior))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrStaleStatus
		}
		return Payment{}, apperr.Persistence("payment: update status", err)
	}
	return p, nil
}

// ClaimRefund marks a completed, unrefunded payment as being refunded. A claim
// left behind by a crashed caller can be taken over once older than staleBefore.
func (r *PGRepository) ClaimRefund(ctx context.Context, q db.Querier, id string, staleBefore time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
UPDATE payments SET refund_status = 'PROCESSING', updated_at = now()
WHERE id = $1
  AND status = 'COMPLETED'
  AND refund_id IS NULL
  AND (refund_status IS NULL OR updated_at < $2)`, id, staleBefore)
	if err != nil {
		return false, apperr.Persistence("payment: claim refund", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ReleaseRefund(ctx context.Context, q db.Querier, id string) error {
	_, err := q.Exec(ctx, `
UPDATE payments SET refund_status = NULL, updated_at = now()
WHERE id = $1 AND refund_id IS NULL`, id)
	if err != nil {
		return apperr.Persistence("payment: release refund", err)
	}
	return nil
}

func (r *PGRepository) RecordRefund(ctx context.Context, q db.Querier, id, refundID, status string) (Payment, error) {
	updateSQL := `
UPDATE payments SET refund_id = $2, refund_status = ` + keepSettledRefund("$3") + `, updated_at = now()
WHERE id = $1 AND (refund_id IS NULL OR refund_id = $2)
RETURNING ` + paymentColumns

	p, err := scanPayment(q.QueryRow(ctx, updateSQL, id, refundID, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrAlreadyRefunded
		}
		return Payment{}, apperr.Persistence("payment: record refund", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateRefundStatus(ctx context.Context, q db.Querier, refundID, status string) (Payment, error) {
	updateSQL := `
UPDATE payments SET refund_status = ` + keepSettledRefund("$2") + `, updated_at = now()
WHERE refund_id = $1
RETURNING ` + paymentColumns
	return one(q.QueryRow(ctx, updateSQL, refundID, status), "payment: update refund status")
}

// keepSettledRefund is the refund_status assignment for next. A late
// PROCESSING write never replaces a final verdict already on the row.
func keepSettledRefund(next string) string {
	return `CASE WHEN refund_status IN ('` + RefundCompleted + `', '` + RefundFailed + `') AND ` + next + `::text = '` + RefundProcessing + `'
		THEN refund_status ELSE ` + next + `::text END`
}

func one(row pgx.Row, op string) (Payment, error) {
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, apperr.Persistence(op, err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		amount string
	)
	err := row.Scan(
		&p.ID,
		&p.ContractID,
		&amount,
		&p.Currency,
		&p.Status,
		&p.ProviderPaymentID,
		&p.RefundID,
		&p.RefundStatus,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Payment{}, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: parse amount %q: %w", amount, err)
	}
	return p, nil
}

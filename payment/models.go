package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"commitflow/apperr"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Refund statuses stored on a payment. The provider may report others, those
// are kept verbatim.
const (
	RefundProcessing = "PROCESSING"
	RefundCompleted  = "COMPLETED"
	RefundFailed     = "FAILED"
)

// Payment is one attempt to collect a contract's stake.
type Payment struct {
	ID                string
	ContractID        string
	Amount            decimal.Decimal
	Currency          string
	Status            Status
	ProviderPaymentID string
	RefundID          *string
	RefundStatus      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Refunded reports whether a provider refund has been recorded.
func (p Payment) Refunded() bool {
	return p.RefundID != nil
}

type IntentRequest struct {
	ContractID string
	// OwnerID, when set, restricts the request to the owner's contracts.
	OwnerID  string
	Amount   decimal.Decimal
	Metadata map[string]string
}

type IntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	PaymentID       string
}

var (
	ErrPaymentNotFound    = fmt.Errorf("payment: payment not found: %w", apperr.ErrNotFound)
	ErrAlreadyRefunded    = fmt.Errorf("payment: already refunded: %w", apperr.ErrAlreadyRefunded)
	ErrNotRefundable      = fmt.Errorf("payment: no completed payment to refund: %w", apperr.ErrConflict)
	ErrContractNotPayable = fmt.Errorf("payment: contract does not accept payments: %w", apperr.ErrConflict)
	ErrStaleStatus        = fmt.Errorf("payment: status changed concurrently: %w", apperr.ErrConflict)
)

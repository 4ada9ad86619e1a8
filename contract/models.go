package contract

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// Contract mirrors the contracts table. Field names are canonical, request
// aliases such as stakeAmount or deadline are translated by the API layer.
type Contract struct {
	ID               string
	OwnerID          string
	Title            string
	Description      string
	Amount           decimal.Decimal
	StartDate        time.Time
	EndDate          time.Time
	Status           Status
	EvidenceRequired bool
	EvidenceURL      *string
	DocumentURL      *string
	// StakePaymentID is the payment whose success activated the contract.
	StakePaymentID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams are the user supplied fields of a new contract.
type CreateParams struct {
	Title            string
	Description      string
	Amount           decimal.Decimal
	StartDate        time.Time
	EndDate          time.Time
	EvidenceRequired bool
}

// Patch holds the optional fields of an update. Nil means unchanged.
type Patch struct {
	Title       *string
	Description *string
	Amount      *decimal.Decimal
	StartDate   *time.Time
	EndDate     *time.Time
}

// StatusUpdate is a compare-and-swap on the status column. The row only
// changes when it is still in From and the payment guards hold.
type StatusUpdate struct {
	ID                        string
	From                      Status
	To                        Status
	EvidenceURL               *string
	StakePaymentID            *string
	RequireCompletedPayment   bool
	RequireNoCompletedPayment bool
}

// Event is an immutable entry of a contract's timeline.
type Event struct {
	ID         int64
	ContractID string
	Type       string
	FromStatus *Status
	ToStatus   *Status
	ActorID    *string
	Payload    map[string]any
	CreatedAt  time.Time
}

// EvidenceUpload is a user submitted proof of completion.
type EvidenceUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Refund reports the refund issued when a contract completes.
type Refund struct {
	PaymentID string
	RefundID  string
	Status    string
}

// Completion is the result of a successful completion request.
type Completion struct {
	Contract Contract
	Refund   *Refund
}

// Activation tells the payment side what a successful payment did to the contract.
type Activation struct {
	Activated bool
	// Stray is set when the payment did not fund the contract and its stake
	// must be returned, e.g. the contract was cancelled first.
	Stray  bool
	Status Status
}

const (
	EventCreated       = "CONTRACT_CREATED"
	EventUpdated       = "CONTRACT_UPDATED"
	EventStatusChanged = "CONTRACT_STATUS_CHANGED"
	EventDocument      = "CONTRACT_DOCUMENT_STORED"
)

const (
	TopicActivated = "contract.activated"
	TopicCompleted = "contract.completed"
	TopicFailed    = "contract.failed"
	TopicCancelled = "contract.cancelled"
)

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commitflow/contract"
	"commitflow/money"
	"commitflow/payment"
	"commitflow/provider"
)

const dateOnly = "2006-01-02"

// date accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("date must be a string")
	}
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		d.Time = t.UTC()
		return nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return fmt.Errorf("date %q must be RFC 3339 or YYYY-MM-DD", raw)
	}
	d.Time = t
	return nil
}

// contractRequest is the client form of a contract. stakeAmount and deadline
// are older names for amount and endDate.
type contractRequest struct {
	Title            *string          `json:"title"`
	Description      *string          `json:"description"`
	Amount           *decimal.Decimal `json:"amount"`
	StakeAmount      *decimal.Decimal `json:"stakeAmount"`
	StartDate        *date            `json:"startDate"`
	EndDate          *date            `json:"endDate"`
	Deadline         *date            `json:"deadline"`
	EvidenceRequired *bool            `json:"evidenceRequired"`
}

func (r contractRequest) amount() *decimal.Decimal {
	if r.Amount != nil {
		return r.Amount
	}
	return r.StakeAmount
}

func (r contractRequest) endDate() *time.Time {
	switch {
	case r.EndDate != nil && !r.EndDate.IsZero():
		return &r.EndDate.Time
	case r.Deadline != nil && !r.Deadline.IsZero():
		return &r.Deadline.Time
	}
	return nil
}

func (r contractRequest) startDate() *time.Time {
	if r.StartDate != nil && !r.StartDate.IsZero() {
		return &r.StartDate.Time
	}
	return nil
}

func (r contractRequest) patch() contract.Patch {
	p := contract.Patch{
		Title:       r.Title,
		Description: r.Description,
		StartDate:   r.startDate(),
		EndDate:     r.endDate(),
	}
	if a := r.amount(); a != nil {
		rounded := a.Round(2)
		p.Amount = &rounded
	}
	return p
}

// savePDFRequest wraps the form state the way the web client sends it.
type savePDFRequest struct {
	ContractData *contractRequest `json:"contractData"`
	contractRequest
}

func (r savePDFRequest) form() contractRequest {
	if r.ContractData != nil {
		return *r.ContractData
	}
	return r.contractRequest
}

type contractResponse struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Amount           string    `json:"amount"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	Status           string    `json:"status"`
	EvidenceRequired bool      `json:"evidenceRequired"`
	EvidenceURL      *string   `json:"evidenceUrl"`
	DocumentURL      *string   `json:"documentUrl"`
	StakePaymentID   *string   `json:"stakePaymentId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func toContractResponse(c contract.Contract) contractResponse {
	return contractResponse{
		ID:               c.ID,
		Title:            c.Title,
		Description:      c.Description,
		Amount:           money.Format(c.Amount),
		StartDate:        c.StartDate.UTC(),
		EndDate:          c.EndDate.UTC(),
		Status:           string(c.Status),
		EvidenceRequired: c.EvidenceRequired,
		EvidenceURL:      c.EvidenceURL,
		DocumentURL:      c.DocumentURL,
		StakePaymentID:   c.StakePaymentID,
		CreatedAt:        c.CreatedAt.UTC(),
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
}

type refundResponse struct {
	PaymentID string `json:"paymentId"`
	RefundID  string `json:"refundId"`
	Status    string `json:"status"`
}

type completionResponse struct {
	Contract contractResponse `json:"contract"`
	Refund   *refundResponse  `json:"refund,omitempty"`
}

func toCompletionResponse(c contract.Completion) completionResponse {
	resp := completionResponse{Contract: toContractResponse(c.Contract)}
	if c.Refund != nil {
		resp.Refund = &refundResponse{PaymentID: c.Refund.PaymentID, RefundID: c.Refund.RefundID, Status: c.Refund.Status}
	}
	return resp
}

type eventResponse struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	FromStatus *string        `json:"fromStatus,omitempty"`
	ToStatus   *string        `json:"toStatus,omitempty"`
	ActorID    *string        `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func toEventResponse(ev contract.Event) eventResponse {
	resp := eventResponse{
		ID:        ev.ID,
		Type:      ev.Type,
		ActorID:   ev.ActorID,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC(),
	}
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		resp.FromStatus = &s
	}
	if ev.ToStatus != nil {
		s := string(*ev.ToStatus)
		resp.ToStatus = &s
	}
	return resp
}

type paymentRequest struct {
	ContractID string           `json:"contractId"`
	Amount     *decimal.Decimal `json:"amount"`
	Metadata   map[string]any   `json:"metadata"`
}

func (r paymentRequest) metadata() map[string]string {
	out := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		switch v := v.(type) {
		case string:
			out[k] = v
		case nil:
		default:
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	return out
}

type paymentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	PaymentID       string `json:"paymentId"`
}

func toPaymentResponse(r payment.IntentResult) paymentResponse {
	return paymentResponse{ClientSecret: r.ClientSecret, PaymentIntentID: r.PaymentIntentID, PaymentID: r.PaymentID}
}

type intentResponse struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

func toIntentResponse(pi provider.PaymentIntent) intentResponse {
	return intentResponse{
		ID:       pi.ID,
		Status:   pi.Status,
		Amount:   money.Format(money.FromMinorUnits(pi.Amount)),
		Currency: pi.Currency,
		Metadata: pi.Metadata,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

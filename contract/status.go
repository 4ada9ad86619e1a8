package contract

import (
	"fmt"
	"time"

	"commitflow/apperr"
)

type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusActive         Status = "ACTIVE"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

var (
	ErrNotFound          = fmt.Errorf("contract: %w", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("contract: invalid status transition: %w", apperr.ErrConflict)
	ErrStaleStatus       = fmt.Errorf("contract: status changed concurrently: %w", apperr.ErrConflict)
	ErrEvidenceRequired  = fmt.Errorf("contract: verified evidence is required before completion: %w", apperr.ErrConflict)
	ErrTooEarly          = fmt.Errorf("contract: cannot be completed before its end date: %w", apperr.ErrConflict)
	ErrDeadlinePassed    = fmt.Errorf("contract: completion window has closed: %w", apperr.ErrConflict)
	ErrStakeCaptured     = fmt.Errorf("contract: stake has already been collected: %w", apperr.ErrConflict)
	ErrHasPayments       = fmt.Errorf("contract: contracts with payments cannot be removed: %w", apperr.ErrConflict)
	ErrNotEditable       = fmt.Errorf("contract: only drafts can be edited: %w", apperr.ErrConflict)
)

var transitions = map[Status][]Status{
	StatusDraft:          {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment: {StatusActive, StatusCancelled},
	StatusActive:         {StatusCompleted, StatusFailed},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingPayment, StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) topic() string {
	switch s {
	case StatusActive:
		return TopicActivated
	case StatusCompleted:
		return TopicCompleted
	case StatusFailed:
		return TopicFailed
	case StatusCancelled:
		return TopicCancelled
	}
	return ""
}

// Overdue reports whether an active contract has passed the last moment it
// could still be completed.
func (c Contract) Overdue(now time.Time, grace time.Duration) bool {
	return c.Status == StatusActive && now.After(c.EndDate.Add(grace))
}

// completionGuard checks everything except the current status. Evidence only
// lifts the end date for contracts that require it.
func (c Contract) completionGuard(now time.Time, withEvidence bool) error {
	if c.EvidenceRequired {
		if c.EvidenceURL == nil && !withEvidence {
			return ErrEvidenceRequired
		}
		return nil
	}
	if now.Before(c.EndDate) {
		return ErrTooEarly
	}
	return nil
}

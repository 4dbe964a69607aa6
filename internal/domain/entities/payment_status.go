package entities

import "fmt"

// PaymentStatus represents the settlement state of an order's payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// ValidPaymentStatuses contains all valid payment statuses
var ValidPaymentStatuses = map[PaymentStatus]bool{
	PaymentStatusPending:   true,
	PaymentStatusCompleted: true,
	PaymentStatusFailed:    true,
	PaymentStatusRefunded:  true,
}

// ValidPaymentTransitions defines allowed status transitions.
// COMPLETED never regresses to PENDING or FAILED; a FAILED (underpaid)
// order may still complete through a later top-up payment.
var ValidPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusFailed:    {PaymentStatusCompleted, PaymentStatusRefunded},
	PaymentStatusCompleted: {PaymentStatusRefunded},
	PaymentStatusRefunded:  {}, // Terminal state
}

// IsValid checks if the status is a valid payment status
func (s PaymentStatus) IsValid() bool {
	return ValidPaymentStatuses[s]
}

// CanTransitionTo checks if transition to new status is allowed
func (s PaymentStatus) CanTransitionTo(newStatus PaymentStatus) bool {
	allowed, exists := ValidPaymentTransitions[s]
	if !exists {
		return false
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusRefunded
}

// ValidateTransition validates and returns error if transition is invalid
func (s PaymentStatus) ValidateTransition(newStatus PaymentStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid payment status: %s", newStatus)
	}
	if !s.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid payment status transition from %s to %s", s, newStatus)
	}
	return nil
}

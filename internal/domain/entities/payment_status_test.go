package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    PaymentStatus
		to      PaymentStatus
		allowed bool
	}{
		{"pending to completed", PaymentStatusPending, PaymentStatusCompleted, true},
		{"pending to failed", PaymentStatusPending, PaymentStatusFailed, true},
		{"pending to refunded", PaymentStatusPending, PaymentStatusRefunded, false},
		{"failed to completed via top-up", PaymentStatusFailed, PaymentStatusCompleted, true},
		{"failed to refunded", PaymentStatusFailed, PaymentStatusRefunded, true},
		{"completed to refunded", PaymentStatusCompleted, PaymentStatusRefunded, true},
		{"completed never regresses to pending", PaymentStatusCompleted, PaymentStatusPending, false},
		{"completed never regresses to failed", PaymentStatusCompleted, PaymentStatusFailed, false},
		{"refunded is terminal", PaymentStatusRefunded, PaymentStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
			err := tt.from.ValidateTransition(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPaymentStatusIsTerminal(t *testing.T) {
	assert.True(t, PaymentStatusRefunded.IsTerminal())
	assert.False(t, PaymentStatusCompleted.IsTerminal())
	assert.False(t, PaymentStatusFailed.IsTerminal())
	assert.False(t, PaymentStatusPending.IsTerminal())
}

func TestPaymentStatusIsValid(t *testing.T) {
	assert.True(t, PaymentStatusPending.IsValid())
	assert.False(t, PaymentStatus("SETTLED").IsValid())
}

package entities

import "time"

// AlertType names a terminal condition surfaced to operators
type AlertType string

const (
	AlertTransactionFailed  AlertType = "TRANSACTION_FAILED"
	AlertTransactionTimeout AlertType = "TRANSACTION_TIMEOUT"
	AlertBreakerOpen        AlertType = "BREAKER_OPEN"
	AlertOrphanedPayment    AlertType = "ORPHANED_PAYMENT"
	AlertRetryExhausted     AlertType = "RETRY_EXHAUSTED"
)

// Alert is a structured notification for the alerting collaborator.
// This service only emits alerts; delivery is owned by the sinks.
type Alert struct {
	Type      AlertType
	Message   string
	Fields    map[string]string
	CreatedAt time.Time
}

// NewAlert builds an alert stamped with the current time
func NewAlert(alertType AlertType, message string, fields map[string]string) Alert {
	if fields == nil {
		fields = make(map[string]string)
	}
	return Alert{
		Type:      alertType,
		Message:   message,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
}

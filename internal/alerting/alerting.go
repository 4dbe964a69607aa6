package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// Sink delivers a single alert. Implementations must not block the
// caller for long; the dispatcher already bounds delivery time.
type Sink interface {
	Send(ctx context.Context, alert entities.Alert) error
}

// Dispatcher fans an alert out to every configured sink. Delivery
// failures are logged and never propagate to the emitting component.
type Dispatcher struct {
	sinks  []Sink
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher over the given sinks
func NewDispatcher(logger *logger.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Emit delivers the alert to all sinks with a bounded deadline
func (d *Dispatcher) Emit(ctx context.Context, alert entities.Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, sink := range d.sinks {
		if err := sink.Send(sendCtx, alert); err != nil {
			d.logger.Error("Alert delivery failed",
				"alert_type", string(alert.Type),
				"error", err,
			)
		}
	}
}

// LogSink writes alerts to the service log
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *logger.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send logs the alert at warn level
func (s *LogSink) Send(_ context.Context, alert entities.Alert) error {
	kv := []interface{}{"alert_type", string(alert.Type), "message", alert.Message}
	for k, v := range alert.Fields {
		kv = append(kv, k, v)
	}
	s.logger.Warn("ALERT", kv...)
	return nil
}

// EmailSinkConfig holds email alert delivery configuration
type EmailSinkConfig struct {
	APIKey    string
	FromEmail string
	ToEmail   string
}

// EmailSink delivers alerts by email through SendGrid
type EmailSink struct {
	client *sendgrid.Client
	config EmailSinkConfig
}

// NewEmailSink creates a SendGrid-backed sink
func NewEmailSink(config EmailSinkConfig) (*EmailSink, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if strings.TrimSpace(config.ToEmail) == "" {
		return nil, fmt.Errorf("alert recipient email is required")
	}
	return &EmailSink{
		client: sendgrid.NewSendClient(config.APIKey),
		config: config,
	}, nil
}

// Send delivers the alert as a plain-text email
func (s *EmailSink) Send(ctx context.Context, alert entities.Alert) error {
	from := mail.NewEmail("Settlement Service", s.config.FromEmail)
	to := mail.NewEmail("", s.config.ToEmail)
	subject := fmt.Sprintf("[settlement] %s", alert.Type)

	var body strings.Builder
	body.WriteString(alert.Message)
	body.WriteString("\n\n")

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\n", k, alert.Fields[k])
	}
	fmt.Fprintf(&body, "at: %s\n", alert.CreatedAt.Format(time.RFC3339))

	message := mail.NewSingleEmail(from, subject, to, body.String(), "")
	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send failed: status %d", resp.StatusCode)
	}
	return nil
}

// Package services provides external provider integrations and technical concerns like tokens and events
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/go-playground/validator/v10"
)

// ErrOperationUnsupported is wrapped by adapters that cannot serve a status or balance query
var ErrOperationUnsupported = errors.New("operation not supported by provider")

// AdapterErrorKind classifies provider failures
type AdapterErrorKind string

const (
	AdapterErrNotConfigured       AdapterErrorKind = "not_configured"
	AdapterErrAuthRejected        AdapterErrorKind = "auth_rejected"
	AdapterErrRecipientInvalid    AdapterErrorKind = "recipient_invalid"
	AdapterErrProviderUnavailable AdapterErrorKind = "provider_unavailable"
	AdapterErrUnknown             AdapterErrorKind = "unknown"
)

// AdapterError describes why a provider call failed
type AdapterError struct {
	Kind       AdapterErrorKind
	Channel    models.Channel
	StatusCode int
	Message    string
	Err        error
}

// NewAdapterError creates a new adapter error
func NewAdapterError(kind AdapterErrorKind, channel models.Channel, statusCode int, message string, err error) *AdapterError {
	return &AdapterError{
		Kind:       kind,
		Channel:    channel,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Channel, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// AsAdapterError extracts an AdapterError from err
func AsAdapterError(err error) (*AdapterError, bool) {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr, true
	}
	return nil, false
}

// AdapterConfig carries the credentials and limits of one provider. Each adapter
// validates only the fields it needs.
type AdapterConfig struct {
	BaseURL       string
	Username      string
	Password      string
	APIKey        string
	Session       string
	DeviceID      string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	RatePerSec    int
}

// TemplateInvocation names a pre-approved template for the official channel
type TemplateInvocation struct {
	Name     string
	Language string
}

// SendOptions are per-send parameters resolved from the account
type SendOptions struct {
	DeviceID    string
	AccountID   uint
	MessageUUID string
	Template    *TemplateInvocation
}

// StatusOptions carry what the original send used so the query reaches the same session
type StatusOptions struct {
	DeviceID string
}

// SendResult is the outcome of one send attempt
type SendResult struct {
	Success           bool
	ProviderMessageID string
	RawResponse       map[string]any
	Err               *AdapterError
}

// StatusResult is the outcome of a status query. CanonicalStatus uses the
// reconciliation vocabulary (sent, delivered, read, failed) or is empty when
// the provider reported nothing actionable.
type StatusResult struct {
	Success         bool
	CanonicalStatus string
	RawStatus       string
	SentAt          *time.Time
	DeliveredAt     *time.Time
	Err             *AdapterError
}

// BalanceResult is the outcome of a provider balance query
type BalanceResult struct {
	Success  bool
	Balance  float64
	Currency string
	Err      *AdapterError
}

// ProviderAdapter is implemented by every delivery transport
type ProviderAdapter interface {
	Channel() models.Channel
	Initialize(cfg AdapterConfig) error
	Send(ctx context.Context, address, body string, opts SendOptions) SendResult
	CheckStatus(ctx context.Context, providerMessageID string, opts StatusOptions) StatusResult
	CheckBalance(ctx context.Context) BalanceResult
}

var configValidator = validator.New()

// validateCredentials runs struct tag validation on a per-adapter credential view
func validateCredentials(channel models.Channel, creds any) error {
	if err := configValidator.Struct(creds); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return NewAdapterError(AdapterErrNotConfigured, channel, 0, "invalid configuration: "+strings.Join(fields, ", "), nil)
		}
		return NewAdapterError(AdapterErrNotConfigured, channel, 0, "invalid configuration", err)
	}
	return nil
}

func failedSend(err *AdapterError) SendResult {
	return SendResult{Success: false, Err: err}
}

// digitsOnly strips everything that is not an ASCII digit
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// SMSAdapter sends text messages through a device-backed SMS gateway
type SMSAdapter struct {
	mu        sync.RWMutex
	cfg       AdapterConfig
	transport *providerTransport
}

type smsCredentials struct {
	BaseURL  string `validate:"required,url"`
	Username string `validate:"required"`
	Password string `validate:"required"`
}

// smsSendRequest represents the request payload for the gateway message endpoint
type smsSendRequest struct {
	Message      string   `json:"message"`
	PhoneNumbers []string `json:"phoneNumbers"`
	DeviceID     string   `json:"deviceId,omitempty"`
}

type smsRecipientState struct {
	PhoneNumber string  `json:"phoneNumber"`
	State       string  `json:"state"`
	Error       *string `json:"error,omitempty"`
}

// smsMessageState is returned by both the send and the status endpoints
type smsMessageState struct {
	ID         string              `json:"id"`
	State      string              `json:"state"`
	Recipients []smsRecipientState `json:"recipients"`
	States     map[string]string   `json:"states,omitempty"` // state -> RFC3339 timestamp
}

type smsBalanceResponse struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// NewSMSAdapter creates an uninitialized SMS adapter
func NewSMSAdapter() *SMSAdapter {
	return &SMSAdapter{}
}

func (a *SMSAdapter) Channel() models.Channel {
	return models.ChannelSMS
}

// Initialize validates the gateway credentials; calling it again replaces them
func (a *SMSAdapter) Initialize(cfg AdapterConfig) error {
	if err := validateCredentials(models.ChannelSMS, smsCredentials{
		BaseURL:  cfg.BaseURL,
		Username: cfg.Username,
		Password: cfg.Password,
	}); err != nil {
		return err
	}

	username, password := cfg.Username, cfg.Password
	transport := newProviderTransport(models.ChannelSMS, cfg.Timeout, cfg.RatePerSec, func(req *http.Request) {
		req.SetBasicAuth(username, password)
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.transport = transport
	return nil
}

func (a *SMSAdapter) snapshot() (AdapterConfig, *providerTransport) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.transport
}

// Send submits one message to the gateway
func (a *SMSAdapter) Send(ctx context.Context, address, body string, opts SendOptions) SendResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return failedSend(notInitialized(models.ChannelSMS))
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = cfg.DeviceID
	}

	var resp smsMessageState
	raw, adapterErr := transport.doJSON(ctx, http.MethodPost, joinURL(cfg.BaseURL, "message"), smsSendRequest{
		Message:      body,
		PhoneNumbers: []string{address},
		DeviceID:     deviceID,
	}, &resp)
	if adapterErr != nil {
		return failedSend(adapterErr)
	}
	if resp.ID == "" {
		return failedSend(NewAdapterError(AdapterErrUnknown, models.ChannelSMS, 0, "gateway response has no message id", nil))
	}
	if strings.EqualFold(resp.State, "failed") {
		return failedSend(NewAdapterError(AdapterErrUnknown, models.ChannelSMS, 0, "gateway rejected message: "+recipientError(resp), nil))
	}

	metadata := rawResponse(raw)
	if deviceID != "" {
		metadata["deviceId"] = deviceID
	}
	return SendResult{
		Success:           true,
		ProviderMessageID: resp.ID,
		RawResponse:       metadata,
	}
}

// CheckStatus fetches the gateway state of a previously sent message
func (a *SMSAdapter) CheckStatus(ctx context.Context, providerMessageID string, opts StatusOptions) StatusResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return StatusResult{Err: notInitialized(models.ChannelSMS)}
	}

	var resp smsMessageState
	if _, adapterErr := transport.doJSON(ctx, http.MethodGet, joinURL(cfg.BaseURL, "message", url.PathEscape(providerMessageID)), nil, &resp); adapterErr != nil {
		return StatusResult{Err: adapterErr}
	}

	result := StatusResult{
		Success:         true,
		RawStatus:       resp.State,
		CanonicalStatus: canonicalSMSState(resp.State),
	}
	result.SentAt = parseStateTime(resp.States, "Sent")
	result.DeliveredAt = parseStateTime(resp.States, "Delivered")
	return result
}

// CheckBalance reads the remaining gateway credit
func (a *SMSAdapter) CheckBalance(ctx context.Context) BalanceResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return BalanceResult{Err: notInitialized(models.ChannelSMS)}
	}

	var resp smsBalanceResponse
	if _, adapterErr := transport.doJSON(ctx, http.MethodGet, joinURL(cfg.BaseURL, "balance"), nil, &resp); adapterErr != nil {
		return BalanceResult{Err: adapterErr}
	}
	return BalanceResult{Success: true, Balance: resp.Balance, Currency: resp.Currency}
}

// canonicalSMSState maps gateway states onto the reconciliation vocabulary
func canonicalSMSState(state string) string {
	switch strings.ToLower(state) {
	case "sent":
		return "sent"
	case "delivered":
		return "delivered"
	case "failed":
		return "failed"
	default:
		// pending and processed carry no new information
		return ""
	}
}

func parseStateTime(states map[string]string, key string) *time.Time {
	v, ok := states[key]
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func recipientError(resp smsMessageState) string {
	for _, r := range resp.Recipients {
		if r.Error != nil && *r.Error != "" {
			return *r.Error
		}
	}
	return resp.State
}

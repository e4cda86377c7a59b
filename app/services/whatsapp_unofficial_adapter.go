package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/amirphl/orochi-dispatch/models"
)

// WhatsappUnofficialAdapter sends free-form text through a session-based whatsapp bridge
type WhatsappUnofficialAdapter struct {
	mu        sync.RWMutex
	cfg       AdapterConfig
	transport *providerTransport
}

type whatsappUnofficialCredentials struct {
	BaseURL string `validate:"required,url"`
	APIKey  string `validate:"required"`
	Session string `validate:"required"`
}

type bridgeSendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type bridgeSendTextResponse struct {
	ID json.RawMessage `json:"id"`
}

type bridgeMessageResponse struct {
	ID  json.RawMessage `json:"id"`
	Ack *int            `json:"ack"`
}

// NewWhatsappUnofficialAdapter creates an uninitialized bridge adapter
func NewWhatsappUnofficialAdapter() *WhatsappUnofficialAdapter {
	return &WhatsappUnofficialAdapter{}
}

func (a *WhatsappUnofficialAdapter) Channel() models.Channel {
	return models.ChannelWhatsappUnofficial
}

func (a *WhatsappUnofficialAdapter) Initialize(cfg AdapterConfig) error {
	if err := validateCredentials(models.ChannelWhatsappUnofficial, whatsappUnofficialCredentials{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Session: cfg.Session,
	}); err != nil {
		return err
	}

	apiKey := cfg.APIKey
	transport := newProviderTransport(models.ChannelWhatsappUnofficial, cfg.Timeout, cfg.RatePerSec, func(req *http.Request) {
		req.Header.Set("X-Api-Key", apiKey)
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.transport = transport
	return nil
}

func (a *WhatsappUnofficialAdapter) snapshot() (AdapterConfig, *providerTransport) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.transport
}

func (a *WhatsappUnofficialAdapter) Send(ctx context.Context, address, body string, opts SendOptions) SendResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return failedSend(notInitialized(models.ChannelWhatsappUnofficial))
	}

	digits := digitsOnly(address)
	if digits == "" {
		return failedSend(NewAdapterError(AdapterErrRecipientInvalid, models.ChannelWhatsappUnofficial, 0, "recipient has no digits", nil))
	}

	session := cfg.Session
	if opts.DeviceID != "" {
		session = opts.DeviceID
	}

	var resp bridgeSendTextResponse
	raw, adapterErr := transport.doJSON(ctx, http.MethodPost, joinURL(cfg.BaseURL, "api", "sendText"), bridgeSendTextRequest{
		Session: session,
		ChatID:  digits + "@c.us",
		Text:    body,
	}, &resp)
	if adapterErr != nil {
		return failedSend(adapterErr)
	}

	id := bridgeMessageID(resp.ID)
	if id == "" {
		return failedSend(NewAdapterError(AdapterErrUnknown, models.ChannelWhatsappUnofficial, 0, "bridge response has no message id", nil))
	}

	metadata := rawResponse(raw)
	metadata["deviceId"] = session
	return SendResult{Success: true, ProviderMessageID: id, RawResponse: metadata}
}

func (a *WhatsappUnofficialAdapter) CheckStatus(ctx context.Context, providerMessageID string, opts StatusOptions) StatusResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return StatusResult{Err: notInitialized(models.ChannelWhatsappUnofficial)}
	}

	session := cfg.Session
	if opts.DeviceID != "" {
		session = opts.DeviceID
	}

	endpoint := joinURL(cfg.BaseURL, "api", "messages", url.PathEscape(providerMessageID)) + "?session=" + url.QueryEscape(session)
	var resp bridgeMessageResponse
	if _, adapterErr := transport.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); adapterErr != nil {
		return StatusResult{Err: adapterErr}
	}
	if resp.Ack == nil {
		return StatusResult{Success: true}
	}
	status, raw := canonicalAck(*resp.Ack)
	return StatusResult{Success: true, CanonicalStatus: status, RawStatus: raw}
}

// CheckBalance is not offered by the bridge
func (a *WhatsappUnofficialAdapter) CheckBalance(ctx context.Context) BalanceResult {
	return BalanceResult{Err: unsupported(models.ChannelWhatsappUnofficial, "balance")}
}

// bridgeMessageID accepts both a plain string id and the {"_serialized": "..."} object form
func bridgeMessageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Serialized)
	}
	return ""
}

// canonicalAck maps bridge ack levels onto the reconciliation vocabulary
func canonicalAck(ack int) (status string, raw string) {
	switch {
	case ack < 0:
		return "failed", "error"
	case ack == 1:
		return "sent", "server"
	case ack == 2:
		return "delivered", "device"
	case ack >= 3:
		return "read", "read"
	default:
		return "", "pending"
	}
}

// BridgeAckStatus exposes the ack mapping to webhook handlers
func BridgeAckStatus(ack int) string {
	status, _ := canonicalAck(ack)
	return status
}

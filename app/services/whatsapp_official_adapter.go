package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/amirphl/orochi-dispatch/models"
)

const (
	whatsappGraphURL     = "https://graph.facebook.com"
	whatsappGraphVersion = "v21.0"

	// WhatsappSignatureHeader carries the Cloud API webhook payload signature
	WhatsappSignatureHeader = "X-Hub-Signature-256"
)

// Graph API error codes that map to specific failure kinds
const (
	graphErrAccessTokenExpired = 190
	graphErrPermissionDenied   = 10
	graphErrRateLimitHit       = 130429
	graphErrRecipientMissing   = 131026
	graphErrRecipientNotAllow  = 131030
	graphErrTemplateMissing    = 132001
)

// WhatsappOfficialAdapter sends approved templates through the WhatsApp Business Cloud API
type WhatsappOfficialAdapter struct {
	mu        sync.RWMutex
	cfg       AdapterConfig
	transport *providerTransport
}

type whatsappOfficialCredentials struct {
	BaseURL       string `validate:"required,url"`
	APIVersion    string `validate:"required"`
	PhoneNumberID string `validate:"required,numeric"`
	AccessToken   string `validate:"required"`
}

type graphTemplateMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Template         graphTemplate `json:"template"`
}

type graphTemplate struct {
	Name       string                   `json:"name"`
	Language   graphTemplateLanguage    `json:"language"`
	Components []graphTemplateComponent `json:"components"`
}

type graphTemplateLanguage struct {
	Code string `json:"code"`
}

type graphTemplateComponent struct {
	Type       string                   `json:"type"`
	Parameters []graphTemplateParameter `json:"parameters"`
}

type graphTemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type graphSendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// NewWhatsappOfficialAdapter creates an uninitialized Cloud API adapter
func NewWhatsappOfficialAdapter() *WhatsappOfficialAdapter {
	return &WhatsappOfficialAdapter{}
}

func (a *WhatsappOfficialAdapter) Channel() models.Channel {
	return models.ChannelWhatsappOfficial
}

func (a *WhatsappOfficialAdapter) Initialize(cfg AdapterConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = whatsappGraphURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = whatsappGraphVersion
	}
	if err := validateCredentials(models.ChannelWhatsappOfficial, whatsappOfficialCredentials{
		BaseURL:       cfg.BaseURL,
		APIVersion:    cfg.APIVersion,
		PhoneNumberID: cfg.PhoneNumberID,
		AccessToken:   cfg.AccessToken,
	}); err != nil {
		return err
	}

	token := cfg.AccessToken
	transport := newProviderTransport(models.ChannelWhatsappOfficial, cfg.Timeout, cfg.RatePerSec, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	transport.describeError = describeGraphError

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.transport = transport
	return nil
}

func (a *WhatsappOfficialAdapter) snapshot() (AdapterConfig, *providerTransport) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.transport
}

// Send delivers body as the single text parameter of the account's template
func (a *WhatsappOfficialAdapter) Send(ctx context.Context, address, body string, opts SendOptions) SendResult {
	cfg, transport := a.snapshot()
	if transport == nil {
		return failedSend(notInitialized(models.ChannelWhatsappOfficial))
	}
	if opts.Template == nil || opts.Template.Name == "" || opts.Template.Language == "" {
		return failedSend(NewAdapterError(AdapterErrNotConfigured, models.ChannelWhatsappOfficial, 0, "template name and language are required", nil))
	}

	to := digitsOnly(address)
	if to == "" {
		return failedSend(NewAdapterError(AdapterErrRecipientInvalid, models.ChannelWhatsappOfficial, 0, "recipient has no digits", nil))
	}

	payload := graphTemplateMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template: graphTemplate{
			Name:     opts.Template.Name,
			Language: graphTemplateLanguage{Code: opts.Template.Language},
			Components: []graphTemplateComponent{{
				Type:       "body",
				Parameters: []graphTemplateParameter{{Type: "text", Text: body}},
			}},
		},
	}

	var resp graphSendResponse
	raw, adapterErr := transport.doJSON(ctx, http.MethodPost, joinURL(cfg.BaseURL, cfg.APIVersion, cfg.PhoneNumberID, "messages"), payload, &resp)
	if adapterErr != nil {
		return failedSend(adapterErr)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return failedSend(NewAdapterError(AdapterErrUnknown, models.ChannelWhatsappOfficial, 0, "graph response has no message id", nil))
	}

	metadata := rawResponse(raw)
	metadata["template"] = opts.Template.Name
	return SendResult{Success: true, ProviderMessageID: resp.Messages[0].ID, RawResponse: metadata}
}

// CheckStatus is not available; the Cloud API reports status only through webhooks
func (a *WhatsappOfficialAdapter) CheckStatus(ctx context.Context, providerMessageID string, opts StatusOptions) StatusResult {
	return StatusResult{Err: unsupported(models.ChannelWhatsappOfficial, "status polling")}
}

func (a *WhatsappOfficialAdapter) StatusViaWebhookOnly() bool {
	return true
}

func (a *WhatsappOfficialAdapter) CheckBalance(ctx context.Context) BalanceResult {
	return BalanceResult{Err: unsupported(models.ChannelWhatsappOfficial, "balance")}
}

func describeGraphError(status int, body []byte) (AdapterErrorKind, string, bool) {
	var errResp graphErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == 0 {
		return "", "", false
	}

	message := fmt.Sprintf("graph error %d: %s", errResp.Error.Code, errResp.Error.Message)
	switch errResp.Error.Code {
	case graphErrAccessTokenExpired, graphErrPermissionDenied:
		return AdapterErrAuthRejected, message, true
	case graphErrRecipientMissing, graphErrRecipientNotAllow:
		return AdapterErrRecipientInvalid, message, true
	case graphErrTemplateMissing:
		return AdapterErrNotConfigured, message, true
	case graphErrRateLimitHit:
		return AdapterErrProviderUnavailable, message, true
	}
	return classifyHTTPStatus(status), message, true
}

// VerifyWebhookSignature checks the X-Hub-Signature-256 header of a Cloud API webhook.
// An empty secret disables verification.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

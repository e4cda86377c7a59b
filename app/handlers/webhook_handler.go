package handlers

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// WebhookHandlerInterface defines the contract for provider callback handlers
type WebhookHandlerInterface interface {
	SMS(c fiber.Ctx) error
	WhatsappUnofficial(c fiber.Ctx) error
	WhatsappOfficial(c fiber.Ctx) error
	VerifyWhatsappOfficial(c fiber.Ctx) error
}

// WebhookHandler receives provider callbacks. Providers retry on anything but 2xx,
// so every POST is acknowledged with 200 and failures are only logged.
type WebhookHandler struct {
	flow        businessflow.WebhookFlow
	verifyToken string
	appSecret   string
	logger      zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler. verifyToken answers the official
// subscription handshake and appSecret checks official payload signatures.
func NewWebhookHandler(flow businessflow.WebhookFlow, verifyToken, appSecret string, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		flow:        flow,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		logger:      logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// SMS handles gateway state callbacks
func (h *WebhookHandler) SMS(c fiber.Ctx) error {
	body := c.Body()
	var payload dto.SMSWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logPayloadError("sms", body, err)
		return h.ack(c, false, 0)
	}

	ctx, cancel := createRequestContext(c, "/webhooks/sms", defaultRequestTimeout)
	defer cancel()

	applied, err := h.flow.HandleSMS(ctx, &payload)
	if err != nil {
		h.logPayloadError("sms", body, err)
	}
	return h.ack(c, true, applied)
}

// WhatsappUnofficial handles bridge acks and inbound messages. Inbound messages are
// attributed to the account whose token is passed as ?token=.
func (h *WebhookHandler) WhatsappUnofficial(c fiber.Ctx) error {
	body := c.Body()
	var payload dto.BridgeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logPayloadError("whatsapp_unofficial", body, err)
		return h.ack(c, false, 0)
	}

	ctx, cancel := createRequestContext(c, "/webhooks/whatsapp-unofficial", defaultRequestTimeout)
	defer cancel()

	applied, err := h.flow.HandleBridge(ctx, c.Query("token"), &payload)
	if err != nil {
		h.logPayloadError("whatsapp_unofficial", body, err)
	}
	return h.ack(c, true, applied)
}

// WhatsappOfficial handles Cloud API status and message notifications
func (h *WebhookHandler) WhatsappOfficial(c fiber.Ctx) error {
	body := c.Body()
	if !services.VerifyWebhookSignature(h.appSecret, body, c.Get(services.WhatsappSignatureHeader)) {
		h.logger.Warn().
			Str("provider", "whatsapp_official").
			Str("ip", c.IP()).
			Msg("Webhook signature mismatch, payload ignored")
		return h.ack(c, false, 0)
	}

	var payload dto.OfficialWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logPayloadError("whatsapp_official", body, err)
		return h.ack(c, false, 0)
	}

	ctx, cancel := createRequestContext(c, "/webhooks/whatsapp-official", defaultRequestTimeout)
	defer cancel()

	applied, err := h.flow.HandleOfficial(ctx, c.Query("token"), &payload)
	if err != nil {
		h.logPayloadError("whatsapp_official", body, err)
	}
	return h.ack(c, true, applied)
}

// VerifyWhatsappOfficial answers the subscription handshake by echoing hub.challenge
func (h *WebhookHandler) VerifyWhatsappOfficial(c fiber.Ctx) error {
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if h.verifyToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		h.logger.Warn().Str("mode", c.Query("hub.mode")).Msg("Webhook verification rejected")
		return c.Status(fiber.StatusForbidden).SendString("forbidden")
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

func (h *WebhookHandler) ack(c fiber.Ctx, received bool, applied int) error {
	return c.Status(fiber.StatusOK).JSON(dto.WebhookAck{Received: received, Applied: applied})
}

func (h *WebhookHandler) logPayloadError(provider string, body []byte, err error) {
	const maxLogged = 4096
	raw := body
	if len(raw) > maxLogged {
		raw = raw[:maxLogged]
	}
	h.logger.Error().
		Err(err).
		Str("provider", provider).
		Bytes("payload", raw).
		Msg("Webhook processing failed")
}

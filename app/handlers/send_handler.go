package handlers

import (
	"errors"
	"strings"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// Result codes of the plain-text send endpoint
const (
	SendCodeAccepted            = "1"
	SendCodeMissingFields       = "2"
	SendCodeInvalidToken        = "3"
	SendCodeDailyLimit          = "4"
	SendCodeMonthlyLimit        = "5"
	SendCodeInternal            = "6"
	SendCodeInsufficientBalance = "7"
	SendCodeInvalidPhone        = "8"
	SendCodeNoChannelEnabled    = "9"
)

// SendHandlerInterface defines the contract for message handlers
type SendHandlerInterface interface {
	Send(c fiber.Ctx) error
	SendJSON(c fiber.Ctx) error
	GetStatus(c fiber.Ctx) error
}

// SendHandler handles message submission and status lookups by integrators
type SendHandler struct {
	flow         businessflow.DispatchFlow
	validator    *validator.Validate
	apiKeyHeader string
	logger       zerolog.Logger
}

// NewSendHandler creates a new send handler. apiKeyHeader carries the account token on
// the JSON endpoints.
func NewSendHandler(flow businessflow.DispatchFlow, apiKeyHeader string, logger zerolog.Logger) *SendHandler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &SendHandler{
		flow:         flow,
		validator:    validator.New(),
		apiKeyHeader: apiKeyHeader,
		logger:       logger.With().Str("component", "send_handler").Logger(),
	}
}

// Send accepts token, phone, msg and an optional channel as query or form values and
// answers with a single digit result code
func (h *SendHandler) Send(c fiber.Ctx) error {
	req := &dto.SendMessageRequest{
		Token:   formOrQuery(c, "token"),
		Phone:   formOrQuery(c, "phone"),
		Message: formOrQuery(c, "msg"),
		Channel: formOrQuery(c, "channel"),
	}

	ctx, cancel := createRequestContext(c, "/send", defaultRequestTimeout)
	defer cancel()

	_, err := h.flow.Send(ctx, req)
	code := sendResultCode(err)
	if code == SendCodeInternal {
		h.logger.Error().Err(err).Msg("Send request failed")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusOK).SendString(code)
}

// SendJSON is the JSON equivalent of Send
func (h *SendHandler) SendJSON(c fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.Token == "" {
		req.Token = c.Get(h.apiKeyHeader)
	}
	if err := h.validator.Struct(&req); err != nil {
		return validationErrorResponse(c, err)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/messages", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.Send(ctx, &req)
	if err != nil {
		return h.sendError(c, err)
	}
	return successResponse(c, fiber.StatusAccepted, "Message accepted for dispatch", result)
}

// GetStatus returns the state of a message owned by the calling account
func (h *SendHandler) GetStatus(c fiber.Ctx) error {
	req := dto.GetMessageStatusRequest{
		Token:       c.Get(h.apiKeyHeader),
		MessageUUID: c.Params("uuid"),
	}
	if err := h.validator.Struct(&req); err != nil {
		if req.Token == "" {
			return errorResponse(c, fiber.StatusUnauthorized, "API key is required", "UNAUTHORIZED", nil)
		}
		return validationErrorResponse(c, err)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/messages/:uuid", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.GetMessageStatus(ctx, &req)
	if err != nil {
		switch {
		case businessflow.IsUnauthorized(err):
			return errorResponse(c, fiber.StatusUnauthorized, "Invalid or inactive token", "UNAUTHORIZED", nil)
		case businessflow.IsMessageNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Message not found", "MESSAGE_NOT_FOUND", nil)
		}
		h.logger.Error().Err(err).Str("message_uuid", req.MessageUUID).Msg("Message status lookup failed")
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to get message status", "GET_MESSAGE_STATUS_FAILED", nil)
	}
	return successResponse(c, fiber.StatusOK, "Message status retrieved successfully", result)
}

func (h *SendHandler) sendError(c fiber.Ctx, err error) error {
	code := "SEND_FAILED"
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		code = be.Code
	}

	switch {
	case businessflow.IsMissingFields(err), businessflow.IsInvalidChannel(err):
		return errorResponse(c, fiber.StatusBadRequest, err.Error(), code, nil)
	case businessflow.IsUnauthorized(err):
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid or inactive token", code, nil)
	case businessflow.IsInvalidPhoneNumber(err):
		return errorResponse(c, fiber.StatusUnprocessableEntity, "Invalid phone number", code, nil)
	case businessflow.IsDailyLimitExceeded(err), businessflow.IsMonthlyLimitExceeded(err):
		return errorResponse(c, fiber.StatusTooManyRequests, err.Error(), code, nil)
	case businessflow.IsInsufficientBalance(err):
		return errorResponse(c, fiber.StatusPaymentRequired, "Insufficient balance", code, err.Error())
	case businessflow.IsNoChannelEnabled(err):
		return errorResponse(c, fiber.StatusUnprocessableEntity, "No channel enabled for account", code, nil)
	case businessflow.IsNoChannelInitialized(err), businessflow.IsDispatchUnavailable(err):
		return errorResponse(c, fiber.StatusServiceUnavailable, "Dispatch is temporarily unavailable", code, nil)
	}

	h.logger.Error().Err(err).Msg("Send request failed")
	return errorResponse(c, fiber.StatusInternalServerError, "Failed to send message", code, nil)
}

// sendResultCode maps a Send outcome onto the plain-text result codes
func sendResultCode(err error) string {
	switch {
	case err == nil:
		return SendCodeAccepted
	case businessflow.IsMissingFields(err), businessflow.IsInvalidChannel(err):
		return SendCodeMissingFields
	case businessflow.IsUnauthorized(err):
		return SendCodeInvalidToken
	case businessflow.IsDailyLimitExceeded(err):
		return SendCodeDailyLimit
	case businessflow.IsMonthlyLimitExceeded(err):
		return SendCodeMonthlyLimit
	case businessflow.IsInsufficientBalance(err):
		return SendCodeInsufficientBalance
	case businessflow.IsInvalidPhoneNumber(err):
		return SendCodeInvalidPhone
	case businessflow.IsNoChannelEnabled(err):
		return SendCodeNoChannelEnabled
	default:
		return SendCodeInternal
	}
}

func formOrQuery(c fiber.Ctx, key string) string {
	if v := c.Query(key); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(c.FormValue(key))
}

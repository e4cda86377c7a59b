package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// OperatorHandlerInterface defines the contract for operator handlers
type OperatorHandlerInterface interface {
	MarkRead(c fiber.Ctx) error
	ProviderBalances(c fiber.Ctx) error
	Deposit(c fiber.Ctx) error
	UsageStatement(c fiber.Ctx) error
}

// OperatorHandler serves the JWT protected operator endpoints
type OperatorHandler struct {
	flow      businessflow.OperatorFlow
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewOperatorHandler creates a new operator handler
func NewOperatorHandler(flow businessflow.OperatorFlow, logger zerolog.Logger) *OperatorHandler {
	return &OperatorHandler{
		flow:      flow,
		validator: validator.New(),
		logger:    logger.With().Str("component", "operator_handler").Logger(),
	}
}

// MarkRead records that an operator read an incoming message. The reader defaults to the
// authenticated operator.
func (h *OperatorHandler) MarkRead(c fiber.Ctx) error {
	var req dto.MarkReadRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	req.MessageUUID = c.Params("uuid")
	if req.ReaderID == "" {
		req.ReaderID, _ = c.Locals(middleware.LocalOperatorID).(string)
	}
	if err := h.validator.Struct(&req); err != nil {
		return validationErrorResponse(c, err)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/operator/messages/:uuid/read", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.MarkRead(ctx, &req, h.metadata(c))
	if err != nil {
		switch {
		case businessflow.IsMessageNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Message not found", "MESSAGE_NOT_FOUND", nil)
		case businessflow.IsMessageNotIncoming(err):
			return errorResponse(c, fiber.StatusUnprocessableEntity, "Only incoming messages can be marked read", "MESSAGE_NOT_INCOMING", nil)
		case businessflow.IsInvalidReader(err):
			return errorResponse(c, fiber.StatusBadRequest, "Reader id is required", "INVALID_READER", nil)
		case businessflow.IsMessageBusy(err):
			return errorResponse(c, fiber.StatusConflict, "Message is being updated, retry shortly", "MESSAGE_BUSY", nil)
		}
		h.logger.Error().Err(err).Str("message_uuid", req.MessageUUID).Msg("Mark read failed")
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to mark message read", "MARK_READ_FAILED", nil)
	}
	return successResponse(c, fiber.StatusOK, "Read acknowledgement recorded", result)
}

// ProviderBalances queries the balance of every ready provider
func (h *OperatorHandler) ProviderBalances(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/operator/providers/balance", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.ProviderBalances(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Provider balance query failed")
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to query provider balances", "PROVIDER_BALANCE_FAILED", nil)
	}
	return successResponse(c, fiber.StatusOK, "Provider balances retrieved successfully", result)
}

// Deposit tops up an account and writes a deposit ledger row
func (h *OperatorHandler) Deposit(c fiber.Ctx) error {
	accountID, err := parseAccountID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account id", "INVALID_ACCOUNT_ID", nil)
	}

	var req dto.DepositRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.AccountID = accountID
	if err := h.validator.Struct(&req); err != nil {
		return validationErrorResponse(c, err)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/operator/accounts/:id/deposit", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.Deposit(ctx, &req, h.metadata(c))
	if err != nil {
		switch {
		case businessflow.IsInvalidAmount(err):
			return errorResponse(c, fiber.StatusBadRequest, "Amount must be positive", "INVALID_AMOUNT", nil)
		case businessflow.IsAccountNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Account not found", "ACCOUNT_NOT_FOUND", nil)
		}
		h.logger.Error().Err(err).Uint("account_id", accountID).Msg("Deposit failed")
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to deposit", "DEPOSIT_FAILED", nil)
	}
	return successResponse(c, fiber.StatusCreated, "Deposit recorded", result)
}

// UsageStatement downloads the ledger of an account as an XLSX workbook. start_date and
// end_date accept RFC3339 timestamps or YYYY-MM-DD dates.
func (h *OperatorHandler) UsageStatement(c fiber.Ctx) error {
	accountID, err := parseAccountID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account id", "INVALID_ACCOUNT_ID", nil)
	}

	req := dto.UsageStatementRequest{AccountID: accountID}
	if req.StartDate, err = parseDateParam(c.Query("start_date"), false); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid start_date", "INVALID_START_DATE", err.Error())
	}
	if req.EndDate, err = parseDateParam(c.Query("end_date"), true); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid end_date", "INVALID_END_DATE", err.Error())
	}

	ctx, cancel := createRequestContext(c, "/api/v1/operator/accounts/:id/statement.xlsx", 2*defaultRequestTimeout)
	defer cancel()

	filename, content, err := h.flow.DownloadUsageStatement(ctx, &req)
	if err != nil {
		switch {
		case businessflow.IsStartDateAfterEndDate(err):
			return errorResponse(c, fiber.StatusBadRequest, "Start date cannot be after end date", "START_DATE_AFTER_END_DATE", nil)
		case businessflow.IsAccountNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Account not found", "ACCOUNT_NOT_FOUND", nil)
		}
		h.logger.Error().Err(err).Uint("account_id", accountID).Msg("Usage statement export failed")
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to export usage statement", "STATEMENT_EXPORT_FAILED", nil)
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Status(fiber.StatusOK).Send(content)
}

func (h *OperatorHandler) metadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.Get(businessflow.RequestIDKey))
	if name, _ := c.Locals(middleware.LocalOperatorName).(string); name != "" {
		metadata.SetActor(name)
	} else if id, _ := c.Locals(middleware.LocalOperatorID).(string); id != "" {
		metadata.SetActor(id)
	}
	return metadata
}

func parseAccountID(c fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("account id must be positive")
	}
	return uint(id), nil
}

// parseDateParam reads an optional date. A bare end date covers the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

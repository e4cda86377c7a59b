package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperatorFlow struct {
	markRead  *dto.MarkReadRequest
	deposit   *dto.DepositRequest
	statement *dto.UsageStatementRequest
	metadata  *businessflow.ClientMetadata
	err       error
}

func (f *fakeOperatorFlow) MarkRead(ctx context.Context, req *dto.MarkReadRequest, metadata *businessflow.ClientMetadata) (*dto.MarkReadResponse, error) {
	f.markRead, f.metadata = req, metadata
	if f.err != nil {
		return nil, f.err
	}
	return &dto.MarkReadResponse{MessageUUID: req.MessageUUID, Changed: true}, nil
}

func (f *fakeOperatorFlow) Deposit(ctx context.Context, req *dto.DepositRequest, metadata *businessflow.ClientMetadata) (*dto.DepositResponse, error) {
	f.deposit, f.metadata = req, metadata
	if f.err != nil {
		return nil, f.err
	}
	return &dto.DepositResponse{AccountID: req.AccountID, Amount: req.Amount}, nil
}

func (f *fakeOperatorFlow) ProviderBalances(ctx context.Context) (*dto.ProviderBalancesResponse, error) {
	return &dto.ProviderBalancesResponse{Items: []dto.ProviderBalanceItem{{Channel: "sms", Available: true, Balance: 3}}}, nil
}

func (f *fakeOperatorFlow) DownloadUsageStatement(ctx context.Context, req *dto.UsageStatementRequest) (string, []byte, error) {
	f.statement = req
	if f.err != nil {
		return "", nil, f.err
	}
	return "usage_statement_x.xlsx", []byte("PK"), nil
}

func newOperatorApp(t *testing.T, flow businessflow.OperatorFlow) (*fiber.App, string) {
	t.Helper()
	tokens, err := services.NewTokenService(time.Hour, "orochi-dispatch", "operators", false, "", "", "test-secret-key-with-enough-length")
	require.NoError(t, err)
	token, err := tokens.GenerateOperatorToken("op-1", "Nadia")
	require.NoError(t, err)

	h := NewOperatorHandler(flow, zerolog.Nop())
	auth := middleware.NewAuthMiddleware(tokens)
	app := fiber.New()
	group := app.Group("/api/v1/operator", auth.OperatorAuthenticate())
	group.Post("/messages/:uuid/read", h.MarkRead)
	group.Get("/providers/balance", h.ProviderBalances)
	group.Post("/accounts/:id/deposit", h.Deposit)
	group.Get("/accounts/:id/statement.xlsx", h.UsageStatement)
	return app, token
}

func operatorRequest(method, path, body, token string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestOperatorHandler(t *testing.T) {
	const id = "3f1c2b9e-8d1a-4c55-9b7e-1c2d3e4f5a6b"

	t.Run("RequiresToken", func(t *testing.T) {
		app, _ := newOperatorApp(t, &fakeOperatorFlow{})
		resp, err := app.Test(operatorRequest(http.MethodGet, "/api/v1/operator/providers/balance", "", ""))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, err = app.Test(operatorRequest(http.MethodGet, "/api/v1/operator/providers/balance", "", "garbage"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("MarkReadDefaultsToOperator", func(t *testing.T) {
		flow := &fakeOperatorFlow{}
		app, token := newOperatorApp(t, flow)
		resp, err := app.Test(operatorRequest(http.MethodPost, "/api/v1/operator/messages/"+id+"/read", "", token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, flow.markRead)
		assert.Equal(t, id, flow.markRead.MessageUUID)
		assert.Equal(t, "op-1", flow.markRead.ReaderID)
		assert.Equal(t, "Nadia", flow.metadata.Actor)
	})

	t.Run("MarkReadNotIncoming", func(t *testing.T) {
		flow := &fakeOperatorFlow{err: businessflow.NewBusinessError("MESSAGE_NOT_INCOMING", "x", businessflow.ErrMessageNotIncoming)}
		app, token := newOperatorApp(t, flow)
		resp, err := app.Test(operatorRequest(http.MethodPost, "/api/v1/operator/messages/"+id+"/read", `{"reader_id":"crm-5"}`, token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "crm-5", flow.markRead.ReaderID)
	})

	t.Run("Deposit", func(t *testing.T) {
		flow := &fakeOperatorFlow{}
		app, token := newOperatorApp(t, flow)
		resp, err := app.Test(operatorRequest(http.MethodPost, "/api/v1/operator/accounts/7/deposit", `{"amount":12.5}`, token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		require.NotNil(t, flow.deposit)
		assert.Equal(t, uint(7), flow.deposit.AccountID)
		assert.InDelta(t, 12.5, flow.deposit.Amount, 1e-9)
	})

	t.Run("DepositValidation", func(t *testing.T) {
		flow := &fakeOperatorFlow{}
		app, token := newOperatorApp(t, flow)
		resp, err := app.Test(operatorRequest(http.MethodPost, "/api/v1/operator/accounts/7/deposit", `{"amount":-1}`, token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Nil(t, flow.deposit)

		resp, err = app.Test(operatorRequest(http.MethodPost, "/api/v1/operator/accounts/abc/deposit", `{"amount":1}`, token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Statement", func(t *testing.T) {
		flow := &fakeOperatorFlow{}
		app, token := newOperatorApp(t, flow)
		resp, err := app.Test(operatorRequest(http.MethodGet, "/api/v1/operator/accounts/7/statement.xlsx?start_date=2026-01-01&end_date=2026-01-31", "", token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "usage_statement_x.xlsx")

		require.NotNil(t, flow.statement.StartDate)
		require.NotNil(t, flow.statement.EndDate)
		assert.Equal(t, 31, flow.statement.EndDate.Day())
		assert.Equal(t, 23, flow.statement.EndDate.Hour())
	})

	t.Run("StatementBadDate", func(t *testing.T) {
		app, token := newOperatorApp(t, &fakeOperatorFlow{})
		resp, err := app.Test(operatorRequest(http.MethodGet, "/api/v1/operator/accounts/7/statement.xlsx?start_date=yesterday", "", token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Balances", func(t *testing.T) {
		app, token := newOperatorApp(t, &fakeOperatorFlow{})
		resp, err := app.Test(operatorRequest(http.MethodGet, "/api/v1/operator/providers/balance", "", token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), `"channel":"sms"`)
	})
}

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatchFlow struct {
	sendErr   error
	statusErr error
	lastSend  *dto.SendMessageRequest
}

func (f *fakeDispatchFlow) Send(ctx context.Context, req *dto.SendMessageRequest) (*dto.SendMessageResponse, error) {
	f.lastSend = req
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &dto.SendMessageResponse{Message: "accepted", MessageUUID: "3f1c2b9e-8d1a-4c55-9b7e-1c2d3e4f5a6b", Status: "pending"}, nil
}

func (f *fakeDispatchFlow) Deliver(ctx context.Context, job businessflow.DispatchJob) error {
	return nil
}

func (f *fakeDispatchFlow) GetMessageStatus(ctx context.Context, req *dto.GetMessageStatusRequest) (*dto.MessageStatusResponse, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &dto.MessageStatusResponse{UUID: req.MessageUUID, Status: "sent"}, nil
}

func newSendApp(flow businessflow.DispatchFlow) *fiber.App {
	h := NewSendHandler(flow, "X-API-Key", zerolog.Nop())
	app := fiber.New()
	app.Post("/send", h.Send)
	app.Post("/api/v1/messages", h.SendJSON)
	app.Get("/api/v1/messages/:uuid", h.GetStatus)
	return app
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSendResultCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"Accepted", nil, "1"},
		{"Missing", businessflow.NewBusinessError("MISSING_FIELDS", "x", businessflow.ErrMissingFields), "2"},
		{"InvalidChannel", businessflow.NewBusinessError("INVALID_CHANNEL", "x", businessflow.ErrInvalidChannel), "2"},
		{"Token", businessflow.NewBusinessError("UNAUTHORIZED", "x", businessflow.ErrUnauthorized), "3"},
		{"Daily", businessflow.NewBusinessError("DAILY_LIMIT_EXCEEDED", "x", businessflow.ErrDailyLimitExceeded), "4"},
		{"Monthly", businessflow.NewBusinessError("MONTHLY_LIMIT_EXCEEDED", "x", businessflow.ErrMonthlyLimitExceeded), "5"},
		{"NoChannelInitialized", businessflow.NewBusinessError("NO_CHANNEL_INITIALIZED", "x", businessflow.ErrNoChannelInitialized), "6"},
		{"QueueDown", businessflow.NewBusinessError("DISPATCH_UNAVAILABLE", "x", businessflow.ErrDispatchUnavailable), "6"},
		{"Balance", businessflow.NewBusinessError("INSUFFICIENT_BALANCE", "x", businessflow.ErrInsufficientBalance), "7"},
		{"Phone", businessflow.NewBusinessError("INVALID_PHONE_NUMBER", "x", utils.ErrInvalidPhoneNumber), "8"},
		{"NoChannelEnabled", businessflow.NewBusinessError("NO_CHANNEL_ENABLED", "x", businessflow.ErrNoChannelEnabled), "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeDispatchFlow{sendErr: tt.err}
			app := newSendApp(flow)

			req := httptest.NewRequest(http.MethodPost, "/send?token=tok&phone=0512345678&msg=hi&channel=sms", nil)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.code, readBody(t, resp))

			require.NotNil(t, flow.lastSend)
			assert.Equal(t, "tok", flow.lastSend.Token)
			assert.Equal(t, "0512345678", flow.lastSend.Phone)
			assert.Equal(t, "hi", flow.lastSend.Message)
			assert.Equal(t, "sms", flow.lastSend.Channel)
		})
	}
}

func TestSendJSON(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		flow := &fakeDispatchFlow{}
		app := newSendApp(flow)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"phone":"0512345678","message":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", "tok")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "tok", flow.lastSend.Token)

		var body dto.APIResponse
		require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
		assert.True(t, body.Success)
	})

	t.Run("ValidationError", func(t *testing.T) {
		app := newSendApp(&fakeDispatchFlow{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"token":"tok","phone":"0512345678","message":"hi","channel":"fax"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		flow := &fakeDispatchFlow{sendErr: businessflow.NewBusinessError("INSUFFICIENT_BALANCE", "x", businessflow.ErrInsufficientBalance)}
		app := newSendApp(flow)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"token":"tok","phone":"0512345678","message":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "INSUFFICIENT_BALANCE")
	})
}

func TestGetStatus(t *testing.T) {
	const id = "3f1c2b9e-8d1a-4c55-9b7e-1c2d3e4f5a6b"

	t.Run("MissingKey", func(t *testing.T) {
		app := newSendApp(&fakeDispatchFlow{})
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/messages/"+id, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Found", func(t *testing.T) {
		app := newSendApp(&fakeDispatchFlow{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/"+id, nil)
		req.Header.Set("X-API-Key", "tok")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), id)
	})

	t.Run("NotFound", func(t *testing.T) {
		app := newSendApp(&fakeDispatchFlow{statusErr: businessflow.NewBusinessError("MESSAGE_NOT_FOUND", "x", businessflow.ErrMessageNotFound)})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/"+id, nil)
		req.Header.Set("X-API-Key", "tok")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

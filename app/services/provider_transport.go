package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"golang.org/x/time/rate"
)

const (
	defaultProviderTimeout = 20 * time.Second
	maxProviderBodyBytes   = 1 << 20
)

// providerTransport is the throttled HTTP client shared by the provider adapters
type providerTransport struct {
	channel       models.Channel
	client        *http.Client
	limiter       *rate.Limiter
	authorize     func(req *http.Request)
	describeError func(status int, body []byte) (AdapterErrorKind, string, bool)
}

func newProviderTransport(channel models.Channel, timeout time.Duration, ratePerSec int, authorize func(req *http.Request)) *providerTransport {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = ratePerSec
	}
	return &providerTransport{
		channel:   channel,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		authorize: authorize,
	}
}

// do performs one request and returns the raw response body of a 2xx answer
func (t *providerTransport) do(ctx context.Context, method, url string, payload any) ([]byte, *AdapterError) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, NewAdapterError(AdapterErrProviderUnavailable, t.channel, 0, "rate limiter wait aborted", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, NewAdapterError(AdapterErrUnknown, t.channel, 0, "failed to marshal request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewAdapterError(AdapterErrNotConfigured, t.channel, 0, "failed to create HTTP request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.authorize != nil {
		t.authorize(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, NewAdapterError(AdapterErrProviderUnavailable, t.channel, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBodyBytes))
	if err != nil {
		return nil, NewAdapterError(AdapterErrProviderUnavailable, t.channel, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := classifyHTTPStatus(resp.StatusCode)
		message := truncate(strings.TrimSpace(string(respBody)), 256)
		if t.describeError != nil {
			if k, msg, ok := t.describeError(resp.StatusCode, respBody); ok {
				kind, message = k, msg
			}
		}
		return nil, NewAdapterError(kind, t.channel, resp.StatusCode, message, nil)
	}

	return respBody, nil
}

// doJSON performs a request and decodes the 2xx body into out
func (t *providerTransport) doJSON(ctx context.Context, method, url string, payload, out any) ([]byte, *AdapterError) {
	raw, adapterErr := t.do(ctx, method, url, payload)
	if adapterErr != nil {
		return nil, adapterErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, NewAdapterError(AdapterErrUnknown, t.channel, 0, "failed to decode response", err)
		}
	}
	return raw, nil
}

func classifyHTTPStatus(status int) AdapterErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AdapterErrAuthRejected
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return AdapterErrRecipientInvalid
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return AdapterErrProviderUnavailable
	default:
		return AdapterErrUnknown
	}
}

// rawResponse decodes body into a generic map for storage in provider metadata
func rawResponse(body []byte) map[string]any {
	if len(body) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return map[string]any{"body": truncate(string(body), 1024)}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func joinURL(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(strings.Join(parts, "/"), "/")
}

var errNotInitialized = errors.New("adapter not initialized")

func notInitialized(channel models.Channel) *AdapterError {
	return NewAdapterError(AdapterErrNotConfigured, channel, 0, "", errNotInitialized)
}

func unsupported(channel models.Channel, what string) *AdapterError {
	return NewAdapterError(AdapterErrUnknown, channel, 0, fmt.Sprintf("%s not supported", what), ErrOperationUnsupported)
}

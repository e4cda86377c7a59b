package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// MockAdapter implements ProviderAdapter for testing and local development
type MockAdapter struct {
	mu sync.Mutex

	channel     models.Channel
	initialized bool
	sequence    int

	// InitErr is returned from Initialize when set
	InitErr error
	// SendFunc overrides the default always-successful send
	SendFunc func(address, body string, opts SendOptions) SendResult
	// Statuses answers CheckStatus by provider message id
	Statuses map[string]StatusResult
	Balance  BalanceResult
	// Delay blocks every send, honoring ctx cancellation
	Delay time.Duration

	SentMessages   []MockSentMessage
	StatusQueries  []string
	StatusDevices  []string
	BalanceQueries int
}

// MockSentMessage represents a mock delivery
type MockSentMessage struct {
	Address           string
	Body              string
	Options           SendOptions
	ProviderMessageID string
	SentAt            time.Time
}

// NewMockAdapter creates a new mock adapter for channel
func NewMockAdapter(channel models.Channel) *MockAdapter {
	return &MockAdapter{
		channel:      channel,
		Statuses:     make(map[string]StatusResult),
		SentMessages: make([]MockSentMessage, 0),
	}
}

func (m *MockAdapter) Channel() models.Channel {
	return m.channel
}

func (m *MockAdapter) Initialize(cfg AdapterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InitErr != nil {
		return m.InitErr
	}
	m.initialized = true
	return nil
}

func (m *MockAdapter) Send(ctx context.Context, address, body string, opts SendOptions) SendResult {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return failedSend(NewAdapterError(AdapterErrProviderUnavailable, m.channel, 0, "timeout", ctx.Err()))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return failedSend(notInitialized(m.channel))
	}

	var result SendResult
	if m.SendFunc != nil {
		result = m.SendFunc(address, body, opts)
	} else {
		m.sequence++
		result = SendResult{
			Success:           true,
			ProviderMessageID: fmt.Sprintf("%s-%d", m.channel, m.sequence),
			RawResponse:       map[string]any{"mock": true},
		}
	}
	if result.Success {
		m.SentMessages = append(m.SentMessages, MockSentMessage{
			Address:           address,
			Body:              body,
			Options:           opts,
			ProviderMessageID: result.ProviderMessageID,
			SentAt:            utils.UTCNow(),
		})
	}
	return result
}

func (m *MockAdapter) CheckStatus(ctx context.Context, providerMessageID string, opts StatusOptions) StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusQueries = append(m.StatusQueries, providerMessageID)
	m.StatusDevices = append(m.StatusDevices, opts.DeviceID)
	if res, ok := m.Statuses[providerMessageID]; ok {
		return res
	}
	return StatusResult{Success: true}
}

func (m *MockAdapter) CheckBalance(ctx context.Context) BalanceResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BalanceQueries++
	return m.Balance
}

// SetStatus programs the answer for a provider message id
func (m *MockAdapter) SetStatus(providerMessageID string, res StatusResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[providerMessageID] = res
}

// GetSentMessages returns all sent mock messages
func (m *MockAdapter) GetSentMessages() []MockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}

// ClearSentMessages clears the sent messages list
func (m *MockAdapter) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]MockSentMessage, 0)
}

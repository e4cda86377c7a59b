package testing

import (
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/google/uuid"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// AccountOption customizes a fixture account before it is stored
type AccountOption func(*models.Account)

func WithBalance(balance float64) AccountOption {
	return func(a *models.Account) { a.Balance = balance }
}

func WithChannels(channels ...models.Channel) AccountOption {
	return func(a *models.Account) {
		a.EnabledSMS, a.EnabledWhatsappUnofficial, a.EnabledWhatsappOfficial = false, false, false
		for _, c := range channels {
			switch c {
			case models.ChannelSMS:
				a.EnabledSMS = true
			case models.ChannelWhatsappUnofficial:
				a.EnabledWhatsappUnofficial = true
			case models.ChannelWhatsappOfficial:
				a.EnabledWhatsappOfficial = true
			}
		}
	}
}

func WithLimits(daily, monthly int64) AccountOption {
	return func(a *models.Account) {
		a.DailyLimit = daily
		a.MonthlyLimit = monthly
	}
}

func WithPreferred(c models.Channel) AccountOption {
	return func(a *models.Account) { a.PreferredChannel = c }
}

func WithDevice(deviceID string) AccountOption {
	return func(a *models.Account) { a.DeviceID = deviceID }
}

func Inactive() AccountOption {
	return func(a *models.Account) { a.IsActive = false }
}

// CreateTestAccount stores an active SMS-only Saudi account with balance 10
func (tf *TestFixtures) CreateTestAccount(opts ...AccountOption) (*models.Account, error) {
	account := &models.Account{
		Name:                     "Test Account",
		APIToken:                 "tok-" + uuid.NewString(),
		IsActive:                 true,
		Balance:                  10,
		EnabledSMS:               true,
		DefaultCallingCode:       "966",
		DefaultRegion:            "SA",
		OfficialTemplateName:     "generic_notice",
		OfficialTemplateLanguage: "ar",
	}
	for _, opt := range opts {
		opt(account)
	}

	if err := tf.DB.DB.Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to create test account: %w", err)
	}
	return account, nil
}

// CreateTestMessage stores a message for account with the given status and creation time
func (tf *TestFixtures) CreateTestMessage(account *models.Account, status models.MessageStatus, providerID string, createdAt time.Time) (*models.Message, error) {
	msg := &models.Message{
		AccountID:  account.ID,
		Direction:  models.MessageDirectionOutgoing,
		Recipients: []string{"+966512345678"},
		Content:    "hello",
		Status:     status,
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  createdAt.UTC(),
	}
	if providerID != "" {
		msg.ProviderMessageID = &providerID
		msg.ChannelUsed = models.ChannelSMS
	}

	if err := tf.DB.DB.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create test message: %w", err)
	}
	return msg, nil
}

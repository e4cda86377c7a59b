package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Account is a tenant allowed to dispatch messages through the public API
type Account struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	Name     string    `gorm:"size:255;not null" json:"name"`
	APIToken string    `gorm:"size:128;not null;uniqueIndex:uk_accounts_api_token" json:"-"`
	IsActive bool      `gorm:"not null;index:idx_accounts_is_active" json:"is_active"`

	// Balance is measured in points; one SMS segment costs one point
	Balance             float64 `gorm:"type:numeric(18,4);not null;default:0" json:"balance"`
	DailyLimit          int64   `gorm:"not null;default:0" json:"daily_limit"`
	MonthlyLimit        int64   `gorm:"not null;default:0" json:"monthly_limit"`
	MessagesSentCounter int64   `gorm:"not null;default:0" json:"messages_sent_counter"`

	// Channel policy
	EnabledSMS                bool    `gorm:"column:enabled_sms;not null" json:"enabled_sms"`
	EnabledWhatsappUnofficial bool    `gorm:"not null" json:"enabled_whatsapp_unofficial"`
	EnabledWhatsappOfficial   bool    `gorm:"not null" json:"enabled_whatsapp_official"`
	PreferredChannel          Channel `gorm:"size:32;not null;default:''" json:"preferred_channel"`

	// Country used to normalize local phone formats
	DefaultCallingCode string `gorm:"size:4;not null;default:''" json:"default_calling_code"`
	DefaultRegion      string `gorm:"size:2;not null;default:''" json:"default_region"`

	// Official WhatsApp template
	OfficialTemplateName     string `gorm:"size:255;not null;default:''" json:"official_template_name"`
	OfficialTemplateLanguage string `gorm:"size:16;not null;default:''" json:"official_template_language"`

	// DeviceID selects a device/session on the SMS gateway and unofficial bridge
	DeviceID string `gorm:"size:128;not null;default:''" json:"device_id"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// BeforeCreate ensures UUID is set
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	return nil
}

// IsChannelEnabled reports whether the account may use channel c
func (a *Account) IsChannelEnabled(c Channel) bool {
	switch c {
	case ChannelSMS:
		return a.EnabledSMS
	case ChannelWhatsappUnofficial:
		return a.EnabledWhatsappUnofficial
	case ChannelWhatsappOfficial:
		return a.EnabledWhatsappOfficial
	}
	return false
}

// EnabledChannels returns the enabled set in fallback priority order
func (a *Account) EnabledChannels() []Channel {
	out := make([]Channel, 0, len(AllChannels))
	for _, c := range AllChannels {
		if a.IsChannelEnabled(c) {
			out = append(out, c)
		}
	}
	return out
}

// AccountFilter represents filter criteria for account queries
type AccountFilter struct {
	ID       *uint      `json:"id,omitempty"`
	UUID     *uuid.UUID `json:"uuid,omitempty"`
	APIToken *string    `json:"-"`
	IsActive *bool      `json:"is_active,omitempty"`
	Name     *string    `json:"name,omitempty"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageDirection tells whether a message was sent by us or received
type MessageDirection string

const (
	MessageDirectionOutgoing MessageDirection = "outgoing"
	MessageDirectionIncoming MessageDirection = "incoming"
)

// Keys used inside Message.ProviderMetadata
const (
	MetadataKeyProvider    = "provider"
	MetadataKeyDeviceID    = "deviceId"
	MetadataKeyRawResponse = "rawResponse"
	MetadataKeyLastUpdate  = "lastUpdate"
	MetadataKeyAttempts    = "attempts"
	// Set when the provider accepted the message but charging the account failed
	MetadataKeyChargeFailed = "chargeFailed"
	MetadataKeyChargeError  = "chargeError"
)

// ReadReceipt records one reader acknowledging an incoming message
type ReadReceipt struct {
	ReaderID   string    `json:"readerId"`
	ReaderName string    `json:"readerName"`
	ReadAt     time.Time `json:"readAt"`
}

// Message is the durable record of one dispatch request
type Message struct {
	ID             uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID           uuid.UUID        `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	AccountID      uint             `gorm:"not null;index:idx_messages_account_created,priority:1" json:"account_id"`
	Direction      MessageDirection `gorm:"size:16;not null;default:'outgoing'" json:"direction"`
	ConversationID *string          `gorm:"size:128;index" json:"conversation_id,omitempty"`

	Recipients         datatypes.JSONSlice[string] `json:"recipients"`
	OriginalRecipients datatypes.JSONSlice[string] `json:"original_recipients"`
	Content            string                      `gorm:"type:text;not null" json:"content"`

	Status            MessageStatus     `gorm:"size:16;not null;index:idx_messages_status_created,priority:1" json:"status"`
	PreferredChannel  Channel           `gorm:"size:32;not null;default:''" json:"preferred_channel,omitempty"`
	ChannelUsed       Channel           `gorm:"size:32;not null;default:''" json:"channel_used,omitempty"`
	ProviderMessageID *string           `gorm:"size:255;index:idx_messages_provider_message_id" json:"provider_message_id,omitempty"`
	ProviderMetadata  datatypes.JSONMap `json:"provider_metadata"`
	ErrorMessage      *string           `gorm:"type:text" json:"error_message,omitempty"`

	SentAt      *time.Time                       `json:"sent_at,omitempty"`
	DeliveredAt *time.Time                       `json:"delivered_at,omitempty"`
	ReadAt      *time.Time                       `json:"read_at,omitempty"`
	ReadBy      datatypes.JSONSlice[ReadReceipt] `json:"read_by"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_messages_account_created,priority:2;index:idx_messages_status_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// BeforeCreate ensures UUID and JSON columns are initialized
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.Direction == "" {
		m.Direction = MessageDirectionOutgoing
	}
	if m.ProviderMetadata == nil {
		m.ProviderMetadata = datatypes.JSONMap{}
	}
	if m.OriginalRecipients == nil {
		m.OriginalRecipients = datatypes.JSONSlice[string]{}
	}
	if m.ReadBy == nil {
		m.ReadBy = datatypes.JSONSlice[ReadReceipt]{}
	}
	return nil
}

// PrimaryRecipient returns the first normalized recipient address
func (m *Message) PrimaryRecipient() string {
	if len(m.Recipients) == 0 {
		return ""
	}
	return m.Recipients[0]
}

// HasReader reports whether readerID already acknowledged the message
func (m *Message) HasReader(readerID string) bool {
	for _, r := range m.ReadBy {
		if r.ReaderID == readerID {
			return true
		}
	}
	return false
}

// MessageFilter represents filter criteria for message queries
type MessageFilter struct {
	ID                *uint             `json:"id,omitempty"`
	UUID              *uuid.UUID        `json:"uuid,omitempty"`
	AccountID         *uint             `json:"account_id,omitempty"`
	Direction         *MessageDirection `json:"direction,omitempty"`
	ConversationID    *string           `json:"conversation_id,omitempty"`
	Status            *MessageStatus    `json:"status,omitempty"`
	Statuses          []MessageStatus   `json:"statuses,omitempty"`
	ChannelUsed       *Channel          `json:"channel_used,omitempty"`
	ChannelsUsed      []Channel         `json:"channels_used,omitempty"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty"`
	HasProviderID     *bool             `json:"has_provider_id,omitempty"`
	CreatedAfter      *time.Time        `json:"created_after,omitempty"`
	CreatedBefore     *time.Time        `json:"created_before,omitempty"`
}

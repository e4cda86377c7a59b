package dto

import "time"

// SendMessageRequest represents a request to send one text to one recipient
type SendMessageRequest struct {
	Token          string  `json:"token" validate:"required,max=255"`                                                     // Account API token
	Phone          string  `json:"phone" validate:"required,max=64"`                                                      // Recipient in any common format
	Message        string  `json:"message" validate:"required,max=4096"`                                                  // Text body
	Channel        string  `json:"channel,omitempty" validate:"omitempty,oneof=sms whatsapp_unofficial whatsapp_official"` // Optional preferred channel
	ConversationID *string `json:"conversation_id,omitempty" validate:"omitempty,max=128"`                                // Optional CRM conversation
}

// SendMessageResponse is returned once a message is accepted for dispatch
type SendMessageResponse struct {
	Message       string    `json:"message"`
	MessageID     uint      `json:"message_id"`
	MessageUUID   string    `json:"message_uuid"`
	Status        string    `json:"status"`
	Recipient     string    `json:"recipient"`
	Segments      int       `json:"segments"`
	EstimatedCost float64   `json:"estimated_cost"` // at the cheapest enabled channel
	ChannelOrder  []string  `json:"channel_order"`
	CreatedAt     time.Time `json:"created_at"`
}

// GetMessageStatusRequest looks up one message of the calling account
type GetMessageStatusRequest struct {
	Token       string `json:"-" validate:"required"`
	MessageUUID string `json:"message_uuid" validate:"required,uuid"`
}

// DispatchAttempt is one provider attempt recorded on a message
type DispatchAttempt struct {
	Channel   string `json:"channel"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

// MessageStatusResponse describes the current state of a message
type MessageStatusResponse struct {
	UUID              string            `json:"uuid"`
	Direction         string            `json:"direction"`
	Status            string            `json:"status"`
	Recipients        []string          `json:"recipients"`
	PreferredChannel  string            `json:"preferred_channel,omitempty"`
	ChannelUsed       string            `json:"channel_used,omitempty"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	Attempts          []DispatchAttempt `json:"attempts"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `json:"read_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

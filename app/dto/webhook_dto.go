package dto

// SMSWebhookPayload is posted by the SMS gateway on message state changes
type SMSWebhookPayload struct {
	ID       string `json:"id"`
	Event    string `json:"event"` // sms:sent, sms:delivered, sms:failed
	DeviceID string `json:"deviceId"`
	Payload  struct {
		MessageID   string `json:"messageId"`
		PhoneNumber string `json:"phoneNumber"`
		State       string `json:"state"`
		SentAt      string `json:"sentAt,omitempty"`
		DeliveredAt string `json:"deliveredAt,omitempty"`
		FailedAt    string `json:"failedAt,omitempty"`
		Reason      string `json:"reason,omitempty"`
	} `json:"payload"`
}

// BridgeWebhookPayload is posted by the unofficial whatsapp bridge
type BridgeWebhookPayload struct {
	Event   string `json:"event"` // message.ack, message
	Session string `json:"session"`
	Payload struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Body      string `json:"body"`
		FromMe    bool   `json:"fromMe"`
		Timestamp int64  `json:"timestamp"`
		Ack       *int   `json:"ack,omitempty"`
		AckName   string `json:"ackName,omitempty"`
	} `json:"payload"`
}

// OfficialWebhookPayload is the WhatsApp Business Cloud API webhook envelope
type OfficialWebhookPayload struct {
	Object string                 `json:"object"`
	Entry  []OfficialWebhookEntry `json:"entry"`
}

type OfficialWebhookEntry struct {
	ID      string                  `json:"id"`
	Changes []OfficialWebhookChange `json:"changes"`
}

type OfficialWebhookChange struct {
	Field string               `json:"field"`
	Value OfficialWebhookValue `json:"value"`
}

type OfficialWebhookValue struct {
	MessagingProduct string                   `json:"messaging_product"`
	Metadata         OfficialWebhookMetadata  `json:"metadata"`
	Statuses         []OfficialWebhookStatus  `json:"statuses,omitempty"`
	Messages         []OfficialWebhookMessage `json:"messages,omitempty"`
}

type OfficialWebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type OfficialWebhookStatus struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"` // sent, delivered, read, failed
	Timestamp   string                 `json:"timestamp"`
	RecipientID string                 `json:"recipient_id"`
	Errors      []OfficialWebhookError `json:"errors,omitempty"`
}

type OfficialWebhookError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

type OfficialWebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// WebhookAck is the body returned to every webhook sender
type WebhookAck struct {
	Received bool `json:"received"`
	Applied  int  `json:"applied"`
}

package businessflow

import (
	"encoding/json"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/models"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds caller information attached to operator actions and logs
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// SetActor sets who performed the action
func (cm *ClientMetadata) SetActor(actor string) {
	cm.Actor = actor
}

// attemptRecord is one provider attempt as stored under ProviderMetadata["attempts"]
type attemptRecord struct {
	Channel   models.Channel `json:"channel"`
	Success   bool           `json:"success"`
	ErrorKind string         `json:"errorKind,omitempty"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// decodeAttempts reads the attempt list back from provider metadata, which holds
// either freshly built records or their JSON-decoded form
func decodeAttempts(meta map[string]any) []attemptRecord {
	raw, ok := meta[models.MetadataKeyAttempts]
	if !ok || raw == nil {
		return []attemptRecord{}
	}
	if records, ok := raw.([]attemptRecord); ok {
		return records
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return []attemptRecord{}
	}
	var records []attemptRecord
	if err := json.Unmarshal(encoded, &records); err != nil {
		return []attemptRecord{}
	}
	return records
}

// ToMessageStatusResponse converts a message model to its API view
func ToMessageStatusResponse(message *models.Message) dto.MessageStatusResponse {
	attempts := decodeAttempts(message.ProviderMetadata)
	items := make([]dto.DispatchAttempt, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, dto.DispatchAttempt{
			Channel:   a.Channel.String(),
			Success:   a.Success,
			ErrorKind: a.ErrorKind,
			Error:     a.Error,
			At:        a.At.UTC().Format(time.RFC3339),
		})
	}

	recipients := make([]string, 0, len(message.Recipients))
	recipients = append(recipients, message.Recipients...)

	return dto.MessageStatusResponse{
		UUID:              message.UUID.String(),
		Direction:         string(message.Direction),
		Status:            message.Status.String(),
		Recipients:        recipients,
		PreferredChannel:  message.PreferredChannel.String(),
		ChannelUsed:       message.ChannelUsed.String(),
		ProviderMessageID: message.ProviderMessageID,
		ErrorMessage:      message.ErrorMessage,
		Attempts:          items,
		SentAt:            message.SentAt,
		DeliveredAt:       message.DeliveredAt,
		ReadAt:            message.ReadAt,
		CreatedAt:         message.CreatedAt,
		UpdatedAt:         message.UpdatedAt,
	}
}

// ToDepositResponse converts a ledger row to the deposit API view
func ToDepositResponse(entry *models.BalanceTransaction) dto.DepositResponse {
	return dto.DepositResponse{
		TransactionUUID: entry.UUID.String(),
		AccountID:       entry.AccountID,
		Amount:          entry.Amount,
		BalanceBefore:   entry.BalanceBefore,
		BalanceAfter:    entry.BalanceAfter,
		CreatedAt:       entry.CreatedAt,
	}
}

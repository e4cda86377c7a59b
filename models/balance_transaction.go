package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BalanceTransactionType represents the type of ledger entry
type BalanceTransactionType string

const (
	BalanceTransactionTypeDeposit BalanceTransactionType = "deposit" // Operator top-up
	BalanceTransactionTypeUsage   BalanceTransactionType = "usage"   // Charge for a sent message
)

// BalanceTransaction is an append-only ledger row for an account balance change
type BalanceTransaction struct {
	ID        uint                   `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID      uuid.UUID              `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	AccountID uint                   `gorm:"not null;index:idx_balance_tx_account_created,priority:1" json:"account_id"`
	MessageID *uint                  `gorm:"index" json:"message_id,omitempty"`
	Type      BalanceTransactionType `gorm:"size:20;not null;index" json:"type"`

	// Amount is always a positive magnitude; Type gives the direction
	Amount        float64 `gorm:"type:numeric(18,4);not null" json:"amount"`
	BalanceBefore float64 `gorm:"type:numeric(18,4);not null" json:"balance_before"`
	BalanceAfter  float64 `gorm:"type:numeric(18,4);not null" json:"balance_after"`

	Description string `gorm:"type:text" json:"description"`
	PerformedBy string `gorm:"size:255;not null;default:'system'" json:"performed_by"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_balance_tx_account_created,priority:2" json:"created_at"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transactions"
}

// BeforeCreate ensures UUID is set
func (t *BalanceTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	return nil
}

// BalanceTransactionFilter represents filter criteria for ledger queries
type BalanceTransactionFilter struct {
	ID            *uint                   `json:"id,omitempty"`
	AccountID     *uint                   `json:"account_id,omitempty"`
	MessageID     *uint                   `json:"message_id,omitempty"`
	Type          *BalanceTransactionType `json:"type,omitempty"`
	CreatedAfter  *time.Time              `json:"created_after,omitempty"`
	CreatedBefore *time.Time              `json:"created_before,omitempty"`
}

package dto

import "time"

// MarkReadRequest acknowledges that an operator read an incoming message
type MarkReadRequest struct {
	MessageUUID string     `json:"-" validate:"required,uuid"`
	ReaderID    string     `json:"reader_id" validate:"required,max=255"`
	ReaderName  string     `json:"reader_name" validate:"omitempty,max=255"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// MarkReadResponse reports whether the acknowledgement changed the message
type MarkReadResponse struct {
	MessageUUID string `json:"message_uuid"`
	Changed     bool   `json:"changed"`
}

// DepositRequest tops up an account balance
type DepositRequest struct {
	AccountID   uint    `json:"-" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Description string  `json:"description" validate:"omitempty,max=500"`
}

// DepositResponse returns the written ledger row
type DepositResponse struct {
	TransactionUUID string    `json:"transaction_uuid"`
	AccountID       uint      `json:"account_id"`
	Amount          float64   `json:"amount"`
	BalanceBefore   float64   `json:"balance_before"`
	BalanceAfter    float64   `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProviderBalanceItem is the balance of one channel provider
type ProviderBalanceItem struct {
	Channel   string  `json:"channel"`
	Available bool    `json:"available"`
	Balance   float64 `json:"balance,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ProviderBalancesResponse lists balances for all ready channels
type ProviderBalancesResponse struct {
	Items []ProviderBalanceItem `json:"items"`
}

// UsageStatementRequest selects the ledger rows exported to a spreadsheet
type UsageStatementRequest struct {
	AccountID uint       `json:"-" validate:"required"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

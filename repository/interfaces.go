// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// AccountRepository defines operations for dispatch accounts
type AccountRepository interface {
	Repository[models.Account, models.AccountFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// ByToken resolves an API credential to its account, active or not
	ByToken(ctx context.Context, token string) (*models.Account, error)
	// DebitBalance subtracts amount only when the balance covers it and returns the new balance.
	// ok is false when the conditional update matched no row.
	DebitBalance(ctx context.Context, accountID uint, amount float64) (balanceAfter float64, ok bool, err error)
	// ForceDebitBalance subtracts amount unconditionally and returns the new balance
	ForceDebitBalance(ctx context.Context, accountID uint, amount float64) (float64, error)
	CreditBalance(ctx context.Context, accountID uint, amount float64) (float64, error)
	IncrementSentCounter(ctx context.Context, accountID uint) error
}

// MessageRepository defines operations for dispatched messages
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error)
	// CountCreatedSince counts outgoing messages of an account created at or after since
	CountCreatedSince(ctx context.Context, accountID uint, since time.Time) (int64, error)
	// ListReconcilable returns pending or sent messages carrying a provider id, oldest first.
	// An empty channels list matches every channel.
	ListReconcilable(ctx context.Context, channels []models.Channel, limit int) ([]*models.Message, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Message, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
	// CompareAndSetStatus applies fields only while the stored status still equals expected
	CompareAndSetStatus(ctx context.Context, id uint, expected models.MessageStatus, fields map[string]any) (bool, error)
}

// BalanceTransactionRepository defines operations for the balance ledger
type BalanceTransactionRepository interface {
	Repository[models.BalanceTransaction, models.BalanceTransactionFilter]
	ListByAccount(ctx context.Context, accountID uint, from, to *time.Time) ([]*models.BalanceTransaction, error)
	SumByAccount(ctx context.Context, accountID uint, txType models.BalanceTransactionType) (float64, error)
}

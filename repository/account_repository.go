package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountRepositoryImpl implements AccountRepository
type AccountRepositoryImpl struct {
	*BaseRepository[models.Account, models.AccountFilter]
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &AccountRepositoryImpl{BaseRepository: NewBaseRepository[models.Account, models.AccountFilter](db)}
}

func (r *AccountRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return r.first(ctx, models.AccountFilter{UUID: &id})
}

func (r *AccountRepositoryImpl) ByToken(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, nil
	}
	return r.first(ctx, models.AccountFilter{APIToken: &token})
}

func (r *AccountRepositoryImpl) first(ctx context.Context, filter models.AccountFilter) (*models.Account, error) {
	db := r.getDB(ctx)
	var account models.Account
	if err := r.applyFilter(db, filter).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepositoryImpl) DebitBalance(ctx context.Context, accountID uint, amount float64) (float64, bool, error) {
	var (
		after float64
		ok    bool
	)
	err := r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Account{}).
			Where("id = ? AND balance >= ?", accountID, amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to debit account %d: %w", accountID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		ok = true
		return db.Model(&models.Account{}).Where("id = ?", accountID).Select("balance").Scan(&after).Error
	})
	if err != nil {
		return 0, false, err
	}
	return after, ok, nil
}

func (r *AccountRepositoryImpl) ForceDebitBalance(ctx context.Context, accountID uint, amount float64) (float64, error) {
	return r.adjust(ctx, accountID, -amount)
}

func (r *AccountRepositoryImpl) CreditBalance(ctx context.Context, accountID uint, amount float64) (float64, error) {
	return r.adjust(ctx, accountID, amount)
}

func (r *AccountRepositoryImpl) adjust(ctx context.Context, accountID uint, delta float64) (float64, error) {
	var after float64
	err := r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Account{}).
			Where("id = ?", accountID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", delta),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to adjust balance of account %d: %w", accountID, res.Error)
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return db.Model(&models.Account{}).Where("id = ?", accountID).Select("balance").Scan(&after).Error
	})
	return after, err
}

func (r *AccountRepositoryImpl) IncrementSentCounter(ctx context.Context, accountID uint) error {
	return r.write(ctx, func(db *gorm.DB) error {
		return db.Model(&models.Account{}).
			Where("id = ?", accountID).
			UpdateColumn("messages_sent_counter", gorm.Expr("messages_sent_counter + 1")).Error
	})
}

func (r *AccountRepositoryImpl) applyFilter(db *gorm.DB, f models.AccountFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.APIToken != nil {
		db = db.Where("api_token = ?", *f.APIToken)
	}
	if f.IsActive != nil {
		db = db.Where("is_active = ?", *f.IsActive)
	}
	if f.Name != nil {
		db = db.Where("name = ?", *f.Name)
	}
	return db
}

func (r *AccountRepositoryImpl) ByFilter(ctx context.Context, filter models.AccountFilter, orderBy string, limit, offset int) ([]*models.Account, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Account{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Account
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AccountRepositoryImpl) Count(ctx context.Context, filter models.AccountFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Account{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *AccountRepositoryImpl) Exists(ctx context.Context, filter models.AccountFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

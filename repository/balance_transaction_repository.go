package repository

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// BalanceTransactionRepositoryImpl implements BalanceTransactionRepository
type BalanceTransactionRepositoryImpl struct {
	*BaseRepository[models.BalanceTransaction, models.BalanceTransactionFilter]
}

func NewBalanceTransactionRepository(db *gorm.DB) BalanceTransactionRepository {
	return &BalanceTransactionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.BalanceTransaction, models.BalanceTransactionFilter](db),
	}
}

func (r *BalanceTransactionRepositoryImpl) ListByAccount(ctx context.Context, accountID uint, from, to *time.Time) ([]*models.BalanceTransaction, error) {
	filter := models.BalanceTransactionFilter{AccountID: &accountID, CreatedAfter: from, CreatedBefore: to}
	return r.ByFilter(ctx, filter, "created_at ASC, id ASC", 0, 0)
}

func (r *BalanceTransactionRepositoryImpl) SumByAccount(ctx context.Context, accountID uint, txType models.BalanceTransactionType) (float64, error) {
	db := r.getDB(ctx)
	var total float64
	err := db.Model(&models.BalanceTransaction{}).
		Where("account_id = ? AND type = ?", accountID, txType).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *BalanceTransactionRepositoryImpl) applyFilter(db *gorm.DB, f models.BalanceTransactionFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.AccountID != nil {
		db = db.Where("account_id = ?", *f.AccountID)
	}
	if f.MessageID != nil {
		db = db.Where("message_id = ?", *f.MessageID)
	}
	if f.Type != nil {
		db = db.Where("type = ?", *f.Type)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *BalanceTransactionRepositoryImpl) ByFilter(ctx context.Context, filter models.BalanceTransactionFilter, orderBy string, limit, offset int) ([]*models.BalanceTransaction, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.BalanceTransaction{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.BalanceTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BalanceTransactionRepositoryImpl) Count(ctx context.Context, filter models.BalanceTransactionFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.BalanceTransaction{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BalanceTransactionRepositoryImpl) Exists(ctx context.Context, filter models.BalanceTransactionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

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

// MessageRepositoryImpl implements MessageRepository
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db)}
}

func (r *MessageRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return r.first(ctx, models.MessageFilter{UUID: &id})
}

func (r *MessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	if providerMessageID == "" {
		return nil, nil
	}
	return r.first(ctx, models.MessageFilter{ProviderMessageID: &providerMessageID})
}

func (r *MessageRepositoryImpl) first(ctx context.Context, filter models.MessageFilter) (*models.Message, error) {
	db := r.getDB(ctx)
	var row models.Message
	if err := r.applyFilter(db, filter).Order("id DESC").Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *MessageRepositoryImpl) CountCreatedSince(ctx context.Context, accountID uint, since time.Time) (int64, error) {
	dir := models.MessageDirectionOutgoing
	return r.Count(ctx, models.MessageFilter{AccountID: &accountID, Direction: &dir, CreatedAfter: &since})
}

func (r *MessageRepositoryImpl) ListReconcilable(ctx context.Context, channels []models.Channel, limit int) ([]*models.Message, error) {
	hasID := true
	dir := models.MessageDirectionOutgoing
	filter := models.MessageFilter{
		Statuses:      []models.MessageStatus{models.MessageStatusPending, models.MessageStatusSent},
		ChannelsUsed:  channels,
		HasProviderID: &hasID,
		Direction:     &dir,
	}
	return r.ByFilter(ctx, filter, "created_at ASC, id ASC", limit, 0)
}

func (r *MessageRepositoryImpl) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Message, error) {
	status := models.MessageStatusPending
	filter := models.MessageFilter{Status: &status, CreatedBefore: &cutoff}
	return r.ByFilter(ctx, filter, "created_at ASC, id ASC", limit, 0)
}

func (r *MessageRepositoryImpl) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Message{}).Where("id = ?", id).Updates(withUpdatedAt(fields))
		if res.Error != nil {
			return fmt.Errorf("failed to update message %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *MessageRepositoryImpl) CompareAndSetStatus(ctx context.Context, id uint, expected models.MessageStatus, fields map[string]any) (bool, error) {
	var swapped bool
	err := r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Message{}).
			Where("id = ? AND status = ?", id, expected).
			Updates(withUpdatedAt(fields))
		if res.Error != nil {
			return fmt.Errorf("failed to update message %d: %w", id, res.Error)
		}
		swapped = res.RowsAffected > 0
		return nil
	})
	return swapped, err
}

func withUpdatedAt(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = time.Now().UTC()
	}
	return out
}

func (r *MessageRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.AccountID != nil {
		db = db.Where("account_id = ?", *f.AccountID)
	}
	if f.Direction != nil {
		db = db.Where("direction = ?", *f.Direction)
	}
	if f.ConversationID != nil {
		db = db.Where("conversation_id = ?", *f.ConversationID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if len(f.Statuses) > 0 {
		db = db.Where("status IN ?", f.Statuses)
	}
	if f.ChannelUsed != nil {
		db = db.Where("channel_used = ?", *f.ChannelUsed)
	}
	if len(f.ChannelsUsed) > 0 {
		db = db.Where("channel_used IN ?", f.ChannelsUsed)
	}
	if f.ProviderMessageID != nil {
		db = db.Where("provider_message_id = ?", *f.ProviderMessageID)
	}
	if f.HasProviderID != nil {
		if *f.HasProviderID {
			db = db.Where("provider_message_id IS NOT NULL AND provider_message_id <> ''")
		} else {
			db = db.Where("provider_message_id IS NULL OR provider_message_id = ''")
		}
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

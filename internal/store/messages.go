package store

import (
	"context"

	"github.com/xushuhui/zhida/internal/models"
	"gorm.io/gorm"
)

type MessageRepo struct {
	*Repo[models.Message]
}

func NewMessageRepo(db *gorm.DB) *MessageRepo {
	return &MessageRepo{Repo: NewRepo[models.Message](db)}
}

// ListBySession returns messages in conversation order (oldest -> newest).
func (r *MessageRepo) ListBySession(ctx context.Context, sessionID uint64, offset, limit int) ([]models.Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC")
	q = paginate(q, offset, limit)

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListByUser returns a user's messages across sessions, newest first.
func (r *MessageRepo) ListByUser(ctx context.Context, userID uint64, offset, limit int) ([]models.Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC")
	q = paginate(q, offset, limit)

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Recent returns the newest n non-error messages of a session in ASC order, ready to be
// sent to a provider.
func (r *MessageRepo) Recent(ctx context.Context, sessionID uint64, n int) ([]models.Message, error) {
	if n <= 0 {
		n = 5
	}
	var desc []models.Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND status <> ?", sessionID, models.MessageError).
		Order("created_at DESC").
		Order("id DESC").
		Limit(n).
		Find(&desc).Error; err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

func (r *MessageRepo) MarkError(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Update("status", models.MessageError)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

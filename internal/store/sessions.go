package store

import (
	"context"
	"time"

	"github.com/xushuhui/zhida/internal/models"
	"gorm.io/gorm"
)

type SessionRepo struct {
	*Repo[models.Session]
}

func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{Repo: NewRepo[models.Session](db)}
}

// GetOwned hides sessions of other users behind ErrNotFound.
func (r *SessionRepo) GetOwned(ctx context.Context, id, userID uint64) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// ListByOwner returns the user's sessions, most recently active first.
// An empty status lists every status.
func (r *SessionRepo) ListByOwner(ctx context.Context, userID uint64, status string, offset, limit int) ([]models.Session, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("COALESCE(last_message_time, created_at) DESC").
		Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = paginate(q, offset, limit)

	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordMessages bumps the rolling counter in a single statement so concurrent turns
// on one session do not lose increments.
func (r *SessionRepo) RecordMessages(ctx context.Context, id uint64, n int, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count":     gorm.Expr("message_count + ?", n),
			"last_message_time": at,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SessionRepo) Archive(ctx context.Context, id uint64) (*models.Session, error) {
	return r.Update(ctx, id, map[string]any{"status": models.SessionArchived})
}

// DeleteWithMessages removes the session and its messages atomically.
func (r *SessionRepo) DeleteWithMessages(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Session{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

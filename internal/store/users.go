package store

import (
	"context"
	"time"

	"github.com/xushuhui/zhida/internal/models"
	"gorm.io/gorm"
)

type UserRepo struct {
	*Repo[models.User]
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{Repo: NewRepo[models.User](db)}
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getBy(ctx, "username = ?", username)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getBy(ctx, "email = ?", email)
}

func (r *UserRepo) getBy(ctx context.Context, cond string, arg any) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where(cond, arg).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *UserRepo) TouchLastLogin(ctx context.Context, id uint64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("last_login", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepo) IsAdmin(ctx context.Context, id uint64) (bool, error) {
	u, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// DeleteCascade removes a user together with everything it owns. Foreign keys cascade
// as well; the explicit deletes keep SQLite without foreign_keys enabled consistent.
func (r *UserRepo) DeleteCascade(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.Statistics{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

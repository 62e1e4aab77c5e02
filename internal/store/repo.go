package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Repo is the CRUD contract shared by every entity repository.
type Repo[T any] struct {
	db *gorm.DB
}

func NewRepo[T any](db *gorm.DB) *Repo[T] {
	return &Repo[T]{db: db}
}

func (r *Repo[T]) DB() *gorm.DB { return r.db }

func (r *Repo[T]) Get(ctx context.Context, id uint64) (*T, error) {
	var v T
	if err := r.db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

// List returns rows matching filter (column -> value) in primary key order.
func (r *Repo[T]) List(ctx context.Context, filter map[string]any, offset, limit int) ([]T, error) {
	q := r.db.WithContext(ctx).Model(new(T)).Order("id ASC")
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	q = paginate(q, offset, limit)

	var out []T
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo[T]) Count(ctx context.Context, filter map[string]any) (int64, error) {
	q := r.db.WithContext(ctx).Model(new(T))
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Create assigns the id and timestamps on v.
func (r *Repo[T]) Create(ctx context.Context, v *T) error {
	return translate(r.db.WithContext(ctx).Create(v).Error)
}

// Update applies a partial set of column values and returns the fresh row.
func (r *Repo[T]) Update(ctx context.Context, id uint64, fields map[string]any) (*T, error) {
	if len(fields) > 0 {
		err := r.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(fields).Error
		if err != nil {
			return nil, translate(err)
		}
	}
	return r.Get(ctx, id)
}

func (r *Repo[T]) Delete(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Delete(new(T), id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func paginate(q *gorm.DB, offset, limit int) *gorm.DB {
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return errors.Join(ErrDuplicateKey, err)
	default:
		return err
	}
}

// isUniqueViolation covers dialectors that do not translate errors themselves.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}

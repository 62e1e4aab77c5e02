package store

import (
	"context"

	"github.com/xushuhui/zhida/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatsDelta is one usage event merged into a daily row. ResponseTime is nil for
// events that carry no latency sample (failed turns); those leave the average alone.
type StatsDelta struct {
	ChatCount    int
	MessageCount int
	ResponseTime *float64
	TokenUsage   int64
	ErrorCount   int
}

type StatsTotals struct {
	TotalChats      int64   `json:"total_chats"`
	TotalMessages   int64   `json:"total_messages"`
	AvgResponseTime float64 `json:"avg_response_time"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalErrors     int64   `json:"total_errors"`
}

type StatisticsRepo struct {
	*Repo[models.Statistics]
}

func NewStatisticsRepo(db *gorm.DB) *StatisticsRepo {
	return &StatisticsRepo{Repo: NewRepo[models.Statistics](db)}
}

// Upsert merges d into the (userID, date) row, creating it on the first event of the day.
// Counters are summed and the response-time average is the mean of the stored and the
// new value: (old + new) / 2, or new when nothing was stored yet. The merge is a single
// UPDATE so concurrent events do not overwrite each other.
func (r *StatisticsRepo) Upsert(ctx context.Context, userID uint64, date string, d StatsDelta) (*models.Statistics, error) {
	var out models.Statistics
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.Statistics{UserID: userID, Date: date}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"chat_count":    gorm.Expr("chat_count + ?", d.ChatCount),
			"message_count": gorm.Expr("message_count + ?", d.MessageCount),
			"token_usage":   gorm.Expr("token_usage + ?", d.TokenUsage),
			"error_count":   gorm.Expr("error_count + ?", d.ErrorCount),
		}
		if d.ResponseTime != nil {
			rt := *d.ResponseTime
			updates["avg_response_time"] = gorm.Expr("(COALESCE(avg_response_time, ?) + ?) / 2", rt, rt)
		}
		if err := tx.Model(&models.Statistics{}).
			Where("user_id = ? AND date = ?", userID, date).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND date = ?", userID, date).First(&out).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

// ListRange returns the user's rows with start <= date <= end, oldest first.
// Dates use models.DateLayout so they compare lexicographically.
func (r *StatisticsRepo) ListRange(ctx context.Context, userID uint64, start, end string) ([]models.Statistics, error) {
	var rows []models.Statistics
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND date >= ? AND date <= ?", userID, start, end).
		Order("date ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *StatisticsRepo) GetDay(ctx context.Context, userID uint64, date string) (*models.Statistics, error) {
	var s models.Statistics
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		First(&s).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *StatisticsRepo) Totals(ctx context.Context, userID uint64) (StatsTotals, error) {
	var t StatsTotals
	err := r.db.WithContext(ctx).Model(&models.Statistics{}).
		Select(`COALESCE(SUM(chat_count), 0) AS total_chats,
			COALESCE(SUM(message_count), 0) AS total_messages,
			COALESCE(AVG(avg_response_time), 0) AS avg_response_time,
			COALESCE(SUM(token_usage), 0) AS total_tokens,
			COALESCE(SUM(error_count), 0) AS total_errors`).
		Where("user_id = ?", userID).
		Scan(&t).Error
	return t, err
}

package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xushuhui/zhida/internal/models"
	"github.com/xushuhui/zhida/internal/store"
)

const maxTitleLen = 255

type CreateSessionInput struct {
	Title        string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	Provider     string
	Model        string
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, in CreateSessionInput) (*models.Session, error) {
	if err := validateOverrides(Overrides{Temperature: in.Temperature, MaxTokens: in.MaxTokens}); err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider != "" && !s.knownProvider(provider) {
		return nil, ErrUnknownProvider
	}
	title := truncate(in.Title, maxTitleLen)
	if title == "" {
		title = models.DefaultSessionTitle
	}

	sess := &models.Session{
		UserID:       userID,
		Title:        title,
		Status:       models.SessionActive,
		SystemPrompt: in.SystemPrompt,
		Temperature:  in.Temperature,
		MaxTokens:    in.MaxTokens,
		Provider:     provider,
		Model:        strings.TrimSpace(in.Model),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, status string, offset, limit int) ([]models.Session, error) {
	switch status {
	case "", models.SessionActive, models.SessionArchived:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	offset, limit = page(offset, limit, 20)
	return s.sessions.ListByOwner(ctx, userID, status, offset, limit)
}

func (s *Service) GetSession(ctx context.Context, userID, sessionID uint64) (*models.Session, error) {
	return s.sessions.GetOwned(ctx, sessionID, userID)
}

// ListMessages returns the session's messages in conversation order.
func (s *Service) ListMessages(ctx context.Context, userID, sessionID uint64, offset, limit int) ([]models.Message, error) {
	if _, err := s.sessions.GetOwned(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	offset, limit = page(offset, limit, 50)
	return s.messages.ListBySession(ctx, sessionID, offset, limit)
}

func (s *Service) ArchiveSession(ctx context.Context, userID, sessionID uint64) (*models.Session, error) {
	if _, err := s.sessions.GetOwned(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.sessions.Archive(ctx, sessionID)
}

// DeleteSession removes the session and its messages. Deleting it again reports
// store.ErrNotFound.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID uint64) error {
	if _, err := s.sessions.GetOwned(ctx, sessionID, userID); err != nil {
		return err
	}
	if err := s.sessions.DeleteWithMessages(ctx, sessionID); err != nil {
		return err
	}
	s.log.Info().Uint64("user_id", userID).Uint64("session_id", sessionID).Msg("session deleted")
	return nil
}

// DailyStats lists usage rows between start and end inclusive (YYYY-MM-DD). Empty
// bounds default to the last seven days.
func (s *Service) DailyStats(ctx context.Context, userID uint64, start, end string) ([]models.Statistics, error) {
	today := s.now().UTC()
	if end == "" {
		end = today.Format(models.DateLayout)
	}
	if start == "" {
		start = today.AddDate(0, 0, -6).Format(models.DateLayout)
	}
	from, err := time.Parse(models.DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start must be YYYY-MM-DD", ErrValidation)
	}
	to, err := time.Parse(models.DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end must be YYYY-MM-DD", ErrValidation)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end is before start", ErrValidation)
	}
	return s.stats.ListRange(ctx, userID, start, end)
}

func (s *Service) TotalStats(ctx context.Context, userID uint64) (store.StatsTotals, error) {
	return s.stats.Totals(ctx, userID)
}

func page(offset, limit, def int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = def
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}

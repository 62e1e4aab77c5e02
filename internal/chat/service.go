package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/metrics"
	"github.com/xushuhui/zhida/internal/models"
	"github.com/xushuhui/zhida/internal/store"
)

var (
	ErrValidation           = errors.New("invalid request")
	ErrEmptyMessage         = fmt.Errorf("%w: message must not be empty", ErrValidation)
	ErrUnknownProvider      = fmt.Errorf("%w: unknown provider", ErrValidation)
	ErrStreamingUnsupported = errors.New("provider does not support streaming")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrQueueUnavailable     = errors.New("job queue is not configured")

	// ErrReplyNotStored is returned when the provider answered but the assistant
	// message could not be written. The turn is failed, never re-run.
	ErrReplyNotStored = errors.New("reply not stored")
	// ErrJobFinal wraps RunJob errors that a redelivery must not retry.
	ErrJobFinal = errors.New("job cannot be retried")
)

// Limiter caps the number of turns a user may start per window.
type Limiter interface {
	Allow(ctx context.Context, userID uint64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Defaults are the process-wide generation parameters, used when neither the
// request nor the session overrides them.
type Defaults struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

type Config struct {
	Sessions *store.SessionRepo
	Messages *store.MessageRepo
	Stats    *store.StatisticsRepo
	Jobs     *JobRepo

	Registry *ai.Registry
	Provider string // registry name used when a session does not pick one
	Model    string

	Defaults      Defaults
	ContextWindow int
	TitleLength   int

	Limiter   Limiter
	Publisher JobPublisher

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	sessions *store.SessionRepo
	messages *store.MessageRepo
	stats    *store.StatisticsRepo
	jobs     *JobRepo

	registry *ai.Registry
	provider string
	model    string

	defaults      Defaults
	contextWindow int
	titleLength   int

	limiter   Limiter
	publisher JobPublisher

	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.ContextWindow <= 0 || cfg.ContextWindow > 100 {
		cfg.ContextWindow = 5
	}
	if cfg.TitleLength <= 0 {
		cfg.TitleLength = 50
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		sessions:      cfg.Sessions,
		messages:      cfg.Messages,
		stats:         cfg.Stats,
		jobs:          cfg.Jobs,
		registry:      cfg.Registry,
		provider:      strings.ToLower(cfg.Provider),
		model:         cfg.Model,
		defaults:      cfg.Defaults,
		contextWindow: cfg.ContextWindow,
		titleLength:   cfg.TitleLength,
		limiter:       cfg.Limiter,
		publisher:     cfg.Publisher,
		log:           cfg.Logger.With().Str("component", "chat").Logger(),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
}

// Overrides are per-request generation parameters; nil falls back to the session,
// then to the process defaults.
type Overrides struct {
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
}

type TurnRequest struct {
	UserID    uint64
	SessionID uint64 // 0 starts a new session
	Message   string
	Overrides

	// routing for a new session; ignored for an existing one
	Provider string
	Model    string

	ClientInfo string
	IPAddress  string
}

type TurnResult struct {
	Session     *models.Session
	UserMessage *models.Message
	Reply       *models.Message
	TotalTokens int
}

// Chat runs one turn to completion. A provider failure leaves the user message
// persisted with status error and is returned as *ai.ProviderError.
func (s *Service) Chat(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sess, userMsg, err := s.BeginTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, sess, userMsg, req.Overrides, "sync")
}

// BeginTurn resolves or creates the session and records the inbound message.
func (s *Service) BeginTurn(ctx context.Context, req TurnRequest) (*models.Session, *models.Message, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, nil, ErrEmptyMessage
	}
	if err := validateOverrides(req.Overrides); err != nil {
		return nil, nil, err
	}
	if err := s.checkRate(ctx, req.UserID); err != nil {
		return nil, nil, err
	}

	sess, err := s.resolveSession(ctx, req, content)
	if err != nil {
		return nil, nil, err
	}

	userMsg := &models.Message{
		SessionID:  sess.ID,
		UserID:     req.UserID,
		Role:       models.RoleUser,
		Content:    content,
		Status:     models.MessageSent,
		ClientInfo: truncate(req.ClientInfo, 255),
		IPAddress:  truncate(req.IPAddress, 45),
	}
	if err := s.messages.Create(ctx, userMsg); err != nil {
		return nil, nil, fmt.Errorf("store user message: %w", err)
	}
	if err := s.sessions.RecordMessages(ctx, sess.ID, 1, userMsg.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("update session counters: %w", err)
	}
	sess.MessageCount++
	sess.LastMessageTime = &userMsg.CreatedAt
	return sess, userMsg, nil
}

// CompleteTurn runs the completion for a user message recorded earlier by BeginTurn.
func (s *Service) CompleteTurn(ctx context.Context, userID, sessionID, userMessageID uint64, ov Overrides) (*TurnResult, error) {
	sess, err := s.sessions.GetOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.messages.Get(ctx, userMessageID)
	if err != nil {
		return nil, err
	}
	if userMsg.SessionID != sess.ID {
		return nil, store.ErrNotFound
	}
	return s.complete(ctx, sess, userMsg, ov, "async")
}

func (s *Service) checkRate(ctx context.Context, userID uint64) error {
	if s.limiter == nil {
		return nil
	}
	ok, used, resetAt, err := s.limiter.Allow(ctx, userID, s.now())
	if err != nil {
		// fail open
		s.log.Error().Err(err).Uint64("user_id", userID).Msg("rate limiter failed")
		return nil
	}
	if ok {
		return nil
	}
	s.metrics.RateLimited.Inc()
	s.log.Info().Uint64("user_id", userID).Int64("used", used).Time("reset_at", resetAt).Msg("turn rate limited")
	return fmt.Errorf("%w: try again after %s", ErrRateLimited, resetAt.Format("15:04 UTC"))
}

func (s *Service) resolveSession(ctx context.Context, req TurnRequest, content string) (*models.Session, error) {
	if req.SessionID == 0 {
		if req.Provider != "" && !s.knownProvider(req.Provider) {
			return nil, ErrUnknownProvider
		}
		sess := &models.Session{
			UserID:       req.UserID,
			Title:        truncate(content, s.titleLength),
			Status:       models.SessionActive,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			Provider:     strings.ToLower(strings.TrimSpace(req.Provider)),
			Model:        strings.TrimSpace(req.Model),
		}
		if err := s.sessions.Create(ctx, sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		s.log.Debug().Uint64("user_id", req.UserID).Uint64("session_id", sess.ID).Msg("session created by turn")
		return sess, nil
	}

	sess, err := s.sessions.GetOwned(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	// an explicitly created, still empty session takes its title from the first message
	if sess.MessageCount == 0 && sess.Title == models.DefaultSessionTitle {
		title := truncate(content, s.titleLength)
		if _, err := s.sessions.Update(ctx, sess.ID, map[string]any{"title": title}); err != nil {
			return nil, fmt.Errorf("retitle session: %w", err)
		}
		sess.Title = title
	}
	return sess, nil
}

type turnParams struct {
	providerName string
	opts         ai.Options
	systemPrompt string
}

// params resolves request -> session -> default precedence.
func (s *Service) params(sess *models.Session, ov Overrides) turnParams {
	temperature := s.defaults.Temperature
	p := turnParams{
		providerName: s.provider,
		systemPrompt: s.defaults.SystemPrompt,
		opts: ai.Options{
			Model:       s.model,
			Temperature: &temperature,
			MaxTokens:   s.defaults.MaxTokens,
		},
	}
	if sess.Provider != "" {
		p.providerName = sess.Provider
		// a session routed to another provider uses that provider's default model
		if sess.Provider != s.provider {
			p.opts.Model = ""
		}
	}
	if sess.Model != "" {
		p.opts.Model = sess.Model
	}

	if sess.SystemPrompt != nil {
		p.systemPrompt = *sess.SystemPrompt
	}
	if sess.Temperature != nil {
		t := *sess.Temperature
		p.opts.Temperature = &t
	}
	if sess.MaxTokens != nil {
		p.opts.MaxTokens = *sess.MaxTokens
	}

	if ov.SystemPrompt != nil {
		p.systemPrompt = *ov.SystemPrompt
	}
	if ov.Temperature != nil {
		t := *ov.Temperature
		p.opts.Temperature = &t
	}
	if ov.MaxTokens != nil {
		p.opts.MaxTokens = *ov.MaxTokens
	}
	return p
}

// history returns the bounded context window, oldest first, with the system
// prompt in front when one is set. Messages that failed are left out.
func (s *Service) history(ctx context.Context, sessionID uint64, systemPrompt string) ([]ai.Message, error) {
	recent, err := s.messages.Recent(ctx, sessionID, s.contextWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]ai.Message, 0, len(recent)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ai.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	for _, m := range recent {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) complete(ctx context.Context, sess *models.Session, userMsg *models.Message, ov Overrides, mode string) (*TurnResult, error) {
	p := s.params(sess, ov)
	provider, err := s.providerFor(ctx, p)
	if err != nil {
		return nil, s.failTurn(ctx, sess, userMsg, err, mode)
	}
	msgs, err := s.history(ctx, sess.ID, p.systemPrompt)
	if err != nil {
		if mode == "async" {
			// the provider was not called yet; the worker retries or fails the job
			return nil, err
		}
		return nil, s.failTurn(ctx, sess, userMsg, err, mode)
	}

	start := time.Now()
	completion, err := provider.Chat(ctx, msgs, p.opts)
	elapsed := time.Since(start)
	s.metrics.CompletionLatency.WithLabelValues(p.providerName).Observe(elapsed.Seconds())
	if err != nil {
		return nil, s.failTurn(ctx, sess, userMsg, err, mode)
	}

	reply, err := s.recordReply(ctx, sess, userMsg, completion, elapsed, p.providerName, mode)
	if err != nil {
		return nil, s.failTurn(ctx, sess, userMsg, err, mode)
	}
	return &TurnResult{
		Session:     sess,
		UserMessage: userMsg,
		Reply:       reply,
		TotalTokens: completion.TotalTokens,
	}, nil
}

func (s *Service) providerFor(ctx context.Context, p turnParams) (ai.Provider, error) {
	if s.registry == nil {
		return nil, &ai.ProviderError{Provider: p.providerName, Err: errors.New("no provider registry")}
	}
	prov, err := s.registry.Get(ctx, p.providerName, p.opts.Model)
	if err != nil {
		return nil, &ai.ProviderError{Provider: p.providerName, Err: err}
	}
	return prov, nil
}

// recordReply persists the assistant message and folds the turn into the session
// rollups and today's statistics. Only a failed insert is an error, wrapped in
// ErrReplyNotStored.
func (s *Service) recordReply(ctx context.Context, sess *models.Session, userMsg *models.Message, c ai.Completion, elapsed time.Duration, providerName, mode string) (*models.Message, error) {
	// the turn outcome is recorded even when the caller went away
	ctx = context.WithoutCancel(ctx)

	ms := elapsed.Milliseconds()
	reply := &models.Message{
		SessionID:    sess.ID,
		UserID:       userMsg.UserID,
		Role:         models.RoleAssistant,
		Content:      c.Content,
		Status:       models.MessageSent,
		ResponseTime: &ms,
		Metadata: map[string]any{
			"provider":          providerName,
			"model":             c.Model,
			"prompt_tokens":     c.PromptTokens,
			"completion_tokens": c.CompletionTokens,
			"mode":              mode,
		},
	}
	if c.TotalTokens > 0 {
		total := c.TotalTokens
		reply.Tokens = &total
	}
	if err := s.messages.Create(ctx, reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReplyNotStored, err)
	}
	if err := s.sessions.RecordMessages(ctx, sess.ID, 1, reply.CreatedAt); err != nil {
		s.log.Error().Err(err).Uint64("session_id", sess.ID).Msg("update session counters")
	} else {
		sess.MessageCount++
		sess.LastMessageTime = &reply.CreatedAt
	}

	rt := float64(ms)
	s.recordStats(ctx, userMsg.UserID, store.StatsDelta{
		ChatCount:    1,
		MessageCount: 2,
		ResponseTime: &rt,
		TokenUsage:   int64(c.TotalTokens),
	})

	s.metrics.Turns.WithLabelValues(mode).Inc()
	s.metrics.Tokens.Add(float64(c.TotalTokens))
	s.log.Info().
		Uint64("user_id", userMsg.UserID).
		Uint64("session_id", sess.ID).
		Uint64("message_id", reply.ID).
		Str("provider", providerName).
		Int("tokens", c.TotalTokens).
		Dur("latency", elapsed).
		Str("mode", mode).
		Msg("turn completed")
	return reply, nil
}

// failTurn keeps the user message for audit, flags it as error and counts the
// failure in today's statistics. It returns cause so callers can surface it.
func (s *Service) failTurn(ctx context.Context, sess *models.Session, userMsg *models.Message, cause error, mode string) error {
	ctx = context.WithoutCancel(ctx)

	if err := s.messages.MarkError(ctx, userMsg.ID); err != nil {
		s.log.Error().Err(err).Uint64("message_id", userMsg.ID).Msg("mark user message as error")
	} else {
		userMsg.Status = models.MessageError
	}
	s.recordStats(ctx, userMsg.UserID, store.StatsDelta{ErrorCount: 1})

	s.metrics.FailedTurns.WithLabelValues(mode).Inc()
	s.log.Warn().Err(cause).
		Uint64("user_id", userMsg.UserID).
		Uint64("session_id", sess.ID).
		Uint64("message_id", userMsg.ID).
		Str("mode", mode).
		Msg("turn failed")
	return cause
}

// recordStats logs instead of failing: the turn itself is already persisted.
func (s *Service) recordStats(ctx context.Context, userID uint64, d store.StatsDelta) {
	if s.stats == nil {
		return
	}
	date := s.now().UTC().Format(models.DateLayout)
	if _, err := s.stats.Upsert(ctx, userID, date, d); err != nil {
		s.log.Error().Err(err).Uint64("user_id", userID).Str("date", date).Msg("statistics upsert failed")
	}
}

func (s *Service) knownProvider(name string) bool {
	return s.registry != nil && s.registry.Has(name)
}

func validateOverrides(ov Overrides) error {
	if ov.Temperature != nil && (*ov.Temperature < 0 || *ov.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrValidation)
	}
	if ov.MaxTokens != nil && *ov.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrValidation)
	}
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/common"
	"github.com/xushuhui/zhida/internal/store"
)

const maxIdempotencyKeyLen = 128

// EnqueueTurn records the inbound turn now and leaves the completion to the worker.
// A repeated idempotency key returns the original job; created reports whether
// a new job was made.
func (s *Service) EnqueueTurn(ctx context.Context, req TurnRequest, idempotencyKey string) (job *Job, created bool, err error) {
	if s.jobs == nil || s.publisher == nil {
		return nil, false, ErrQueueUnavailable
	}
	key := strings.TrimSpace(idempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return nil, false, fmt.Errorf("%w: idempotency key too long", ErrValidation)
	}
	if key != "" {
		existing, err := s.jobs.GetByIdempotencyKey(ctx, req.UserID, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	sess, userMsg, err := s.BeginTurn(ctx, req)
	if err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	j := &Job{
		ID:            jobID,
		UserID:        req.UserID,
		SessionID:     sess.ID,
		UserMessageID: userMsg.ID,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Status:        JobQueued,
	}
	if key != "" {
		j.IdempotencyKey = &key
	}

	j, created, err = s.jobs.CreateOrGetExisting(ctx, j)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		// lost a race on the same key; the message recorded above has no job
		_ = s.failTurn(ctx, sess, userMsg, errors.New("duplicate idempotency key"), "async")
		return j, false, nil
	}

	if err := s.publisher.PublishJob(ctx, j.ID); err != nil {
		_ = s.jobs.MarkFailed(context.WithoutCancel(ctx), j.ID, "enqueue failed")
		_ = s.failTurn(ctx, sess, userMsg, err, "async")
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	s.metrics.EnqueuedJobs.Inc()
	s.log.Info().Str("job_id", j.ID).Uint64("user_id", req.UserID).Uint64("session_id", sess.ID).Msg("turn enqueued")
	return j, true, nil
}

// RunJob completes a queued turn. Errors that a redelivery cannot fix are
// wrapped in ErrJobFinal: a failed provider call, a missing session or message,
// a reply that could not be stored, or a stored reply whose job row could not be
// updated. Other errors leave the job running so it can be retried.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	if s.jobs == nil {
		return ErrQueueUnavailable
	}
	claimed, err := s.jobs.MarkRunning(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		s.log.Debug().Str("job_id", jobID).Msg("job already finished or missing, skipping")
		return nil
	}

	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	res, err := s.CompleteTurn(ctx, j.UserID, j.SessionID, j.UserMessageID, j.overrides())
	if err != nil {
		if !finalTurnError(err) {
			return err
		}
		if markErr := s.jobs.MarkFailed(context.WithoutCancel(ctx), jobID, err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("job_id", jobID).Msg("mark job failed")
		}
		return fmt.Errorf("%w: job %s: %w", ErrJobFinal, jobID, err)
	}

	if err := s.jobs.MarkSucceeded(context.WithoutCancel(ctx), jobID, res.Reply.ID); err != nil {
		// the reply is stored; running the job again would ask the provider twice
		return fmt.Errorf("%w: job %s: mark succeeded: %w", ErrJobFinal, jobID, err)
	}
	return nil
}

func finalTurnError(err error) bool {
	return ai.IsProviderError(err) || errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrReplyNotStored)
}

// FailJob finishes a job the worker gave up on: the job is marked failed and its
// user message is flagged and counted as an error. Finished jobs are left alone.
func (s *Service) FailJob(ctx context.Context, jobID string, cause error) error {
	if s.jobs == nil {
		return ErrQueueUnavailable
	}
	ctx = context.WithoutCancel(ctx)
	if cause == nil {
		cause = errors.New("retries exhausted")
	}

	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Done() {
		return nil
	}
	if err := s.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	sess, err := s.sessions.GetOwned(ctx, j.SessionID, j.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	userMsg, err := s.messages.Get(ctx, j.UserMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_ = s.failTurn(ctx, sess, userMsg, cause, "async")
	return nil
}

// GetJob returns the caller's job; jobs of other users are reported as not found.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	if s.jobs == nil {
		return nil, ErrQueueUnavailable
	}
	return s.jobs.GetOwned(ctx, jobID, userID)
}

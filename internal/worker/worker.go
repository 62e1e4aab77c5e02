package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/metrics"
	"github.com/xushuhui/zhida/internal/store/rabbitmq"
)

// Runner completes one queued turn. FailJob finishes a job that will not be
// run again.
type Runner interface {
	RunJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, cause error) error
}

type Retrier interface {
	PublishRetry(ctx context.Context, m rabbitmq.JobMessage, delay time.Duration) error
}

// Acknowledger is the part of amqp.Delivery the worker settles messages with.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Worker struct {
	runner     Runner
	retrier    Retrier
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Runner     Runner
	Retrier    Retrier
	MaxRetries int
	Backoff    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Worker{
		runner:     cfg.Runner,
		retrier:    cfg.Retrier,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:    m,
	}
}

// Start dispatches deliveries to concurrency goroutines and returns once ctx is
// done or the delivery channel is closed, after in-flight jobs finish.
func (w *Worker) Start(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			log := w.logger.With().Int("slot", slot).Logger()
			for d := range jobs {
				w.Handle(ctx, log, d, d.Body)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

// Handle runs one delivery and settles it. Final failures are acked; other
// failures are parked on the retry queue until maxRetries, then the job is
// failed and the message dead-lettered.
func (w *Worker) Handle(ctx context.Context, log zerolog.Logger, d Acknowledger, body []byte) {
	m, err := rabbitmq.DecodeJob(body)
	if err != nil {
		log.Error().Err(err).Msg("bad job message")
		w.metrics.ProcessedJobs.WithLabelValues("dead").Inc()
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err = w.runner.RunJob(ctx, m.JobID)
	ev := log.With().Str("job_id", m.JobID).Int("attempt", m.Attempt).Dur("cost", time.Since(start)).Logger()

	switch {
	case err == nil:
		w.metrics.ProcessedJobs.WithLabelValues("succeeded").Inc()
		ev.Info().Msg("job succeeded")
		w.ack(ev, d)

	case terminal(err):
		w.metrics.ProcessedJobs.WithLabelValues("failed").Inc()
		ev.Warn().Err(err).Msg("job failed")
		w.ack(ev, d)

	case m.Attempt < w.maxRetries && w.retrier != nil:
		next := rabbitmq.JobMessage{JobID: m.JobID, Attempt: m.Attempt + 1}
		delay := w.backoff * time.Duration(1<<m.Attempt)
		if rerr := w.retrier.PublishRetry(context.WithoutCancel(ctx), next, delay); rerr != nil {
			ev.Error().Err(rerr).Msg("failed to schedule retry")
			w.failJob(ctx, ev, m.JobID, err)
			w.metrics.ProcessedJobs.WithLabelValues("dead").Inc()
			_ = d.Nack(false, false)
			return
		}
		w.metrics.ProcessedJobs.WithLabelValues("retried").Inc()
		ev.Warn().Err(err).Dur("delay", delay).Msg("job retry scheduled")
		w.ack(ev, d)

	default:
		w.failJob(ctx, ev, m.JobID, err)
		w.metrics.ProcessedJobs.WithLabelValues("dead").Inc()
		ev.Error().Err(err).Msg("job dead-lettered")
		_ = d.Nack(false, false)
	}
}

func (w *Worker) ack(log zerolog.Logger, d Acknowledger) {
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (w *Worker) failJob(ctx context.Context, log zerolog.Logger, jobID string, cause error) {
	if err := w.runner.FailJob(context.WithoutCancel(ctx), jobID, cause); err != nil {
		log.Error().Err(err).Msg("failed to finish job")
	}
}

// terminal reports errors that RunJob already settled.
func terminal(err error) bool {
	return errors.Is(err, chat.ErrJobFinal)
}

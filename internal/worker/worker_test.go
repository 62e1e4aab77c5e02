package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/metrics"
	"github.com/xushuhui/zhida/internal/store/rabbitmq"
)

type fakeRunner struct {
	err    error
	failed []string
	causes []error
}

func (r *fakeRunner) RunJob(ctx context.Context, jobID string) error { return r.err }

func (r *fakeRunner) FailJob(ctx context.Context, jobID string, cause error) error {
	r.failed = append(r.failed, jobID)
	r.causes = append(r.causes, cause)
	return nil
}

type fakeRetrier struct {
	mu     sync.Mutex
	got    []rabbitmq.JobMessage
	delays []time.Duration
	err    error
}

func (r *fakeRetrier) PublishRetry(ctx context.Context, m rabbitmq.JobMessage, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, m)
	r.delays = append(r.delays, delay)
	return nil
}

type fakeDelivery struct {
	acked, nacked, requeued bool
}

func (d *fakeDelivery) Ack(multiple bool) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(multiple, requeue bool) error {
	d.nacked = true
	d.requeued = requeue
	return nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return out.GetCounter().GetValue()
}

func newWorker(runErr error, retrier *fakeRetrier) (*Worker, *fakeRunner, *metrics.Metrics) {
	m := metrics.New()
	r := &fakeRunner{err: runErr}
	return New(Config{
		Runner:     r,
		Retrier:    retrier,
		MaxRetries: 3,
		Backoff:    time.Second,
		Logger:     zerolog.Nop(),
		Metrics:    m,
	}), r, m
}

func TestHandle_Success(t *testing.T) {
	w, _, m := newWorker(nil, &fakeRetrier{})
	d := &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"job_id":"01J"}`))
	if !d.acked || d.nacked {
		t.Fatalf("expected ack, got %+v", d)
	}
	if got := counterValue(t, m.ProcessedJobs.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected 1 succeeded, got %v", got)
	}
}

func TestHandle_FinalErrorIsAcked(t *testing.T) {
	r := &fakeRetrier{}
	cause := &ai.ProviderError{Provider: "fake", Err: errors.New("boom")}
	w, runner, m := newWorker(fmt.Errorf("%w: job 01J: %w", chat.ErrJobFinal, cause), r)
	d := &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"job_id":"01J"}`))
	if !d.acked {
		t.Fatalf("provider failure should be acked")
	}
	if len(r.got) != 0 {
		t.Fatalf("provider failure must not be retried")
	}
	if len(runner.failed) != 0 {
		t.Fatalf("job settled by RunJob must not be failed again")
	}
	if got := counterValue(t, m.ProcessedJobs.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed, got %v", got)
	}
}

func TestHandle_TransientErrorRetriesThenDeadLetters(t *testing.T) {
	r := &fakeRetrier{}
	w, runner, m := newWorker(errors.New("db gone"), r)

	d := &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"job_id":"01J","attempt":1}`))
	if !d.acked {
		t.Fatalf("retried delivery should be acked")
	}
	if len(r.got) != 1 || r.got[0].Attempt != 2 || r.got[0].JobID != "01J" {
		t.Fatalf("unexpected retry %+v", r.got)
	}
	if r.delays[0] != 2*time.Second {
		t.Fatalf("expected exponential delay 2s, got %s", r.delays[0])
	}
	if len(runner.failed) != 0 {
		t.Fatalf("retried job must stay open, got %v", runner.failed)
	}

	d = &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"job_id":"01J","attempt":3}`))
	if !d.nacked || d.requeued {
		t.Fatalf("exhausted job should be nacked without requeue, got %+v", d)
	}
	if len(runner.failed) != 1 || runner.failed[0] != "01J" || runner.causes[0].Error() != "db gone" {
		t.Fatalf("exhausted job should be failed once, got %v %v", runner.failed, runner.causes)
	}
	if got := counterValue(t, m.ProcessedJobs.WithLabelValues("dead")); got != 1 {
		t.Fatalf("expected 1 dead, got %v", got)
	}
}

func TestHandle_RetryPublishFailureFailsJob(t *testing.T) {
	w, runner, _ := newWorker(errors.New("db gone"), &fakeRetrier{err: errors.New("channel closed")})
	d := &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"job_id":"01K","attempt":0}`))
	if !d.nacked || d.requeued {
		t.Fatalf("unschedulable retry should be dead-lettered, got %+v", d)
	}
	if len(runner.failed) != 1 || runner.failed[0] != "01K" {
		t.Fatalf("job should be failed when its retry cannot be scheduled, got %v", runner.failed)
	}
}

func TestHandle_BadMessage(t *testing.T) {
	w, _, _ := newWorker(nil, &fakeRetrier{})
	d := &fakeDelivery{}
	w.Handle(context.Background(), zerolog.Nop(), d, []byte(`{"attempt":1}`))
	if !d.nacked || d.requeued {
		t.Fatalf("bad message should go to the dlq, got %+v", d)
	}
}

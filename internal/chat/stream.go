package chat

import (
	"context"
	"strings"
	"time"

	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/models"
)

// TurnStream is a turn whose reply is being streamed. Chunks closes when the
// provider is done; Result then yields exactly one outcome.
type TurnStream struct {
	Session     *models.Session
	UserMessage *models.Message
	Chunks      <-chan string
	Result      <-chan StreamOutcome
}

type StreamOutcome struct {
	Reply *models.Message
	Err   error
}

// ChatStream records the inbound turn and starts streaming the reply. Errors
// before the user message is stored (validation, ownership) are returned directly.
func (s *Service) ChatStream(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	sess, userMsg, err := s.BeginTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	p := s.params(sess, req.Overrides)
	provider, err := s.providerFor(ctx, p)
	if err != nil {
		return nil, s.failTurn(ctx, sess, userMsg, err, "stream")
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		return nil, s.failTurn(ctx, sess, userMsg, &ai.ProviderError{Provider: p.providerName, Err: ErrStreamingUnsupported}, "stream")
	}
	msgs, err := s.history(ctx, sess.ID, p.systemPrompt)
	if err != nil {
		return nil, s.failTurn(ctx, sess, userMsg, err, "stream")
	}

	outChunks := make(chan string, 16)
	outResult := make(chan StreamOutcome, 1)

	go func() {
		defer close(outResult)

		start := time.Now()
		pChunks, pErrs := sp.StreamChat(ctx, msgs, p.opts)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case outChunks <- c:
			case <-ctx.Done():
				// keep draining so the provider goroutine can exit
			}
		}
		close(outChunks)

		streamErr := <-pErrs
		if streamErr == nil && ctx.Err() != nil {
			streamErr = &ai.ProviderError{Provider: p.providerName, Err: ctx.Err()}
		}
		elapsed := time.Since(start)
		s.metrics.CompletionLatency.WithLabelValues(p.providerName).Observe(elapsed.Seconds())

		if streamErr != nil {
			outResult <- StreamOutcome{Err: s.failTurn(ctx, sess, userMsg, streamErr, "stream")}
			return
		}

		// streaming responses carry no usage block
		reply, err := s.recordReply(ctx, sess, userMsg, ai.Completion{Content: b.String(), Model: p.opts.Model}, elapsed, p.providerName, "stream")
		if err != nil {
			err = s.failTurn(ctx, sess, userMsg, err, "stream")
		}
		outResult <- StreamOutcome{Reply: reply, Err: err}
	}()

	return &TurnStream{
		Session:     sess,
		UserMessage: userMsg,
		Chunks:      outChunks,
		Result:      outResult,
	}, nil
}

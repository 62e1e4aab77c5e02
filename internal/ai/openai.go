package ai

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to the OpenAI chat completions API, or any server compatible with it.
type OpenAIProvider struct {
	client *openai.Client
	stream *openai.Client
	Model  string
}

var (
	_ Provider       = (*OpenAIProvider)(nil)
	_ StreamProvider = (*OpenAIProvider)(nil)
)

func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	// streaming calls are bounded by ctx only
	streamCfg := cfg
	streamCfg.HTTPClient = &http.Client{}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		stream: openai.NewClientWithConfig(streamCfg),
		Model:  model,
	}
}

func (p *OpenAIProvider) request(messages []Message, opts Options, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = p.Model
	}
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: opts.MaxTokens,
		Stream:    stream,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
		// the client drops a zero temperature (omitempty); this is the closest value it sends
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	return req
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, opts, false))
	if err != nil {
		return Completion{}, wrapErr("openai", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, wrapErr("openai", errors.New("no choices in response"))
	}
	return withTotal(Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}), nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := p.stream.CreateChatCompletionStream(ctx, p.request(messages, opts, true))
		if err != nil {
			errs <- wrapErr("openai", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- wrapErr("openai", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					errs <- wrapErr("openai", ctx.Err())
					return
				}
			}
		}
	}()

	return chunks, errs
}

package ai

import (
	"context"
	"errors"
	"fmt"
)

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the generation parameters of a single call. An empty Model,
// a nil Temperature or a zero MaxTokens leaves the choice to the provider.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Completion is the normalized result of a single-shot call.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message, opts Options) (Completion, error)
}

// ProviderError wraps every transport or API-level failure of a provider call.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider error (%s): %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err came from a provider call.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

func wrapErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}

func withTotal(c Completion) Completion {
	if c.TotalTokens == 0 {
		c.TotalTokens = c.PromptTokens + c.CompletionTokens
	}
	return c
}

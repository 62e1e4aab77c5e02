package ai

import (
	"context"
	"strings"
)

// StreamProvider is an optional interface. Providers may implement streaming chat.
// The chunk channel is closed when the provider signals completion; a failure is sent
// on the error channel (buffered, at most one value) before both channels close.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error)
}

// Collect drains a stream into a single string.
func Collect(chunks <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	if err := <-errs; err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

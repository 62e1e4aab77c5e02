package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOllamaChat_ParsesTokensAndOptions(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hi there"},"done":true,"prompt_eval_count":12,"eval_count":3}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	c, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, Options{Temperature: temp(0.3), MaxTokens: 64})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if c.Content != "hi there" || c.PromptTokens != 12 || c.CompletionTokens != 3 || c.TotalTokens != 15 {
		t.Fatalf("unexpected completion %+v", c)
	}
	if got.Options == nil || got.Options.NumPredict != 64 || got.Options.Temperature == nil || *got.Options.Temperature != 0.3 {
		t.Fatalf("options not forwarded: %+v", got.Options)
	}
	if got.Stream {
		t.Fatalf("single-shot call must not request streaming")
	}
}

func temp(v float64) *float64 { return &v }

// captureBody records the decoded JSON request and answers with reply.
func captureBody(t *testing.T, reply string, into *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(into); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
}

func TestChat_ZeroTemperatureIsSent(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}
	opts := Options{Temperature: temp(0), MaxTokens: 100}

	var ollamaBody map[string]any
	srv := captureBody(t, `{"message":{"role":"assistant","content":"x"},"done":true}`, &ollamaBody)
	if _, err := NewOllamaProvider(srv.URL, "llama3", time.Second).Chat(context.Background(), msgs, opts); err != nil {
		t.Fatalf("ollama: %v", err)
	}
	srv.Close()
	options, _ := ollamaBody["options"].(map[string]any)
	if v, ok := options["temperature"]; !ok || v != 0.0 {
		t.Fatalf("ollama options should carry temperature 0, got %v", ollamaBody["options"])
	}

	var routerBody map[string]any
	srv = captureBody(t, `{"choices":[{"message":{"role":"assistant","content":"x"}}]}`, &routerBody)
	if _, err := NewOpenRouterProvider(srv.URL, "key", "auto", "", "", time.Second).Chat(context.Background(), msgs, opts); err != nil {
		t.Fatalf("openrouter: %v", err)
	}
	srv.Close()
	if v, ok := routerBody["temperature"]; !ok || v != 0.0 {
		t.Fatalf("openrouter body should carry temperature 0, got %v", routerBody)
	}

	var openaiBody map[string]any
	srv = captureBody(t, `{"id":"x","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"x"},"finish_reason":"stop"}]}`, &openaiBody)
	if _, err := NewOpenAIProvider(srv.URL, "sk-test", "m", time.Second).Chat(context.Background(), msgs, opts); err != nil {
		t.Fatalf("openai: %v", err)
	}
	srv.Close()
	v, ok := openaiBody["temperature"].(float64)
	if !ok || v <= 0 || v > 1e-30 {
		t.Fatalf("openai body should carry a near-zero temperature, got %v", openaiBody)
	}

	// unset temperature is still left to the provider
	var unset map[string]any
	srv = captureBody(t, `{"choices":[{"message":{"role":"assistant","content":"x"}}]}`, &unset)
	defer srv.Close()
	if _, err := NewOpenRouterProvider(srv.URL, "key", "auto", "", "", time.Second).Chat(context.Background(), msgs, Options{}); err != nil {
		t.Fatalf("openrouter: %v", err)
	}
	if _, ok := unset["temperature"]; ok {
		t.Fatalf("nil temperature should be omitted, got %v", unset)
	}
}

func TestOllamaChat_StatusIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, Options{})
	if !IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "ollama" {
		t.Fatalf("expected ollama provider error, got %#v", err)
	}
}

func TestOllamaStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	out, err := Collect(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if out != "Hello" {
		t.Fatalf("expected Hello, got %q", out)
	}
}

func TestOpenRouterChat_UsageAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Title") != "zhida" {
			t.Errorf("missing X-Title")
		}
		var req openRouterChatReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "override" || req.MaxTokens != 10 {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"model":"override","choices":[{"message":{"role":"assistant","content":"pong"}}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "auto", "", "zhida", time.Second)
	c, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "ping"}}, Options{Model: "override", MaxTokens: 10})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if c.Content != "pong" || c.TotalTokens != 6 || c.Model != "override" {
		t.Fatalf("unexpected completion %+v", c)
	}
}

func TestOpenRouterChat_MissingKey(t *testing.T) {
	p := NewOpenRouterProvider("http://127.0.0.1:1", "", "auto", "", "", time.Second)
	if _, err := p.Chat(context.Background(), nil, Options{}); !IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestOpenRouterStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"b"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "auto", "", "", time.Second)
	out, err := Collect(p.StreamChat(context.Background(), nil, Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if out != "ab" {
		t.Fatalf("expected ab, got %q", out)
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","model":"gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-3.5-turbo", time.Second)
	c, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if c.Content != "hello" || c.PromptTokens != 7 || c.TotalTokens != 9 {
		t.Fatalf("unexpected completion %+v", c)
	}
}

func TestOpenAIChat_APIErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "", time.Second)
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if !IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestOpenAIStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"foo", "bar"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "", time.Second)
	out, err := Collect(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if out != "foobar" {
		t.Fatalf("expected foobar, got %q", out)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(" Fake ", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider("", model, 0), nil
	})
	if !reg.Has("fake") {
		t.Fatalf("expected normalized name to be registered")
	}
	p, err := reg.Get(context.Background(), "FAKE", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.(*OllamaProvider).Model != "m1" {
		t.Fatalf("model not forwarded")
	}
	if _, err := reg.Get(context.Background(), "missing", ""); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

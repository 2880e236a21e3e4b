package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/scibench/internal/config"
	"github.com/basket/scibench/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return llm.NewClient(
		config.LLMConfig{
			BaseURL:        srv.URL,
			APIKey:         "test-key",
			Model:          "test/model",
			Temperature:    0.3,
			MaxTokens:      256,
			TimeoutSeconds: 5,
		},
		config.RetryConfig{MaxAttempts: 3, BaseDelaySeconds: 0.001, MaxDelaySeconds: 0.01},
		testLogger(),
		nil,
	)
}

func chatOK(content string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	})
}

func TestChatSimple_SendsRolesAndAuth(t *testing.T) {
	var seen struct {
		Model       string        `json:"model"`
		Messages    []llm.Message `json:"messages"`
		Temperature float64       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		chatOK("Think: ok\nAction: wait").ServeHTTP(w, r)
	})

	client := newTestClient(t, handler)
	got, err := client.ChatSimple(context.Background(), "you are an agent", "what next?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "Think: ok\nAction: wait" {
		t.Fatalf("response = %q", got)
	}
	if seen.Model != "test/model" || seen.Temperature != 0.3 || seen.MaxTokens != 256 {
		t.Fatalf("request params wrong: %+v", seen)
	}
	if len(seen.Messages) != 2 ||
		seen.Messages[0].Role != llm.RoleSystem || seen.Messages[0].Content != "you are an agent" ||
		seen.Messages[1].Role != llm.RoleUser || seen.Messages[1].Content != "what next?" {
		t.Fatalf("messages wrong: %+v", seen.Messages)
	}
}

func TestChat_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		chatOK("recovered").ServeHTTP(w, r)
	})

	client := newTestClient(t, handler)
	got, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "recovered" || calls.Load() != 3 {
		t.Fatalf("got %q after %d calls", got, calls.Load())
	}
}

func TestChat_ExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	client := newTestClient(t, handler)
	_, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if !errors.Is(err, llm.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestChat_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	})

	client := newTestClient(t, handler)
	_, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, llm.ErrTransport) {
		t.Fatalf("4xx must not be transport-retried: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestChat_APIErrorBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model not found"}}`))
	})
	client := newTestClient(t, handler)
	_, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected api error surfaced, got %v", err)
	}
}

func TestChat_EmptyChoices(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	client := newTestClient(t, handler)
	if _, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error on empty choices")
	}
}

func TestChat_ContextCancelStopsRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	client := newTestClient(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestChat_EmitsClientSpanPerAttempt(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		chatOK("recovered").ServeHTTP(w, r)
	})
	client := newTestClient(t, handler)

	if _, err := client.ChatSimple(context.Background(), "system", "user"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	var spans []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "llm.chat" {
			spans = append(spans, s)
		}
	}
	if len(spans) != 2 {
		t.Fatalf("llm.chat spans = %d, want one per attempt", len(spans))
	}
	for _, s := range spans {
		found := false
		for _, kv := range s.Attributes() {
			if string(kv.Key) == "scibench.llm.model" && kv.Value.AsString() == "test/model" {
				found = true
			}
		}
		if !found {
			t.Fatalf("model attribute missing: %v", s.Attributes())
		}
	}
	// The failed attempt carries the error as a span event.
	if len(spans[0].Events()) == 0 {
		t.Fatal("failed attempt span has no error event")
	}
	if len(spans[1].Events()) != 0 {
		t.Fatalf("successful attempt span has events: %v", spans[1].Events())
	}
}

package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/copilotbridge/pkg/config"
	openai "github.com/sashabaranov/go-openai"
)

func newOpenAIClient(baseURL, key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = baseURL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIClientStreamsThroughGateway(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil)
	client := newOpenAIClient(gw.URL, "ghu_alice")

	st, err := client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    openai.GPT4o,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	defer st.Close()

	var sb strings.Builder
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if chunk.ID != "chatcmpl-up" {
			t.Fatalf("unexpected chunk id %q", chunk.ID)
		}
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
		}
	}
	if sb.String() != "Hello" {
		t.Fatalf("unexpected streamed content %q", sb.String())
	}
}

func TestOpenAIClientNonStreamingAndModels(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil)
	client := newOpenAIClient(gw.URL, "gho_bob")

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "claude-3.5-sonnet",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "pong" || resp.Model != "claude-3.5-sonnet" {
		t.Fatalf("unexpected completion %+v", resp)
	}

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models.Models) != 1 || models.Models[0].ID != "live-model" {
		t.Fatalf("unexpected models %+v", models.Models)
	}
}

func TestOpenAIClientSurfacesUpstreamError(t *testing.T) {
	gw, provider, _ := newTestGateway(t, nil)
	provider.mu.Lock()
	provider.chatStatus = http.StatusTooManyRequests
	provider.mu.Unlock()

	client := newOpenAIClient(gw.URL, "ghu_alice")
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    openai.GPT4o,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	var reqErr *openai.RequestError
	var apiErr *openai.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			t.Fatalf("unexpected status %d", apiErr.HTTPStatusCode)
		}
	case errors.As(err, &reqErr):
		if reqErr.HTTPStatusCode != http.StatusTooManyRequests {
			t.Fatalf("unexpected status %d", reqErr.HTTPStatusCode)
		}
	default:
		t.Fatalf("expected an HTTP error from the client, got %v", err)
	}
}

func TestListenWithFallback(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()
	addr := taken.Addr().String()

	if ln, err := listenWithFallback(addr, false); err == nil {
		ln.Close()
		t.Fatal("expected bind error without fallback")
	}

	ln, err := listenWithFallback(addr, true)
	if err != nil {
		t.Fatalf("fallback listen: %v", err)
	}
	defer ln.Close()
	if ln.Addr().String() == addr {
		t.Fatalf("expected a different port than %s", addr)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	_, _, s := newTestGateway(t, func(c *config.ServerConfig) {
		c.ListenAddr = "127.0.0.1:0"
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if !s.draining.Load() {
		t.Fatal("expected server to be draining after stop")
	}
}

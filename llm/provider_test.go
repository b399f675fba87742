package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/goextract/config"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantType string
	}{
		{"ollama", "*llm.ollamaProvider"},
		{"lmstudio", "*llm.lmStudioProvider"},
		{"openai", "*llm.openAIProvider"},
		{"custom", "*llm.openAICompatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model"})
			if err != nil {
				t.Fatalf("NewProvider(%q) returned error: %v", tt.provider, err)
			}
			gotType := fmt.Sprintf("%T", p)
			if gotType != tt.wantType {
				t.Errorf("NewProvider(%q) type = %s, want %s", tt.provider, gotType, tt.wantType)
			}
			if _, ok := p.(VisionProvider); !ok {
				t.Errorf("%s does not implement VisionProvider", gotType)
			}
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"doesnotexist", "unknown llm provider: doesnotexist"},
		{"groq", "unknown llm provider: groq"},
		{"", "llm provider not specified"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			_, err := NewProvider(Config{Provider: tt.provider, Model: "m"})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func baseConfig(t *testing.T, p Provider) Config {
	t.Helper()
	switch p := p.(type) {
	case *ollamaProvider:
		return p.base.cfg
	case *lmStudioProvider:
		return p.base.cfg
	case *openAIProvider:
		return p.base.cfg
	case *openAICompatProvider:
		return p.base.cfg
	}
	t.Fatalf("unexpected provider type %T", p)
	return Config{}
}

// TestDefaultBaseURLs verifies that when BaseURL is empty in the config,
// each provider constructor sets the correct default.
func TestDefaultBaseURLs(t *testing.T) {
	tests := []struct {
		provider string
		wantURL  string
	}{
		{"ollama", "http://localhost:11434"},
		{"lmstudio", "http://localhost:1234"},
		{"openai", "https://api.openai.com"},
		{"custom", ""},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model"})
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", tt.provider, err)
			}
			if got := baseConfig(t, p).BaseURL; got != tt.wantURL {
				t.Errorf("default BaseURL for %q = %q, want %q", tt.provider, got, tt.wantURL)
			}
		})
	}
}

func TestExplicitConfigPreserved(t *testing.T) {
	want := Config{Model: "nomic-embed-text", BaseURL: "http://my-server:9999", APIKey: "sk-test-key-123", Dimensions: 256}
	for _, provider := range []string{"ollama", "lmstudio", "openai", "custom"} {
		t.Run(provider, func(t *testing.T) {
			cfg := want
			cfg.Provider = provider
			p, err := NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider(%q): %v", provider, err)
			}
			if got := baseConfig(t, p); got != cfg {
				t.Errorf("config = %+v, want %+v", got, cfg)
			}
		})
	}
}

func TestOpenAIDefaultModel(t *testing.T) {
	p := NewOpenAI(Config{Provider: "openai"})
	if got := baseConfig(t, p).Model; got != "text-embedding-3-small" {
		t.Errorf("model = %q", got)
	}
}

func TestFromEmbeddingModel(t *testing.T) {
	p, err := FromEmbeddingModel(config.EmbeddingModel{Name: "nomic-embed-text", Dimensions: 384})
	if err != nil {
		t.Fatalf("FromEmbeddingModel: %v", err)
	}
	if _, ok := p.(*ollamaProvider); !ok {
		t.Errorf("empty provider built %T, want *llm.ollamaProvider", p)
	}
	if got := baseConfig(t, p).Dimensions; got != 384 {
		t.Errorf("dimensions = %d, want 384", got)
	}

	if _, err := FromEmbeddingModel(config.EmbeddingModel{Provider: "openai"}); err == nil {
		t.Error("expected error for missing model name")
	}
}

func TestNewVisionProvider(t *testing.T) {
	if _, err := NewVisionProvider(Config{Provider: "lmstudio", Model: "llava"}); err != nil {
		t.Fatalf("NewVisionProvider: %v", err)
	}
	if _, err := NewVisionProvider(Config{Provider: "nope"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

// ---------------------------------------------------------------------------
// HTTP behaviour
// ---------------------------------------------------------------------------

func fastClient(url string) *openAICompatClient {
	c := newOpenAICompatClient(Config{Model: "emb", BaseURL: url, APIKey: "k", Dimensions: 2})
	c.retry = retryPolicy{max: 2, base: time.Millisecond, rateLimit: time.Millisecond}
	return &c
}

func TestEmbedOrdersByIndex(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	vecs, err := fastClient(srv.URL).embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	want := [][]float32{{1, 0}, {0, 1}}
	if !reflect.DeepEqual(vecs, want) {
		t.Errorf("vectors = %v, want %v", vecs, want)
	}
	if got.Model != "emb" || got.Dimensions != 2 || len(got.Input) != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestEmbedMissingVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).embed(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "input 1") {
		t.Fatalf("err = %v, want missing vector for input 1", err)
	}
}

func TestDoPostRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"ok first try", []int{200}, 1, false},
		{"503 then ok", []int{503, 200}, 2, false},
		{"429 then ok", []int{429, 200}, 2, false},
		{"400 not retried", []int{400}, 1, true},
		{"exhausted", []int{502, 502, 502}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.statuses[min(n, len(tt.statuses)-1)]
				w.WriteHeader(status)
				io.WriteString(w, `{}`)
			}))
			defer srv.Close()

			_, err := fastClient(srv.URL).doPost(context.Background(), "/x", map[string]string{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestDoPostCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	c.retry.base = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.doPost(ctx, "/x", nil); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestOllamaNativeEmbed(t *testing.T) {
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"embeddings":[[0.5,0.25]]}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{Model: "nomic-embed-text", BaseURL: srv.URL})
	vecs, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(vecs, [][]float32{{0.5, 0.25}}) {
		t.Errorf("vectors = %v", vecs)
	}
	if !got.Truncate || got.Model != "nomic-embed-text" {
		t.Errorf("request = %+v", got)
	}
}

func TestOllamaEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"embeddings":[[1]]}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{Model: "m", BaseURL: srv.URL})
	if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestChatWithImages(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"model":"vis","choices":[{"message":{"content":"Invoice 42"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL}).(VisionProvider)
	resp, err := p.ChatWithImages(context.Background(), VisionChatRequest{
		Model: "vis",
		Messages: []VisionMessage{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: "transcribe"},
				{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,AAAA"}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("ChatWithImages: %v", err)
	}
	if resp.Content != "Invoice 42" || resp.TotalTokens != 7 {
		t.Errorf("response = %+v", resp)
	}
	if got["model"] != "vis" {
		t.Errorf("request model = %v", got["model"])
	}
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL).chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestChatJSONMode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"model":"gpt","choices":[{"message":{"content":"{\"entities\":[]}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k"})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:          "gpt",
		Messages:       []Message{{Role: "user", Content: "extract"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"entities":[]}` {
		t.Errorf("content = %q", resp.Content)
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	if _, ok := got["temperature"]; ok {
		t.Errorf("zero temperature should be omitted, got %v", got["temperature"])
	}
}

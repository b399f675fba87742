package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/brunobiangulo/goextract/config"
)

// Provider is the interface for model backends used during extraction.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts. The result has one
	// vector per input, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VisionProvider extends Provider with image understanding. The vision OCR
// backend transcribes page images through it.
type VisionProvider interface {
	Provider
	// ChatWithImages sends a chat request that includes images.
	ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// VisionChatRequest is a chat request with image content.
type VisionChatRequest struct {
	Model       string          `json:"model"`
	Messages    []VisionMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// VisionMessage represents a chat message that may contain images.
type VisionMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is either text or an image in a vision message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL contains a base64 data URL or a remote reference to an image.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures a provider.
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openai, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	// Dimensions asks the server to shorten embeddings. Zero keeps the
	// model's native size.
	Dimensions int `json:"dimensions,omitempty"`
	// Timeout bounds a single HTTP attempt. Zero means 120s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// NewVisionProvider is NewProvider restricted to backends that accept images.
func NewVisionProvider(cfg Config) (VisionProvider, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	vp, ok := p.(VisionProvider)
	if !ok {
		return nil, fmt.Errorf("llm provider %s does not support images", cfg.Provider)
	}
	return vp, nil
}

// FromEmbeddingModel builds the provider named by an embedding model
// configuration. An empty provider name means ollama.
func FromEmbeddingModel(m config.EmbeddingModel) (Provider, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("embedding model name not specified")
	}
	name := m.Provider
	if name == "" {
		name = "ollama"
	}
	return NewProvider(Config{
		Provider:   name,
		Model:      m.Name,
		BaseURL:    m.BaseURL,
		APIKey:     m.APIKey,
		Dimensions: m.Dimensions,
	})
}

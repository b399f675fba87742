package llm

import "context"

// openAIProvider implements VisionProvider for the OpenAI API.
//
// Supported embedding models:
//
//	text-embedding-3-small  (1536 dim, default; accepts Dimensions)
//	text-embedding-3-large  (3072 dim; accepts Dimensions)
//	text-embedding-ada-002  (1536 dim)
//
// Vision requests need a multimodal chat model such as gpt-4o-mini, passed
// per request.
type openAIProvider struct {
	base openAICompatClient
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	return &openAIProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

func (p *openAIProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return p.base.chatWithImages(ctx, req)
}

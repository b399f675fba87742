package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/llm"
)

const visionPrompt = `Transcribe all text in this image exactly as written.
- Keep the reading order and line breaks
- Format tables as markdown tables
- Do not describe the image and do not add commentary
- If there is no text, answer with an empty response`

// Vision is the "vision" backend. It asks a vision-capable LLM to
// transcribe the image.
type Vision struct {
	Provider  llm.VisionProvider
	Model     string
	MaxTokens int
}

// NewVision returns a vision backend over provider.
func NewVision(provider llm.VisionProvider, model string) *Vision {
	return &Vision{Provider: provider, Model: model, MaxTokens: 4096}
}

func (v *Vision) Name() string { return "vision" }

// SupportedLanguages is empty: the model decides which scripts it reads.
func (v *Vision) SupportedLanguages() []string { return nil }

func (v *Vision) Initialize(context.Context) error {
	if v.Provider == nil {
		return errcode.New(errcode.ErrMissingDependency, "vision backend has no provider")
	}
	return nil
}

func (v *Vision) ProcessImage(ctx context.Context, img []byte, opts Options) (*Result, error) {
	if len(img) == 0 {
		return nil, errcode.New(errcode.ErrOcr, "empty image")
	}
	mt := mimetype.Detect(img)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, errcode.New(errcode.ErrOcr, "input is %s, not an image", mt.String())
	}

	prompt := visionPrompt
	if langs := opts.Languages(); len(langs) > 0 {
		prompt += fmt.Sprintf("\n- The expected language codes are: %s", strings.Join(langs, ", "))
	}
	resp, err := v.Provider.ChatWithImages(ctx, llm.VisionChatRequest{
		Model: v.Model,
		Messages: []llm.VisionMessage{{
			Role: "user",
			Content: []llm.ContentPart{
				{Type: "text", Text: prompt},
				{
					Type: "image_url",
					ImageURL: &llm.ImageURL{
						URL: "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(img),
					},
				},
			},
		}},
		MaxTokens: v.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errcode.Wrap(errcode.ErrOcr, err, "vision transcription failed")
	}
	return &Result{Text: strings.TrimSpace(resp.Content), Language: opts.Language}, nil
}

func (v *Vision) Shutdown(context.Context) error { return nil }

package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

const defaultLlamaParseURL = "https://api.cloud.llamaindex.ai/api/parsing"

// LlamaParseConfig configures the LlamaParse remote parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	// PollInterval defaults to 5s and MaxPolls to 60.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	MaxPolls     int           `json:"max_polls,omitempty" yaml:"max_polls,omitempty" toml:"max_polls,omitempty"`
}

// LlamaParse sends legacy binary office formats (doc, xls, ppt) to the
// LlamaParse service and reads back markdown.
type LlamaParse struct {
	info
	cfg    LlamaParseConfig
	client *http.Client
}

func NewLlamaParse(cfg LlamaParseConfig) *LlamaParse {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLlamaParseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &LlamaParse{
		info:   info{name: "llamaparse", mimes: []string{mime.DOC, mime.XLS, mime.PPT}, priority: 40},
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Initialize fails without an API key so the extractor is never
// registered half-configured.
func (p *LlamaParse) Initialize(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return errcode.New(errcode.ErrMissingDependency, "llamaparse api key not configured")
	}
	return nil
}

func (p *LlamaParse) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	jobID, err := p.upload(ctx, data, mimeType)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "uploading to llamaparse")
	}
	md, err := p.pollResult(ctx, jobID)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "getting llamaparse result")
	}

	raw, err := NewMarkdown().Extract(ctx, []byte(md), mimeType, cfg)
	if err != nil {
		return nil, err
	}
	raw.Method = "llamaparse"
	raw.Metadata["llamaparse_job_id"] = jobID
	return raw, nil
}

func (p *LlamaParse) upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	name := "document"
	if exts := mime.ExtensionsFor(mimeType); len(exts) > 0 {
		name += "." + exts[0]
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload response has no job id")
	}
	return out.ID, nil
}

func (p *LlamaParse) pollResult(ctx context.Context, jobID string) (string, error) {
	for range p.cfg.MaxPolls {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/job/%s/result/markdown", p.cfg.BaseURL, jobID), nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var out struct {
				Markdown string `json:"markdown"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return string(body), nil // raw text fallback
			}
			return out.Markdown, nil
		}
		if resp.StatusCode != http.StatusAccepted {
			return "", fmt.Errorf("llamaparse error %d: %s", resp.StatusCode, string(body))
		}
	}
	return "", fmt.Errorf("llamaparse job %s timed out", jobID)
}

// Package remote runs post-processors and validators in another process
// over HTTP. Requests and responses use the versioned wire JSON of the
// result package; the plugin never sees in-process types.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

const maxResponseBytes = 64 << 20

// Endpoint is the shared HTTP client of the remote plugin kinds.
type Endpoint struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (e Endpoint) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// post sends the result as wire JSON and returns the response body.
func (e Endpoint) post(ctx context.Context, r *result.ExtractionResult, stage string) ([]byte, error) {
	body, err := result.EncodeWire(r)
	if err != nil {
		return nil, fmt.Errorf("encode wire: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(result.WireVersionHeader, result.WireVersion)
	if stage != "" {
		req.Header.Set("X-Goextract-Stage", stage)
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	start := time.Now()
	resp, err := e.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errcode.Wrap(errcode.ErrIo, err, "remote plugin request failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrIo, err, "read remote plugin response")
	}
	slog.Debug("remote: plugin call", "url", e.URL, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote plugin returned %d: %s", resp.StatusCode, truncate(data, 512))
	}
	if v := resp.Header.Get(result.WireVersionHeader); v != "" && v != result.WireVersion {
		return nil, fmt.Errorf("remote plugin speaks wire version %s, want %s", v, result.WireVersion)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// PostProcessor forwards results to a remote service that returns the
// processed result.
type PostProcessor struct {
	Endpoint
	PluginName  string
	PluginStage plugin.Stage
}

// NewPostProcessor returns a remote post-processor.
func NewPostProcessor(name, url string, stage plugin.Stage) *PostProcessor {
	return &PostProcessor{Endpoint: Endpoint{URL: url}, PluginName: name, PluginStage: stage}
}

func (p *PostProcessor) Name() string        { return p.PluginName }
func (p *PostProcessor) Stage() plugin.Stage { return p.PluginStage }

// Process replaces r with the result returned by the service. A response
// that does not match the wire schema is rejected and r is left unchanged.
func (p *PostProcessor) Process(ctx context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) error {
	data, err := p.post(ctx, r, p.PluginStage.String())
	if err != nil {
		return err
	}
	if err := result.ValidateWire(data); err != nil {
		return errcode.Wrap(errcode.ErrPlugin, err, "invalid response")
	}
	out, err := result.DecodeWire(data)
	if err != nil {
		return errcode.Wrap(errcode.ErrPlugin, err, "decode response")
	}
	*r = *out
	return nil
}

// Validator asks a remote service whether a result is acceptable. The
// service answers {"valid": bool, "errors": [string]}.
type Validator struct {
	Endpoint
	PluginName     string
	PluginPriority int
}

// NewValidator returns a remote validator.
func NewValidator(name, url string, priority int) *Validator {
	return &Validator{Endpoint: Endpoint{URL: url}, PluginName: name, PluginPriority: priority}
}

func (v *Validator) Name() string  { return v.PluginName }
func (v *Validator) Priority() int { return v.PluginPriority }

type verdict struct {
	Valid  *bool    `json:"valid"`
	Errors []string `json:"errors"`
}

func (v *Validator) Validate(ctx context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) (plugin.ValidationOutcome, error) {
	data, err := v.post(ctx, r, "")
	if err != nil {
		return plugin.ValidationOutcome{}, err
	}
	var out verdict
	if err := json.Unmarshal(data, &out); err != nil {
		return plugin.ValidationOutcome{}, errcode.Wrap(errcode.ErrPlugin, err, "decode verdict")
	}
	if out.Valid == nil {
		return plugin.ValidationOutcome{}, errcode.New(errcode.ErrPlugin, "verdict is missing \"valid\"")
	}
	return plugin.ValidationOutcome{Valid: *out.Valid, Errors: out.Errors}, nil
}

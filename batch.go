package goextract

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/result"
)

// Input is one document of a batch. Path, when set and Data is nil, is
// read from disk; otherwise it only helps MIME detection.
type Input struct {
	Data     []byte
	Path     string
	MimeType string
	// Name labels the input in results and logs.
	Name string
}

// BatchResult is the outcome of one batch input. Exactly one of Result and
// Err is set.
type BatchResult struct {
	BatchID string
	Index   int
	Name    string
	Result  *result.ExtractionResult
	Err     error
	Code    errcode.Code
	Elapsed time.Duration
}

// BatchExtract extracts every input with bounded concurrency. A failing
// input does not stop the others; results come back in input order.
func (e *Engine) BatchExtract(ctx context.Context, inputs []Input, cfg *config.ExtractionConfig) []BatchResult {
	batchID := uuid.NewString()
	out := make([]BatchResult, len(inputs))
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(e.batchLimit(cfg))
	for i, in := range inputs {
		g.Go(func() error {
			t := time.Now()
			br := BatchResult{BatchID: batchID, Index: i, Name: in.Name}
			if br.Name == "" {
				br.Name = in.Path
			}
			if err := ctx.Err(); err != nil {
				br.Err = err
			} else if in.Data == nil && in.Path != "" {
				br.Result, br.Err = e.ExtractFile(ctx, in.Path, cfg)
			} else {
				br.Result, br.Err = e.extract(ctx, in.Data, in.Path, in.MimeType, cfg)
			}
			br.Code = errcode.CodeOf(br.Err)
			br.Elapsed = time.Since(t)
			out[i] = br
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, br := range out {
		if br.Err != nil {
			failed++
		}
	}
	e.logger.Info("batch: done",
		"batch_id", batchID, "inputs", len(inputs), "failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out
}

func (e *Engine) batchLimit(cfg *config.ExtractionConfig) int {
	switch {
	case cfg != nil && cfg.MaxConcurrentExtractions > 0:
		return cfg.MaxConcurrentExtractions
	case e.cfg.Extraction.MaxConcurrentExtractions > 0:
		return e.cfg.Extraction.MaxConcurrentExtractions
	case e.cfg.MaxConcurrentExtractions > 0:
		return e.cfg.MaxConcurrentExtractions
	default:
		return runtime.NumCPU()
	}
}

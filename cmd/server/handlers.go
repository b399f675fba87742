package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/goextract"
	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

const (
	maxUploadBytes = 100 << 20 // 100MB
	maxSearchK     = 100
)

type handler struct {
	engine *goextract.Engine
}

func newHandler(e *goextract.Engine) *handler {
	return &handler{engine: e}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract", h.handleExtract)
	mux.HandleFunc("POST /extract/batch", h.handleBatch)
	mux.HandleFunc("GET /cache/stats", h.handleCacheStats)
	mux.HandleFunc("DELETE /cache", h.handleClearCache)
	mux.HandleFunc("GET /search", h.handleSearch)
	mux.HandleFunc("GET /plugins", h.handlePlugins)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

// POST /extract
// Accepts a multipart upload in the "file" field, or the document as the
// raw body with its type in Content-Type. An optional "config" form field
// or query parameter carries an extraction config as JSON.
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var in goextract.Input
	var err error
	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, errcode.Wrap(errcode.ErrInvalidConfig, err, "invalid multipart body"))
			return
		}
		files := r.MultipartForm.File["file"]
		if len(files) == 0 {
			writeError(w, errcode.New(errcode.ErrInvalidConfig, "multipart field \"file\" is required"))
			return
		}
		if in, err = readPart(files[0]); err != nil {
			writeError(w, err)
			return
		}
		in.MimeType = r.FormValue("mime_type")
	} else {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			writeError(w, errcode.Wrap(errcode.ErrIo, err, "reading body"))
			return
		}
		in = goextract.Input{Data: data, Name: filepath.Base(r.URL.Query().Get("filename"))}
		if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
			in.MimeType = ct
		}
	}
	if len(in.Data) == 0 {
		writeError(w, errcode.New(errcode.ErrInvalidConfig, "empty document"))
		return
	}
	cfg, err := requestConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	res, err := h.engine.Extract(ctx, in.Data, mimeHint(in), cfg)
	if err != nil {
		slog.Warn("extract error", "name", in.Name, "request_id", requestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	slog.Info("extracted", "name", in.Name, "mime_type", res.MimeType,
		"chars", len(res.Content), "chunks", len(res.Chunks),
		"duration", time.Since(start).Round(time.Millisecond), "request_id", requestID(ctx))
	writeResult(w, http.StatusOK, res)
}

// POST /extract/batch
// Accepts a multipart upload with any number of "files" fields.
func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Minute)
	defer cancel()

	if !isMultipart(r) {
		writeError(w, errcode.New(errcode.ErrInvalidConfig, "expected a multipart body"))
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, errcode.Wrap(errcode.ErrInvalidConfig, err, "invalid multipart body"))
		return
	}
	cfg, err := requestConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, errcode.New(errcode.ErrInvalidConfig, "multipart field \"files\" is required"))
		return
	}
	inputs := make([]goextract.Input, 0, len(files))
	for _, fh := range files {
		in, err := readPart(fh)
		if err != nil {
			writeError(w, err)
			return
		}
		// The filename extension guides detection.
		in.Path = in.Name
		inputs = append(inputs, in)
	}

	type item struct {
		Index     int             `json:"index"`
		Name      string          `json:"name"`
		Result    json.RawMessage `json:"result,omitempty"`
		Error     *errorBody      `json:"error,omitempty"`
		ElapsedMS int64           `json:"elapsed_ms"`
	}
	out := h.engine.BatchExtract(ctx, inputs, cfg)
	items := make([]item, len(out))
	batchID := ""
	for i, br := range out {
		batchID = br.BatchID
		it := item{Index: br.Index, Name: br.Name, ElapsedMS: br.Elapsed.Milliseconds()}
		if br.Err != nil {
			body := newErrorBody(br.Err)
			it.Error = &body
		} else if data, err := result.EncodeWire(br.Result); err != nil {
			body := newErrorBody(errcode.Wrap(errcode.ErrIo, err, "encoding result"))
			it.Error = &body
		} else {
			it.Result = data
		}
		items[i] = it
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"results":  items,
	})
}

// GET /cache/stats
func (h *handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.CacheStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DELETE /cache
func (h *handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// GET /search?q=...&k=5
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, errcode.New(errcode.ErrInvalidConfig, "q is required"))
		return
	}
	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSearchK {
			writeError(w, errcode.New(errcode.ErrInvalidConfig, "k must be within 1..%d", maxSearchK))
			return
		}
		k = n
	}
	matches, err := h.engine.SearchChunks(ctx, q, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// GET /plugins
func (h *handler) handlePlugins(w http.ResponseWriter, r *http.Request) {
	reg := h.engine.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"plugins":     reg.Describe(),
		"mime_types":  reg.Extractors.SupportedMimeTypes(),
		"fingerprint": reg.Fingerprint(),
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if p := h.engine.LastPanic(); p != nil {
		body["last_panic"] = p
	}
	writeJSON(w, http.StatusOK, body)
}

func isMultipart(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return len(ct) >= 10 && ct[:10] == "multipart/"
}

func readPart(fh *multipart.FileHeader) (goextract.Input, error) {
	f, err := fh.Open()
	if err != nil {
		return goextract.Input{}, errcode.Wrap(errcode.ErrIo, err, "opening upload")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return goextract.Input{}, errcode.Wrap(errcode.ErrIo, err, "reading upload")
	}
	// Sanitise filename to prevent path traversal.
	return goextract.Input{Data: data, Name: filepath.Base(fh.Filename)}, nil
}

// mimeHint prefers an explicit type; otherwise a known filename extension
// stands in, and content sniffing is the last resort.
func mimeHint(in goextract.Input) string {
	if in.MimeType != "" {
		return in.MimeType
	}
	if in.Name != "" && in.Name != "." {
		if t, err := mime.DetectFromPath(in.Name, false); err == nil {
			return t
		}
	}
	return ""
}

func requestConfig(r *http.Request) (*config.ExtractionConfig, error) {
	raw := r.URL.Query().Get("config")
	if raw == "" && r.MultipartForm != nil {
		raw = r.FormValue("config")
	}
	if raw == "" {
		return nil, nil
	}
	cfg, err := config.Parse([]byte(raw), "json")
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

type errorBody struct {
	Error       string `json:"error"`
	Code        int    `json:"code"`
	CodeName    string `json:"code_name"`
	Description string `json:"description"`
	Plugin      string `json:"plugin,omitempty"`
}

func newErrorBody(err error) errorBody {
	code := goextract.Code(err)
	body := errorBody{
		Error:       err.Error(),
		Code:        int(code),
		CodeName:    code.Name(),
		Description: code.Description(),
	}
	var ce *errcode.Error
	if errors.As(err, &ce) {
		body.Plugin = ce.Plugin
	}
	return body
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, goextract.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, goextract.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, goextract.ErrValidation), errors.Is(err, goextract.ErrParsing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, goextract.ErrMissingDependency), errors.Is(err, goextract.ErrNoVectorIndex):
		return http.StatusNotImplemented
	case errors.Is(err, goextract.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), newErrorBody(err))
}

func writeResult(w http.ResponseWriter, status int, res *result.ExtractionResult) {
	data, err := result.EncodeWire(res)
	if err != nil {
		writeError(w, errcode.Wrap(errcode.ErrIo, err, "encoding result"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

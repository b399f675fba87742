package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brunobiangulo/goextract"
	"github.com/brunobiangulo/goextract/cache"
	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

type upperExtractor struct{}

func (upperExtractor) Name() string                 { return "upper" }
func (upperExtractor) SupportedMimeTypes() []string { return []string{"text/plain"} }
func (upperExtractor) Extract(_ context.Context, data []byte, _ string, _ *config.ExtractionConfig) (*result.RawContent, error) {
	return &result.RawContent{Content: strings.ToUpper(string(data))}, nil
}

func testServer(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := plugin.NewRegistry(logger)
	if err := reg.Extractors.Register(context.Background(), upperExtractor{}); err != nil {
		t.Fatal(err)
	}
	e, err := goextract.New(goextract.Config{Extraction: config.Default()},
		goextract.WithRegistry(reg), goextract.WithCache(cache.NewMemory()), goextract.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return requestIDMiddleware(newHandler(e).routes())
}

func TestExtractRawBody(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	res, err := result.DecodeWire(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "HELLO" {
		t.Errorf("content = %q", res.Content)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id")
	}
}

func TestExtractErrors(t *testing.T) {
	srv := testServer(t)
	tests := []struct {
		name        string
		contentType string
		body        string
		query       string
		wantStatus  int
		wantCode    string
	}{
		{"unsupported", "application/x-nope", "data", "", http.StatusUnsupportedMediaType, "INVALID_ARGUMENT"},
		{"empty", "text/plain", "", "", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad config", "text/plain", "data", "?config=%7B%22chunking%22%3A%7B%22max_chars%22%3A-1%7D%7D", http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/extract"+tt.query, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.CodeName != tt.wantCode || body.Code != 3 {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestBatchMultipart(t *testing.T) {
	srv := testServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range []struct{ name, body string }{{"a.txt", "one"}, {"b.bin", "\x00\x01"}, {"c.txt", "three"}} {
		w, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, f.body)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/extract/batch", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		BatchID string `json:"batch_id"`
		Results []struct {
			Index  int             `json:"index"`
			Name   string          `json:"name"`
			Result json.RawMessage `json:"result"`
			Error  *errorBody      `json:"error"`
		} `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.BatchID == "" || len(resp.Results) != 3 {
		t.Fatalf("response = %+v", resp)
	}
	names := []string{"a.txt", "b.bin", "c.txt"}
	for i, r := range resp.Results {
		if r.Index != i || r.Name != names[i] {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if resp.Results[1].Error == nil || resp.Results[0].Error != nil || resp.Results[2].Error != nil {
		t.Errorf("errors misplaced: %+v", resp.Results)
	}
}

func TestCacheEndpoints(t *testing.T) {
	srv := testServer(t)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("cached"))
		req.Header.Set("Content-Type", "text/plain")
		srv.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	var stats cache.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/cache", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("clear status = %d", rec.Code)
	}
}

func TestPluginsAndSearch(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"upper"`) {
		t.Errorf("plugins = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=x", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("search without embedder = %d %s", rec.Code, rec.Body)
	}
}

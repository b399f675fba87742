package parser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/plugin"
)

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterBuiltins(t *testing.T) {
	reg := plugin.NewExtractorRegistry(nil)
	if err := RegisterBuiltins(context.Background(), reg, Options{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	want := []string{"pdf", "docx", "pptx", "xlsx", "odt", "text", "markdown", "html", "structured", "image", "archive"}
	if got := reg.List(); !slices.Equal(got, want) {
		t.Fatalf("registered = %v, want %v", got, want)
	}

	tests := []struct {
		mimeType string
		want     string
	}{
		{mime.PDF, "pdf"},
		{mime.XLSM, "xlsx"},
		{mime.TSV, "text"},
		{mime.TextXML, "structured"},
		{mime.WebP, "image"},
		{mime.Gzip, "archive"},
		{mime.DOCX + "; charset=binary", "docx"},
	}
	for _, tt := range tests {
		e, err := reg.Resolve(tt.mimeType)
		if err != nil {
			t.Errorf("Resolve(%s): %v", tt.mimeType, err)
			continue
		}
		if e.Name() != tt.want {
			t.Errorf("Resolve(%s) = %s, want %s", tt.mimeType, e.Name(), tt.want)
		}
	}

	if _, err := reg.Resolve(mime.DOC); !errors.Is(err, errcode.ErrUnsupportedFormat) {
		t.Errorf("legacy doc without llamaparse: got %v, want ErrUnsupportedFormat", err)
	}
}

func TestBuiltinsLlamaParseNeedsKey(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{"absent", Options{}, false},
		{"empty key", Options{LlamaParse: &LlamaParseConfig{}}, false},
		{"configured", Options{LlamaParse: &LlamaParseConfig{APIKey: "k"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := false
			for _, e := range Builtins(tt.opts) {
				if e.Name() == "llamaparse" {
					found = true
				}
				if v, ok := e.(plugin.Versioned); !ok || v.Version() != Version {
					t.Errorf("%s does not report version %s", e.Name(), Version)
				}
			}
			if found != tt.want {
				t.Errorf("llamaparse present = %v, want %v", found, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// LlamaParse
// ---------------------------------------------------------------------------

func TestLlamaParseFlow(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/upload":
			_, hdr, err := r.FormFile("file")
			if err != nil || hdr.Filename != "document.doc" {
				t.Errorf("upload file = %v, %v", hdr, err)
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
		case "/job/job-1/result/markdown":
			if polls.Add(1) == 1 {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"markdown": "# Memo\n\nShip it."})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewLlamaParse(LlamaParseConfig{APIKey: "secret", BaseURL: srv.URL, PollInterval: time.Millisecond})
	raw, err := p.Extract(context.Background(), []byte("binary"), mime.DOC, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if raw.Content != "Memo\n\nShip it." || raw.Method != "llamaparse" || raw.MimeType != mime.DOC {
		t.Errorf("raw = %q method=%s mime=%s", raw.Content, raw.Method, raw.MimeType)
	}
	if raw.Metadata["llamaparse_job_id"] != "job-1" || polls.Load() != 2 {
		t.Errorf("job=%v polls=%d", raw.Metadata["llamaparse_job_id"], polls.Load())
	}
}

func TestLlamaParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"upload rejected", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		}},
		{"job failed", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/upload" {
				w.Write([]byte(`{"id":"j"}`))
				return
			}
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"never finishes", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/upload" {
				w.Write([]byte(`{"id":"j"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			p := NewLlamaParse(LlamaParseConfig{APIKey: "k", BaseURL: srv.URL, PollInterval: time.Millisecond, MaxPolls: 3})
			_, err := p.Extract(context.Background(), []byte("x"), mime.XLS, nil)
			if !errors.Is(err, errcode.ErrParsing) {
				t.Fatalf("got %v, want ErrParsing", err)
			}
		})
	}
}

func TestLlamaParseInitializeRequiresKey(t *testing.T) {
	err := NewLlamaParse(LlamaParseConfig{}).Initialize(context.Background())
	if !errors.Is(err, errcode.ErrMissingDependency) {
		t.Fatalf("got %v, want ErrMissingDependency", err)
	}
}

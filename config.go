package goextract

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/llm"
	"github.com/brunobiangulo/goextract/parser"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheNone   = "none"
)

// Config holds the engine wiring. Per-call behaviour lives in
// config.ExtractionConfig; Extraction is the one used when a call passes
// none.
type Config struct {
	// Cache selects the result cache: "memory" (default), "sqlite" or
	// "none".
	Cache string `json:"cache" yaml:"cache"`

	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.goextract/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.goextract/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// EmbeddingDim sizes the vector index of the SQLite cache. Zero
	// disables the index.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Embedding is the default embedder, used by chunking configurations
	// whose embedding model names no provider.
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Vision, when set, registers the "vision" OCR backend.
	Vision LLMConfig `json:"vision" yaml:"vision"`

	// Chat, when set, backs model entity extraction.
	Chat LLMConfig `json:"chat" yaml:"chat"`

	// External parsing of legacy binary formats.
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// MaxConcurrentExtractions bounds BatchExtract when the call's
	// configuration does not.
	MaxConcurrentExtractions int `json:"max_concurrent_extractions" yaml:"max_concurrent_extractions"`

	// Archive limits.
	MaxArchiveEntries int   `json:"max_archive_entries" yaml:"max_archive_entries"`
	MaxArchiveBytes   int64 `json:"max_archive_bytes" yaml:"max_archive_bytes"`

	// MinContentChars enables the min_content validator when positive.
	MinContentChars int `json:"min_content_chars" yaml:"min_content_chars"`

	// Remote post-processors and validators reached over HTTP.
	Remote []RemotePlugin `json:"remote_plugins,omitempty" yaml:"remote_plugins,omitempty"`

	Extraction config.ExtractionConfig `json:"extraction" yaml:"extraction"`
}

// RemotePlugin describes an out-of-process plugin.
type RemotePlugin struct {
	Kind     string `json:"kind" yaml:"kind"` // post_processor, validator
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Stage    string `json:"stage,omitempty" yaml:"stage,omitempty"` // early, middle, late
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

func (c LLMConfig) llm() llm.Config {
	return llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns a Config with an in-memory cache and a local
// ollama embedder.
func DefaultConfig() Config {
	return Config{
		Cache:      CacheMemory,
		DBName:     "goextract",
		StorageDir: "home",
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:             768,
		MaxConcurrentExtractions: runtime.NumCPU(),
		Extraction:               config.Default(),
	}
}

func (c *Config) parserOptions() parser.Options {
	opts := parser.Options{
		MaxArchiveEntries: c.MaxArchiveEntries,
		MaxArchiveBytes:   c.MaxArchiveBytes,
	}
	if c.LlamaParse != nil && c.LlamaParse.APIKey != "" {
		opts.LlamaParse = &parser.LlamaParseConfig{
			APIKey:  c.LlamaParse.APIKey,
			BaseURL: c.LlamaParse.BaseURL,
		}
	}
	return opts
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "goextract"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".goextract", name+".db")
	}
}

// LoadConfig reads a Config from a JSON or YAML file on top of
// DefaultConfig. The extraction section is normalized and validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errcode.Wrap(errcode.ErrIo, err, "reading config file")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return cfg, errcode.New(errcode.ErrInvalidConfig, "unsupported config format %q", ext)
	}
	if err != nil {
		return cfg, errcode.Wrap(errcode.ErrInvalidConfig, err, "decoding "+path)
	}
	cfg.Extraction = cfg.Extraction.Normalized()
	if err := cfg.Extraction.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides engine settings from GOEXTRACT_* variables, then the
// extraction settings via config.ExtractionConfig.ApplyEnv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(config.EnvPrefix + key)) }
	set := func(dst *string, key string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	set(&c.Cache, "CACHE")
	set(&c.DBPath, "DB_PATH")
	set(&c.Embedding.Provider, "EMBED_PROVIDER")
	set(&c.Embedding.Model, "EMBED_MODEL")
	set(&c.Embedding.BaseURL, "EMBED_BASE_URL")
	set(&c.Embedding.APIKey, "EMBED_API_KEY")
	set(&c.Vision.Provider, "VISION_PROVIDER")
	set(&c.Vision.Model, "VISION_MODEL")
	set(&c.Vision.BaseURL, "VISION_BASE_URL")
	set(&c.Vision.APIKey, "VISION_API_KEY")
	set(&c.Chat.Provider, "CHAT_PROVIDER")
	set(&c.Chat.Model, "CHAT_MODEL")
	set(&c.Chat.BaseURL, "CHAT_BASE_URL")
	set(&c.Chat.APIKey, "CHAT_API_KEY")

	// Well-known provider keys as a fallback.
	if c.Embedding.APIKey == "" && c.Embedding.Provider == "openai" {
		c.Embedding.APIKey = getenv("OPENAI_API_KEY")
	}
	if c.Vision.APIKey == "" && c.Vision.Provider == "openai" {
		c.Vision.APIKey = getenv("OPENAI_API_KEY")
	}
	if c.Chat.APIKey == "" && c.Chat.Provider == "openai" {
		c.Chat.APIKey = getenv("OPENAI_API_KEY")
	}
	if v := env("LLAMAPARSE_API_KEY"); v != "" {
		if c.LlamaParse == nil {
			c.LlamaParse = &LlamaParseConfig{}
		}
		c.LlamaParse.APIKey = v
	}
	return c.Extraction.ApplyEnv(getenv)
}

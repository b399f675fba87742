package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goextract/errcode"
)

// FileNames are the names Discover looks for, in order of preference.
var FileNames = []string{"goextract.toml", "goextract.yaml", "goextract.yml", "goextract.json"}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOEXTRACT_"

// LoadFile reads an ExtractionConfig from a TOML, YAML or JSON file. The
// format is chosen by extension. Fields absent from the file keep their
// defaults.
func LoadFile(path string) (ExtractionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExtractionConfig{}, errcode.Wrap(errcode.ErrIo, err, "reading config file")
	}
	ext := strings.ToLower(filepath.Ext(path))
	cfg, err := Parse(data, strings.TrimPrefix(ext, "."))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("toml", "yaml", "yml" or "json").
func Parse(data []byte, format string) (ExtractionConfig, error) {
	cfg := Default()
	var err error
	switch format {
	case "toml":
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &cfg)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return ExtractionConfig{}, errcode.New(errcode.ErrInvalidConfig, "unsupported config format %q", format)
	}
	if err != nil {
		return ExtractionConfig{}, errcode.Wrap(errcode.ErrInvalidConfig, err, "decoding "+format)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return ExtractionConfig{}, err
	}
	return cfg, nil
}

// Discover looks for a config file starting at the working directory.
func Discover() (*ExtractionConfig, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", errcode.Wrap(errcode.ErrIo, err, "resolving working directory")
	}
	return DiscoverFrom(wd)
}

// DiscoverFrom walks from dir up to the filesystem root and loads the first
// config file found. It returns a nil config and an empty path when none
// exists.
func DiscoverFrom(dir string) (*ExtractionConfig, string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", errcode.Wrap(errcode.ErrIo, err, "resolving directory")
	}
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, "", errcode.Wrap(errcode.ErrIo, err, "checking "+path)
			}
			if info.IsDir() {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return &cfg, path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, "", nil
		}
		dir = parent
	}
}

// ApplyEnv overrides settings from GOEXTRACT_* variables read through
// getenv. Sections are created as needed.
func (c *ExtractionConfig) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(EnvPrefix + key)) }

	if v := env("OCR_LANGUAGE"); v != "" {
		if c.OCR == nil {
			c.OCR = DefaultOCR()
		}
		c.OCR.Language = v
	}
	if v := env("OCR_BACKEND"); v != "" {
		if c.OCR == nil {
			c.OCR = DefaultOCR()
		}
		c.OCR.Backend = v
	}
	if v := env("CHUNKING_MAX_CHARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errcode.Wrap(errcode.ErrInvalidConfig, err, EnvPrefix+"CHUNKING_MAX_CHARS")
		}
		if c.Chunking == nil {
			c.Chunking = DefaultChunking()
		}
		c.Chunking.MaxChars = n
	}
	if v := env("CHUNKING_MAX_OVERLAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errcode.Wrap(errcode.ErrInvalidConfig, err, EnvPrefix+"CHUNKING_MAX_OVERLAP")
		}
		if c.Chunking == nil {
			c.Chunking = DefaultChunking()
		}
		c.Chunking.MaxOverlap = n
	}
	if v := env("CACHE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errcode.Wrap(errcode.ErrInvalidConfig, err, EnvPrefix+"CACHE_ENABLED")
		}
		c.UseCache = b
	}
	if v := env("OUTPUT_FORMAT"); v != "" {
		c.OutputFormat = OutputFormat(strings.ToLower(v))
	}
	return c.Validate()
}

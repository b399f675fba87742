// Package config holds the per-call extraction configuration.
//
// An ExtractionConfig is a value: it is built once per extraction call and
// never mutated while a pipeline runs. Use With to derive a modified copy.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/brunobiangulo/goextract/errcode"
)

// OutputFormat selects how textual content is rendered.
type OutputFormat string

const (
	OutputPlain    OutputFormat = "plain"
	OutputMarkdown OutputFormat = "markdown"
)

// CoverageComparison selects how OcrCoverageThreshold is compared when
// deciding whether a cluster may become a heading.
type CoverageComparison string

const (
	// CompareComplement promotes a cluster when coverage < 1 - threshold.
	CompareComplement CoverageComparison = "complement"
	// CompareDirect promotes a cluster when coverage < threshold.
	CompareDirect CoverageComparison = "direct"
)

// ExtractionConfig describes the desired behaviour of one extraction.
type ExtractionConfig struct {
	UseCache                 bool                     `json:"use_cache" yaml:"use_cache" toml:"use_cache"`
	EnableQualityProcessing  bool                     `json:"enable_quality_processing" yaml:"enable_quality_processing" toml:"enable_quality_processing"`
	ForceOCR                 bool                     `json:"force_ocr" yaml:"force_ocr" toml:"force_ocr"`
	OCR                      *OcrConfig               `json:"ocr,omitempty" yaml:"ocr,omitempty" toml:"ocr,omitempty"`
	PDF                      *PdfConfig               `json:"pdf_options,omitempty" yaml:"pdf_options,omitempty" toml:"pdf_options,omitempty"`
	Images                   *ImageConfig             `json:"images,omitempty" yaml:"images,omitempty" toml:"images,omitempty"`
	Chunking                 *ChunkingConfig          `json:"chunking,omitempty" yaml:"chunking,omitempty" toml:"chunking,omitempty"`
	LanguageDetection        *LanguageDetectionConfig `json:"language_detection,omitempty" yaml:"language_detection,omitempty" toml:"language_detection,omitempty"`
	PostProcessor            *PostProcessorConfig     `json:"postprocessor,omitempty" yaml:"postprocessor,omitempty" toml:"postprocessor,omitempty"`
	Pages                    *PageConfig              `json:"pages,omitempty" yaml:"pages,omitempty" toml:"pages,omitempty"`
	Entities                 *EntityConfig            `json:"entities,omitempty" yaml:"entities,omitempty" toml:"entities,omitempty"`
	Keywords                 *KeywordConfig           `json:"keywords,omitempty" yaml:"keywords,omitempty" toml:"keywords,omitempty"`
	IncludeDocumentStructure bool                     `json:"include_document_structure" yaml:"include_document_structure" toml:"include_document_structure"`
	OutputFormat             OutputFormat             `json:"output_format" yaml:"output_format" toml:"output_format"`
	MaxConcurrentExtractions int                      `json:"max_concurrent_extractions,omitempty" yaml:"max_concurrent_extractions,omitempty" toml:"max_concurrent_extractions,omitempty"`
}

// OcrConfig names the OCR backend and its options. OCR is opt-in: a nil
// OcrConfig disables it, but a named backend must be registered.
type OcrConfig struct {
	Backend   string            `json:"backend" yaml:"backend" toml:"backend"`
	Language  string            `json:"language" yaml:"language" toml:"language"`
	Tesseract *TesseractConfig  `json:"tesseract_config,omitempty" yaml:"tesseract_config,omitempty" toml:"tesseract_config,omitempty"`
	Options   map[string]string `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// TesseractConfig carries tesseract-specific knobs.
type TesseractConfig struct {
	PSM           int    `json:"psm" yaml:"psm" toml:"psm"`
	OEM           int    `json:"oem" yaml:"oem" toml:"oem"`
	CharWhitelist string `json:"char_whitelist,omitempty" yaml:"char_whitelist,omitempty" toml:"char_whitelist,omitempty"`
	DPI           int    `json:"dpi,omitempty" yaml:"dpi,omitempty" toml:"dpi,omitempty"`
}

// PdfConfig holds PDF-specific options.
type PdfConfig struct {
	ExtractImages   bool             `json:"extract_images" yaml:"extract_images" toml:"extract_images"`
	Passwords       []string         `json:"passwords,omitempty" yaml:"passwords,omitempty" toml:"passwords,omitempty"`
	ExtractMetadata bool             `json:"extract_metadata" yaml:"extract_metadata" toml:"extract_metadata"`
	Hierarchy       *HierarchyConfig `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty" toml:"hierarchy,omitempty"`
}

// HierarchyConfig controls layout-based heading detection.
type HierarchyConfig struct {
	Enabled              bool               `json:"enabled" yaml:"enabled" toml:"enabled"`
	KClusters            int                `json:"k_clusters" yaml:"k_clusters" toml:"k_clusters"`
	IncludeBBox          bool               `json:"include_bbox" yaml:"include_bbox" toml:"include_bbox"`
	OcrCoverageThreshold float64            `json:"ocr_coverage_threshold" yaml:"ocr_coverage_threshold" toml:"ocr_coverage_threshold"`
	CoverageComparison   CoverageComparison `json:"coverage_comparison" yaml:"coverage_comparison" toml:"coverage_comparison"`
	MinLevel             int                `json:"min_level" yaml:"min_level" toml:"min_level"`
	MaxLevel             int                `json:"max_level" yaml:"max_level" toml:"max_level"`
}

// ImageConfig controls image extraction from documents.
type ImageConfig struct {
	ExtractImages     bool `json:"extract_images" yaml:"extract_images" toml:"extract_images"`
	TargetDPI         int  `json:"target_dpi" yaml:"target_dpi" toml:"target_dpi"`
	MaxImageDimension int  `json:"max_image_dimension" yaml:"max_image_dimension" toml:"max_image_dimension"`
	AutoAdjustDPI     bool `json:"auto_adjust_dpi" yaml:"auto_adjust_dpi" toml:"auto_adjust_dpi"`
	MinDPI            int  `json:"min_dpi" yaml:"min_dpi" toml:"min_dpi"`
	MaxDPI            int  `json:"max_dpi" yaml:"max_dpi" toml:"max_dpi"`
}

// ChunkingConfig bounds chunk size in characters.
type ChunkingConfig struct {
	MaxChars          int              `json:"max_chars" yaml:"max_chars" toml:"max_chars"`
	MaxOverlap        int              `json:"max_overlap" yaml:"max_overlap" toml:"max_overlap"`
	RespectBoundaries bool             `json:"respect_boundaries" yaml:"respect_boundaries" toml:"respect_boundaries"`
	Embedding         *EmbeddingConfig `json:"embedding,omitempty" yaml:"embedding,omitempty" toml:"embedding,omitempty"`
}

// EmbeddingConfig selects the embedding model applied to chunks.
type EmbeddingConfig struct {
	Model     EmbeddingModel `json:"model" yaml:"model" toml:"model"`
	BatchSize int            `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Normalize bool           `json:"normalize" yaml:"normalize" toml:"normalize"`
	UseCache  bool           `json:"use_cache" yaml:"use_cache" toml:"use_cache"`
}

// EmbeddingModel identifies an embedding endpoint. An empty Provider means
// the engine's default embedder.
type EmbeddingModel struct {
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	Name       string `json:"name" yaml:"name" toml:"name"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty" toml:"dimensions,omitempty"`
}

// LanguageDetectionConfig controls the language detection post-processor.
type LanguageDetectionConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence"`
	DetectMultiple bool    `json:"detect_multiple" yaml:"detect_multiple" toml:"detect_multiple"`
}

// PostProcessorConfig filters which registered post-processors run.
// A nil Enabled means true. EnabledProcessors, when non-empty, is an allow
// list; DisabledProcessors is applied after it.
type PostProcessorConfig struct {
	Enabled            *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	EnabledProcessors  []string `json:"enabled_processors,omitempty" yaml:"enabled_processors,omitempty" toml:"enabled_processors,omitempty"`
	DisabledProcessors []string `json:"disabled_processors,omitempty" yaml:"disabled_processors,omitempty" toml:"disabled_processors,omitempty"`
}

// PageConfig controls per-page output.
type PageConfig struct {
	ExtractPages      bool   `json:"extract_pages" yaml:"extract_pages" toml:"extract_pages"`
	InsertPageMarkers bool   `json:"insert_page_markers" yaml:"insert_page_markers" toml:"insert_page_markers"`
	MarkerFormat      string `json:"marker_format" yaml:"marker_format" toml:"marker_format"`
}

// EntityConfig turns on entity extraction. Custom patterns are regular
// expressions keyed by entity type; the model-backed extraction covers
// EntityTypes and needs a chat model configured on the engine.
type EntityConfig struct {
	EntityTypes    []string          `json:"entity_types" yaml:"entity_types" toml:"entity_types"`
	CustomPatterns map[string]string `json:"custom_patterns,omitempty" yaml:"custom_patterns,omitempty" toml:"custom_patterns,omitempty"`
	// Concurrency bounds parallel model calls. Zero means 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
}

// KeywordConfig turns on keyword extraction.
type KeywordConfig struct {
	MaxKeywords int     `json:"max_keywords" yaml:"max_keywords" toml:"max_keywords"`
	MaxNgram    int     `json:"max_ngram" yaml:"max_ngram" toml:"max_ngram"`
	MinScore    float64 `json:"min_score,omitempty" yaml:"min_score,omitempty" toml:"min_score,omitempty"`
}

// DefaultEntityTypes are the entity types asked for when none are given.
var DefaultEntityTypes = []string{"PERSON", "ORGANIZATION", "LOCATION", "DATE", "EMAIL", "PHONE"}

// DefaultKeywords returns keyword extraction defaults.
func DefaultKeywords() *KeywordConfig {
	return &KeywordConfig{MaxKeywords: 10, MaxNgram: 3}
}

// Default returns the configuration used when the caller supplies none.
func Default() ExtractionConfig {
	return ExtractionConfig{
		UseCache:                true,
		EnableQualityProcessing: true,
		OutputFormat:            OutputPlain,
	}
}

// DefaultOCR returns OCR settings for the tesseract backend in English.
func DefaultOCR() *OcrConfig {
	return &OcrConfig{Backend: "tesseract", Language: "eng"}
}

// DefaultHierarchy returns the hierarchy detection defaults.
func DefaultHierarchy() *HierarchyConfig {
	return &HierarchyConfig{
		Enabled:              true,
		KClusters:            6,
		IncludeBBox:          true,
		OcrCoverageThreshold: 0.5,
		CoverageComparison:   CompareComplement,
		MinLevel:             1,
		MaxLevel:             6,
	}
}

// DefaultChunking returns the chunking defaults.
func DefaultChunking() *ChunkingConfig {
	return &ChunkingConfig{MaxChars: 1000, MaxOverlap: 200, RespectBoundaries: true}
}

// DefaultEmbedding returns embedding defaults for the given model name.
func DefaultEmbedding(model string) *EmbeddingConfig {
	return &EmbeddingConfig{
		Model:     EmbeddingModel{Name: model},
		BatchSize: 32,
		Normalize: true,
		UseCache:  true,
	}
}

// DefaultImages returns image extraction defaults.
func DefaultImages() *ImageConfig {
	return &ImageConfig{
		ExtractImages:     true,
		TargetDPI:         300,
		MaxImageDimension: 4096,
		AutoAdjustDPI:     true,
		MinDPI:            72,
		MaxDPI:            600,
	}
}

// DefaultPageMarker is the page marker format; %d is the page number.
const DefaultPageMarker = "\n\n<!-- PAGE %d -->\n\n"

// fillDefaults sets zero-valued fields of present sections to their
// defaults. Sections that are nil stay nil.
func (c *ExtractionConfig) fillDefaults() {
	if c.OutputFormat == "" {
		c.OutputFormat = OutputPlain
	}
	if c.OCR != nil {
		d := DefaultOCR()
		if c.OCR.Backend == "" {
			c.OCR.Backend = d.Backend
		}
		if c.OCR.Language == "" {
			c.OCR.Language = d.Language
		}
	}
	if c.PDF != nil && c.PDF.Hierarchy != nil {
		h, d := c.PDF.Hierarchy, DefaultHierarchy()
		if h.KClusters == 0 {
			h.KClusters = d.KClusters
		}
		if h.CoverageComparison == "" {
			h.CoverageComparison = d.CoverageComparison
		}
		if h.MinLevel == 0 {
			h.MinLevel = d.MinLevel
		}
		if h.MaxLevel == 0 {
			h.MaxLevel = d.MaxLevel
		}
	}
	if c.Images != nil {
		i, d := c.Images, DefaultImages()
		if i.TargetDPI == 0 {
			i.TargetDPI = d.TargetDPI
		}
		if i.MaxImageDimension == 0 {
			i.MaxImageDimension = d.MaxImageDimension
		}
		if i.MinDPI == 0 {
			i.MinDPI = d.MinDPI
		}
		if i.MaxDPI == 0 {
			i.MaxDPI = d.MaxDPI
		}
	}
	if c.Chunking != nil {
		if c.Chunking.MaxChars == 0 {
			c.Chunking.MaxChars = DefaultChunking().MaxChars
		}
		if e := c.Chunking.Embedding; e != nil && e.BatchSize == 0 {
			e.BatchSize = 32
		}
	}
	if c.LanguageDetection != nil && c.LanguageDetection.MinConfidence == 0 {
		c.LanguageDetection.MinConfidence = 0.8
	}
	if c.Pages != nil && c.Pages.MarkerFormat == "" {
		c.Pages.MarkerFormat = DefaultPageMarker
	}
	if c.Entities != nil && c.Entities.EntityTypes == nil {
		c.Entities.EntityTypes = slices.Clone(DefaultEntityTypes)
	}
	if c.Keywords != nil {
		d := DefaultKeywords()
		if c.Keywords.MaxKeywords == 0 {
			c.Keywords.MaxKeywords = d.MaxKeywords
		}
		if c.Keywords.MaxNgram == 0 {
			c.Keywords.MaxNgram = d.MaxNgram
		}
	}
}

// Normalized returns a copy with defaults filled into every present section.
func (c ExtractionConfig) Normalized() ExtractionConfig {
	out := c.Clone()
	out.fillDefaults()
	return out
}

// Validate reports the first invalid setting as ErrInvalidConfig.
func (c *ExtractionConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return errcode.New(errcode.ErrInvalidConfig, format, args...)
	}
	switch c.OutputFormat {
	case "", OutputPlain, OutputMarkdown:
	default:
		return invalid("unknown output_format %q", c.OutputFormat)
	}
	if c.OCR != nil && strings.TrimSpace(c.OCR.Backend) == "" {
		return invalid("ocr.backend must not be empty")
	}
	if c.PDF != nil && c.PDF.Hierarchy != nil {
		h := c.PDF.Hierarchy
		if h.KClusters < 1 {
			return invalid("hierarchy.k_clusters must be >= 1, got %d", h.KClusters)
		}
		if h.OcrCoverageThreshold < 0 || h.OcrCoverageThreshold > 1 {
			return invalid("hierarchy.ocr_coverage_threshold must be within [0,1], got %v", h.OcrCoverageThreshold)
		}
		switch h.CoverageComparison {
		case "", CompareComplement, CompareDirect:
		default:
			return invalid("unknown hierarchy.coverage_comparison %q", h.CoverageComparison)
		}
		if h.MinLevel < 1 || h.MaxLevel < h.MinLevel {
			return invalid("hierarchy levels must satisfy 1 <= min_level <= max_level, got %d..%d", h.MinLevel, h.MaxLevel)
		}
	}
	if ch := c.Chunking; ch != nil {
		if ch.MaxChars <= 0 {
			return invalid("chunking.max_chars must be positive, got %d", ch.MaxChars)
		}
		if ch.MaxOverlap < 0 || ch.MaxOverlap >= ch.MaxChars {
			return invalid("chunking.max_overlap must be within [0, max_chars), got %d", ch.MaxOverlap)
		}
		if e := ch.Embedding; e != nil && e.BatchSize <= 0 {
			return invalid("chunking.embedding.batch_size must be positive, got %d", e.BatchSize)
		}
	}
	if ld := c.LanguageDetection; ld != nil && (ld.MinConfidence < 0 || ld.MinConfidence > 1) {
		return invalid("language_detection.min_confidence must be within [0,1], got %v", ld.MinConfidence)
	}
	if en := c.Entities; en != nil {
		if en.Concurrency < 0 {
			return invalid("entities.concurrency must not be negative")
		}
		for typ, pattern := range en.CustomPatterns {
			if strings.TrimSpace(typ) == "" {
				return invalid("entities.custom_patterns has an empty entity type")
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return invalid("entities.custom_patterns[%s]: %v", typ, err)
			}
		}
	}
	if kw := c.Keywords; kw != nil {
		if kw.MaxKeywords < 1 {
			return invalid("keywords.max_keywords must be positive, got %d", kw.MaxKeywords)
		}
		if kw.MaxNgram < 1 {
			return invalid("keywords.max_ngram must be positive, got %d", kw.MaxNgram)
		}
	}
	if c.MaxConcurrentExtractions < 0 {
		return invalid("max_concurrent_extractions must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (c ExtractionConfig) Clone() ExtractionConfig {
	out := c
	if c.OCR != nil {
		o := *c.OCR
		if c.OCR.Tesseract != nil {
			t := *c.OCR.Tesseract
			o.Tesseract = &t
		}
		o.Options = maps.Clone(c.OCR.Options)
		out.OCR = &o
	}
	if c.PDF != nil {
		p := *c.PDF
		p.Passwords = slices.Clone(c.PDF.Passwords)
		if c.PDF.Hierarchy != nil {
			h := *c.PDF.Hierarchy
			p.Hierarchy = &h
		}
		out.PDF = &p
	}
	if c.Images != nil {
		i := *c.Images
		out.Images = &i
	}
	if c.Chunking != nil {
		ch := *c.Chunking
		if c.Chunking.Embedding != nil {
			e := *c.Chunking.Embedding
			ch.Embedding = &e
		}
		out.Chunking = &ch
	}
	if c.LanguageDetection != nil {
		l := *c.LanguageDetection
		out.LanguageDetection = &l
	}
	if c.PostProcessor != nil {
		p := *c.PostProcessor
		if c.PostProcessor.Enabled != nil {
			e := *c.PostProcessor.Enabled
			p.Enabled = &e
		}
		p.EnabledProcessors = slices.Clone(c.PostProcessor.EnabledProcessors)
		p.DisabledProcessors = slices.Clone(c.PostProcessor.DisabledProcessors)
		out.PostProcessor = &p
	}
	if c.Pages != nil {
		p := *c.Pages
		out.Pages = &p
	}
	if c.Entities != nil {
		e := *c.Entities
		e.EntityTypes = slices.Clone(c.Entities.EntityTypes)
		e.CustomPatterns = maps.Clone(c.Entities.CustomPatterns)
		out.Entities = &e
	}
	if c.Keywords != nil {
		k := *c.Keywords
		out.Keywords = &k
	}
	return out
}

// With returns a copy of c with the mutators applied. c itself is never
// modified.
func (c ExtractionConfig) With(mutators ...func(*ExtractionConfig)) ExtractionConfig {
	out := c.Clone()
	for _, m := range mutators {
		m(&out)
	}
	return out
}

// Fingerprint is a stable hash of the configuration. Two configs with the
// same effective settings have the same fingerprint.
func (c ExtractionConfig) Fingerprint() string {
	n := c.Normalized()
	// Credentials do not change results.
	if n.Chunking != nil && n.Chunking.Embedding != nil {
		n.Chunking.Embedding.Model.APIKey = ""
	}
	if n.PDF != nil {
		n.PDF.Passwords = nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		// Every field is JSON-encodable, so this is unreachable.
		panic(fmt.Sprintf("config: fingerprint: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HierarchyEnabled reports whether layout hierarchy detection is on.
func (c *ExtractionConfig) HierarchyEnabled() bool {
	return c != nil && c.PDF != nil && c.PDF.Hierarchy != nil && c.PDF.Hierarchy.Enabled
}

// ExtractImages reports whether images should be extracted from documents.
func (c *ExtractionConfig) ExtractImages() bool {
	if c == nil {
		return false
	}
	if c.Images != nil && c.Images.ExtractImages {
		return true
	}
	return c.PDF != nil && c.PDF.ExtractImages
}

// ProcessorEnabled reports whether the named post-processor should run.
func (c *ExtractionConfig) ProcessorEnabled(name string) bool {
	if c == nil || c.PostProcessor == nil {
		return true
	}
	pp := c.PostProcessor
	if pp.Enabled != nil && !*pp.Enabled {
		return false
	}
	if len(pp.EnabledProcessors) > 0 && !slices.Contains(pp.EnabledProcessors, name) {
		return false
	}
	return !slices.Contains(pp.DisabledProcessors, name)
}

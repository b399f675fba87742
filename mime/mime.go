// Package mime detects and validates document MIME types.
//
// Every function is pure and safe for concurrent use.
package mime

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/brunobiangulo/goextract/errcode"
)

// Canonical MIME types of the built-in formats.
const (
	PlainText   = "text/plain"
	Markdown    = "text/markdown"
	HTML        = "text/html"
	CSV         = "text/csv"
	TSV         = "text/tab-separated-values"
	XML         = "application/xml"
	TextXML     = "text/xml"
	JSON        = "application/json"
	YAML        = "application/x-yaml"
	TOML        = "application/toml"
	PDF         = "application/pdf"
	DOCX        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	PPTX        = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	XLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	XLSM        = "application/vnd.ms-excel.sheet.macroEnabled.12"
	ODT         = "application/vnd.oasis.opendocument.text"
	DOC         = "application/msword"
	XLS         = "application/vnd.ms-excel"
	PPT         = "application/vnd.ms-powerpoint"
	Zip         = "application/zip"
	Tar         = "application/x-tar"
	Gzip        = "application/gzip"
	PNG         = "image/png"
	JPEG        = "image/jpeg"
	GIF         = "image/gif"
	BMP         = "image/bmp"
	TIFF        = "image/tiff"
	WebP        = "image/webp"
	OctetStream = "application/octet-stream"
	imagePrefix = "image/"
	sniffLimit  = 3072
)

// extTable maps extensions to canonical types. The first extension listed
// for a type is its preferred one.
var extTable = []struct {
	mime string
	exts []string
}{
	{PlainText, []string{"txt", "text", "log"}},
	{Markdown, []string{"md", "markdown", "mkd"}},
	{HTML, []string{"html", "htm", "xhtml"}},
	{CSV, []string{"csv"}},
	{TSV, []string{"tsv"}},
	{XML, []string{"xml"}},
	{JSON, []string{"json"}},
	{YAML, []string{"yaml", "yml"}},
	{TOML, []string{"toml"}},
	{PDF, []string{"pdf"}},
	{DOCX, []string{"docx"}},
	{PPTX, []string{"pptx"}},
	{XLSX, []string{"xlsx"}},
	{XLSM, []string{"xlsm"}},
	{ODT, []string{"odt"}},
	{DOC, []string{"doc"}},
	{XLS, []string{"xls"}},
	{PPT, []string{"ppt"}},
	{Zip, []string{"zip"}},
	{Tar, []string{"tar"}},
	{Gzip, []string{"gz", "tgz"}},
	{PNG, []string{"png"}},
	{JPEG, []string{"jpg", "jpeg", "jpe"}},
	{GIF, []string{"gif"}},
	{BMP, []string{"bmp"}},
	{TIFF, []string{"tif", "tiff"}},
	{WebP, []string{"webp"}},
	{"image/jp2", []string{"jp2"}},
	{"image/x-portable-anymap", []string{"pnm"}},
	{"image/x-portable-bitmap", []string{"pbm"}},
	{"image/x-portable-graymap", []string{"pgm"}},
	{"image/x-portable-pixmap", []string{"ppm"}},
}

// aliases maps alternative spellings to canonical types.
var aliases = map[string]string{
	"text/x-markdown":              Markdown,
	"application/yaml":             YAML,
	"text/yaml":                    YAML,
	"text/x-yaml":                  YAML,
	"application/x-toml":           TOML,
	"application/x-gzip":           Gzip,
	"application/x-zip":            Zip,
	"application/x-zip-compressed": Zip,
	"image/jpg":                    JPEG,
	"image/x-ms-bmp":               BMP,
	"text/x-csv":                   CSV,
	"application/csv":              CSV,
	"application/xhtml+xml":        HTML,
}

var supported = func() map[string]bool {
	m := map[string]bool{TextXML: true}
	for _, e := range extTable {
		m[e.mime] = true
	}
	return m
}()

var byExt = func() map[string]string {
	m := map[string]string{}
	for _, e := range extTable {
		for _, ext := range e.exts {
			m[ext] = e.mime
		}
	}
	return m
}()

// Normalize strips parameters, lowercases and resolves aliases.
func Normalize(mimeType string) string {
	t, _, _ := strings.Cut(mimeType, ";")
	t = strings.ToLower(strings.TrimSpace(t))
	if c, ok := aliases[t]; ok {
		return c
	}
	// The canonical XLSM type is mixed case.
	if strings.EqualFold(t, XLSM) {
		return XLSM
	}
	return t
}

// IsImage reports whether the type is any image/* type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(Normalize(mimeType), imagePrefix)
}

// Detect sniffs the MIME type from content. Only the first few kilobytes
// are inspected.
func Detect(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errcode.New(errcode.ErrUnsupportedFormat, "cannot detect type of empty input")
	}
	head := data
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	m := mimetype.Detect(head)
	t := Normalize(m.String())
	switch {
	case m.Is(DOCX), m.Is(PPTX), m.Is(XLSX), m.Is(ODT):
		return Normalize(m.String()), nil
	case t == Zip:
		// mimetype needs the full central directory for some OOXML files.
		if ooxml := sniffOOXML(head); ooxml != "" {
			return ooxml, nil
		}
	case t == OctetStream:
		return "", errcode.New(errcode.ErrUnsupportedFormat, "unrecognized content")
	}
	return t, nil
}

// sniffOOXML looks for the part names that identify office formats in the
// first local file headers of a zip archive.
func sniffOOXML(head []byte) string {
	s := string(head)
	switch {
	case strings.Contains(s, "word/"):
		return DOCX
	case strings.Contains(s, "ppt/"):
		return PPTX
	case strings.Contains(s, "xl/"):
		return XLSX
	case strings.Contains(s, "mimetypeapplication/vnd.oasis.opendocument.text"):
		return ODT
	}
	return ""
}

// DetectFromPath maps the file extension to a MIME type. With checkExists
// the file must exist.
func DetectFromPath(path string, checkExists bool) (string, error) {
	if checkExists {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", errcode.Wrap(errcode.ErrIo, err, "file does not exist")
			}
			return "", errcode.Wrap(errcode.ErrIo, err, "stat")
		}
		if info.IsDir() {
			return "", errcode.New(errcode.ErrIo, "%s is a directory", path)
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "", errcode.New(errcode.ErrUnsupportedFormat, "%s has no extension", filepath.Base(path))
	}
	if strings.HasSuffix(strings.ToLower(path), ".tar.gz") {
		return Gzip, nil
	}
	if t, ok := byExt[ext]; ok {
		return t, nil
	}
	return "", errcode.New(errcode.ErrUnsupportedFormat, "unknown extension %q", ext)
}

// Validate returns the canonical form of mimeType when it is supported.
// Any image/* type is accepted.
func Validate(mimeType string) (string, error) {
	t := Normalize(mimeType)
	if t == "" {
		return "", errcode.New(errcode.ErrUnsupportedFormat, "empty mime type")
	}
	if strings.HasPrefix(t, imagePrefix) || supported[t] {
		return t, nil
	}
	return "", errcode.New(errcode.ErrUnsupportedFormat, "unsupported mime type %q", t)
}

// ExtensionsFor returns the known extensions for a type, preferred first.
func ExtensionsFor(mimeType string) []string {
	t := Normalize(mimeType)
	if t == TextXML {
		t = XML
	}
	for _, e := range extTable {
		if e.mime == t {
			return slices.Clone(e.exts)
		}
	}
	return nil
}

// Supported lists the canonical types of the built-in set, sorted.
func Supported() []string {
	out := make([]string, 0, len(supported))
	for t := range supported {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Resolve picks the MIME type for an input: an explicit hint wins, then the
// path extension, then content sniffing.
func Resolve(data []byte, path, hint string) (string, error) {
	if hint != "" {
		return Normalize(hint), nil
	}
	if path != "" {
		if t, err := DetectFromPath(path, false); err == nil {
			return t, nil
		}
	}
	return Detect(data)
}

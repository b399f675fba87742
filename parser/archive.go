package parser

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

const (
	defaultMaxArchiveEntries = 1000
	defaultMaxArchiveBytes   = 100 << 20
)

// Archive lists the members of zip, tar and gzip archives and inlines the
// text of members in textual formats. Reading stops at the entry or byte
// limit and the result is marked truncated.
type Archive struct {
	info
	maxEntries int
	maxBytes   int64
}

// NewArchive returns an archive extractor; limits <= 0 mean the defaults.
func NewArchive(maxEntries int, maxBytes int64) *Archive {
	if maxEntries <= 0 {
		maxEntries = defaultMaxArchiveEntries
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxArchiveBytes
	}
	return &Archive{
		info:       info{name: "archive", mimes: []string{mime.Zip, mime.Tar, mime.Gzip}, priority: 50},
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

type archiveMember struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

func (p *Archive) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	format := "zip"
	var members []archiveMember
	var err error
	switch mimeType {
	case mime.Zip:
		members, err = zipMembers(data)
	case mime.Tar:
		format = "tar"
		members, err = tarMembers(bytes.NewReader(data))
	case mime.Gzip:
		format = "gzip"
		members, format, err = gzipMembers(data)
	default:
		return nil, errcode.New(errcode.ErrUnsupportedFormat, "archive: %s", mimeType)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "reading "+format)
	}

	markdown := cfg != nil && cfg.OutputFormat == config.OutputMarkdown
	var (
		names     []string
		blocks    []string
		total     int64
		budget    = p.maxBytes
		truncated bool
	)
	for i, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= p.maxEntries {
			truncated = true
			break
		}
		names = append(names, m.name)
		total += m.size
		if !isTextMember(m.name) {
			continue
		}
		text, n, cut, err := readMember(m, budget)
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "reading "+m.name)
		}
		budget -= n
		if s := strings.TrimSpace(text); s != "" {
			heading := m.name
			if markdown {
				heading = "## " + m.name
			}
			blocks = append(blocks, heading+"\n\n"+s)
		}
		if cut {
			truncated = true
			break
		}
	}

	listing := "Files:\n" + strings.Join(names, "\n")
	if markdown {
		listing = "## Files\n\n- " + strings.Join(names, "\n- ")
	}
	content := listing
	if len(blocks) > 0 {
		content += "\n\n" + strings.Join(blocks, "\n\n")
	}
	return &result.RawContent{
		Content:  content,
		MimeType: mimeType,
		Metadata: result.Metadata{
			"format":     format,
			"file_count": len(names),
			"file_list":  strings.Join(names, "\n"),
			"total_size": total,
			"truncated":  truncated,
		},
		Method: "native",
	}, nil
}

func isTextMember(name string) bool {
	t, err := mime.DetectFromPath(name, false)
	if err != nil {
		return false
	}
	switch t {
	case mime.PlainText, mime.Markdown, mime.CSV, mime.TSV, mime.JSON, mime.YAML,
		mime.TOML, mime.XML, mime.TextXML, mime.HTML:
		return true
	}
	return false
}

// readMember reads at most budget bytes of m. cut reports that the member
// was longer than the budget.
func readMember(m archiveMember, budget int64) (text string, n int64, cut bool, err error) {
	if budget <= 0 {
		return "", 0, true, nil
	}
	rc, err := m.open()
	if err != nil {
		return "", 0, false, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if err != nil {
		return "", 0, false, err
	}
	if int64(len(data)) > budget {
		data, cut = data[:budget], true
	}
	text, _ = decodeText(data, "")
	return text, int64(len(data)), cut, nil
}

func zipMembers(data []byte) ([]archiveMember, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var out []archiveMember
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		out = append(out, archiveMember{name: f.Name, size: int64(f.UncompressedSize64), open: f.Open})
	}
	return out, nil
}

// tarMembers buffers regular files; a tar stream cannot be reopened.
func tarMembers(r io.Reader) ([]archiveMember, error) {
	tr := tar.NewReader(r)
	var out []archiveMember
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var body []byte
		if isTextMember(hdr.Name) {
			if body, err = io.ReadAll(io.LimitReader(tr, defaultMaxArchiveBytes)); err != nil {
				return nil, err
			}
		}
		out = append(out, archiveMember{name: hdr.Name, size: hdr.Size, open: memOpener(body)})
	}
	return out, nil
}

// gzipMembers unwraps a gzip stream. A tarball inside is listed as tar;
// anything else is one member named after the gzip header or "data".
func gzipMembers(data []byte) ([]archiveMember, string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, "gzip", err
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, defaultMaxArchiveBytes))
	if err != nil {
		return nil, "gzip", err
	}
	if isTar(body) {
		members, err := tarMembers(bytes.NewReader(body))
		return members, "tar.gz", err
	}
	name := zr.Name
	if name == "" {
		name = "data"
	}
	return []archiveMember{{name: path.Base(name), size: int64(len(body)), open: memOpener(body)}}, "gzip", nil
}

func isTar(b []byte) bool {
	return len(b) > 262 && string(b[257:262]) == "ustar"
}

func memOpener(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

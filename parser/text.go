package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// Text handles plain text and delimited tables (csv, tsv).
type Text struct{ info }

func NewText() *Text {
	return &Text{info{name: "text", mimes: []string{mime.PlainText, mime.CSV, mime.TSV}, priority: 50}}
}

func (p *Text) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	text, enc := decodeText(data, mimeType)
	raw := &result.RawContent{MimeType: mimeType, Metadata: result.Metadata{}, Method: "native"}
	if enc != "" {
		raw.Metadata["encoding"] = enc
	}

	switch mimeType {
	case mime.CSV, mime.TSV:
		sep := ','
		if mimeType == mime.TSV {
			sep = '\t'
		}
		rows, err := readDelimited(text, sep)
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "reading "+mimeType)
		}
		raw.Metadata["row_count"] = len(rows)
		if len(rows) > 0 {
			t := result.NewTable(padRows(rows), 0)
			raw.Tables = []result.Table{t}
			raw.Metadata["column_count"] = len(t.Cells[0])
			if cfg != nil && cfg.OutputFormat == config.OutputMarkdown {
				raw.Content = t.Markdown
				return raw, nil
			}
		}
		raw.Content = strings.TrimSpace(text)
	default:
		raw.Content = text
		raw.Metadata["line_count"] = strings.Count(text, "\n") + 1
		raw.Metadata["word_count"] = len(strings.Fields(text))
		raw.Metadata["character_count"] = utf8.RuneCountInString(text)
	}
	return raw, nil
}

// decodeText converts data to UTF-8. Valid UTF-8 is returned as is (minus a
// byte order mark); anything else goes through charset detection. The
// second return names the source encoding when a conversion happened.
func decodeText(data []byte, contentType string) (string, string) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), ""
	}
	enc, name, _ := charset.DetermineEncoding(data, contentType)
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�"), ""
	}
	return string(out), name
}

func readDelimited(text string, sep rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return trimEmptyRows(rows), nil
}

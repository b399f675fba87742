package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// XLSX extracts spreadsheets. Every non-empty sheet becomes one page
// holding one table.
type XLSX struct{ info }

func NewXLSX() *XLSX {
	return &XLSX{info{name: "xlsx", mimes: []string{mime.XLSX, mime.XLSM}, priority: 50}}
}

func (p *XLSX) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "opening xlsx")
	}
	defer f.Close()

	markdown := cfg != nil && cfg.OutputFormat == config.OutputMarkdown
	raw := &result.RawContent{MimeType: mimeType, Metadata: result.Metadata{}, Method: "native"}
	sheets := f.GetSheetList()
	var names []string
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "reading sheet "+sheet)
		}
		rows = trimEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}
		number := len(raw.Pages) + 1
		t := result.NewTable(padRows(rows), number)
		raw.Tables = append(raw.Tables, t)
		names = append(names, sheet)

		heading := sheet
		if markdown {
			heading = "## " + sheet
		}
		raw.Pages = append(raw.Pages, result.RawPage{Number: number, Content: heading + "\n\n" + t.Markdown})
	}

	raw.Metadata["sheet_count"] = len(sheets)
	raw.Metadata["sheet_names"] = strings.Join(names, ", ")
	if props, err := f.GetDocProps(); err == nil && props != nil {
		setNonEmpty(raw.Metadata, "title", props.Title)
		setNonEmpty(raw.Metadata, "subject", props.Subject)
		setNonEmpty(raw.Metadata, "author", props.Creator)
		setNonEmpty(raw.Metadata, "keywords", props.Keywords)
		setNonEmpty(raw.Metadata, "description", props.Description)
		setNonEmpty(raw.Metadata, "modified_by", props.LastModifiedBy)
		setNonEmpty(raw.Metadata, "created_at", props.Created)
		setNonEmpty(raw.Metadata, "modified_at", props.Modified)
	}
	return raw, nil
}

func trimEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		if strings.TrimSpace(strings.Join(row, "")) != "" {
			out = append(out, row)
		}
	}
	return out
}

// padRows gives every row the width of the widest one. excelize drops
// trailing empty cells.
func padRows(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	for i, r := range rows {
		if len(r) < width {
			rows[i] = append(r, make([]string, width-len(r))...)
		}
	}
	return rows
}

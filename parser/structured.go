package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// Structured flattens data formats (json, yaml, toml, xml) into one
// "path: value" line per scalar. Markdown output wraps the source in a
// fenced code block instead.
type Structured struct{ info }

func NewStructured() *Structured {
	return &Structured{info{
		name:     "structured",
		mimes:    []string{mime.JSON, mime.YAML, mime.TOML, mime.XML, mime.TextXML},
		priority: 50,
	}}
}

func (p *Structured) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	src, _ := decodeText(data, mimeType)
	raw := &result.RawContent{MimeType: mimeType, Metadata: result.Metadata{}, Method: "native"}

	var (
		lines []string
		err   error
		lang  string
	)
	switch mimeType {
	case mime.JSON:
		lang = "json"
		var v any
		dec := json.NewDecoder(strings.NewReader(src))
		dec.UseNumber()
		if err = dec.Decode(&v); err == nil {
			lines = flatten("", v, raw.Metadata)
		}
	case mime.YAML:
		lang = "yaml"
		var v any
		if err = yaml.Unmarshal([]byte(src), &v); err == nil {
			lines = flatten("", v, raw.Metadata)
		}
	case mime.TOML:
		lang = "toml"
		var v map[string]any
		if _, err = toml.Decode(src, &v); err == nil {
			lines = flatten("", v, raw.Metadata)
		}
	default:
		lang = "xml"
		lines, err = xmlText(src, raw.Metadata)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "parsing "+lang)
	}

	raw.Metadata["format"] = lang
	raw.Metadata["field_count"] = len(lines)
	if cfg != nil && cfg.OutputFormat == config.OutputMarkdown {
		raw.Content = "```" + lang + "\n" + strings.TrimRight(src, "\n") + "\n```"
	} else {
		raw.Content = strings.Join(lines, "\n")
	}
	return raw, ctx.Err()
}

// flatten renders every scalar of v as "path: value" in a stable order:
// map keys sorted, slice elements by index. Top-level title and
// description strings are copied into md.
func flatten(prefix string, v any, md result.Metadata) []string {
	var out []string
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch v := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				walk(join(path, k), v[k])
			}
		case []any:
			for i, e := range v {
				walk(fmt.Sprintf("%s[%d]", path, i), e)
			}
		case []map[string]any:
			for i, e := range v {
				walk(fmt.Sprintf("%s[%d]", path, i), e)
			}
		case nil:
		default:
			s := strings.TrimSpace(fmt.Sprint(v))
			if s == "" {
				return
			}
			if path == "" {
				out = append(out, s)
			} else {
				out = append(out, path+": "+s)
			}
		}
	}
	walk(prefix, v)
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"title", "description"} {
			if s, ok := m[key].(string); ok {
				setNonEmpty(md, key, s)
			}
		}
	}
	return out
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// xmlText returns the character data of every element, one line per
// element, and records the root element name.
func xmlText(src string, md result.Metadata) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(src))
	dec.Strict = false
	var (
		lines    []string
		text     bytes.Buffer
		elements int
	)
	flush := func() {
		if s := collapseSpace(text.String()); s != "" {
			lines = append(lines, s)
		}
		text.Reset()
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if elements == 0 {
				md["root_element"] = t.Name.Local
			}
			elements++
			flush()
		case xml.EndElement:
			flush()
		case xml.CharData:
			text.Write(t)
		}
	}
	if elements == 0 {
		return nil, errors.New("no elements")
	}
	md["element_count"] = elements
	return lines, nil
}

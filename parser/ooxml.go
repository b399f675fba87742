package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"path"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/result"
)

// Images smaller than this in either dimension are icons or bullets.
const minImageSide = 32

// zipIndex maps member names of an office package to their entries.
type zipIndex map[string]*zip.File

func openZip(data []byte, format string) (zipIndex, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "opening "+format)
	}
	idx := make(zipIndex, len(r.File))
	for _, f := range r.File {
		idx[f.Name] = f
	}
	return idx, nil
}

func (z zipIndex) read(name string) ([]byte, error) {
	f := z[name]
	if f == nil {
		return nil, fmt.Errorf("%s not found in package", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// relationships represents the .rels XML structure.
type relationships struct {
	XMLName xml.Name       `xml:"Relationships"`
	Rels    []relationship `xml:"Relationship"`
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Target string `xml:"Target,attr"`
	Type   string `xml:"Type,attr"`
}

// rels reads a .rels member and returns rId -> target.
func (z zipIndex) rels(name string) map[string]string {
	data, err := z.read(name)
	if err != nil {
		return nil
	}
	var r relationships
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil
	}
	out := make(map[string]string, len(r.Rels))
	for _, rel := range r.Rels {
		out[rel.ID] = rel.Target
	}
	return out
}

// image loads the media member a relationship target points at. Targets are
// relative to dir.
func (z zipIndex) image(dir, target string) (result.ExtractedImage, bool) {
	name := strings.TrimPrefix(path.Clean(path.Join(dir, target)), "/")
	if strings.HasPrefix(target, "/") {
		name = strings.TrimPrefix(target, "/")
	}
	data, err := z.read(name)
	if err != nil {
		slog.Debug("parser: image not found in package", "path", name, "error", err)
		return result.ExtractedImage{}, false
	}
	format := formatFromExt(path.Ext(name))
	if format == "" {
		return result.ExtractedImage{}, false
	}
	img := result.ExtractedImage{Data: data, Format: format}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if cfg.Width < minImageSide || cfg.Height < minImageSide {
			return result.ExtractedImage{}, false
		}
		img.Width, img.Height = cfg.Width, cfg.Height
	}
	return img, true
}

// blipImages collects the images referenced by a:blip r:embed elements of
// one XML part.
func (z zipIndex) blipImages(partXML []byte, rels map[string]string, dir string, page int) []result.ExtractedImage {
	if len(rels) == 0 {
		return nil
	}
	var out []result.ExtractedImage
	dec := xml.NewDecoder(bytes.NewReader(partXML))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "blip" {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Local != "embed" {
				continue
			}
			if target, ok := rels[a.Value]; ok {
				if img, ok := z.image(dir, target); ok {
					img.PageNumber = page
					out = append(out, img)
				}
			}
		}
	}
	return out
}

// formatFromExt returns the short image format for a file extension.
func formatFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "png"
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".gif":
		return "gif"
	case ".bmp":
		return "bmp"
	case ".tiff", ".tif":
		return "tiff"
	case ".webp":
		return "webp"
	case ".emf":
		return "emf"
	case ".wmf":
		return "wmf"
	default:
		return ""
	}
}

// coreProperties is docProps/core.xml.
type coreProperties struct {
	Title          string `xml:"title"`
	Subject        string `xml:"subject"`
	Creator        string `xml:"creator"`
	Keywords       string `xml:"keywords"`
	Description    string `xml:"description"`
	LastModifiedBy string `xml:"lastModifiedBy"`
	Created        string `xml:"created"`
	Modified       string `xml:"modified"`
}

// coreMetadata copies the package's core properties into md.
func (z zipIndex) coreMetadata(md result.Metadata) {
	data, err := z.read("docProps/core.xml")
	if err != nil {
		return
	}
	var cp coreProperties
	if err := xml.Unmarshal(data, &cp); err != nil {
		slog.Debug("parser: unreadable core properties", "error", err)
		return
	}
	setNonEmpty(md, "title", cp.Title)
	setNonEmpty(md, "subject", cp.Subject)
	setNonEmpty(md, "author", cp.Creator)
	setNonEmpty(md, "keywords", cp.Keywords)
	setNonEmpty(md, "description", cp.Description)
	setNonEmpty(md, "modified_by", cp.LastModifiedBy)
	setNonEmpty(md, "created_at", cp.Created)
	setNonEmpty(md, "modified_at", cp.Modified)
}

func setNonEmpty(md result.Metadata, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		md[key] = v
	}
}

// indexImages numbers images in document order.
func indexImages(imgs []result.ExtractedImage) []result.ExtractedImage {
	for i := range imgs {
		imgs[i].ImageIndex = i
	}
	return imgs
}

package parser

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/brunobiangulo/goextract/result"
)

// extractPDFImages returns the raw image XObjects of every page in page
// order. password is the user password that opened the document, if any.
func extractPDFImages(data []byte, password string) ([]result.ExtractedImage, error) {
	conf := model.NewDefaultConfiguration()
	if password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var out []result.ExtractedImage
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		if len(pdfcpu.ImageObjNrs(ctx, pageNr)) == 0 {
			continue
		}
		imgs, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
		if err != nil {
			return out, fmt.Errorf("page %d: %w", pageNr, err)
		}
		objNrs := make([]int, 0, len(imgs))
		for nr := range imgs {
			objNrs = append(objNrs, nr)
		}
		slices.Sort(objNrs)
		for _, nr := range objNrs {
			img := imgs[nr]
			if img.Reader == nil {
				continue
			}
			raw, err := io.ReadAll(img.Reader)
			if err != nil || len(raw) == 0 {
				continue
			}
			if !img.IsImgMask && (img.Width < minImageSide || img.Height < minImageSide) {
				continue
			}
			out = append(out, result.ExtractedImage{
				Data:             raw,
				Format:           img.FileType,
				PageNumber:       pageNr,
				Width:            img.Width,
				Height:           img.Height,
				Colorspace:       img.Cs,
				BitsPerComponent: img.Bpc,
				IsMask:           img.IsImgMask,
			})
		}
	}
	return indexImages(out), nil
}

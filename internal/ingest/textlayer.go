package ingest

import (
	"bytes"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/model"
)

// ExtractTextLayer pulls the embedded PDF text layer out as positioned
// tokens, scaled from PDF points into the pixel space of a page rasterized at
// dpi. Scanned PDFs with no text layer yield zero tokens.
func ExtractTextLayer(data []byte, dpi int) ([]TextToken, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open pdf for text layer")
	}

	scale := float64(dpi) / 72.0
	var tokens []TextToken

	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		p := r.Page(pageNum)
		if p.V.IsNull() {
			continue
		}
		content := p.Content()
		if len(content.Text) == 0 {
			continue
		}

		pageTop := pageTopPoints(p, content.Text)
		words := groupWords(content.Text)
		for _, w := range words {
			if strings.TrimSpace(w.text) == "" {
				continue
			}
			tokens = append(tokens, TextToken{
				PageIndex: pageNum - 1,
				Token: model.Token{
					Text: w.text,
					Bounds: model.Rect{
						X:      int(w.x * scale),
						Y:      int((pageTop - w.y - w.h) * scale),
						Width:  int(w.w * scale),
						Height: int(w.h * scale),
					},
					// The text layer carries no recognition uncertainty.
					Confidence: 1.0,
				},
			})
		}
	}

	return tokens, nil
}

type wordRun struct {
	text       string
	x, y, w, h float64
}

// groupWords merges the per-run text fragments the PDF content stream yields
// into word-level runs: same baseline, gap smaller than a fraction of the
// font size.
func groupWords(texts []pdf.Text) []wordRun {
	items := append([]pdf.Text(nil), texts...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Y != items[j].Y {
			return items[i].Y > items[j].Y // top of page first
		}
		return items[i].X < items[j].X
	})

	var words []wordRun
	var cur *wordRun
	var prevEnd float64

	flush := func() {
		if cur != nil && cur.text != "" {
			words = append(words, *cur)
		}
		cur = nil
	}

	for _, t := range items {
		if t.S == "" {
			continue
		}
		h := t.FontSize
		if h <= 0 {
			h = 10
		}
		gapLimit := h * 0.35

		sameLine := cur != nil && abs(cur.y-t.Y) < h*0.4
		adjacent := sameLine && t.X-prevEnd <= gapLimit && t.X >= cur.x

		if adjacent && !strings.ContainsAny(t.S, " \t") {
			cur.text += t.S
			end := t.X + t.W
			if end > cur.x+cur.w {
				cur.w = end - cur.x
			}
			prevEnd = t.X + t.W
			continue
		}

		flush()
		trimmed := strings.TrimSpace(t.S)
		if trimmed == "" {
			prevEnd = t.X + t.W
			continue
		}
		cur = &wordRun{text: trimmed, x: t.X, y: t.Y, w: t.W, h: h}
		prevEnd = t.X + t.W
	}
	flush()

	return words
}

// pageTopPoints estimates the page height in points for flipping the PDF's
// bottom-left origin into raster top-left coordinates.
func pageTopPoints(p pdf.Page, texts []pdf.Text) float64 {
	if mb := p.V.Key("MediaBox"); !mb.IsNull() && mb.Len() == 4 {
		return mb.Index(3).Float64()
	}
	var top float64
	for _, t := range texts {
		if t.Y+t.FontSize > top {
			top = t.Y + t.FontSize
		}
	}
	return top
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

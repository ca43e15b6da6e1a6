// Package zone segments pages into semantically typed regions and applies
// masks. Zones are the scheduling unit for OCR; a masked zone is never
// scheduled.
package zone

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
)

// defaultMinGap is the vertical whitespace run, in pixels at probe scale,
// that separates two zones.
const defaultMinGap = 12

// Detector finds zones on a page image via layout heuristics.
type Detector struct {
	store *artifact.Store
	cfg   config.ZoneConfig
}

// NewDetector creates a Detector.
func NewDetector(store *artifact.Store, cfg config.ZoneConfig) *Detector {
	return &Detector{store: store, cfg: cfg}
}

// ZoneImage pairs zone metadata with its cropped raster.
type ZoneImage struct {
	Meta  model.Zone
	Image *image.Gray
}

// Detect segments the page into typed zones and registers a cropped artifact
// per zone, chained to the page artifact. Regions that match no known layout
// signature come back Unclassified rather than being dropped.
func (d *Detector) Detect(ctx context.Context, pageRef model.Ref, pageIndex int, img *image.Gray) ([]ZoneImage, error) {
	minGap := d.cfg.MinGapPx
	if minGap <= 0 {
		minGap = defaultMinGap
	}

	bands := segment(img, minGap)
	if len(bands) == 0 {
		// A blank page still yields one unclassified zone covering it.
		bands = []model.Rect{{X: 0, Y: 0, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}}
	}

	var zones []ZoneImage
	for i, bounds := range bands {
		zt := classify(img, bounds, d.cfg.NoiseCutoff)
		crop := cropGray(img, bounds)

		var buf bytes.Buffer
		if err := png.Encode(&buf, crop); err != nil {
			return nil, eris.Wrap(err, "zone: encode crop")
		}
		params := map[string]any{
			"page": pageIndex, "type": string(zt),
			"x": bounds.X, "y": bounds.Y, "w": bounds.Width, "h": bounds.Height,
		}
		ref, err := d.store.Put(ctx, model.KindZone, []model.Ref{pageRef}, params, buf.Bytes())
		if err != nil {
			return nil, eris.Wrap(err, "zone: store crop")
		}

		z := model.Zone{
			ID:        fmt.Sprintf("p%d-z%d", pageIndex, i),
			PageIndex: pageIndex,
			Ref:       ref,
			Bounds:    bounds,
			Type:      zt,
		}
		if zt == model.ZoneNoise {
			z.Masked = true
			z.MaskReason = "auto: noise signature"
		}
		zones = append(zones, ZoneImage{Meta: z, Image: crop})
	}

	zap.L().Debug("zone: detected",
		zap.Int("page", pageIndex),
		zap.Int("zones", len(zones)),
	)
	return zones, nil
}

// segment splits the page into horizontal bands separated by whitespace gaps
// of at least minGap rows.
func segment(g *image.Gray, minGap int) []model.Rect {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	inked := make([]bool, h)
	for y := 0; y < h; y++ {
		var dark int
		for x := 0; x < w; x++ {
			if g.Pix[y*g.Stride+x] < 160 {
				dark++
			}
		}
		// A row counts as inked when at least 0.5% of it is dark.
		inked[y] = dark*200 >= w
	}

	var bands []model.Rect
	start, gap := -1, 0
	for y := 0; y <= h; y++ {
		switch {
		case y < h && inked[y]:
			if start < 0 {
				start = y
			}
			gap = 0
		case start >= 0:
			gap++
			if gap >= minGap || y == h {
				end := y - gap + 1
				if end > start {
					bands = append(bands, trimBand(g, start, end))
				}
				start, gap = -1, 0
			}
		}
	}
	return bands
}

// trimBand tightens a row band to its inked horizontal extent.
func trimBand(g *image.Gray, y0, y1 int) model.Rect {
	b := g.Bounds()
	w := b.Dx()
	x0, x1 := w, 0
	for y := y0; y < y1; y++ {
		for x := 0; x < w; x++ {
			if g.Pix[y*g.Stride+x] < 160 {
				if x < x0 {
					x0 = x
				}
				if x+1 > x1 {
					x1 = x + 1
				}
			}
		}
	}
	if x1 <= x0 {
		x0, x1 = 0, w
	}
	return model.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// classify assigns a semantic type from position, ink distribution and
// internal structure.
func classify(g *image.Gray, r model.Rect, noiseCutoff float64) model.ZoneType {
	b := g.Bounds()
	pageH, pageW := b.Dy(), b.Dx()
	if pageH == 0 || pageW == 0 || r.IsEmpty() {
		return model.ZoneUnclassified
	}

	density, centroidX := inkStats(g, r)
	if noiseCutoff <= 0 {
		noiseCutoff = 0.015
	}
	// Faint, sparse regions read as watermarks or scanner noise.
	if density < noiseCutoff {
		return model.ZoneNoise
	}

	top := float64(r.Y) / float64(pageH)
	bottom := float64(r.Y+r.Height) / float64(pageH)
	widthFrac := float64(r.Width) / float64(pageW)
	rows := subRows(g, r)

	switch {
	case rows >= 3 && widthFrac >= 0.55 && top > 0.2 && bottom < 0.9:
		// Several evenly stacked rows spanning most of the width.
		return model.ZoneLineItemsTable
	case bottom >= 0.88:
		return model.ZoneFooter
	case centroidX > 0.6 && top > 0.45 && widthFrac < 0.6:
		// Right-aligned numeric block in the lower half.
		return model.ZoneTotalsBox
	case top < 0.35:
		return model.ZoneHeaderFields
	default:
		return model.ZoneUnclassified
	}
}

// inkStats returns the dark-pixel density of r and the horizontal centroid of
// its ink as a fraction of the page width.
func inkStats(g *image.Gray, r model.Rect) (density, centroidX float64) {
	b := g.Bounds()
	pageW := b.Dx()
	var dark, sumX int
	for y := r.Y; y < r.Y+r.Height; y++ {
		for x := r.X; x < r.X+r.Width; x++ {
			if g.Pix[y*g.Stride+x] < 160 {
				dark++
				sumX += x
			}
		}
	}
	area := r.Width * r.Height
	if area == 0 || pageW == 0 {
		return 0, 0
	}
	density = float64(dark) / float64(area)
	if dark > 0 {
		centroidX = float64(sumX) / float64(dark) / float64(pageW)
	}
	return density, centroidX
}

// subRows counts distinct inked row runs inside r, the signal for tabular
// line-item regions.
func subRows(g *image.Gray, r model.Rect) int {
	var rows int
	inRun := false
	for y := r.Y; y < r.Y+r.Height; y++ {
		var dark int
		for x := r.X; x < r.X+r.Width; x++ {
			if g.Pix[y*g.Stride+x] < 160 {
				dark++
			}
		}
		inked := dark*100 >= r.Width
		if inked && !inRun {
			rows++
		}
		inRun = inked
	}
	return rows
}

func cropGray(g *image.Gray, r model.Rect) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Width], g.Pix[(r.Y+y)*g.Stride+r.X:(r.Y+y)*g.Stride+r.X+r.Width])
	}
	return out
}

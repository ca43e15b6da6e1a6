// Package variant produces scored preprocessing variants of rasterized
// pages. The readiness score orders OCR passes; it never removes a variant
// from consideration outright.
package variant

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/ingest"
	"github.com/ledgerline/invoicescan/internal/model"
)

// transform is one named preprocessing operation.
type transform struct {
	name    string
	highRes bool
	apply   func(*image.Gray) *image.Gray
}

// transforms is the fixed preprocessing menu, most generally useful first so
// the configured cap keeps the strongest ones.
var transforms = []transform{
	{name: "grayscale", highRes: true, apply: func(g *image.Gray) *image.Gray { return g }},
	{name: "binarize_otsu", highRes: true, apply: binarizeOtsu},
	{name: "contrast_stretch", highRes: true, apply: stretchContrast},
	{name: "denoise", highRes: true, apply: boxBlur},
	{name: "binarize_adaptive", highRes: true, apply: binarizeAdaptive},
	{name: "brighten", highRes: true, apply: func(g *image.Gray) *image.Gray { return adjustBrightness(g, 24) }},
	{name: "darken", highRes: true, apply: func(g *image.Gray) *image.Gray { return adjustBrightness(g, -24) }},
	{name: "downscale_half", highRes: false, apply: downscaleHalf},
	{name: "denoise_binarize", highRes: true, apply: func(g *image.Gray) *image.Gray { return binarizeOtsu(boxBlur(g)) }},
	{name: "contrast_binarize", highRes: true, apply: func(g *image.Gray) *image.Gray { return binarizeOtsu(stretchContrast(g)) }},
	{name: "downscale_binarize", highRes: false, apply: func(g *image.Gray) *image.Gray { return binarizeOtsu(downscaleHalf(g)) }},
	{name: "brighten_strong", highRes: true, apply: func(g *image.Gray) *image.Gray { return adjustBrightness(g, 48) }},
}

// VariantImage pairs variant metadata with its decoded raster.
type VariantImage struct {
	Meta  model.Variant
	Image *image.Gray
}

// Generator produces preprocessing variants per page.
type Generator struct {
	store *artifact.Store
	cfg   config.VariantConfig
}

// New creates a Generator.
func New(store *artifact.Store, cfg config.VariantConfig) *Generator {
	return &Generator{store: store, cfg: cfg}
}

// minVariants is the floor of the 6-12 variant window.
const minVariants = 6

// Generate produces scored variants for one page, capped by configuration
// but never below the minimum window.
func (g *Generator) Generate(ctx context.Context, page ingest.PageImage) ([]VariantImage, error) {
	max := g.cfg.MaxVariants
	if max < minVariants {
		max = minVariants
	}
	if max > len(transforms) {
		max = len(transforms)
	}

	gray := toGray(page.Image)

	var out []VariantImage
	for _, tr := range transforms[:max] {
		img := tr.apply(gray)

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, eris.Wrapf(err, "variant: encode %s", tr.name)
		}
		params := map[string]any{"transform": tr.name, "page": page.Meta.Index}
		ref, err := g.store.Put(ctx, model.KindVariant, []model.Ref{page.Meta.Ref}, params, buf.Bytes())
		if err != nil {
			return nil, eris.Wrapf(err, "variant: store %s", tr.name)
		}

		out = append(out, VariantImage{
			Meta: model.Variant{
				ID:        fmt.Sprintf("p%d-%s", page.Meta.Index, tr.name),
				PageIndex: page.Meta.Index,
				Ref:       ref,
				Transform: tr.name,
				Readiness: Readiness(img),
				HighRes:   tr.highRes,
			},
			Image: img,
		})
	}

	zap.L().Debug("variant: generated",
		zap.Int("page", page.Meta.Index),
		zap.Int("variants", len(out)),
	)
	return out, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(g, g.Bounds(), img, b.Min, xdraw.Src)
	return g
}

func histogram(g *image.Gray) [256]int {
	var h [256]int
	for _, p := range g.Pix {
		h[p]++
	}
	return h
}

// otsuThreshold finds the threshold maximizing between-class variance.
func otsuThreshold(g *image.Gray) uint8 {
	h := histogram(g)
	total := len(g.Pix)
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range h {
		sum += float64(i) * float64(c)
	}

	var sumB, wB float64
	var best float64
	var threshold uint8 = 128
	for i := 0; i < 256; i++ {
		wB += float64(h[i])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * float64(h[i])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(i)
		}
	}
	return threshold
}

func binarizeOtsu(g *image.Gray) *image.Gray {
	t := otsuThreshold(g)
	out := image.NewGray(g.Bounds())
	for i, p := range g.Pix {
		if p > t {
			out.Pix[i] = 255
		} else {
			out.Pix[i] = 0
		}
	}
	return out
}

// binarizeAdaptive thresholds each pixel against the mean of its local
// window, which handles uneven scanner lighting better than a global cut.
func binarizeAdaptive(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	// Integral image for O(1) window sums.
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(g.Pix[y*g.Stride+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	const window = 15
	const bias = 8
	half := window / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := maxInt(x-half, 0), maxInt(y-half, 0)
			x1, y1 := minInt(x+half+1, w), minInt(y+half+1, h)
			area := int64((x1 - x0) * (y1 - y0))
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := sum / area
			if int64(g.Pix[y*g.Stride+x]) > mean-bias {
				out.Pix[y*out.Stride+x] = 255
			} else {
				out.Pix[y*out.Stride+x] = 0
			}
		}
	}
	return out
}

func stretchContrast(g *image.Gray) *image.Gray {
	var lo, hi uint8 = 255, 0
	for _, p := range g.Pix {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi <= lo {
		return g
	}
	scale := 255.0 / float64(hi-lo)
	out := image.NewGray(g.Bounds())
	for i, p := range g.Pix {
		out.Pix[i] = uint8(float64(p-lo) * scale)
	}
	return out
}

func adjustBrightness(g *image.Gray, delta int) *image.Gray {
	out := image.NewGray(g.Bounds())
	for i, p := range g.Pix {
		v := int(p) + delta
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out.Pix[i] = uint8(v)
	}
	return out
}

func boxBlur(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, count int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					sum += int(g.Pix[ny*g.Stride+nx])
					count++
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / count)
		}
	}
	return out
}

func downscaleHalf(g *image.Gray) *image.Gray {
	b := g.Bounds()
	nw, nh := maxInt(b.Dx()/2, 1), maxInt(b.Dy()/2, 1)
	out := image.NewGray(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), g, b, xdraw.Src, nil)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

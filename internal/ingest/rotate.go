package ingest

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// maxProbeWidth bounds the downsampled grayscale used for orientation and
// skew probing; detection quality is insensitive above this.
const maxProbeWidth = 256

// DetectRotation scores the four coarse orientations of a page image and
// returns the clockwise rotation (0, 90, 180 or 270 degrees) that must be
// applied to bring the page upright.
func DetectRotation(img image.Image) int {
	probe := toProbeGray(img)

	best, bestScore := 0, math.Inf(-1)
	for _, deg := range []int{0, 90, 180, 270} {
		candidate := rotateGray90(probe, deg)
		score := orientationScore(candidate)
		if score > bestScore {
			bestScore = score
			best = deg
		}
	}
	return best
}

// orientationScore rewards horizontal text banding (high variance in the
// row-darkness profile) and a heavier top third, where invoice headers live.
func orientationScore(g *image.Gray) float64 {
	rows := rowProfile(g)
	v := variance(rows)

	third := len(rows) / 3
	if third == 0 {
		return v
	}
	var top, bottom float64
	for i := 0; i < third; i++ {
		top += rows[i]
		bottom += rows[len(rows)-1-i]
	}
	topHeaviness := 0.0
	if top+bottom > 0 {
		topHeaviness = (top - bottom) / (top + bottom)
	}
	return v * (1 + 0.25*topHeaviness)
}

// DetectSkew estimates residual small-angle skew in degrees, positive
// counter-clockwise, by maximizing the row-profile variance of sheared
// probes. Returns 0 when no angle beats the unsheared baseline decisively.
func DetectSkew(img image.Image) float64 {
	probe := toProbeGray(img)
	baseline := variance(rowProfile(probe))

	bestAngle, bestScore := 0.0, baseline
	for angle := -10.0; angle <= 10.0; angle += 0.5 {
		if angle == 0 {
			continue
		}
		score := variance(shearedRowProfile(probe, angle))
		if score > bestScore {
			bestScore = score
			bestAngle = angle
		}
	}

	// Require a clear margin over the unskewed baseline.
	if bestScore < baseline*1.05 {
		return 0
	}
	return bestAngle
}

// Rotate90 rotates img clockwise by deg, one of 0, 90, 180, 270.
func Rotate90(img image.Image, deg int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	switch deg {
	case 90, 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	default:
		return img
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch deg {
			case 90:
				dst.Set(h-1-y, x, c)
			case 180:
				dst.Set(w-1-x, h-1-y, c)
			case 270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}

// RotateSmall rotates img by deg degrees about its center with bilinear
// interpolation, filling revealed corners with white.
func RotateSmall(img image.Image, deg float64) image.Image {
	if deg == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	// White page background.
	for i := range dst.Pix {
		dst.Pix[i] = 0xff
	}

	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx, cy := float64(w)/2, float64(h)/2

	// src -> dst affine: rotate about the image center.
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	xdraw.BiLinear.Transform(dst, m, img, b, xdraw.Over, nil)
	return dst
}

// toProbeGray converts to grayscale and downsamples to the probe width.
func toProbeGray(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxProbeWidth {
		scale := float64(maxProbeWidth) / float64(w)
		nw, nh := maxProbeWidth, int(float64(h)*scale)
		if nh < 1 {
			nh = 1
		}
		small := image.NewRGBA(image.Rect(0, 0, nw, nh))
		xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, b, xdraw.Src, nil)
		img = small
		b = small.Bounds()
		w, h = nw, nh
	}

	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}

func rotateGray90(g *image.Gray, deg int) *image.Gray {
	if deg == 0 {
		return g
	}
	rotated := Rotate90(g, deg)
	b := rotated.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(rotated.At(x, y)))
		}
	}
	return out
}

// rowProfile returns per-row mean darkness (0 = white, 1 = black).
func rowProfile(g *image.Gray) []float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	profile := make([]float64, h)
	for y := 0; y < h; y++ {
		var sum float64
		for x := 0; x < w; x++ {
			sum += 1 - float64(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)/255
		}
		profile[y] = sum / float64(w)
	}
	return profile
}

// shearedRowProfile computes the row profile as if the image were rotated by
// angle degrees, using a cheap per-row horizontal shear approximation.
func shearedRowProfile(g *image.Gray, angle float64) []float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	tan := math.Tan(angle * math.Pi / 180)
	profile := make([]float64, h)

	for y := 0; y < h; y++ {
		var sum float64
		var count int
		for x := 0; x < w; x++ {
			// Shift each column vertically per its offset from center.
			sy := y + int(float64(x-w/2)*tan)
			if sy < 0 || sy >= h {
				continue
			}
			sum += 1 - float64(g.GrayAt(b.Min.X+x, b.Min.Y+sy).Y)/255
			count++
		}
		if count > 0 {
			profile[y] = sum / float64(count)
		}
	}
	return profile
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return v / float64(len(xs))
}

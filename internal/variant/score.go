package variant

import (
	"image"
	"math"
)

// Readiness estimates how OCR-friendly a variant is, in [0, 1]. It blends
// histogram bimodality (clean text separates ink from paper), overall
// contrast, and an ink-coverage term that penalizes near-blank and
// near-solid images. The score orders passes; low scores are attempted
// later, not skipped.
func Readiness(g *image.Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}

	h := histogram(g)
	total := float64(len(g.Pix))

	var mean float64
	for i, c := range h {
		mean += float64(i) * float64(c)
	}
	mean /= total

	var totalVar float64
	for i, c := range h {
		d := float64(i) - mean
		totalVar += d * d * float64(c)
	}
	totalVar /= total
	if totalVar == 0 {
		return 0
	}

	// Between-class variance at the Otsu split, as a fraction of total
	// variance. 1.0 means a perfectly bimodal image.
	t := otsuThreshold(g)
	var wB, sumB float64
	for i := 0; i <= int(t); i++ {
		wB += float64(h[i])
		sumB += float64(i) * float64(h[i])
	}
	wF := total - wB
	bimodality := 0.0
	if wB > 0 && wF > 0 {
		mB := sumB / wB
		mF := (mean*total - sumB) / wF
		bimodality = (wB / total) * (wF / total) * (mB - mF) * (mB - mF) / totalVar
	}

	contrast := math.Sqrt(totalVar) / 128.0
	if contrast > 1 {
		contrast = 1
	}

	// Ink coverage for typical documents sits in the 2-40% range; score it
	// as distance from that band.
	ink := 0.0
	for i := 0; i <= int(t); i++ {
		ink += float64(h[i])
	}
	ink /= total
	coverage := 0.0
	switch {
	case ink >= 0.02 && ink <= 0.40:
		coverage = 1
	case ink < 0.02:
		coverage = ink / 0.02
	default:
		coverage = (1 - ink) / 0.60
	}

	score := 0.5*bimodality + 0.3*contrast + 0.2*coverage
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

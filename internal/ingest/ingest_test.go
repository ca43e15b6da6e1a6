package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
)

// textPage draws horizontal dark bands on white, top-heavy like a real
// invoice, so orientation detection has something to latch onto.
func textPage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	// Dense header bands in the top third, sparser bands below.
	for _, band := range []struct{ y0, y1 int }{
		{h / 20, h / 20 * 2}, {h / 8, h/8 + h/24}, {h / 5, h/5 + h/24},
		{h / 2, h/2 + h/30}, {h * 3 / 4, h*3/4 + h/30},
	} {
		for y := band.y0; y < band.y1 && y < h; y++ {
			for x := w / 10; x < w*9/10; x++ {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeRasterizer struct {
	pages []image.Image
	err   error
}

func (f *fakeRasterizer) Rasterize(_ context.Context, _ []byte, _ int) ([]image.Image, error) {
	return f.pages, f.err
}

func newIngestor(r Rasterizer) (*Ingestor, *artifact.Store) {
	store := artifact.New(artifact.NewMemory(), artifact.Options{})
	return New(store, r, config.IngestConfig{DPI: 150, MaxPages: 10}), store
}

func TestIngest_PNGSinglePage(t *testing.T) {
	ing, store := newIngestor(&fakeRasterizer{})
	data := pngBytes(t, textPage(200, 280))

	res, err := ing.Ingest(context.Background(), data, "image/png", "vendor-1")
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	page := res.Pages[0].Meta
	assert.Equal(t, 0, page.Index)
	assert.Equal(t, "vendor-1", res.Doc.VendorID)
	assert.NotEmpty(t, page.Ref)

	// Page artifact chains back to the input artifact.
	assert.True(t, store.ReachesKind(page.Ref, model.KindInput))
}

func TestIngest_UnsupportedFormat(t *testing.T) {
	ing, _ := newIngestor(&fakeRasterizer{})
	_, err := ing.Ingest(context.Background(), []byte("x"), "application/msword", "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestIngest_CorruptImage(t *testing.T) {
	ing, _ := newIngestor(&fakeRasterizer{})
	_, err := ing.Ingest(context.Background(), []byte("not a png"), "image/png", "")
	var corrupt *CorruptDocumentError
	assert.ErrorAs(t, err, &corrupt)
}

func TestIngest_PartialRasterizationEmitsPages(t *testing.T) {
	ing, _ := newIngestor(&fakeRasterizer{
		pages: []image.Image{textPage(100, 140), textPage(100, 140)},
		err:   eris.New("page 3 stream truncated"),
	})

	res, err := ing.Ingest(context.Background(), []byte("%PDF-"), "application/pdf", "")
	var corrupt *CorruptDocumentError
	require.ErrorAs(t, err, &corrupt)
	// Pages rendered before the failure are still emitted.
	assert.Len(t, res.Pages, 2)
}

func TestIngest_MaxPagesCap(t *testing.T) {
	store := artifact.New(artifact.NewMemory(), artifact.Options{})
	ing := New(store, &fakeRasterizer{
		pages: []image.Image{textPage(50, 70), textPage(50, 70), textPage(50, 70)},
	}, config.IngestConfig{DPI: 150, MaxPages: 2})

	res, err := ing.Ingest(context.Background(), []byte("%PDF-"), "application/pdf", "")
	require.NoError(t, err)
	assert.Len(t, res.Pages, 2)
}

func TestDetectRotation_Upright(t *testing.T) {
	assert.Equal(t, 0, DetectRotation(textPage(200, 280)))
}

func TestDetectRotation_Rotated90(t *testing.T) {
	rotated := Rotate90(textPage(200, 280), 90)
	deg := DetectRotation(rotated)
	// Bringing a 90-degree-rotated page upright needs a 270-degree turn.
	assert.Equal(t, 270, deg)
}

func TestDetectRotation_Rotated180(t *testing.T) {
	rotated := Rotate90(textPage(200, 280), 180)
	assert.Equal(t, 180, DetectRotation(rotated))
}

func TestRotate90_Dimensions(t *testing.T) {
	img := textPage(200, 280)
	r90 := Rotate90(img, 90)
	assert.Equal(t, 280, r90.Bounds().Dx())
	assert.Equal(t, 200, r90.Bounds().Dy())

	r180 := Rotate90(img, 180)
	assert.Equal(t, 200, r180.Bounds().Dx())
	assert.Equal(t, 280, r180.Bounds().Dy())
}

func TestDetectSkew_CleanPageIsZero(t *testing.T) {
	assert.Equal(t, 0.0, DetectSkew(textPage(200, 280)))
}

func TestDetectSkew_SkewedBands(t *testing.T) {
	skewed := RotateSmall(textPage(400, 560), 7)
	got := DetectSkew(skewed)
	assert.InDelta(t, 7.0, math.Abs(got), 2.5)

	// Applying the correction should leave an essentially level page.
	leveled := RotateSmall(skewed, -got)
	assert.Less(t, math.Abs(DetectSkew(leveled)), 2.0)
}

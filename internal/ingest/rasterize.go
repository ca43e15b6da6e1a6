package ingest

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
)

// Rasterizer renders PDF bytes into one image per page at the given DPI.
// A mid-document failure returns the pages rendered so far together with the
// error, so partial documents still flow downstream.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, dpi int) ([]image.Image, error)
}

// PdfToPpm rasterizes PDFs by shelling out to the pdftoppm CLI tool.
type PdfToPpm struct {
	binPath string
}

// NewPdfToPpm creates a PdfToPpm rasterizer. If binPath is empty, "pdftoppm"
// is used.
func NewPdfToPpm(binPath string) *PdfToPpm {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	return &PdfToPpm{binPath: binPath}
}

// Rasterize runs pdftoppm -png into a temp dir and decodes the page images
// in order. Pages decoded before a failure are returned with the error.
func (p *PdfToPpm) Rasterize(ctx context.Context, pdf []byte, dpi int) ([]image.Image, error) {
	dir, err := os.MkdirTemp("", "invoicescan-raster-*")
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create raster temp dir")
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, pdf, 0o600); err != nil {
		return nil, eris.Wrap(err, "ingest: write raster input")
	}

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, p.binPath, "-png", "-r", strconv.Itoa(dpi), src, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	matches, globErr := filepath.Glob(prefix + "-*.png")
	if globErr != nil {
		return nil, eris.Wrap(globErr, "ingest: list raster output")
	}
	sort.Strings(matches)

	var pages []image.Image
	for _, m := range matches {
		data, readErr := os.ReadFile(m)
		if readErr != nil {
			return pages, eris.Wrapf(readErr, "ingest: read raster page %s", m)
		}
		img, decErr := png.Decode(bytes.NewReader(data))
		if decErr != nil {
			return pages, eris.Wrapf(decErr, "ingest: decode raster page %s", m)
		}
		pages = append(pages, img)
	}

	if runErr != nil {
		return pages, eris.Wrapf(runErr, "ingest: pdftoppm failed: %s", stderr.String())
	}
	if len(pages) == 0 {
		return nil, eris.New("ingest: pdftoppm produced no pages")
	}
	return pages, nil
}

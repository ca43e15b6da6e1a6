// Package ingest turns raw document bytes into rasterized, orientation-
// corrected pages plus, for PDFs, the embedded text layer.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/image/tiff"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
)

// ErrUnsupportedFormat is returned for MIME types the ingestor cannot handle.
// Not retryable without new input.
var ErrUnsupportedFormat = eris.New("ingest: unsupported format")

// CorruptDocumentError reports a mid-rasterization failure. Pages produced
// before the failure are still emitted alongside it.
type CorruptDocumentError struct {
	Page int
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("ingest: corrupt document at page %d: %v", e.Page, e.Err)
}

func (e *CorruptDocumentError) Unwrap() error { return e.Err }

// PageImage pairs page metadata with its decoded raster.
type PageImage struct {
	Meta  model.Page
	Image image.Image
}

// TextToken is one text-layer token located on a page.
type TextToken struct {
	PageIndex int
	Token     model.Token
}

// Result is the ingestor's output for one document.
type Result struct {
	Doc   model.Document
	Pages []PageImage
	// TextLayer holds zero-cost candidates extracted from the embedded PDF
	// text layer; empty for raster inputs and scanned PDFs.
	TextLayer []TextToken
}

// Ingestor rasterizes documents and registers input/page artifacts.
type Ingestor struct {
	store      *artifact.Store
	rasterizer Rasterizer
	cfg        config.IngestConfig
}

// New creates an Ingestor.
func New(store *artifact.Store, rasterizer Rasterizer, cfg config.IngestConfig) *Ingestor {
	return &Ingestor{store: store, rasterizer: rasterizer, cfg: cfg}
}

// Ingest accepts raw bytes plus a declared MIME type and produces rotation-
// corrected pages. A CorruptDocumentError still carries the pages produced
// before the failure.
func (g *Ingestor) Ingest(ctx context.Context, data []byte, mime, vendorID string) (*Result, error) {
	log := zap.L().With(zap.String("mime", mime), zap.Int("bytes", len(data)))

	inputRef, err := g.store.Put(ctx, model.KindInput, nil, map[string]string{"mime": mime}, data)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: store input")
	}

	doc := model.Document{
		ID:        uuid.New().String(),
		VendorID:  vendorID,
		MIME:      mime,
		InputRef:  inputRef,
		CreatedAt: time.Now().UTC(),
	}

	var (
		images    []image.Image
		textLayer []TextToken
		rasterErr error
	)

	switch mime {
	case "application/pdf":
		images, rasterErr = g.rasterizer.Rasterize(ctx, data, g.cfg.DPI)
		if rasterErr == nil || len(images) > 0 {
			tokens, textErr := ExtractTextLayer(data, g.cfg.DPI)
			if textErr != nil {
				log.Debug("ingest: no usable text layer", zap.Error(textErr))
			} else {
				textLayer = tokens
				doc.HasText = len(tokens) > 0
			}
		}
	case "image/png", "image/jpeg", "image/tiff":
		img, decErr := decodeImage(data, mime)
		if decErr != nil {
			return nil, &CorruptDocumentError{Page: 0, Err: decErr}
		}
		images = []image.Image{img}
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "mime %q", mime)
	}

	if g.cfg.MaxPages > 0 && len(images) > g.cfg.MaxPages {
		images = images[:g.cfg.MaxPages]
	}

	result := &Result{Doc: doc, TextLayer: textLayer}
	for i, img := range images {
		page, corrected, pageErr := g.correctAndStore(ctx, doc, inputRef, i, img)
		if pageErr != nil {
			return result, &CorruptDocumentError{Page: i, Err: pageErr}
		}
		result.Pages = append(result.Pages, PageImage{Meta: page, Image: corrected})
	}
	result.Doc.PageCount = len(result.Pages)

	if rasterErr != nil {
		// Partial rasterization: emit what we have and surface the failure.
		log.Warn("ingest: rasterization failed mid-document",
			zap.Int("pages_emitted", len(result.Pages)),
			zap.Error(rasterErr),
		)
		return result, &CorruptDocumentError{Page: len(result.Pages), Err: rasterErr}
	}

	log.Info("ingest: document ingested",
		zap.String("document_id", doc.ID),
		zap.Int("pages", len(result.Pages)),
		zap.Bool("text_layer", doc.HasText),
	)
	return result, nil
}

func (g *Ingestor) correctAndStore(ctx context.Context, doc model.Document, inputRef model.Ref, index int, img image.Image) (model.Page, image.Image, error) {
	rotation := DetectRotation(img)
	if rotation != 0 {
		img = Rotate90(img, rotation)
	}
	skew := DetectSkew(img)
	if skew != 0 {
		img = RotateSmall(img, -skew)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return model.Page{}, nil, eris.Wrap(err, "encode page")
	}
	params := map[string]any{"index": index, "dpi": g.cfg.DPI, "rotation": rotation, "skew": skew}
	ref, err := g.store.Put(ctx, model.KindPage, []model.Ref{inputRef}, params, buf.Bytes())
	if err != nil {
		return model.Page{}, nil, eris.Wrap(err, "store page")
	}

	b := img.Bounds()
	return model.Page{
		DocumentID:  doc.ID,
		Index:       index,
		Ref:         ref,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Rotation:    rotation,
		SkewDegrees: skew,
		DPI:         g.cfg.DPI,
	}, img, nil
}

func decodeImage(data []byte, mime string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch mime {
	case "image/png":
		return png.Decode(r)
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/tiff":
		return tiff.Decode(r)
	}
	return nil, eris.Errorf("decode: unhandled mime %q", mime)
}

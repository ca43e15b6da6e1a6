// Package pipeline wires the stages end to end: ingest, variant generation,
// zone detection and masking, OCR orchestration, candidate extraction,
// consensus resolution, validation, and finally a review case.
package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/cost"
	"github.com/ledgerline/invoicescan/internal/ingest"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/ocr"
	"github.com/ledgerline/invoicescan/internal/resolve"
	"github.com/ledgerline/invoicescan/internal/review"
	"github.com/ledgerline/invoicescan/internal/validate"
	"github.com/ledgerline/invoicescan/internal/variant"
	"github.com/ledgerline/invoicescan/internal/zone"
)

// Deps are the stage components a Pipeline runs. All are required except
// Masks, which may be nil when no vendor masks are configured.
type Deps struct {
	Ingestor     *ingest.Ingestor
	Variants     *variant.Generator
	Zones        *zone.Detector
	Masks        zone.MaskStore
	Orchestrator *ocr.Orchestrator
	Candidates   *candidate.Generator
	Resolver     *resolve.Resolver
	Validator    *validate.Engine
	Cases        *review.Service
}

// Pipeline processes documents into review cases.
type Pipeline struct {
	deps   Deps
	ocrCfg config.OCRConfig
	dpi    int
}

// New creates a Pipeline. dpi is the rasterization DPI the pass plan is
// built for.
func New(deps Deps, ocrCfg config.OCRConfig, dpi int) *Pipeline {
	return &Pipeline{deps: deps, ocrCfg: ocrCfg, dpi: dpi}
}

// Outcome is the result of processing one document.
type Outcome struct {
	Doc        model.Document
	Record     *model.ResolvedRecord
	Validation model.ValidationResult
	RunState   model.RunState
	Spend      cost.Summary
	Case       *model.ReviewCase
}

// docContext indexes per-document metadata the confidence probe needs to
// turn raw pass results back into extraction sources.
type docContext struct {
	zones    map[string]model.Zone
	variants map[string]model.Variant
}

// Process runs one document through every stage and opens a review case.
// A document that fails mid-rasterization still flows through on the pages
// produced before the failure.
func (p *Pipeline) Process(ctx context.Context, data []byte, mime, vendorID string) (*Outcome, error) {
	res, err := p.deps.Ingestor.Ingest(ctx, data, mime, vendorID)
	if err != nil {
		var corrupt *ingest.CorruptDocumentError
		if !eris.As(err, &corrupt) || res == nil || len(res.Pages) == 0 {
			return nil, err
		}
		zap.L().Warn("pipeline: proceeding with partial document",
			zap.String("document", res.Doc.ID),
			zap.Int("pages", len(res.Pages)),
			zap.Error(err),
		)
	}
	log := zap.L().With(zap.String("document", res.Doc.ID))

	var masks []zone.Mask
	if p.deps.Masks != nil && vendorID != "" {
		masks, err = p.deps.Masks.Masks(vendorID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: masks for vendor %s", vendorID)
		}
	}

	dc := &docContext{
		zones:    make(map[string]model.Zone),
		variants: make(map[string]model.Variant),
	}
	var units []ocr.Unit
	for _, page := range res.Pages {
		gray := toGray(page.Image)

		variants, err := p.deps.Variants.Generate(ctx, page)
		if err != nil {
			return nil, err
		}
		zones, err := p.deps.Zones.Detect(ctx, page.Meta.Ref, page.Meta.Index, gray)
		if err != nil {
			return nil, err
		}
		zone.ApplyMasks(zones, masks)

		for _, z := range zones {
			dc.zones[z.Meta.ID] = z.Meta
		}
		for _, v := range variants {
			dc.variants[v.Meta.ID] = v.Meta
		}

		pageUnits, err := buildUnits(zone.Schedulable(zones), variants, gray.Bounds())
		if err != nil {
			return nil, err
		}
		units = append(units, pageUnits...)
	}
	log.Debug("pipeline: scheduled",
		zap.Int("pages", len(res.Pages)),
		zap.Int("units", len(units)),
	)

	profile := ocr.ProfileFromConfig(p.ocrCfg, p.dpi)
	runRes, err := p.deps.Orchestrator.RunWithProbe(ctx, res.Doc.ID, profile, units, p.probeFor(dc, res))
	if err != nil {
		return nil, err
	}

	sources := p.sources(dc, res.TextLayer, runRes.Results)
	cands, err := p.deps.Candidates.Generate(ctx, vendorID, sources)
	if err != nil {
		return nil, err
	}
	record, err := p.deps.Resolver.Resolve(ctx, res.Doc.ID, vendorID, cands)
	if err != nil {
		return nil, err
	}
	validation := p.deps.Validator.Evaluate(record)

	rc := &model.ReviewCase{
		DocumentID: res.Doc.ID,
		VendorID:   vendorID,
		Record:     *record,
		Validation: validation,
		RunState:   runRes.State,
	}
	if err := p.deps.Cases.Open(ctx, rc); err != nil {
		return nil, err
	}

	log.Info("pipeline: document processed",
		zap.String("run_state", string(runRes.State)),
		zap.Int("passes", runRes.Spend.Passes),
		zap.Int("hard_failures", len(validation.HardFailures())),
		zap.String("case", rc.ID),
	)
	return &Outcome{
		Doc:        res.Doc,
		Record:     record,
		Validation: validation,
		RunState:   runRes.State,
		Spend:      runRes.Spend,
		Case:       rc,
	}, nil
}

// Input is one document submitted for batch processing.
type Input struct {
	Data     []byte
	MIME     string
	VendorID string
}

// BatchResult pairs one batch input with its outcome or failure.
type BatchResult struct {
	Index   int
	Outcome *Outcome
	Err     error
}

// ProcessBatch runs inputs concurrently. One document failing never aborts
// the rest; each input gets its own result.
func (p *Pipeline) ProcessBatch(ctx context.Context, inputs []Input, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = 2
	}
	results := make([]BatchResult, len(inputs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			out, err := p.Process(ctx, in.Data, in.MIME, in.VendorID)
			results[i] = BatchResult{Index: i, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probeFor closes a confidence probe over one document's context so the
// orchestrator can consult calibrated field confidence after each round.
func (p *Pipeline) probeFor(dc *docContext, res *ingest.Result) ocr.ConfidenceProbe {
	return func(ctx context.Context, results []model.OcrResult) (map[string]float64, error) {
		sources := p.sources(dc, res.TextLayer, results)
		cands, err := p.deps.Candidates.Generate(ctx, res.Doc.VendorID, sources)
		if err != nil {
			return nil, err
		}
		record, err := p.deps.Resolver.Resolve(ctx, res.Doc.ID, res.Doc.VendorID, cands)
		if err != nil {
			return nil, err
		}
		conf := make(map[string]float64, len(record.Fields))
		for key, f := range record.Fields {
			if !f.Unresolved {
				conf[key] = f.Confidence
			}
		}
		return conf, nil
	}
}

// sources turns the text layer and accumulated pass results into extraction
// sources. Failed and empty passes contribute nothing.
func (p *Pipeline) sources(dc *docContext, textLayer []ingest.TextToken, results []model.OcrResult) []candidate.Source {
	var out []candidate.Source

	if len(textLayer) > 0 {
		byPage := make(map[int][]model.Token)
		for _, t := range textLayer {
			byPage[t.PageIndex] = append(byPage[t.PageIndex], t.Token)
		}
		pages := make([]int, 0, len(byPage))
		for idx := range byPage {
			pages = append(pages, idx)
		}
		sort.Ints(pages)
		for _, idx := range pages {
			out = append(out, candidate.Source{
				Type:      model.SourceTextLayer,
				PageIndex: idx,
				ZoneType:  model.ZoneUnclassified,
				Tokens:    byPage[idx],
			})
		}
	}

	for _, r := range results {
		if r.Failed || len(r.Tokens) == 0 {
			continue
		}
		z := dc.zones[r.ZoneID]
		v := dc.variants[r.VariantID]
		st := model.SourceOCRLow
		if v.HighRes {
			st = model.SourceOCRHigh
		}
		out = append(out, candidate.Source{
			Type:      st,
			Ref:       r.Ref,
			PageIndex: z.PageIndex,
			ZoneType:  z.Type,
			Readiness: v.Readiness,
			Tokens:    r.Tokens,
		})
	}
	return out
}

// buildUnits crosses schedulable zones with the page's variants, cropping
// each variant rendering to the zone bounds. Downscaled variants get the
// bounds scaled by their dimension ratio.
func buildUnits(zones []zone.ZoneImage, variants []variant.VariantImage, pageBounds image.Rectangle) ([]ocr.Unit, error) {
	pageW, pageH := pageBounds.Dx(), pageBounds.Dy()
	var units []ocr.Unit
	for _, z := range zones {
		for _, v := range variants {
			crop := cropScaled(v.Image, z.Meta.Bounds, pageW, pageH)

			var buf bytes.Buffer
			if err := png.Encode(&buf, crop); err != nil {
				return nil, eris.Wrapf(err, "pipeline: encode unit %s/%s", z.Meta.ID, v.Meta.ID)
			}
			units = append(units, ocr.Unit{
				ZoneID:     z.Meta.ID,
				ZoneRef:    z.Meta.Ref,
				VariantID:  v.Meta.ID,
				VariantRef: v.Meta.Ref,
				Readiness:  v.Meta.Readiness,
				Image:      buf.Bytes(),
			})
		}
	}
	return units, nil
}

// cropScaled crops r, given in page coordinates, out of a variant rendering
// whose dimensions may differ from the page's.
func cropScaled(v *image.Gray, r model.Rect, pageW, pageH int) *image.Gray {
	b := v.Bounds()
	if pageW <= 0 || pageH <= 0 {
		return v
	}
	sx := float64(b.Dx()) / float64(pageW)
	sy := float64(b.Dy()) / float64(pageH)

	x0 := clampInt(int(float64(r.X)*sx), 0, b.Dx()-1)
	y0 := clampInt(int(float64(r.Y)*sy), 0, b.Dy()-1)
	x1 := clampInt(int(float64(r.X+r.Width)*sx+0.5), x0+1, b.Dx())
	y1 := clampInt(int(float64(r.Y+r.Height)*sy+0.5), y0+1, b.Dy())

	out := image.NewGray(image.Rect(0, 0, x1-x0, y1-y0))
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.Stride:(y-y0)*out.Stride+(x1-x0)],
			v.Pix[y*v.Stride+x0:y*v.Stride+x1])
	}
	return out
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

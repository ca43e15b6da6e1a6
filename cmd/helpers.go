package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/ingest"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/ocr"
	"github.com/ledgerline/invoicescan/internal/pipeline"
	"github.com/ledgerline/invoicescan/internal/resolve"
	"github.com/ledgerline/invoicescan/internal/review"
	"github.com/ledgerline/invoicescan/internal/validate"
	"github.com/ledgerline/invoicescan/internal/variant"
	"github.com/ledgerline/invoicescan/internal/zone"
)

func initReviewStore(ctx context.Context) (review.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "invoicescan.db"
		}
		return review.NewSQLite(dsn)
	case "postgres":
		return review.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initArtifacts builds the artifact store, pins live case evidence against
// eviction, and starts the background sweep for the life of ctx.
func initArtifacts(ctx context.Context, cases review.Store) (*artifact.Store, error) {
	opts := artifact.Options{
		TTL:        time.Duration(cfg.Artifact.TTLHours) * time.Hour,
		MaxEntries: cfg.Artifact.MaxEntries,
		PutTimeout: time.Duration(cfg.Artifact.PutTimeoutSecs) * time.Second,
	}

	var backend artifact.Backend
	switch cfg.Artifact.Backend {
	case "disk", "":
		disk, err := artifact.NewDisk(cfg.Artifact.Dir)
		if err != nil {
			return nil, err
		}
		backend = disk
	case "memory":
		backend = artifact.NewMemory()
	default:
		return nil, eris.Errorf("unsupported artifact backend: %s", cfg.Artifact.Backend)
	}

	store := artifact.New(backend, opts)
	if cases != nil {
		store.SetPinner(review.NewEvidencePinner(cases, store, time.Minute))
	}
	if cfg.Artifact.SweepSecs > 0 {
		go store.RunEviction(ctx, time.Duration(cfg.Artifact.SweepSecs)*time.Second)
	}
	return store, nil
}

// initValidator builds the rule engine and, when a rule file is present,
// starts watching it for hot reloads.
func initValidator() (*validate.Engine, error) {
	mode, err := validate.ParseMode(cfg.Validate.Mode)
	if err != nil {
		return nil, err
	}

	path := cfg.Validate.RulesPath
	if path == "" || fileMissing(path) {
		zap.L().Debug("no rule file, using built-in rules", zap.String("path", path))
		return validate.NewEngine(validate.DefaultRules(), mode), nil
	}

	rules, err := validate.LoadRules(path)
	if err != nil {
		return nil, err
	}
	engine := validate.NewEngine(rules, mode)
	if err := validate.WatchRules(path, engine.Reload); err != nil {
		zap.L().Warn("rule file watch failed, hot reload disabled", zap.Error(err))
	}
	return engine, nil
}

func loadCurves() (*resolve.Curves, error) {
	path := cfg.Resolve.CurvesPath
	if path == "" || fileMissing(path) {
		return resolve.DefaultCurves(), nil
	}
	return resolve.LoadCurves(path)
}

// buildPipeline assembles every stage from configuration.
func buildPipeline(artifacts *artifact.Store, validator *validate.Engine, cases *review.Service) (*pipeline.Pipeline, error) {
	masks, err := zone.NewFileMaskStore(cfg.Zone.MaskDir)
	if err != nil {
		return nil, err
	}
	lexicons, err := candidate.NewFileLexiconStore(cfg.Vendor.LexiconDir)
	if err != nil {
		return nil, err
	}
	curves, err := loadCurves()
	if err != nil {
		return nil, err
	}

	fields := model.NewFieldRegistry(model.DefaultFields())
	registry := ocr.NewRegistry(ocr.NewTesseract())

	deps := pipeline.Deps{
		Ingestor:     ingest.New(artifacts, ingest.NewPdfToPpm(""), cfg.Ingest),
		Variants:     variant.New(artifacts, cfg.Variant),
		Zones:        zone.NewDetector(artifacts, cfg.Zone),
		Masks:        masks,
		Orchestrator: ocr.NewOrchestrator(artifacts, registry, nil, cfg.OCR.GlobalWorkers, cfg.OCR.EngineRatePerSec),
		Candidates:   candidate.New(artifacts, fields, lexicons),
		Resolver:     resolve.New(artifacts, fields, curves, cfg.Resolve),
		Validator:    validator,
		Cases:        cases,
	}
	return pipeline.New(deps, cfg.OCR, cfg.Ingest.DPI), nil
}

func fileMissing(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// detectMime maps a filename extension to the declared MIME type.
func detectMime(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf", nil
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".tif", ".tiff":
		return "image/tiff", nil
	default:
		return "", eris.Errorf("cannot infer MIME type for %s, pass --mime", filepath.Base(path))
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/pipeline"
	"github.com/ledgerline/invoicescan/internal/review"
)

var (
	processMime        string
	processVendor      string
	processConcurrency int
)

var processCmd = &cobra.Command{
	Use:   "process <file>...",
	Short: "Run documents through the extraction pipeline",
	Long:  "Ingests each document, runs zone-scheduled OCR passes, resolves and validates fields, and opens a review case per document.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initReviewStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		artifacts, err := initArtifacts(ctx, st)
		if err != nil {
			return err
		}
		validator, err := initValidator()
		if err != nil {
			return err
		}
		p, err := buildPipeline(artifacts, validator, review.NewService(st, validator))
		if err != nil {
			return err
		}

		inputs := make([]pipeline.Input, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}
			mime := processMime
			if mime == "" {
				mime, err = detectMime(path)
				if err != nil {
					return err
				}
			}
			inputs = append(inputs, pipeline.Input{Data: data, MIME: mime, VendorID: processVendor})
		}

		results := p.ProcessBatch(ctx, inputs, processConcurrency)

		failed := 0
		summaries := make([]processSummary, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				failed++
				zap.L().Error("document failed",
					zap.String("file", args[r.Index]),
					zap.Error(r.Err),
				)
				summaries = append(summaries, processSummary{File: args[r.Index], Error: r.Err.Error()})
				continue
			}
			out := r.Outcome
			summaries = append(summaries, processSummary{
				File:         args[r.Index],
				DocumentID:   out.Doc.ID,
				CaseID:       out.Case.ID,
				RunState:     string(out.RunState),
				Passes:       out.Spend.Passes,
				HardFailures: out.Validation.HardFailures(),
				Warnings:     out.Validation.WarningCount(),
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaries); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d documents failed", failed, len(results))
		}
		return nil
	},
}

// processSummary is the per-document result printed to stdout.
type processSummary struct {
	File         string   `json:"file"`
	DocumentID   string   `json:"document_id,omitempty"`
	CaseID       string   `json:"case_id,omitempty"`
	RunState     string   `json:"run_state,omitempty"`
	Passes       int      `json:"passes,omitempty"`
	HardFailures []string `json:"hard_failures,omitempty"`
	Warnings     int      `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func init() {
	processCmd.Flags().StringVar(&processMime, "mime", "", "declared MIME type (inferred from extension when empty)")
	processCmd.Flags().StringVar(&processVendor, "vendor", "", "vendor ID for masks and lexicon overrides")
	processCmd.Flags().IntVar(&processConcurrency, "concurrency", 2, "documents processed in parallel")
	rootCmd.AddCommand(processCmd)
}

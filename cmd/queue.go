package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List the review queue",
	Long:  "Lists review cases in queue order: lowest confidence first, or oldest first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initReviewStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		states, _ := cmd.Flags().GetStringSlice("state")
		vendor, _ := cmd.Flags().GetString("vendor")
		maxConf, _ := cmd.Flags().GetFloat64("max-confidence")
		sortBy, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := review.QueueFilter{
			VendorID:      vendor,
			MaxConfidence: maxConf,
			Sort:          review.QueueSort(sortBy),
			Limit:         limit,
		}
		for _, s := range states {
			filter.States = append(filter.States, model.CaseState(s))
		}

		cases, err := st.ListCases(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "queue list")
		}
		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}

		formatQueue(os.Stdout, cases)
		return nil
	},
}

func init() {
	queueCmd.Flags().StringSlice("state", []string{"pending", "in_review"}, "case states to include")
	queueCmd.Flags().String("vendor", "", "filter by vendor ID")
	queueCmd.Flags().Float64("max-confidence", 0, "only cases whose weakest field is at or below this")
	queueCmd.Flags().String("sort", "confidence", "queue order: confidence or age")
	queueCmd.Flags().Int("limit", 50, "max number of cases to display")
	rootCmd.AddCommand(queueCmd)
}

// formatQueue writes a tabular case list to w.
func formatQueue(out io.Writer, cases []model.ReviewCase) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENDOR\tSTATE\tRUN\tMIN_CONF\tHARD\tAGE")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t---\t--------\t----\t---")

	for i := range cases {
		c := &cases[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\t%s\n",
			truncateID(c.ID),
			c.VendorID,
			c.State,
			c.RunState,
			c.MinConfidence(),
			len(c.Validation.HardFailures()),
			time.Since(c.CreatedAt).Round(time.Minute),
		)
	}
	_ = w.Flush()
}

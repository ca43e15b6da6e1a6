package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/candidate"
)

var lexiconCmd = &cobra.Command{
	Use:   "lexicon",
	Short: "Manage per-vendor label lexicons",
	Long:  "Vendor lexicons hold confirmed label phrases per field; the candidate generator layers them over the global field labels.",
}

var lexiconShowCmd = &cobra.Command{
	Use:   "show <vendor-id>",
	Short: "Show a vendor's learned labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := candidate.NewFileLexiconStore(cfg.Vendor.LexiconDir)
		if err != nil {
			return err
		}
		lex, err := store.Lexicon(args[0])
		if err != nil {
			return eris.Wrap(err, "lexicon show")
		}
		if len(lex.Aliases) == 0 {
			fmt.Fprintln(os.Stderr, "No learned labels for this vendor.")
			return nil
		}
		formatLexicon(os.Stdout, lex)
		return nil
	},
}

var lexiconLearnCmd = &cobra.Command{
	Use:   "learn <vendor-id> <field> <label>",
	Short: "Record a confirmed label phrase for a field",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := candidate.NewFileLexiconStore(cfg.Vendor.LexiconDir)
		if err != nil {
			return err
		}
		if err := store.Learn(args[0], args[1], args[2]); err != nil {
			return eris.Wrap(err, "lexicon learn")
		}
		fmt.Printf("label %q learned for %s/%s\n", args[2], args[0], args[1])
		return nil
	},
}

func init() {
	lexiconCmd.AddCommand(lexiconShowCmd)
	lexiconCmd.AddCommand(lexiconLearnCmd)
	rootCmd.AddCommand(lexiconCmd)
}

// formatLexicon writes the alias table to w, fields sorted for stable output.
func formatLexicon(out io.Writer, lex candidate.Lexicon) {
	fields := make([]string, 0, len(lex.Aliases))
	for f := range lex.Aliases {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tLABELS")
	for _, f := range fields {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", f, strings.Join(lex.Aliases[f], ", "))
	}
	_ = w.Flush()
}

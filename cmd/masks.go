package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/zone"
)

var masksCmd = &cobra.Command{
	Use:   "masks",
	Short: "Manage per-vendor zone masks",
	Long:  "Masks are exclusion rectangles persisted per vendor; zones intersecting a mask are never scheduled for OCR.",
}

var masksListCmd = &cobra.Command{
	Use:   "list <vendor-id>",
	Short: "List a vendor's masks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := zone.NewFileMaskStore(cfg.Zone.MaskDir)
		if err != nil {
			return err
		}
		masks, err := store.Masks(args[0])
		if err != nil {
			return eris.Wrap(err, "masks list")
		}
		if len(masks) == 0 {
			fmt.Fprintln(os.Stderr, "No masks for this vendor.")
			return nil
		}
		formatMasks(os.Stdout, masks)
		return nil
	},
}

var masksAddCmd = &cobra.Command{
	Use:   "add <vendor-id>",
	Short: "Add a mask rectangle for a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := zone.NewFileMaskStore(cfg.Zone.MaskDir)
		if err != nil {
			return err
		}

		x, _ := cmd.Flags().GetInt("x")
		y, _ := cmd.Flags().GetInt("y")
		w, _ := cmd.Flags().GetInt("width")
		h, _ := cmd.Flags().GetInt("height")
		reason, _ := cmd.Flags().GetString("reason")
		addedBy, _ := cmd.Flags().GetString("added-by")

		if w <= 0 || h <= 0 {
			return eris.New("mask width and height must be positive")
		}

		err = store.Add(args[0], zone.Mask{
			Bounds:  model.Rect{X: x, Y: y, Width: w, Height: h},
			Reason:  reason,
			AddedBy: addedBy,
		})
		if err != nil {
			return eris.Wrap(err, "masks add")
		}
		fmt.Printf("mask added for vendor %s\n", args[0])
		return nil
	},
}

var masksRemoveCmd = &cobra.Command{
	Use:   "remove <vendor-id> <index>",
	Short: "Remove a vendor's mask by index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := zone.NewFileMaskStore(cfg.Zone.MaskDir)
		if err != nil {
			return err
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Wrapf(err, "bad mask index %q", args[1])
		}
		if err := store.Remove(args[0], index); err != nil {
			return eris.Wrap(err, "masks remove")
		}
		fmt.Printf("mask %d removed for vendor %s\n", index, args[0])
		return nil
	},
}

func init() {
	masksAddCmd.Flags().Int("x", 0, "left edge in page pixels")
	masksAddCmd.Flags().Int("y", 0, "top edge in page pixels")
	masksAddCmd.Flags().Int("width", 0, "mask width in pixels")
	masksAddCmd.Flags().Int("height", 0, "mask height in pixels")
	masksAddCmd.Flags().String("reason", "", "why this region is excluded")
	masksAddCmd.Flags().String("added-by", "", "who added the mask")
	_ = masksAddCmd.MarkFlagRequired("width")
	_ = masksAddCmd.MarkFlagRequired("height")
	_ = masksAddCmd.MarkFlagRequired("reason")

	masksCmd.AddCommand(masksListCmd)
	masksCmd.AddCommand(masksAddCmd)
	masksCmd.AddCommand(masksRemoveCmd)
	rootCmd.AddCommand(masksCmd)
}

// formatMasks writes a tabular mask list to w.
func formatMasks(out io.Writer, masks []zone.Mask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tBOUNDS\tREASON\tADDED_BY\tADDED_AT")
	for i, m := range masks {
		addedAt := ""
		if !m.AddedAt.IsZero() {
			addedAt = m.AddedAt.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(w, "%d\t%dx%d+%d+%d\t%s\t%s\t%s\n",
			i, m.Bounds.Width, m.Bounds.Height, m.Bounds.X, m.Bounds.Y,
			m.Reason, m.AddedBy, addedAt,
		)
	}
	_ = w.Flush()
}

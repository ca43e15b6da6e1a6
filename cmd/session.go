package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/review"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage reviewer sessions",
	Long:  "Sessions group a reviewer's claimed cases so a batch of decisions can be undone together.",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a reviewer session",
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

		reviewer, _ := cmd.Flags().GetString("reviewer")
		svc := review.NewService(st, nil)

		sess, err := svc.StartSession(ctx, reviewer)
		if err != nil {
			return eris.Wrap(err, "session start")
		}
		fmt.Println(sess.ID)
		return nil
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session, keeping its cases' states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initReviewStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		svc := review.NewService(st, nil)
		if err := svc.CloseSession(ctx, args[0]); err != nil {
			return eris.Wrap(err, "session close")
		}
		fmt.Printf("session %s closed\n", truncateID(args[0]))
		return nil
	},
}

var sessionUndoCmd = &cobra.Command{
	Use:   "undo <session-id>",
	Short: "Undo the session's case decisions in one batch",
	Long:  "Reverts the last state change of every case the session touched, most recently claimed first. Cases that moved on since are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initReviewStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		svc := review.NewService(st, nil)
		undone, err := svc.Undo(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "session undo")
		}
		if len(undone) == 0 {
			fmt.Println("nothing to undo")
			return nil
		}
		for _, id := range undone {
			fmt.Printf("reverted %s\n", truncateID(id))
		}
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().String("reviewer", "", "reviewer name recorded on the session")
	_ = sessionStartCmd.MarkFlagRequired("reviewer")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	sessionCmd.AddCommand(sessionUndoCmd)
	rootCmd.AddCommand(sessionCmd)
}

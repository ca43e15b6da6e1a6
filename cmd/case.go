package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/approval"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
)

var caseActor string

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect and work review cases",
}

// -- case show --

var caseShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a case with its resolved record and validation outcomes",
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

		c, err := st.GetCase(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "case show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

// -- case audit --

var caseAuditCmd = &cobra.Command{
	Use:   "audit <case-id>",
	Short: "Show a case's audit trail, oldest first",
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

		trail, err := st.ListAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "case audit")
		}
		if len(trail) == 0 {
			fmt.Fprintln(os.Stderr, "No audit entries.")
			return nil
		}

		formatAudit(os.Stdout, trail)
		return nil
	},
}

// -- case reject / reopen / archive --

func transitionCmd(use, short string, to model.CaseState) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
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

			validator, err := initValidator()
			if err != nil {
				return err
			}
			svc := review.NewService(st, validator)

			c, err := svc.Transition(ctx, args[0], to, caseActor)
			if err != nil {
				return eris.Wrapf(err, "case %s", use)
			}
			fmt.Printf("case %s is now %s\n", truncateID(c.ID), c.State)
			return nil
		},
	}
}

// -- case claim --

var caseClaimCmd = &cobra.Command{
	Use:   "claim <session-id> <case-id>",
	Short: "Claim a pending case into a review session",
	Args:  cobra.ExactArgs(2),
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

		validator, err := initValidator()
		if err != nil {
			return err
		}
		svc := review.NewService(st, validator)

		c, err := svc.Claim(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "case claim")
		}
		fmt.Printf("case %s claimed into session %s\n", truncateID(c.ID), truncateID(args[0]))
		return nil
	},
}

// -- case edit --

var caseEditCmd = &cobra.Command{
	Use:   "edit <case-id> <field> <value>",
	Short: "Override a resolved field value on a case under review",
	Args:  cobra.ExactArgs(3),
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

		validator, err := initValidator()
		if err != nil {
			return err
		}
		svc := review.NewService(st, validator)

		c, err := svc.EditField(ctx, args[0], args[1], args[2], caseActor)
		if err != nil {
			return eris.Wrap(err, "case edit")
		}

		hard := c.Validation.HardFailures()
		if len(hard) > 0 {
			fmt.Printf("field %s updated; %d hard failure(s) remain: %v\n", args[1], len(hard), hard)
			return nil
		}
		fmt.Printf("field %s updated; validation clean\n", args[1])
		return nil
	},
}

// -- case approve --

var caseApproveCmd = &cobra.Command{
	Use:   "approve <case-id>",
	Short: "Approve a case and hand it off downstream",
	Long:  "Re-validates the case and, only if no hard failures remain, submits it to the accounting handoff endpoint and then marks it approved.",
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

		validator, err := initValidator()
		if err != nil {
			return err
		}
		gate := approval.NewGate(st, validator, approval.NewHTTPHandoff(cfg.Handoff))

		c, err := gate.Approve(ctx, args[0], caseActor)
		if err != nil {
			var hardErr *approval.HardValidationFailureError
			if errors.As(err, &hardErr) {
				fmt.Fprintf(os.Stderr, "approval blocked by hard failures: %v\n", hardErr.RuleIDs)
			}
			return eris.Wrap(err, "case approve")
		}
		fmt.Printf("case %s approved and handed off\n", truncateID(c.ID))
		return nil
	},
}

func init() {
	caseCmd.PersistentFlags().StringVar(&caseActor, "actor", "cli", "actor recorded in the audit log")

	caseCmd.AddCommand(caseShowCmd)
	caseCmd.AddCommand(caseAuditCmd)
	caseCmd.AddCommand(caseClaimCmd)
	caseCmd.AddCommand(caseEditCmd)
	caseCmd.AddCommand(caseApproveCmd)
	caseCmd.AddCommand(transitionCmd("reject", "Reject a case under review", model.CaseRejected))
	caseCmd.AddCommand(transitionCmd("reopen", "Reopen an approved or rejected case", model.CaseInReview))
	caseCmd.AddCommand(transitionCmd("archive", "Archive an approved or rejected case", model.CaseArchived))
	rootCmd.AddCommand(caseCmd)
}

// formatAudit writes a tabular audit trail to w.
func formatAudit(out io.Writer, trail []model.AuditEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tACTOR\tACTION\tFIELD\tBEFORE\tAFTER\tDETAIL")
	for _, e := range trail {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Format("2006-01-02 15:04:05"),
			e.Actor,
			e.Action,
			e.Field,
			e.Before,
			e.After,
			e.Detail,
		)
	}
	_ = w.Flush()
}

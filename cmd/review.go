package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/pipeline"
	"github.com/sells-group/spons-match/internal/resilience"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect and resolve line items awaiting QS review",
}

var (
	listProject string
	listStatus  string
	listLimit   int
)

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List line items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		filter := model.LineItemFilter{ProjectID: listProject, Limit: listLimit}
		if listStatus != "" {
			filter.Status = model.Status(listStatus)
			if !filter.Status.Valid() {
				return eris.Errorf("unknown status %q", listStatus)
			}
		}

		env, err := initEnv(ctx, cfg, config.ModeMigrate)
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.Store.ListLineItems(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list line items")
		}
		return writeResult(cmd.OutOrStdout(), items, true)
	},
}

var (
	overrideCandidate string
	overrideReviewer  string
	overrideRationale string
)

var reviewOverrideCmd = &cobra.Command{
	Use:   "override LINE_ITEM_ID",
	Short: "Select a candidate for a line item on a reviewer's authority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Overrides only touch the store, so no provider keys are needed.
		env, err := initEnv(ctx, cfg, config.ModeMigrate)
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := pipeline.New(env.Store, nil, nil, nil, nil, nil).Override(ctx, args[0], overrideCandidate, overrideReviewer, overrideRationale)
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), item, true)
	},
}

var reviewReprocessCmd = &cobra.Command{
	Use:   "reprocess LINE_ITEM_ID",
	Short: "Re-run the agent for a line item in QS_REVIEW or UNMATCHED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeProcess)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Reprocess(ctx, args[0])
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), res, true)
	},
}

var (
	retryLimit     int
	retryErrorType string
)

var reviewRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resume dead-lettered line items that are due for another attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		switch retryErrorType {
		case "", resilience.ErrorTypeTransient, resilience.ErrorTypePermanent:
		default:
			return eris.Errorf("unknown error type %q", retryErrorType)
		}

		env, err := initEnv(ctx, cfg, config.ModeProcess)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.RetryDeadLetters(ctx, resilience.DLQFilter{ErrorType: retryErrorType, Limit: retryLimit})
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), res, true)
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	reviewListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status, e.g. QS_REVIEW")
	reviewListCmd.Flags().IntVar(&listLimit, "limit", 100, "max line items")

	reviewOverrideCmd.Flags().StringVar(&overrideCandidate, "candidate", "", "candidate row ID (required)")
	reviewOverrideCmd.Flags().StringVar(&overrideReviewer, "reviewer", "", "reviewer name (required)")
	reviewOverrideCmd.Flags().StringVar(&overrideRationale, "rationale", "", "why this candidate was chosen")
	_ = reviewOverrideCmd.MarkFlagRequired("candidate")
	_ = reviewOverrideCmd.MarkFlagRequired("reviewer")

	reviewRetryCmd.Flags().IntVar(&retryLimit, "limit", 50, "max dead-lettered items to retry")
	reviewRetryCmd.Flags().StringVar(&retryErrorType, "error-type", "", "only retry transient or permanent failures")

	reviewCmd.AddCommand(reviewListCmd, reviewOverrideCmd, reviewReprocessCmd, reviewRetryCmd)
	rootCmd.AddCommand(reviewCmd)
}

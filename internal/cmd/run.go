package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <rule-id>",
	Short: "Execute one rule now",
	Long:  "Execute a single rule immediately and print its run outcome as JSON. Exits non-zero when the run fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		rule, err := a.repo.GetRule(ctx, args[0])
		if err != nil {
			return fmt.Errorf("rule %s: %w", args[0], err)
		}
		if force, _ := cmd.Flags().GetBool("force"); force {
			rule.Enabled = true
		}

		outcome := a.exec.Execute(ctx, rule)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return err
		}
		if !outcome.Success {
			return fmt.Errorf("rule run failed: %s: %s", outcome.Reason, outcome.Err())
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("force", false, "run the rule even if it is disabled")
	rootCmd.AddCommand(runCmd)
}

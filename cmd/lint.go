package cmd

import (
	"fmt"
	"os"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/lint"
	"github.com/spf13/cobra"
)

func init() {
	lintCmd.Flags().StringVarP(&planPath, "plan", "p", "", "Path to a JSON execution plan")
	_ = lintCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(lintCmd)
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check the SQL of a plan without running it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(planPath)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		node, err := api.DecodeNode(data)
		if err != nil {
			return err
		}
		diags, err := lint.Plan(cmd.Context(), node)
		if err != nil {
			return err
		}
		for _, d := range diags {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		if len(diags) > 0 {
			return fmt.Errorf("%d problem(s) found", len(diags))
		}
		return nil
	},
}

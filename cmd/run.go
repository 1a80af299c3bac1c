package cmd

import (
	"fmt"
	"os"

	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	planPath  string
	selectExp string
)

func init() {
	runCmd.Flags().StringVarP(&planPath, "plan", "p", "", "Path to a JSON execution plan")
	runCmd.Flags().StringVar(&selectExp, "select", "", "JSONPath applied to the result")
	_ = runCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan and print its result as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := os.ReadFile(planPath)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}

		eng, err := newEngine(configPath, logLevel, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		out, err := eng.run(cmd.Context(), plan, selectExp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), oj.JSON(out, 2))
		return err
	},
}

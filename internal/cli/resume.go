package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhouse/branchforge/internal/config"
)

// NewResumeCommand creates the `resume` command: reload a prior run by id
// and continue it, retrying any failed tasks and preserving completedIds.
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <runId>",
		Short: "Resume an interrupted or failed run",
		Args:  cobra.ExactArgs(1),
		RunE:  runResumeCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .branchforge/config.yaml)")
	cmd.Flags().Int("concurrency", -1, "Maximum number of concurrent tasks (-1 = use config)")

	return cmd
}

func runResumeCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	concurrencyFlag, _ := cmd.Flags().GetInt("concurrency")

	rt, err := buildRuntime(cmd.OutOrStdout(), configPath, func(cfg *config.Config) {
		if cmd.Flags().Changed("concurrency") {
			cfg.Concurrency = concurrencyFlag
		}
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	runID := args[0]
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming run %s...\n", runID)

	run, runErr := rt.orch.Resume(cmd.Context(), runID)
	return finalizeRun(cmd, run, runErr)
}

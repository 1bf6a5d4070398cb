// Package cli wires branchforge's cobra command surface to the
// Orchestrator, Run Store, Worktree Manager, and VCS Driver.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root cobra command for branchforge.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branchforge",
		Short: "Parallel code-editing agent orchestrator",
		Long: `branchforge decomposes a plan or issue list into interdependent work
items, schedules them respecting their dependency graph, launches bounded
parallel agents each isolated in its own worktree and branch, verifies their
merges, and tolerates partial failures with resumability.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewCleanCommand())

	return cmd
}

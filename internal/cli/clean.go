package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewCleanCommand creates the `clean` command: remove every registered
// worktree, every run/item branch under the configured prefix, and the
// state directory's contents.
func NewCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove all run state, worktrees, and run branches",
		Args:  cobra.NoArgs,
		RunE:  runCleanCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .branchforge/config.yaml)")

	return cmd
}

func runCleanCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	rt, err := buildRuntime(cmd.OutOrStdout(), configPath, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	infos, err := rt.store.LoadWorktrees()
	if err != nil {
		return err
	}

	removed := 0
	for _, info := range infos {
		if err := rt.wt.RemoveWorktree(ctx, info.Path, info.Branch); err != nil {
			fmt.Fprintf(out, "warning: failed to remove worktree %s: %v\n", info.Path, err)
			continue
		}
		removed++
	}
	fmt.Fprintf(out, "Removed %d worktree(s).\n", removed)

	if err := rt.store.SaveWorktrees(nil); err != nil {
		return err
	}

	branches, err := rt.vcsDriver.ListBranches(ctx, rt.repoDir, rt.cfg.BranchPrefix+"/")
	if err != nil {
		fmt.Fprintf(out, "warning: failed to list run branches: %v\n", err)
	}
	for _, b := range branches {
		if err := rt.vcsDriver.DeleteBranch(ctx, rt.repoDir, b, true); err != nil {
			fmt.Fprintf(out, "warning: failed to delete branch %s: %v\n", b, err)
			continue
		}
		fmt.Fprintf(out, "Deleted branch %s\n", b)
	}

	entries, err := os.ReadDir(rt.stateDir)
	if err != nil {
		return fmt.Errorf("read state directory: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(rt.stateDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(out, "warning: failed to remove %s: %v\n", path, err)
		}
	}

	fmt.Fprintln(out, "Cleaned.")
	return nil
}

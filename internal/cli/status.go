package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/store"
)

// NewStatusCommand creates the `status` command: render the most recent
// or `--run-id`-selected RunState, as a human table or `--json`.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a run",
		Args:  cobra.NoArgs,
		RunE:  runStatusCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .branchforge/config.yaml)")
	cmd.Flags().String("run-id", "", "Run id to show (default: the most recently updated run)")
	cmd.Flags().Bool("json", false, "Output machine-readable JSON")
	cmd.Flags().Bool("events", false, "Also print the run's recorded event history (requires events_db)")

	return cmd
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	runID, _ := cmd.Flags().GetString("run-id")
	asJSON, _ := cmd.Flags().GetBool("json")
	withEvents, _ := cmd.Flags().GetBool("events")

	rt, err := buildRuntime(cmd.OutOrStdout(), configPath, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if runID == "" {
		runID, err = latestRunID(rt)
		if err != nil {
			return err
		}
		if runID == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}
	}

	run, err := rt.store.LoadRun(runID)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		printRunTable(cmd, run)
	}

	if withEvents {
		return printRunEvents(cmd, rt, run.ID)
	}
	return nil
}

// printRunEvents replays the run's history from the SQLite event mirror.
func printRunEvents(cmd *cobra.Command, rt *runtime, runID string) error {
	dbPath := filepath.Join(rt.stateDir, "events.db")
	recs, err := events.QueryRunEvents(dbPath, runID)
	if err != nil {
		return fmt.Errorf("read event history (is events_db enabled?): %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	for _, rec := range recs {
		fmt.Fprintf(out, "  %s  %-16s %s\n", rec.RecordedAt, rec.Kind, rec.Payload)
	}
	return nil
}

// latestRunID returns the id of the most recently updated run, or "" if
// none exist.
func latestRunID(rt *runtime) (string, error) {
	ids, err := rt.store.ListRunIDs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}

	var runs []*store.RunState
	for _, id := range ids {
		r, err := rt.store.LoadRun(id)
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}
	if len(runs) == 0 {
		return "", nil
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	return runs[0].ID, nil
}

func printRunTable(cmd *cobra.Command, run *store.RunState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.Status)
	fmt.Fprintf(out, "  Mode:       %s\n", run.Mode)
	fmt.Fprintf(out, "  Base:       %s\n", run.BaseBranch)
	fmt.Fprintf(out, "  Run branch: %s\n", run.RunBranch)
	fmt.Fprintf(out, "  Created:    %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Updated:    %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
	if run.PRUrl != "" {
		fmt.Fprintf(out, "  PR:         %s\n", run.PRUrl)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %-6s %-10s %-40s %s\n", "ID", "STATUS", "TITLE", "ERROR")
	for _, t := range run.Tasks {
		title := ""
		for _, it := range run.Items {
			if it.ID == t.ItemID {
				title = it.Title
				break
			}
		}
		fmt.Fprintf(out, "  %-6d %-10s %-40s %s\n", t.ItemID, t.Status, title, firstLineStatus(t.Error))
	}
}

func firstLineStatus(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

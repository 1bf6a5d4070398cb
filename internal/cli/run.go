package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/graph"
	"github.com/dhouse/branchforge/internal/planner"
	"github.com/dhouse/branchforge/internal/store"
	"github.com/dhouse/branchforge/internal/tracker"
)

// NewRunCommand creates the `run` command: execute an implementation plan
// or a set of tracker issue numbers.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [source]",
		Short: "Decompose and execute a plan or issue list across parallel agents",
		Long: `run parses the given plan file (or, if every argument is numeric, fetches
those issue numbers from the configured tracker), builds the dependency
graph, launches bounded parallel agents each isolated in its own worktree
and branch, and merges completed work into the run's integration branch.

With no source argument, the most recently discovered plan for this
project (the Run Store's worklist.json) is reused.`,
		Args: cobra.ArbitraryArgs,
		RunE: runRunCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .branchforge/config.yaml)")
	cmd.Flags().Int("concurrency", -1, "Maximum number of concurrent tasks (-1 = use config)")
	cmd.Flags().String("display", "", "Progress display mode: compact or detailed")
	cmd.Flags().Bool("dry-run", false, "Validate the plan and graph without creating a run, worktrees or branches")
	cmd.Flags().Bool("dangerously-skip-permissions", false, "Run the agent CLI with --permission-mode bypassPermissions")
	cmd.Flags().String("policy", "", "Failure policy: continueOnError or stopOnError")
	cmd.Flags().String("repo", "", "owner/name of the tracker repository (tracker mode only)")

	return cmd
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	concurrencyFlag, _ := cmd.Flags().GetInt("concurrency")
	displayFlag, _ := cmd.Flags().GetString("display")
	dryRunFlag, _ := cmd.Flags().GetBool("dry-run")
	skipPermsFlag, _ := cmd.Flags().GetBool("dangerously-skip-permissions")
	policyFlag, _ := cmd.Flags().GetString("policy")
	repoFlag, _ := cmd.Flags().GetString("repo")

	rt, err := buildRuntime(cmd.OutOrStdout(), configPath, func(cfg *config.Config) {
		if cmd.Flags().Changed("concurrency") {
			cfg.Concurrency = concurrencyFlag
		}
		if cmd.Flags().Changed("display") {
			cfg.Display = displayFlag
		}
		if cmd.Flags().Changed("dry-run") {
			cfg.DryRun = dryRunFlag
		}
		if cmd.Flags().Changed("dangerously-skip-permissions") {
			cfg.DangerouslySkipPermissions = skipPermsFlag
		}
		if cmd.Flags().Changed("policy") {
			cfg.Policy = policyFlag
		}
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	items, mode, trk, err := resolveWorkItems(rt, args, repoFlag)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No work items to execute.")
		return nil
	}

	if mode == store.ModePlan && !rt.cfg.DryRun {
		if err := rt.store.SaveWorklist(toStoreItems(items)); err != nil {
			return fmt.Errorf("persist worklist: %w", err)
		}
	}

	if trk != nil {
		markQueued(cmd.Context(), trk, items)
		rt.lateSink.Set(&trackerSink{ctx: cmd.Context(), trk: trk, refs: externalRefs(items)})
	}

	run, runErr := rt.orch.Run(cmd.Context(), items, mode)

	if trk != nil && run != nil {
		reportToTracker(cmd.Context(), trk, run)
	}

	return finalizeRun(cmd, run, runErr)
}

// resolveWorkItems picks the work-item source: numeric args mean tracker
// mode, a single non-numeric arg is a plan file path, and no args reuse
// the Run Store's persisted worklist.
func resolveWorkItems(rt *runtime, args []string, repoFlag string) ([]graph.WorkItem, store.RunMode, tracker.Tracker, error) {
	if len(args) == 0 {
		stored, err := rt.store.LoadWorklist()
		if err != nil {
			return nil, "", nil, err
		}
		return toGraphItems(stored), store.ModePlan, nil, nil
	}

	if allNumeric(args) {
		if repoFlag == "" {
			return nil, "", nil, errs.NewPreconditionError("--repo owner/name is required in tracker mode", nil)
		}
		owner, repo, err := splitRepo(repoFlag)
		if err != nil {
			return nil, "", nil, errs.NewPreconditionError(err.Error(), nil)
		}

		trk, err := tracker.NewGitHubTracker(owner, repo, rt.cfg.Tracker.TokenEnvVar)
		if err != nil {
			return nil, "", nil, errs.NewPreconditionError(err.Error(), nil)
		}

		numbers := make([]int, 0, len(args))
		for _, a := range args {
			n, _ := strconv.Atoi(a)
			numbers = append(numbers, n)
		}
		items, err := trk.FetchIssues(context.Background(), numbers)
		if err != nil {
			return nil, "", nil, err
		}
		return items, store.ModeTracker, trk, nil
	}

	items, err := planner.NewYAMLPlanner().ParseFile(args[0])
	if err != nil {
		return nil, "", nil, err
	}
	return items, store.ModePlan, nil, nil
}

func allNumeric(args []string) bool {
	for _, a := range args {
		if _, err := strconv.Atoi(a); err != nil {
			return false
		}
	}
	return true
}

func splitRepo(repoFlag string) (owner, repo string, err error) {
	parts := strings.SplitN(repoFlag, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("--repo must be owner/name, got %q", repoFlag)
	}
	return parts[0], parts[1], nil
}

// markQueued labels every tracker-mode item queued before the run
// starts; terminal labels are written back by reportToTracker.
func markQueued(ctx context.Context, trk tracker.Tracker, items []graph.WorkItem) {
	for _, it := range items {
		if it.ExternalRef == nil {
			continue
		}
		trk.SetStatus(ctx, *it.ExternalRef, tracker.StatusQueued)
	}
}

func externalRefs(items []graph.WorkItem) map[int]int {
	refs := make(map[int]int, len(items))
	for _, it := range items {
		if it.ExternalRef != nil {
			refs[it.ID] = *it.ExternalRef
		}
	}
	return refs
}

// trackerSink flips an issue's label to in-progress as its task starts;
// terminal labels are handled by reportToTracker after the run.
type trackerSink struct {
	ctx  context.Context
	trk  tracker.Tracker
	refs map[int]int
}

func (s *trackerSink) OnEvent(e events.Event) {
	started, ok := e.(events.TaskStarted)
	if !ok {
		return
	}
	if ref, ok := s.refs[started.ItemID]; ok {
		s.trk.SetStatus(s.ctx, ref, tracker.StatusInProgress)
	}
}

// reportToTracker mirrors each task's terminal status onto its source
// issue as a label, and posts a failure comment for failed items.
func reportToTracker(ctx context.Context, trk tracker.Tracker, run *store.RunState) {
	refByID := make(map[int]int, len(run.Items))
	for _, it := range run.Items {
		if it.ExternalRef != nil {
			refByID[it.ID] = *it.ExternalRef
		}
	}

	for _, t := range run.Tasks {
		ref, ok := refByID[t.ItemID]
		if !ok {
			continue
		}
		switch t.Status {
		case store.StatusCompleted:
			trk.SetStatus(ctx, ref, tracker.StatusDone)
		case store.StatusFailed:
			trk.SetStatus(ctx, ref, tracker.StatusFailed)
			if t.Error != "" {
				trk.PostFailureComment(ctx, ref, t.Error)
			}
		case store.StatusBlocked:
			trk.SetStatus(ctx, ref, tracker.StatusBlocked)
		}
	}

	if run.Status == store.RunCompleted && len(run.CompletedIDs) > 0 {
		prURL, err := trk.CreatePullRequest(ctx,
			fmt.Sprintf("branchforge run %s", run.ID),
			"Automated merge of completed work items.",
			run.RunBranch, run.BaseBranch)
		if err == nil {
			run.PRUrl = prURL
		}
	}
}

// finalizeRun prints the run's terminal summary and maps its outcome to
// the CLI's exit-code contract (0 success, 1 failed, 130 interrupt).
func finalizeRun(cmd *cobra.Command, run *store.RunState, runErr error) error {
	if errs.IsInterrupt(runErr) {
		fmt.Fprintln(cmd.OutOrStdout(), "\nRun interrupted; original branch restored.")
		return runErr
	}
	if run == nil {
		return runErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "  Completed: %d\n", len(run.CompletedIDs))
	fmt.Fprintf(cmd.OutOrStdout(), "  Failed: %d\n", len(run.FailedIDs))
	if run.PRUrl != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Pull request: %s\n", run.PRUrl)
	}

	if runErr != nil {
		return runErr
	}
	if run.Status == store.RunFailed {
		return fmt.Errorf("run %s failed (%d item(s) failed)", run.ID, len(run.FailedIDs))
	}
	return nil
}

func toStoreItems(items []graph.WorkItem) []store.WorkItem {
	out := make([]store.WorkItem, 0, len(items))
	for _, it := range items {
		out = append(out, store.WorkItem{
			ID:            it.ID,
			Title:         it.Title,
			Body:          it.Body,
			Dependencies:  it.Dependencies,
			AffectedPaths: it.AffectedPaths,
			NoWorkNeeded:  it.NoWorkNeeded,
			ExternalRef:   it.ExternalRef,
		})
	}
	return out
}

func toGraphItems(items []store.WorkItem) []graph.WorkItem {
	out := make([]graph.WorkItem, 0, len(items))
	for _, it := range items {
		out = append(out, graph.WorkItem{
			ID:            it.ID,
			Title:         it.Title,
			Body:          it.Body,
			Dependencies:  it.Dependencies,
			AffectedPaths: it.AffectedPaths,
			NoWorkNeeded:  it.NoWorkNeeded,
			ExternalRef:   it.ExternalRef,
		})
	}
	return out
}

// Package orchestrator is the top-level state machine wiring the
// dependency graph, worktree manager, scheduler, worker adapter and run
// store together, and handling resume and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/graph"
	"github.com/dhouse/branchforge/internal/logger"
	"github.com/dhouse/branchforge/internal/scheduler"
	"github.com/dhouse/branchforge/internal/store"
	"github.com/dhouse/branchforge/internal/worker"
)

// Worktrees is the subset of worktree.Manager the Orchestrator drives
// directly.
type Worktrees interface {
	CurrentBranch(ctx context.Context) (string, error)
	EnsureStateDirIgnored(stateDir string) error
	EnsureClean(ctx context.Context) error
	CreateRunBranch(ctx context.Context, runID, base string) (string, error)
	CreateWorktree(ctx context.Context, stateDir, runID string, itemID int, runBranch string) (store.WorktreeInfo, error)
	RemoveWorktree(ctx context.Context, path, branch string) error
	MergeRunBranch(ctx context.Context, runBranch, target string) error
	RestoreBranch(ctx context.Context, name string) error
	IsProtectedBranch(branch string) bool
}

// RunStore is the subset of store.Store the Orchestrator needs.
type RunStore interface {
	SaveRun(r *store.RunState) error
	LoadRun(id string) (*store.RunState, error)
	ListRunIDs() ([]string, error)
	SaveWorktrees(infos []store.WorktreeInfo) error
	LoadWorktrees() ([]store.WorktreeInfo, error)
}

// WorkerAdapter is the subset of worker.Adapter the runExecutor drives.
type WorkerAdapter interface {
	Execute(ctx context.Context, item graph.WorkItem, runID, worktreePath, itemBranch, runBranch string, hasPriorWork bool) worker.Result
}

// Orchestrator drives a run from preflight through finalization.
type Orchestrator struct {
	worktrees Worktrees
	store     RunStore
	sink      events.Sink
	log       logger.Logger
	adapter   WorkerAdapter
	cfg       *config.Config
	stateDir  string
}

// New creates an Orchestrator. sink and log may be nil, in which case a
// no-op sink/logger is used.
func New(worktrees Worktrees, runStore RunStore, sink events.Sink, log logger.Logger, adapter WorkerAdapter, cfg *config.Config, stateDir string) *Orchestrator {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Orchestrator{
		worktrees: worktrees,
		store:     runStore,
		sink:      sink,
		log:       log,
		adapter:   adapter,
		cfg:       cfg,
		stateDir:  stateDir,
	}
}

// Preflight validates that a run may start: the state directory must
// exist and be ignored by version control, the working copy must be clean
// (modulo the configured allowed-dirty-files list) and items must form a
// DAG.
func (o *Orchestrator) Preflight(ctx context.Context, items []graph.WorkItem) (*graph.Graph, error) {
	// The self-ignoring state directory must be in place before the
	// clean-tree check, or state files already written this invocation
	// (logs, the worklist) would read as untracked changes.
	if err := o.worktrees.EnsureStateDirIgnored(o.stateDir); err != nil {
		return nil, err
	}
	if err := o.worktrees.EnsureClean(ctx); err != nil {
		return nil, err
	}
	g, err := graph.Build(items)
	if err != nil {
		return nil, errs.NewPreconditionError("dependency graph contains a cycle", err)
	}
	return g, nil
}

// Run executes items as a fresh run: preflight, run-branch creation,
// scheduler drive, and run-branch merge on success. Returns the finalized
// RunState and a non-nil error for preflight failures, run-branch setup or
// initial persistence failures, signal interruption (errs.ErrInterrupt),
// and expiry or cancellation of the run context (its ctx.Err()); ordinary
// task failures are reflected in the returned RunState's status, not the
// error.
func (o *Orchestrator) Run(ctx context.Context, items []graph.WorkItem, mode store.RunMode) (*store.RunState, error) {
	g, err := o.Preflight(ctx, items)
	if err != nil {
		return nil, err
	}

	if o.cfg.DryRun {
		return o.dryRunState(items, g), nil
	}

	originalBranch, err := o.worktrees.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	runID, err := store.NewRunID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	runBranch, err := o.worktrees.CreateRunBranch(ctx, runID, originalBranch)
	if err != nil {
		return nil, err
	}

	run := &store.RunState{
		ID:         runID,
		CreatedAt:  time.Now(),
		Status:     store.RunRunning,
		Mode:       mode,
		BaseBranch: originalBranch,
		RunBranch:  runBranch,
		Items:      toStoreItems(items),
		Tasks:      initialTasks(g),
	}

	return o.drive(ctx, g, run)
}

// Resume reloads a prior run by id and continues it: tasks in failedIds are
// reset to queued (retry-on-resume), the dependency graph is rebuilt from
// the persisted items, and the scheduler re-enters its loop with
// completedIds preserved. Resuming an already-completed run is rejected.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*store.RunState, error) {
	run, err := o.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status == store.RunCompleted {
		return nil, errs.NewPreconditionError(fmt.Sprintf("run %s already completed", runID), nil)
	}

	items := toGraphItems(run.Items)
	g, err := graph.Build(items)
	if err != nil {
		return nil, errs.NewPreconditionError("persisted run has a cyclic dependency graph", err)
	}

	resetFailedToQueued(run)
	run.Status = store.RunRunning

	return o.drive(ctx, g, run)
}

// drive runs the scheduler to completion over g, persisting run after every
// scheduler event, then finalizes run's terminal status and attempts the
// run-branch merge. It installs an idempotent SIGINT/SIGTERM handler that
// cancels the run context and restores the original branch.
func (o *Orchestrator) drive(ctx context.Context, g *graph.Graph, run *store.RunState) (*store.RunState, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var interrupted atomic.Bool
	var shutdownOnce sync.Once
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			shutdownOnce.Do(func() {
				interrupted.Store(true)
				o.log.Warn("received interrupt signal, shutting down gracefully")
				cancel()
			})
		case <-runCtx.Done():
		}
	}()

	if err := o.store.SaveRun(run); err != nil {
		return run, err
	}
	o.emit(events.RunStarted{RunID: run.ID, TotalItems: len(run.Items), At: time.Now()})

	exec := &runExecutor{orch: o, run: run, graph: g, summaries: map[int]string{}}
	sink := &stateUpdatingSink{orch: o, run: run, log: o.log}

	policy := scheduler.Policy(o.cfg.Policy)
	alreadyFailed := run.FailedIDs
	sch := scheduler.New(g, exec, sink, o.cfg.Concurrency, policy, run.CompletedIDs, alreadyFailed)
	completed, failed, schedErr := sch.Run(runCtx)

	run.CompletedIDs = completed
	run.FailedIDs = failed

	summaries := exec.snapshotSummaries()
	for i := range run.Tasks {
		if s, ok := summaries[run.Tasks[i].ItemID]; ok {
			run.Tasks[i].Summary = s
		}
	}

	markBlockedByFailure(g, run, failed)

	switch {
	case interrupted.Load():
		run.Status = store.RunInterrupted
		o.worktrees.RestoreBranch(context.Background(), run.BaseBranch)
	case schedErr != nil:
		// Run context expired or the parent was cancelled without a
		// signal: resumable, like an interrupt.
		run.Status = store.RunInterrupted
		run.Error = schedErr.Error()
		o.worktrees.RestoreBranch(context.Background(), run.BaseBranch)
	case len(failed) > 0:
		run.Status = store.RunFailed
	default:
		run.Status = store.RunCompleted
		if len(completed) > 0 {
			if o.worktrees.IsProtectedBranch(run.BaseBranch) {
				o.log.Warn(fmt.Sprintf("merging run branch %s into protected branch %s", run.RunBranch, run.BaseBranch))
			}
			if err := o.worktrees.MergeRunBranch(context.Background(), run.RunBranch, run.BaseBranch); err != nil {
				run.Status = store.RunFailed
				run.Error = err.Error()
			}
		}
	}

	o.store.SaveRun(run)
	o.emit(events.RunFinished{
		RunID:        run.ID,
		Status:       string(run.Status),
		CompletedIDs: run.CompletedIDs,
		FailedIDs:    run.FailedIDs,
		At:           time.Now(),
	})

	if interrupted.Load() {
		return run, errs.ErrInterrupt
	}
	return run, schedErr
}

func (o *Orchestrator) emit(e events.Event) {
	o.sink.OnEvent(e)
}

// dryRunState builds the RunState the CLI would print without mutating any
// on-disk state: no run-store write, no worktree, no branch.
func (o *Orchestrator) dryRunState(items []graph.WorkItem, g *graph.Graph) *store.RunState {
	return &store.RunState{
		ID:        "dry-run",
		CreatedAt: time.Now(),
		Status:    store.RunRunning,
		Items:     toStoreItems(items),
		Tasks:     initialTasks(g),
	}
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

// initialTasks builds one store.Task per item in topological order (the
// order used for display and issue creation), marked "queued" if
// immediately ready or "blocked" if waiting on a dependency.
func initialTasks(g *graph.Graph) []store.Task {
	ready := make(map[int]bool)
	for _, id := range g.Ready(map[int]bool{}) {
		ready[id] = true
	}

	var tasks []store.Task
	for _, id := range g.TopologicalOrder() {
		status := store.StatusBlocked
		if ready[id] {
			status = store.StatusQueued
		}
		tasks = append(tasks, store.Task{ItemID: id, Status: status})
	}
	return tasks
}

// markBlockedByFailure records, on every never-started task, whether a
// transitive dependency failed, so the status view distinguishes "blocked
// by a failure upstream" from "simply not reached before shutdown".
func markBlockedByFailure(g *graph.Graph, run *store.RunState, failed []int) {
	if len(failed) == 0 {
		return
	}
	failedSet := make(map[int]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	for i := range run.Tasks {
		t := &run.Tasks[i]
		if t.Status != store.StatusBlocked && t.Status != store.StatusQueued {
			continue
		}
		if g.IsBlockedByFailure(t.ItemID, failedSet) {
			t.Status = store.StatusBlocked
			t.Error = "blocked by failed dependency"
		}
	}
}

// resetFailedToQueued clears run.FailedIDs and marks the corresponding
// tasks "queued" so they are retried on resume.
func resetFailedToQueued(run *store.RunState) {
	failedSet := make(map[int]bool, len(run.FailedIDs))
	for _, id := range run.FailedIDs {
		failedSet[id] = true
	}
	for i := range run.Tasks {
		if failedSet[run.Tasks[i].ItemID] {
			run.Tasks[i].Status = store.StatusQueued
			run.Tasks[i].Error = ""
			run.Tasks[i].CompletedAt = nil
		}
		// A blocked-by-failure note no longer applies once the failed
		// dependency is being retried.
		if run.Tasks[i].Status == store.StatusBlocked {
			run.Tasks[i].Error = ""
		}
	}
	run.FailedIDs = nil
}

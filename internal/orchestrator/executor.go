package orchestrator

import (
	"context"
	"sync"

	"github.com/dhouse/branchforge/internal/graph"
	"github.com/dhouse/branchforge/internal/store"
	"github.com/dhouse/branchforge/internal/worker"
	"github.com/dhouse/branchforge/internal/worktree"
)

// runExecutor is the scheduler.Executor for one run: per item it creates an
// isolated worktree, writes the concatenated dependency summaries if any
// exist, invokes the Worker Adapter, and records the resulting summary for
// downstream dependents.
type runExecutor struct {
	orch  *Orchestrator
	run   *store.RunState
	graph *graph.Graph

	mu        sync.Mutex
	summaries map[int]string
}

func (e *runExecutor) Execute(ctx context.Context, itemID int) ([]string, error) {
	item, ok := e.graph.Item(itemID)
	if !ok {
		return nil, nil
	}

	wt, err := e.orch.worktrees.CreateWorktree(ctx, e.orch.stateDir, e.run.ID, itemID, e.run.RunBranch)
	if err != nil {
		return nil, err
	}
	e.registerWorktree(wt)
	defer e.unregisterWorktree(wt.Path)

	hasPriorWork := false
	if len(item.Dependencies) > 0 {
		deps := e.dependencySummaries(item.Dependencies)
		if len(deps) > 0 {
			if err := worker.WritePriorWork(wt.Path, deps, item.Dependencies); err != nil {
				return nil, err
			}
			hasPriorWork = true
		}
	}

	itemBranch := worktree.ItemBranchName(e.run.RunBranch, itemID)
	res := e.orch.adapter.Execute(ctx, item, e.run.ID, wt.Path, itemBranch, e.run.RunBranch, hasPriorWork)

	if res.Summary != "" {
		e.mu.Lock()
		e.summaries[itemID] = res.Summary
		e.mu.Unlock()
	}

	if res.Error != nil {
		return res.Commits, res.Error
	}
	return res.Commits, nil
}

// registerWorktree and unregisterWorktree keep the on-disk worktree
// registry in step with the live worktrees, so an interrupted run leaves
// an accurate record for `clean` and stale-worktree teardown. The
// read-modify-write is serialized on e.mu; the registry has no other
// writer while a run is active.
func (e *runExecutor) registerWorktree(wt store.WorktreeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos, err := e.orch.store.LoadWorktrees()
	if err != nil {
		return
	}
	infos = append(infos, wt)
	e.orch.store.SaveWorktrees(infos)
}

func (e *runExecutor) unregisterWorktree(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos, err := e.orch.store.LoadWorktrees()
	if err != nil {
		return
	}
	kept := infos[:0]
	for _, info := range infos {
		if info.Path != path {
			kept = append(kept, info)
		}
	}
	e.orch.store.SaveWorktrees(kept)
}

func (e *runExecutor) dependencySummaries(deps []int) map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[int]string, len(deps))
	for _, dep := range deps {
		if s, ok := e.summaries[dep]; ok {
			out[dep] = s
		}
	}
	return out
}

// snapshotSummaries returns a copy of every summary collected so far,
// used by the orchestrator to attach them to the persisted tasks once the
// scheduler has drained.
func (e *runExecutor) snapshotSummaries() map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[int]string, len(e.summaries))
	for id, s := range e.summaries {
		out[id] = s
	}
	return out
}

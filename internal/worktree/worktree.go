// Package worktree manages the lifecycle of per-item isolated working
// copies and their branches, run branch setup, and merge verification.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/store"
)

// VCS is the subset of vcs.Driver the Worktree Manager needs. Expressed as
// an interface so tests can inject a fake.
type VCS interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	IsClean(ctx context.Context, dir string) (bool, error)
	DirtyFiles(ctx context.Context, dir string) ([]string, error)
	CreateBranch(ctx context.Context, dir, name, startPoint string) error
	DeleteBranch(ctx context.Context, dir, name string, force bool) error
	BranchExists(ctx context.Context, dir, name string) bool
	WorktreeAdd(ctx context.Context, repoDir, path, branch, startPoint string) error
	WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error
	WorktreePrune(ctx context.Context, repoDir string) error
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
	RecentLog(ctx context.Context, dir, ref string, n int) ([]string, error)
	Merge(ctx context.Context, dir, branch string) error
	CheckoutSafe(ctx context.Context, dir, branch string) error
	DiscardChanges(ctx context.Context, dir string) error
	IsMergeInProgress(ctx context.Context, dir string) (bool, error)
	AbortMerge(ctx context.Context, dir string) error
	IsRebaseInProgress(ctx context.Context, dir string) (bool, error)
	AbortRebase(ctx context.Context, dir string) error
	RevParse(ctx context.Context, dir, ref string) (string, error)
	CommitEmpty(ctx context.Context, dir, message string) (string, error)
}

// TransientArtifacts names the well-known marker files a worker may leave
// behind in a worktree; MergeRunBranch removes these from target after a
// successful merge.
var TransientArtifacts = []string{"PRIOR_WORK.md", "SUMMARY.md", "MERGE_COMMIT"}

// Manager is the Worktree Manager.
type Manager struct {
	vcs     VCS
	repoDir string
	cfg     config.WorktreeSafetyConfig
	prefix  string
}

// New creates a Manager rooted at repoDir (the primary working copy),
// guarded by safety, and naming run branches with branchPrefix.
func New(vcsDriver VCS, repoDir string, safety config.WorktreeSafetyConfig, branchPrefix string) *Manager {
	return &Manager{vcs: vcsDriver, repoDir: repoDir, cfg: safety, prefix: branchPrefix}
}

// CurrentBranch returns the branch currently checked out in the primary
// working copy.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	return m.vcs.CurrentBranch(ctx, m.repoDir)
}

// EnsureStateDirIgnored creates stateDir if needed and drops a
// self-ignoring .gitignore inside it, so state files (logs, run records,
// worktrees) never show up as untracked changes in the primary working
// copy and never trip EnsureClean. Idempotent.
func (m *Manager) EnsureStateDirIgnored(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	ignorePath := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(ignorePath); err == nil {
		return nil
	}
	if err := os.WriteFile(ignorePath, []byte("*\n"), 0644); err != nil {
		return fmt.Errorf("write state directory gitignore: %w", err)
	}
	return nil
}

// EnsureClean requires the primary working copy to have no uncommitted
// changes and no untracked, non-ignored files, except files named in the
// configured AllowedDirtyFiles list. Any remaining dirty files are reported
// as a PreconditionError.
func (m *Manager) EnsureClean(ctx context.Context) error {
	clean, err := m.vcs.IsClean(ctx, m.repoDir)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}

	dirty, err := m.vcs.DirtyFiles(ctx, m.repoDir)
	if err != nil {
		return err
	}

	var blocking []string
	for _, f := range dirty {
		if !m.isAllowedDirty(f) {
			blocking = append(blocking, f)
		}
	}
	if len(blocking) == 0 {
		return nil
	}

	return errs.NewPreconditionError(
		fmt.Sprintf("working copy has uncommitted changes outside the allowed list: %s", strings.Join(blocking, ", ")),
		nil,
	)
}

func (m *Manager) isAllowedDirty(file string) bool {
	for _, allowed := range m.cfg.AllowedDirtyFiles {
		if file == allowed {
			return true
		}
	}
	return false
}

func (m *Manager) isProtected(branch string) bool {
	for _, p := range m.cfg.ProtectedBranches {
		if branch == p {
			return true
		}
	}
	return false
}

// CreateRunBranch creates <prefix>/run-<runId> pointing at the tip of base.
// It does not switch the primary working copy. Protected branches are not
// checked here: a protected base is forked like any other branch.
func (m *Manager) CreateRunBranch(ctx context.Context, runID, base string) (string, error) {
	runBranch := fmt.Sprintf("%s/run-%s", m.prefix, runID)
	if m.vcs.BranchExists(ctx, m.repoDir, runBranch) {
		return "", errs.NewPreconditionError(fmt.Sprintf("run branch %q already exists", runBranch), nil)
	}
	if err := m.vcs.CreateBranch(ctx, m.repoDir, runBranch, base); err != nil {
		return "", err
	}
	return runBranch, nil
}

func worktreePath(stateDir, runID string, itemID int) string {
	return filepath.Join(stateDir, "worktrees", fmt.Sprintf("run-%s-item-%d", runID, itemID))
}

func itemBranch(runBranch string, itemID int) string {
	return fmt.Sprintf("%s-item-%d", runBranch, itemID)
}

// CreateWorktree creates an isolated working copy for itemID at a
// deterministic path on a fresh branch forked from runBranch. Any prior
// artifacts at the same path/branch are torn down first (stale worktrees
// from a killed previous run).
func (m *Manager) CreateWorktree(ctx context.Context, stateDir, runID string, itemID int, runBranch string) (store.WorktreeInfo, error) {
	path := worktreePath(stateDir, runID, itemID)
	branch := itemBranch(runBranch, itemID)

	if err := m.teardownStale(ctx, path, branch); err != nil {
		return store.WorktreeInfo{}, err
	}

	if err := m.vcs.WorktreeAdd(ctx, m.repoDir, path, branch, runBranch); err != nil {
		return store.WorktreeInfo{}, err
	}

	return store.WorktreeInfo{
		ItemID:    itemID,
		RunID:     runID,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
	}, nil
}

// teardownStale removes a worktree directory/branch left behind by a prior,
// interrupted run occupying the same deterministic path or branch name.
func (m *Manager) teardownStale(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		if err := m.RemoveWorktree(ctx, path, ""); err != nil {
			return err
		}
	}
	if m.vcs.BranchExists(ctx, m.repoDir, branch) {
		if err := m.vcs.DeleteBranch(ctx, m.repoDir, branch, true); err != nil {
			return err
		}
	}
	return nil
}

// RemoveWorktree removes the worktree at path, and branch if non-empty.
// Idempotent: falls back to a filesystem delete + prune when git refuses
// (e.g. the administrative files were already removed by other means).
func (m *Manager) RemoveWorktree(ctx context.Context, path, branch string) error {
	if err := m.vcs.WorktreeRemove(ctx, m.repoDir, path, true); err != nil {
		os.RemoveAll(path)
		if pruneErr := m.vcs.WorktreePrune(ctx, m.repoDir); pruneErr != nil {
			return pruneErr
		}
	}

	if branch == "" {
		return nil
	}
	if !m.vcs.BranchExists(ctx, m.repoDir, branch) {
		return nil
	}
	return m.vcs.DeleteBranch(ctx, m.repoDir, branch, true)
}

// VerifyWorkerMerge verifies that the tip of the worktree's item branch is
// an ancestor of the current run branch tip: proof the worker actually
// merged its work into the integration branch. On failure, returns a
// *errs.MergeVerificationError carrying the last few run-branch commits for
// diagnostics.
func (m *Manager) VerifyWorkerMerge(ctx context.Context, itemID int, itemBranchName, runBranch string) error {
	itemTip, err := m.vcs.RevParse(ctx, m.repoDir, itemBranchName)
	if err != nil {
		return err
	}
	runTip, err := m.vcs.RevParse(ctx, m.repoDir, runBranch)
	if err != nil {
		return err
	}

	ok, err := m.vcs.IsAncestor(ctx, m.repoDir, itemTip, runTip)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	recent, _ := m.vcs.RecentLog(ctx, m.repoDir, runBranch, 5)
	return errs.NewMergeVerificationError(itemID, itemBranchName, runBranch, recent)
}

// MergeRunBranch switches the primary working copy to target and merges
// runBranch into it with a standard, non-editing merge. Any transient
// marker files left by workers are then removed with a follow-up cleanup
// commit, if any existed.
func (m *Manager) MergeRunBranch(ctx context.Context, runBranch, target string) error {
	if err := m.vcs.CheckoutSafe(ctx, m.repoDir, target); err != nil {
		return err
	}
	if err := m.vcs.Merge(ctx, m.repoDir, runBranch); err != nil {
		return err
	}
	return m.cleanupTransientArtifacts(ctx)
}

func (m *Manager) cleanupTransientArtifacts(ctx context.Context) error {
	removedAny := false
	for _, name := range TransientArtifacts {
		path := filepath.Join(m.repoDir, name)
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove transient artifact %s: %w", name, err)
			}
			removedAny = true
		}
	}
	if !removedAny {
		return nil
	}
	_, err := m.vcs.CommitEmpty(ctx, m.repoDir, "clean up transient run artifacts")
	return err
}

// RestoreBranch aborts any in-progress merge/rebase, discards dirty
// working-tree edits, and switches back to name. Safe to call when nothing
// needs undoing; used from shutdown paths.
func (m *Manager) RestoreBranch(ctx context.Context, name string) error {
	if inMerge, _ := m.vcs.IsMergeInProgress(ctx, m.repoDir); inMerge {
		if err := m.vcs.AbortMerge(ctx, m.repoDir); err != nil {
			return err
		}
	}
	if inRebase, _ := m.vcs.IsRebaseInProgress(ctx, m.repoDir); inRebase {
		if err := m.vcs.AbortRebase(ctx, m.repoDir); err != nil {
			return err
		}
	}
	if err := m.vcs.DiscardChanges(ctx, m.repoDir); err != nil {
		return err
	}
	return m.vcs.CheckoutSafe(ctx, m.repoDir, name)
}

// ItemBranchName exposes the deterministic item-branch naming scheme for
// callers (the Worker Adapter) that need it without recomputing the
// worktree path.
func ItemBranchName(runBranch string, itemID int) string {
	return itemBranch(runBranch, itemID)
}

// WorktreePath exposes the deterministic worktree path naming scheme.
func WorktreePath(stateDir, runID string, itemID int) string {
	return worktreePath(stateDir, runID, itemID)
}

// IsProtectedBranch reports whether branch is in the configured protected
// list, used by the Orchestrator to log a warning before it merges a run
// branch into a protected base branch.
func (m *Manager) IsProtectedBranch(branch string) bool {
	return m.isProtected(branch)
}

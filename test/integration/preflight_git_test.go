package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/vcs"
	"github.com/dhouse/branchforge/internal/worktree"
)

// These tests shell out to a real git binary against a scratch repository,
// covering the paths the fake-runner unit tests cannot: actual porcelain
// output, worktree administration, and merge-base ancestry.

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# scratch\n"), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-q", "-m", "initial commit")
	return dir
}

// TestPreflightCleanCheckWithPopulatedStateDir reproduces the first-use
// sequence in a fresh repository: the runtime writes logs and a worklist
// under the state directory before any clean-tree check runs. Without the
// self-ignoring .gitignore the state directory reads as an untracked
// change and the run is rejected; with it, preflight passes.
func TestPreflightCleanCheckWithPopulatedStateDir(t *testing.T) {
	requireGit(t)

	repo := initRepo(t)
	stateDir := filepath.Join(repo, ".branchforge")
	mgr := worktree.New(vcs.New(), repo, config.WorktreeSafetyConfig{}, "branchforge")
	ctx := context.Background()

	// Simulate the files buildRuntime and the worklist write create
	// before preflight runs.
	if err := os.MkdirAll(filepath.Join(stateDir, "logs"), 0755); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "logs", "run.log"), []byte("log line\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "worklist.json"), []byte("[]\n"), 0644); err != nil {
		t.Fatalf("write worklist: %v", err)
	}

	err := mgr.EnsureClean(ctx)
	if err == nil {
		t.Fatal("EnsureClean passed with an unignored state directory, want PreconditionError")
	}
	if !errs.IsPreconditionError(err) {
		t.Fatalf("EnsureClean error = %v, want PreconditionError", err)
	}

	if err := mgr.EnsureStateDirIgnored(stateDir); err != nil {
		t.Fatalf("EnsureStateDirIgnored: %v", err)
	}
	if err := mgr.EnsureClean(ctx); err != nil {
		t.Fatalf("EnsureClean after ignoring state dir: %v", err)
	}

	// git itself must agree the directory is invisible.
	if out := git(t, repo, "status", "--porcelain"); out != "" {
		t.Fatalf("git status still reports changes: %q", out)
	}
}

func TestEnsureCleanRejectsGenuinelyDirtyTree(t *testing.T) {
	requireGit(t)

	repo := initRepo(t)
	mgr := worktree.New(vcs.New(), repo, config.WorktreeSafetyConfig{}, "branchforge")

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# edited\n"), 0644); err != nil {
		t.Fatalf("edit README: %v", err)
	}

	err := mgr.EnsureClean(context.Background())
	if !errs.IsPreconditionError(err) {
		t.Fatalf("EnsureClean = %v, want PreconditionError for modified tracked file", err)
	}
}

// TestRunBranchAndWorktreeLifecycle drives the real branch/worktree
// protocol end to end: fork a run branch, create an isolated worktree on
// an item branch, commit there, verify the merge gate both before and
// after the item branch lands on the run branch, and tear down.
func TestRunBranchAndWorktreeLifecycle(t *testing.T) {
	requireGit(t)

	repo := initRepo(t)
	stateDir := filepath.Join(repo, ".branchforge")
	driver := vcs.New()
	mgr := worktree.New(driver, repo, config.WorktreeSafetyConfig{}, "branchforge")
	ctx := context.Background()

	if err := mgr.EnsureStateDirIgnored(stateDir); err != nil {
		t.Fatalf("EnsureStateDirIgnored: %v", err)
	}

	base, err := mgr.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	runBranch, err := mgr.CreateRunBranch(ctx, "itest", base)
	if err != nil {
		t.Fatalf("CreateRunBranch: %v", err)
	}
	if runBranch != "branchforge/run-itest" {
		t.Fatalf("run branch = %q, want branchforge/run-itest", runBranch)
	}

	wt, err := mgr.CreateWorktree(ctx, stateDir, "itest", 1, runBranch)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}

	// Work happens on the item branch.
	if err := os.WriteFile(filepath.Join(wt.Path, "feature.txt"), []byte("done\n"), 0644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	git(t, wt.Path, "add", ".")
	git(t, wt.Path, "commit", "-q", "-m", "implement item 1")

	// Before the item branch reaches the run branch, the gate must fail.
	err = mgr.VerifyWorkerMerge(ctx, 1, wt.Branch, runBranch)
	if !errs.IsMergeVerificationError(err) {
		t.Fatalf("VerifyWorkerMerge before merge = %v, want MergeVerificationError", err)
	}

	// Land the item branch the way the noWorkNeeded path does, then the
	// gate must pass.
	if err := driver.FastForwardLocal(ctx, repo, wt.Branch, runBranch); err != nil {
		t.Fatalf("FastForwardLocal: %v", err)
	}
	if err := mgr.VerifyWorkerMerge(ctx, 1, wt.Branch, runBranch); err != nil {
		t.Fatalf("VerifyWorkerMerge after merge: %v", err)
	}

	// Teardown is idempotent and leaves no branch behind.
	if err := mgr.RemoveWorktree(ctx, wt.Path, wt.Branch); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if err := mgr.RemoveWorktree(ctx, wt.Path, wt.Branch); err != nil {
		t.Fatalf("second RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree path still present after removal")
	}

	// Merging the run branch back restores the base branch checkout and
	// brings the item's commit with it.
	if err := mgr.MergeRunBranch(ctx, runBranch, base); err != nil {
		t.Fatalf("MergeRunBranch: %v", err)
	}
	if cur := git(t, repo, "rev-parse", "--abbrev-ref", "HEAD"); cur != base {
		t.Fatalf("HEAD = %q after merge, want %q", cur, base)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Fatalf("merged feature file missing on %s: %v", base, err)
	}
}

// Package vcs is a thin, testable wrapper over the git CLI: branch
// create/delete, worktree add/remove, merge-base ancestry checks, and
// status parsing.
//
// Every method shells out via an injectable CommandRunner so tests can
// substitute a fake runner and exercise the Worktree Manager / Worker
// Adapter without a real git binary.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dhouse/branchforge/internal/errs"
)

// CommandRunner executes a command in dir and returns its trimmed
// stdout/stderr along with any error. It is the seam used to fake out git
// invocations in unit tests.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner is the real CommandRunner, shelling out via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Driver is the VCS Driver: every worktree/branch operation the rest of
// branchforge needs, expressed as plain git invocations.
type Driver struct {
	runner CommandRunner
}

// New creates a Driver using the real git CLI.
func New() *Driver {
	return &Driver{runner: ExecRunner{}}
}

// NewWithRunner creates a Driver using an injected CommandRunner, for tests.
func NewWithRunner(runner CommandRunner) *Driver {
	return &Driver{runner: runner}
}

func (d *Driver) git(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := d.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return stdout, errs.NewVCSError("git "+strings.Join(args, " "), stderr, err)
	}
	return stdout, nil
}

// CurrentBranch returns the branch currently checked out in dir.
func (d *Driver) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return d.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsClean reports whether dir has no staged or unstaged changes and no
// untracked, non-ignored files.
func (d *Driver) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := d.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// DirtyFiles returns the paths reported by `git status --porcelain`,
// stripped of their status prefix.
func (d *Driver) DirtyFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := d.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		// The runner trims stdout, so the first line may have lost the
		// leading space of its two-column status code.
		if len(line) > 2 {
			files = append(files, strings.TrimSpace(line[2:]))
		}
	}
	return files, nil
}

// CreateBranch creates name pointing at startPoint, without switching to it.
func (d *Driver) CreateBranch(ctx context.Context, dir, name, startPoint string) error {
	_, err := d.git(ctx, dir, "branch", name, startPoint)
	return err
}

// DeleteBranch deletes name, forcing deletion of unmerged branches when
// force is true.
func (d *Driver) DeleteBranch(ctx context.Context, dir, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := d.git(ctx, dir, "branch", flag, name)
	return err
}

// BranchExists reports whether name resolves to a commit.
func (d *Driver) BranchExists(ctx context.Context, dir, name string) bool {
	_, err := d.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// WorktreeAdd creates a new worktree at path on a fresh branch forked from
// startPoint (git worktree add -b branch path startPoint).
func (d *Driver) WorktreeAdd(ctx context.Context, repoDir, path, branch, startPoint string) error {
	_, err := d.git(ctx, repoDir, "worktree", "add", "-b", branch, path, startPoint)
	return err
}

// WorktreeRemove removes the worktree at path. If force is true, uncommitted
// changes inside it are discarded. Removing an already-absent worktree
// returns git's error; the Worktree Manager's RemoveWorktree handles that
// by falling back to a filesystem delete plus WorktreePrune.
func (d *Driver) WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := d.git(ctx, repoDir, args...)
	return err
}

// WorktreePrune removes stale worktree administrative files left behind
// when a worktree directory was deleted by other means (e.g. a plain
// filesystem rm because WorktreeRemove was refused).
func (d *Driver) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := d.git(ctx, repoDir, "worktree", "prune")
	return err
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant, via `git merge-base --is-ancestor`.
func (d *Driver) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, stderr, err := d.runner.Run(ctx, dir, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, errs.NewVCSError("git merge-base --is-ancestor", stderr, err)
}

// RecentLog returns the last n one-line log entries for ref, newest first,
// for diagnostics attached to MergeVerificationError.
func (d *Driver) RecentLog(ctx context.Context, dir, ref string, n int) ([]string, error) {
	out, err := d.git(ctx, dir, "log", "--oneline", fmt.Sprintf("-n%d", n), ref)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Merge merges branch into the currently checked-out branch of dir with a
// standard, non-editing merge commit.
func (d *Driver) Merge(ctx context.Context, dir, branch string) error {
	_, err := d.git(ctx, dir, "merge", "--no-edit", branch)
	return err
}

// CheckoutSafe switches dir to branch.
func (d *Driver) CheckoutSafe(ctx context.Context, dir, branch string) error {
	_, err := d.git(ctx, dir, "checkout", branch)
	return err
}

// DiscardChanges resets tracked changes and removes untracked files in dir.
func (d *Driver) DiscardChanges(ctx context.Context, dir string) error {
	if _, err := d.git(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := d.git(ctx, dir, "clean", "-fd")
	return err
}

// IsMergeInProgress reports whether dir has an unresolved merge.
func (d *Driver) IsMergeInProgress(ctx context.Context, dir string) (bool, error) {
	_, _, err := d.runner.Run(ctx, dir, "git", "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil, nil
}

// AbortMerge aborts an in-progress merge.
func (d *Driver) AbortMerge(ctx context.Context, dir string) error {
	_, err := d.git(ctx, dir, "merge", "--abort")
	return err
}

// IsRebaseInProgress reports whether dir has an unresolved rebase.
func (d *Driver) IsRebaseInProgress(ctx context.Context, dir string) (bool, error) {
	out, err := d.git(ctx, dir, "rev-parse", "--git-path", "rebase-merge")
	if err != nil {
		return false, nil
	}
	_, _, err = d.runner.Run(ctx, dir, "test", "-d", out)
	return err == nil, nil
}

// AbortRebase aborts an in-progress rebase.
func (d *Driver) AbortRebase(ctx context.Context, dir string) error {
	_, err := d.git(ctx, dir, "rebase", "--abort")
	return err
}

// FastForwardLocal fast-forwards targetBranch in repoDir to sourceBranch's
// tip via a local fetch (`git fetch . source:target`), used by the Worker
// Adapter's noWorkNeeded path.
func (d *Driver) FastForwardLocal(ctx context.Context, repoDir, sourceBranch, targetBranch string) error {
	_, err := d.git(ctx, repoDir, "fetch", ".", sourceBranch+":"+targetBranch)
	return err
}

// CommitEmpty creates an empty commit on the currently checked-out branch
// of dir, used to close out noWorkNeeded items.
func (d *Driver) CommitEmpty(ctx context.Context, dir, message string) (string, error) {
	if _, err := d.git(ctx, dir, "commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	return d.RevParse(ctx, dir, "HEAD")
}

// RevParse resolves ref to a commit hash.
func (d *Driver) RevParse(ctx context.Context, dir, ref string) (string, error) {
	return d.git(ctx, dir, "rev-parse", ref)
}

// ListBranches returns every local branch name beginning with prefix,
// used by the `clean` command to find run/item branches to remove.
func (d *Driver) ListBranches(ctx context.Context, dir, prefix string) ([]string, error) {
	out, err := d.git(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+prefix+"*")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

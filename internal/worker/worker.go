// Package worker invokes the external agent inside a worktree, observes
// its merge-back, verifies it landed on the run branch, and tears the
// worktree down.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/graph"
)

// Well-known marker files the external agent is expected to read/write
// inside its worktree.
const (
	PriorWorkFile   = "PRIOR_WORK.md"
	SummaryFile     = "SUMMARY.md"
	MergeMarkerFile = "MERGE_COMMIT"
)

// Agent is the external agent invocation. Implementations run inside
// workdir, on the item's branch, and must respect ctx cancellation.
type Agent interface {
	Execute(ctx context.Context, item graph.WorkItem, workdir string) error
}

// VCS is the subset of the worktree Manager/VCS Driver the adapter needs
// for merge verification and the noWorkNeeded fast-forward path.
type VCS interface {
	RevParse(ctx context.Context, dir, ref string) (string, error)
	CommitEmpty(ctx context.Context, dir, message string) (string, error)
	FastForwardLocal(ctx context.Context, repoDir, sourceBranch, targetBranch string) error
}

// WorktreeManager is the subset of worktree.Manager the adapter drives
// directly (construction/teardown; merge verification is delegated here so
// the adapter doesn't need the full Manager surface).
type WorktreeManager interface {
	VerifyWorkerMerge(ctx context.Context, itemID int, itemBranchName, runBranch string) error
	RemoveWorktree(ctx context.Context, path, branch string) error
}

// Result is the outcome of one item's execution.
type Result struct {
	Success bool
	Commits []string
	Summary string
	Error   error
}

// Adapter is the Worker Adapter.
type Adapter struct {
	agent      Agent
	vcs        VCS
	worktrees  WorktreeManager
	mergeRetry config.MergeRetryConfig
}

// New creates an Adapter.
func New(agent Agent, vcsDriver VCS, worktrees WorktreeManager, mergeRetry config.MergeRetryConfig) *Adapter {
	return &Adapter{agent: agent, vcs: vcsDriver, worktrees: worktrees, mergeRetry: mergeRetry}
}

// Execute runs item's work. worktreePath is the item's isolated working
// copy, already checked out onto itemBranch forked from runBranch.
// hasPriorWork indicates PriorWorkFile was written ahead of this call.
func (a *Adapter) Execute(ctx context.Context, item graph.WorkItem, runID, worktreePath, itemBranch, runBranch string, hasPriorWork bool) Result {
	if item.NoWorkNeeded {
		return a.executeNoWorkNeeded(ctx, item, worktreePath, itemBranch, runBranch)
	}

	if err := a.agent.Execute(ctx, item, worktreePath); err != nil {
		a.worktrees.RemoveWorktree(ctx, worktreePath, itemBranch)
		if ctx.Err() != nil {
			return Result{Error: errs.NewCancelledWorkerError(item.ID)}
		}
		return Result{Error: errs.NewWorkerError(item.ID, "agent execution failed", err)}
	}

	summary := a.readSummary(worktreePath)

	if err := a.verifyWithRetry(ctx, item.ID, itemBranch, runBranch); err != nil {
		// The worker's duty was to merge its own branch; a failed
		// verification means that never landed, so the worktree and its
		// branch are torn down same as the success path.
		a.worktrees.RemoveWorktree(ctx, worktreePath, itemBranch)
		return Result{Summary: summary, Error: err}
	}

	commits := a.collectCommits(ctx, worktreePath)

	if err := a.worktrees.RemoveWorktree(ctx, worktreePath, itemBranch); err != nil {
		return Result{Success: true, Commits: commits, Summary: summary, Error: errs.NewWorkerError(item.ID, "worktree teardown failed", err)}
	}

	return Result{Success: true, Commits: commits, Summary: summary}
}

// executeNoWorkNeeded bypasses the agent: it creates an empty closing
// commit on the item branch and fast-forwards runBranch to it.
func (a *Adapter) executeNoWorkNeeded(ctx context.Context, item graph.WorkItem, worktreePath, itemBranch, runBranch string) Result {
	commitHash, err := a.vcs.CommitEmpty(ctx, worktreePath, fmt.Sprintf("no work needed: %s", item.Title))
	if err != nil {
		return Result{Error: errs.NewWorkerError(item.ID, "empty commit failed", err)}
	}

	if err := a.vcs.FastForwardLocal(ctx, worktreePath, itemBranch, runBranch); err != nil {
		return Result{Error: errs.NewWorkerError(item.ID, "fast-forward of run branch failed", err)}
	}

	if err := a.worktrees.RemoveWorktree(ctx, worktreePath, itemBranch); err != nil {
		return Result{Success: true, Commits: []string{commitHash}, Error: errs.NewWorkerError(item.ID, "worktree teardown failed", err)}
	}

	return Result{Success: true, Commits: []string{commitHash}}
}

// verifyWithRetry calls VerifyWorkerMerge, retrying with exponential
// backoff up to mergeRetry.MaxAttempts times: concurrent item-branch
// merges into the shared run branch can race, so a transient "not yet an
// ancestor" is expected and the adapter gives the settling merge a chance
// to land before surfacing a failure.
func (a *Adapter) verifyWithRetry(ctx context.Context, itemID int, itemBranch, runBranch string) error {
	delay := a.mergeRetry.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= a.mergeRetry.MaxAttempts; attempt++ {
		lastErr = a.worktrees.VerifyWorkerMerge(ctx, itemID, itemBranch, runBranch)
		if lastErr == nil {
			return nil
		}
		if !errs.IsMergeVerificationError(lastErr) {
			return lastErr
		}
		if attempt == a.mergeRetry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errs.NewCancelledWorkerError(itemID)
		case <-time.After(delay):
		}
		delay *= 2
	}

	return lastErr
}

// collectCommits gathers the item-branch tip plus the merge commit the
// agent recorded in its MergeMarkerFile, when present.
func (a *Adapter) collectCommits(ctx context.Context, worktreePath string) []string {
	var commits []string
	if tip, err := a.vcs.RevParse(ctx, worktreePath, "HEAD"); err == nil {
		commits = append(commits, tip)
	}
	if data, err := os.ReadFile(filepath.Join(worktreePath, MergeMarkerFile)); err == nil {
		if marker := strings.TrimSpace(string(data)); marker != "" {
			commits = append(commits, marker)
		}
	}
	return commits
}

// readSummary reads and sanitizes the agent's optional SUMMARY.md. The
// markdown is parsed with goldmark and raw HTML nodes are stripped so a
// rogue or accidental <script> block in agent output is never persisted to
// RunState or rendered in `status --json`.
func (a *Adapter) readSummary(worktreePath string) string {
	path := filepath.Join(worktreePath, SummaryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return sanitizeMarkdown(data)
}

func sanitizeMarkdown(source []byte) string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindRawHTML, ast.KindHTMLBlock:
			return ast.WalkSkipChildren, nil
		case ast.KindText:
			t := n.(*ast.Text)
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

// WritePriorWork writes the concatenated summaries of item's already
// completed dependencies into worktreePath, read by the external agent
// when hasPriorWork is true.
func WritePriorWork(worktreePath string, summaries map[int]string, deps []int) error {
	var sb strings.Builder
	for _, dep := range deps {
		summary, ok := summaries[dep]
		if !ok || summary == "" {
			continue
		}
		fmt.Fprintf(&sb, "## From item %d\n\n%s\n\n", dep, summary)
	}
	if sb.Len() == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(worktreePath, PriorWorkFile), []byte(sb.String()), 0644)
}

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/errs"
	"github.com/dhouse/branchforge/internal/graph"
)

type fakeAgent struct {
	err           error
	writeSummary  string
	workdirWanted string
}

func (f *fakeAgent) Execute(ctx context.Context, item graph.WorkItem, workdir string) error {
	f.workdirWanted = workdir
	if f.writeSummary != "" {
		os.WriteFile(filepath.Join(workdir, SummaryFile), []byte(f.writeSummary), 0644)
	}
	return f.err
}

type fakeVCS struct {
	revParse       string
	fastForwardErr error
	commitHash     string
}

func (f *fakeVCS) RevParse(context.Context, string, string) (string, error) { return f.revParse, nil }
func (f *fakeVCS) CommitEmpty(context.Context, string, string) (string, error) {
	return f.commitHash, nil
}
func (f *fakeVCS) FastForwardLocal(context.Context, string, string, string) error {
	return f.fastForwardErr
}

type fakeWorktrees struct {
	verifyErr      error
	verifyCalls    int
	removeErr      error
	removeBranch   string
}

func (f *fakeWorktrees) VerifyWorkerMerge(context.Context, int, string, string) error {
	f.verifyCalls++
	return f.verifyErr
}
func (f *fakeWorktrees) RemoveWorktree(_ context.Context, _, branch string) error {
	f.removeBranch = branch
	return f.removeErr
}

func TestExecuteSuccessPath(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{writeSummary: "# Done\n\nAll good."}
	vcs := &fakeVCS{revParse: "abc123"}
	wts := &fakeWorktrees{}

	a := New(agent, vcs, wts, config.MergeRetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	item := graph.WorkItem{ID: 1, Title: "do the thing"}

	res := a.Execute(context.Background(), item, "run-1", dir, "branchforge/run-1-item-1", "branchforge/run-1", false)

	require.NoError(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"abc123"}, res.Commits)
	assert.Contains(t, res.Summary, "All good")
	assert.Equal(t, "branchforge/run-1-item-1", wts.removeBranch)
}

func TestExecuteAgentFailureReturnsWorkerError(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{err: assertErr("boom")}
	a := New(agent, &fakeVCS{}, &fakeWorktrees{}, config.MergeRetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond})

	res := a.Execute(context.Background(), graph.WorkItem{ID: 2}, "run-1", dir, "item-branch", "run-branch", false)

	require.Error(t, res.Error)
	assert.True(t, errs.IsWorkerError(res.Error))
	assert.False(t, res.Success)
}

func TestExecuteRetriesMergeVerificationBeforeFailing(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{}
	wts := &fakeWorktrees{verifyErr: errs.NewMergeVerificationError(3, "item-branch", "run-branch", nil)}

	a := New(agent, &fakeVCS{}, wts, config.MergeRetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	res := a.Execute(context.Background(), graph.WorkItem{ID: 3}, "run-1", dir, "item-branch", "run-branch", false)

	require.Error(t, res.Error)
	assert.Equal(t, 3, wts.verifyCalls)
	assert.True(t, errs.IsMergeVerificationError(res.Error))
}

func TestExecuteNoWorkNeededBypassesAgentAndFastForwards(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{}
	vcs := &fakeVCS{commitHash: "deadbeef"}
	wts := &fakeWorktrees{}

	a := New(agent, vcs, wts, config.MergeRetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond})
	item := graph.WorkItem{ID: 4, Title: "nothing to do", NoWorkNeeded: true}

	res := a.Execute(context.Background(), item, "run-1", dir, "item-branch", "run-branch", false)

	require.NoError(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"deadbeef"}, res.Commits)
	assert.Empty(t, agent.workdirWanted)
}

func TestSanitizeMarkdownStripsRawHTML(t *testing.T) {
	out := sanitizeMarkdown([]byte("Hello <script>alert(1)</script> world"))
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "Hello")
}

func TestWritePriorWorkConcatenatesDependencySummaries(t *testing.T) {
	dir := t.TempDir()
	err := WritePriorWork(dir, map[int]string{1: "summary one", 2: "summary two"}, []int{1, 2})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, PriorWorkFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "summary one")
	assert.Contains(t, string(data), "summary two")
}

func TestWritePriorWorkSkipsWhenNoSummaries(t *testing.T) {
	dir := t.TempDir()
	err := WritePriorWork(dir, map[int]string{}, []int{1})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, PriorWorkFile))
	assert.True(t, os.IsNotExist(statErr))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }

package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and returns scripted responses keyed
// by the joined command line.
type fakeRunner struct {
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if resp, ok := f.responses[key]; ok {
		return resp.stdout, resp.stderr, resp.err
	}
	return "", "", nil
}

func TestCurrentBranch(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git rev-parse --abbrev-ref HEAD": {stdout: "main"},
	}}
	d := NewWithRunner(fr)
	branch, err := d.CurrentBranch(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestIsCleanTrueWhenNoOutput(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git status --porcelain": {stdout: ""},
	}}
	d := NewWithRunner(fr)
	clean, err := d.IsClean(context.Background(), "/repo")
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestIsCleanFalseWithDirtyFiles(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git status --porcelain": {stdout: " M foo.go\n?? bar.go"},
	}}
	d := NewWithRunner(fr)
	clean, err := d.IsClean(context.Background(), "/repo")
	require.NoError(t, err)
	assert.False(t, clean)

	files, err := d.DirtyFiles(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.go", "bar.go"}, files)
}

func TestWorktreeAddBuildsExpectedCommand(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{}}
	d := NewWithRunner(fr)
	err := d.WorktreeAdd(context.Background(), "/repo", "/repo/.branchforge/worktrees/run-x-item-1", "branchforge/run-x-item-1", "branchforge/run-x")
	require.NoError(t, err)
	assert.Contains(t, fr.calls, "git worktree add -b branchforge/run-x-item-1 /repo/.branchforge/worktrees/run-x-item-1 branchforge/run-x")
}

func TestIsAncestorTrueOnSuccess(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git merge-base --is-ancestor abc123 def456": {},
	}}
	d := NewWithRunner(fr)
	ok, err := d.IsAncestor(context.Background(), "/repo", "abc123", "def456")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsAncestorFalseOnExitCodeOne(t *testing.T) {
	cmd := exec.Command("false")
	runErr := cmd.Run()
	require.Error(t, runErr)

	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git merge-base --is-ancestor abc123 def456": {err: runErr},
	}}
	d := NewWithRunner(fr)
	ok, err := d.IsAncestor(context.Background(), "/repo", "abc123", "def456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListBranchesSplitsOutputLines(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git for-each-ref --format=%(refname:short) refs/heads/branchforge/*": {stdout: "branchforge/run-a\nbranchforge/run-a-item-1"},
	}}
	d := NewWithRunner(fr)
	branches, err := d.ListBranches(context.Background(), "/repo", "branchforge/")
	require.NoError(t, err)
	assert.Equal(t, []string{"branchforge/run-a", "branchforge/run-a-item-1"}, branches)
}

func TestListBranchesEmptyWhenNoMatches(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git for-each-ref --format=%(refname:short) refs/heads/branchforge/*": {stdout: ""},
	}}
	d := NewWithRunner(fr)
	branches, err := d.ListBranches(context.Background(), "/repo", "branchforge/")
	require.NoError(t, err)
	assert.Nil(t, branches)
}

func TestVCSErrorWrapsStderr(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"git branch feature-x main": {stderr: "fatal: A branch named 'feature-x' already exists.", err: fmt.Errorf("exit status 128")},
	}}
	d := NewWithRunner(fr)
	err := d.CreateBranch(context.Background(), "/repo", "feature-x", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

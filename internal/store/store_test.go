package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDIsUniqueAndMonotoneish(t *testing.T) {
	a, err := NewRunID()
	require.NoError(t, err)
	b, err := NewRunID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[a-z0-9]+-[0-9a-f]{8}$`, a)
}

func TestSaveLoadRunRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	r := &RunState{
		ID:           "run-1",
		CreatedAt:    time.Now().Truncate(time.Second),
		Status:       RunRunning,
		Mode:         ModePlan,
		BaseBranch:   "main",
		RunBranch:    "branchforge/run-1",
		Items:        []WorkItem{{ID: 1, Title: "first"}},
		Tasks:        []Task{{ItemID: 1, Status: StatusQueued}},
		CompletedIDs: []int{},
		FailedIDs:    []int{},
	}

	require.NoError(t, s.SaveRun(r))

	loaded, err := s.LoadRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, loaded.ID)
	assert.Equal(t, r.Items, loaded.Items)
	assert.Equal(t, r.Tasks, loaded.Tasks)
	assert.Equal(t, 1, loaded.Version)
}

func TestLoadMissingRunReturnsStoreError(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.LoadRun("does-not-exist")
	require.Error(t, err)
}

func TestLoadCorruptRunReturnsStoreError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "bad.json"), []byte("{not json"), 0644))

	_, err := s.LoadRun("bad")
	require.Error(t, err)
}

func TestWorklistAbsentIsValidEmptyState(t *testing.T) {
	s := New(t.TempDir())
	items, err := s.LoadWorklist()
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestWorktreesRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	infos := []WorktreeInfo{
		{ItemID: 1, RunID: "run-1", Path: "/tmp/wt-1", Branch: "branchforge/run-1-item-1", CreatedAt: time.Now().Truncate(time.Second)},
	}
	require.NoError(t, s.SaveWorktrees(infos))

	loaded, err := s.LoadWorktrees()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, infos[0].ItemID, loaded[0].ItemID)
	assert.Equal(t, infos[0].RunID, loaded[0].RunID)
	assert.Equal(t, infos[0].Path, loaded[0].Path)
	assert.Equal(t, infos[0].Branch, loaded[0].Branch)
	assert.True(t, infos[0].CreatedAt.Equal(loaded[0].CreatedAt))
}

func TestListRunIDs(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.SaveRun(&RunState{ID: "a"}))
	require.NoError(t, s.SaveRun(&RunState{ID: "b"}))

	ids, err := s.ListRunIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

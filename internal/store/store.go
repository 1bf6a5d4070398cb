// Package store provides durable, atomic JSON persistence of RunState,
// the plan-mode worklist, and the worktree registry under the hidden
// state directory.
package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/dhouse/branchforge/internal/errs"
)

const schemaVersion = 1

// TaskStatus is the state of one work item within a run.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusBlocked    TaskStatus = "blocked"
	StatusReady      TaskStatus = "ready"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// RunStatus is the terminal/non-terminal status of an entire run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// RunMode distinguishes a plan-file-driven run from a tracker-issue-driven
// one.
type RunMode string

const (
	ModePlan    RunMode = "plan"
	ModeTracker RunMode = "tracker"
)

// WorkItem mirrors graph.WorkItem for the persisted RunState; kept as an
// independent type so the store package has no dependency on internal/graph
// and can be unit-tested standalone.
type WorkItem struct {
	ID            int      `json:"id"`
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Dependencies  []int    `json:"dependencies"`
	AffectedPaths []string `json:"affectedPaths"`
	NoWorkNeeded  bool     `json:"noWorkNeeded"`
	ExternalRef   *int     `json:"externalRef,omitempty"`
}

// Task is the mutable execution record for one work item in a run.
type Task struct {
	ItemID      int        `json:"itemId"`
	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	Commits     []string   `json:"commits,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

// RunState is the full persisted state of one orchestrator run.
type RunState struct {
	Version      int        `json:"version"`
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Status       RunStatus  `json:"status"`
	Mode         RunMode    `json:"mode"`
	BaseBranch   string     `json:"baseBranch"`
	RunBranch    string     `json:"runBranch"`
	Items        []WorkItem `json:"items"`
	Tasks        []Task     `json:"tasks"`
	CompletedIDs []int      `json:"completedIds"`
	FailedIDs    []int      `json:"failedIds"`
	PRUrl        string     `json:"prUrl,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// WorktreeInfo is one entry of the flat worktree registry.
type WorktreeInfo struct {
	ItemID    int       `json:"itemId"`
	RunID     string    `json:"runId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists runs, the plan-mode worklist, and the worktree registry
// under stateDir, using atomic writes guarded by a per-file lock.
type Store struct {
	stateDir string
}

// New creates a Store rooted at stateDir (typically the path returned by
// config.GetStateDir).
func New(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

func (s *Store) runsDir() string {
	return filepath.Join(s.stateDir, "runs")
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runsDir(), id+".json")
}

func (s *Store) worklistPath() string {
	return filepath.Join(s.stateDir, "worklist.json")
}

func (s *Store) worktreesPath() string {
	return filepath.Join(s.stateDir, "worktrees.json")
}

// NewRunID generates a monotone-unique run id: a base36 timestamp plus 8
// hex random characters.
func NewRunID() (string, error) {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)

	buf := make([]byte, 4)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(256))
		if err != nil {
			return "", fmt.Errorf("generate run id: %w", err)
		}
		buf[i] = byte(n.Int64())
	}
	suffix := fmt.Sprintf("%x", buf)

	return ts + "-" + suffix, nil
}

// SaveRun atomically persists r.
func (s *Store) SaveRun(r *RunState) error {
	r.Version = schemaVersion
	r.UpdatedAt = time.Now()
	return lockAndWriteJSON(s.runPath(r.ID), r)
}

// LoadRun reads the run with the given id. Returns an *errs.StoreError
// wrapping os.ErrNotExist when the run is unknown, and an *errs.StoreError
// wrapping the JSON error when the file is corrupt.
func (s *Store) LoadRun(id string) (*RunState, error) {
	var r RunState
	if err := readJSON(s.runPath(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRunIDs returns the ids of all persisted runs, derived from the
// filenames under runs/.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStoreError("list", s.runsDir(), err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

// SaveWorklist atomically persists the plan-mode decomposition.
func (s *Store) SaveWorklist(items []WorkItem) error {
	return lockAndWriteJSON(s.worklistPath(), items)
}

// LoadWorklist reads the plan-mode worklist. Absence is a valid empty
// state: returns (nil, nil) if the file does not exist.
func (s *Store) LoadWorklist() ([]WorkItem, error) {
	var items []WorkItem
	if err := readJSONTolerateMissing(s.worklistPath(), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveWorktrees atomically persists the full worktree registry.
func (s *Store) SaveWorktrees(infos []WorktreeInfo) error {
	return lockAndWriteJSON(s.worktreesPath(), infos)
}

// LoadWorktrees reads the worktree registry. Absence is a valid empty
// state.
func (s *Store) LoadWorktrees() ([]WorktreeInfo, error) {
	var infos []WorktreeInfo
	if err := readJSONTolerateMissing(s.worktreesPath(), &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func lockAndWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.NewStoreError("marshal", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.NewStoreError("mkdir", path, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errs.NewStoreError("lock", path, err)
	}
	defer lock.Unlock()

	if err := atomicWrite(path, data); err != nil {
		return errs.NewStoreError("write", path, err)
	}
	return nil
}

// atomicWrite writes data to path via a temp-file-in-same-dir + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.NewStoreError("read", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.NewStoreError("unmarshal", path, err)
	}
	return nil
}

func readJSONTolerateMissing(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.NewStoreError("read", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.NewStoreError("unmarshal", path, err)
	}
	return nil
}

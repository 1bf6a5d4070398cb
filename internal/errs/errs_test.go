package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsImplementError(t *testing.T) {
	var err error

	err = NewPreconditionError("dirty tree", nil)
	assert.True(t, IsPreconditionError(err))
	assert.Contains(t, err.Error(), "dirty tree")

	err = NewVCSError("git worktree add", "fatal: already exists", nil)
	assert.True(t, IsVCSError(err))
	assert.Contains(t, err.Error(), "already exists")

	err = NewMergeVerificationError(3, "/tmp/wt-3", "branchforge/run-abc", []string{"abc123"})
	assert.True(t, IsMergeVerificationError(err))
	assert.Contains(t, err.Error(), "item 3")

	err = NewWorkerError(5, "execution error", nil)
	assert.True(t, IsWorkerError(err))

	err = NewCancelledWorkerError(5)
	assert.True(t, IsWorkerError(err))
	var we *WorkerError
	assert.True(t, errors.As(err, &we))
	assert.True(t, we.Cancelled)

	err = NewStoreError("write", "/tmp/runs/x.json", fmt.Errorf("disk full"))
	assert.True(t, IsStoreError(err))
}

func TestVCSErrorUnwraps(t *testing.T) {
	inner := errors.New("exit status 128")
	err := NewVCSError("git merge-base", "", inner)
	assert.ErrorIs(t, err, inner)
}

func TestInterruptSentinel(t *testing.T) {
	wrapped := fmt.Errorf("shutdown: %w", ErrInterrupt)
	assert.True(t, IsInterrupt(wrapped))
	assert.False(t, IsInterrupt(errors.New("other")))
}

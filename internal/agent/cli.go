// Package agent provides the concrete external-agent invocation:
// branchforge shells out to a pre-installed coding-agent CLI and treats
// its exit code as the verdict, never running inference itself.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dhouse/branchforge/internal/graph"
)

// CLI invokes an external coding-agent binary once per work item, inside
// the item's worktree, and implements worker.Agent.
type CLI struct {
	// BinaryPath is the agent executable; defaults to "claude" in PATH.
	BinaryPath string

	// ExtraArgs are passed first on every invocation, ahead of the
	// permission flags and the "-p" item prompt.
	ExtraArgs []string

	// BypassPermissions makes the agent CLI run with
	// "--permission-mode bypassPermissions".
	BypassPermissions bool
}

// NewCLI creates a CLI agent invoking binaryPath (or "claude" if empty).
func NewCLI(binaryPath string, bypassPermissions bool) *CLI {
	if binaryPath == "" {
		binaryPath = "claude"
	}
	return &CLI{BinaryPath: binaryPath, BypassPermissions: bypassPermissions}
}

// Execute runs the agent binary with the item's title and body as its
// prompt, cwd set to workdir. A non-zero exit is reported as an error; the
// caller (worker.Adapter) converts context cancellation into a distinct
// cancelled error.
func (c *CLI) Execute(ctx context.Context, item graph.WorkItem, workdir string) error {
	args := append([]string{}, c.ExtraArgs...)
	if c.BypassPermissions {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	args = append(args, "-p", prompt(item))

	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	cmd.Dir = workdir
	cmd.Env = cleanEnv()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("agent invocation failed: %w (output: %s)", err, string(output))
	}
	return nil
}

func prompt(item graph.WorkItem) string {
	if item.Body == "" {
		return item.Title
	}
	return item.Title + "\n\n" + item.Body
}

// cleanEnv copies the current environment but redirects TMPDIR to a
// dedicated directory, avoiding editor-socket files that are known to
// crash some agent CLIs when invoked headlessly.
func cleanEnv() []string {
	dir := filepath.Join(os.TempDir(), "branchforge-agent")
	os.MkdirAll(dir, 0755)

	env := os.Environ()
	found := false
	for i, kv := range env {
		if len(kv) > 7 && kv[:7] == "TMPDIR=" {
			env[i] = "TMPDIR=" + dir
			found = true
			break
		}
	}
	if !found {
		env = append(env, "TMPDIR="+dir)
	}
	return env
}

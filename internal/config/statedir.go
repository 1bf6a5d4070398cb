package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// buildTimeRepoRoot is injected at build time via -ldflags, mirroring the
// version string injection in cmd/branchforge/main.go.
var buildTimeRepoRoot string

// SetBuildTimeRepoRoot records the repository root baked in at build time.
func SetBuildTimeRepoRoot(root string) {
	buildTimeRepoRoot = root
}

// GetStateDir returns the hidden state directory for runs, worktrees and
// the worklist. Priority order:
//  1. BRANCHFORGE_HOME environment variable
//  2. The repository root detected by walking up for a ".branchforge-root"
//     marker or a go.mod declaring this module
//  3. The current working directory
//
// The directory is created if it doesn't exist.
func GetStateDir() (string, error) {
	if home := os.Getenv("BRANCHFORGE_HOME"); home != "" {
		return ensureDir(home)
	}

	if root, err := findRepoRoot(); err == nil && root != "" {
		return ensureDir(filepath.Join(root, ".branchforge"))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return ensureDir(filepath.Join(cwd, ".branchforge"))
}

func ensureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("create state directory %s: %w", path, err)
	}
	return path, nil
}

// findRepoRoot walks up from the current working directory looking for a
// ".branchforge-root" marker file (highest priority) or a go.mod declaring
// this module.
func findRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		markerPath := filepath.Join(current, ".branchforge-root")
		if _, err := os.Stat(markerPath); err == nil {
			return current, nil
		}

		goModPath := filepath.Join(current, "go.mod")
		if data, err := os.ReadFile(goModPath); err == nil {
			if strings.Contains(string(data), "module github.com/dhouse/branchforge") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	if buildTimeRepoRoot != "" {
		return buildTimeRepoRoot, nil
	}

	return "", fmt.Errorf("repository root not found (looking for .branchforge-root or go.mod with github.com/dhouse/branchforge)")
}

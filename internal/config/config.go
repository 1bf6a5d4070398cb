// Package config loads and validates branchforge's run configuration: the
// concurrency bound, display mode, failure policy, and the set of
// worktree/branch safety rules the Worktree Manager enforces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dhouse/branchforge/internal/errs"
)

// WorktreeSafetyConfig controls the Worktree Manager's clean-tree and
// branch-protection checks.
type WorktreeSafetyConfig struct {
	// ProtectedBranches lists branches the Orchestrator logs a warning
	// about before merging a run branch into one of them. CreateRunBranch
	// forks from them like any other branch.
	ProtectedBranches []string `yaml:"protected_branches"`

	// AllowedDirtyFiles is the explicit list of file names that
	// EnsureClean tolerates; they are never committed. Replaces a single
	// hardcoded filename with a config-driven list.
	AllowedDirtyFiles []string `yaml:"allowed_dirty_files"`
}

// MergeRetryConfig bounds the worker adapter's retry/backoff loop around
// VerifyWorkerMerge when concurrent item-branch merges race for the
// run-branch tip.
type MergeRetryConfig struct {
	// MaxAttempts is the maximum number of verify attempts before the
	// adapter gives up and returns the last MergeVerificationError.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the initial backoff delay; each retry doubles it.
	BaseDelay time.Duration `yaml:"base_delay"`
}

// TrackerConfig configures the tracker-mode work item interchange.
type TrackerConfig struct {
	// TokenEnvVar names the environment variable holding the tracker
	// access token.
	TokenEnvVar string `yaml:"token_env_var"`
}

// Config represents branchforge's run configuration.
type Config struct {
	// Concurrency is the maximum number of simultaneously running tasks
	// (0 = unlimited).
	Concurrency int `yaml:"concurrency"`

	// Timeout is the maximum wall-clock time for an entire run (0 = no
	// timeout).
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// StateDir overrides the default hidden state directory resolution.
	StateDir string `yaml:"state_dir"`

	// BranchPrefix is the prefix used for run branches: <prefix>/run-<id>.
	BranchPrefix string `yaml:"branch_prefix"`

	// Display selects the progress view: "compact" or "detailed".
	Display string `yaml:"display"`

	// DryRun validates the plan and graph without Run Store writes,
	// worktrees or branches; the state directory, its .gitignore and the
	// run log files are still created.
	DryRun bool `yaml:"dry_run"`

	// DangerouslySkipPermissions forwards an unchecked flag to the
	// external agent invocation; branchforge itself does not interpret
	// it beyond passing it through the Worker Adapter.
	DangerouslySkipPermissions bool `yaml:"dangerously_skip_permissions"`

	// Policy selects scheduler failure handling: "continueOnError" or
	// "stopOnError".
	Policy string `yaml:"policy"`

	// MergeRetry configures the worker adapter's merge-verification
	// retry loop.
	MergeRetry MergeRetryConfig `yaml:"merge_retry"`

	// Worktree configures clean-tree and branch-protection behavior.
	Worktree WorktreeSafetyConfig `yaml:"worktree"`

	// Tracker configures tracker-mode work item interchange.
	Tracker TrackerConfig `yaml:"tracker"`

	// EventsDB enables the optional SQLite event-history mirror.
	EventsDB bool `yaml:"events_db"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:                0,
		Timeout:                    0,
		LogLevel:                   "info",
		StateDir:                   "",
		BranchPrefix:               "branchforge",
		Display:                    "detailed",
		DryRun:                     false,
		DangerouslySkipPermissions: false,
		Policy:                     "continueOnError",
		MergeRetry: MergeRetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
		},
		Worktree: WorktreeSafetyConfig{
			ProtectedBranches: []string{"main", "master", "develop"},
			AllowedDirtyFiles: []string{},
		},
		Tracker: TrackerConfig{
			TokenEnvVar: "BRANCHFORGE_TRACKER_TOKEN",
		},
		EventsDB: false,
	}
}

// applyEnvOverrides applies BRANCHFORGE_*-prefixed environment variable
// overrides. Only "true" (lowercase) or "1" are recognized as true for
// boolean fields; all other values are false.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("BRANCHFORGE_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("BRANCHFORGE_DISPLAY"); val != "" {
		cfg.Display = val
	}
	if val := os.Getenv("BRANCHFORGE_DRY_RUN"); val != "" {
		cfg.DryRun = val == "true" || val == "1"
	}
	if val := os.Getenv("BRANCHFORGE_POLICY"); val != "" {
		cfg.Policy = val
	}
}

// LoadConfig loads configuration from the specified file path. If the file
// doesn't exist, returns default configuration without error. If the file
// exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Duration fields come in as strings ("500ms", "2h") and are parsed
	// explicitly, since yaml.v3 has no native time.Duration support.
	type yamlMergeRetry struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
	}
	type yamlConfig struct {
		Concurrency                int                  `yaml:"concurrency"`
		Timeout                    string               `yaml:"timeout"`
		LogLevel                   string               `yaml:"log_level"`
		StateDir                   string               `yaml:"state_dir"`
		BranchPrefix               string               `yaml:"branch_prefix"`
		Display                    string               `yaml:"display"`
		DryRun                     bool                 `yaml:"dry_run"`
		DangerouslySkipPermissions bool                 `yaml:"dangerously_skip_permissions"`
		Policy                     string               `yaml:"policy"`
		MergeRetry                 yamlMergeRetry       `yaml:"merge_retry"`
		Worktree                   WorktreeSafetyConfig `yaml:"worktree"`
		Tracker                    TrackerConfig        `yaml:"tracker"`
		EventsDB                   bool                 `yaml:"events_db"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yamlCfg.Concurrency != 0 {
		cfg.Concurrency = yamlCfg.Concurrency
	}
	if yamlCfg.Timeout != "" {
		timeout, err := time.ParseDuration(yamlCfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", yamlCfg.Timeout, err)
		}
		cfg.Timeout = timeout
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.StateDir != "" {
		cfg.StateDir = yamlCfg.StateDir
	}
	if yamlCfg.BranchPrefix != "" {
		cfg.BranchPrefix = yamlCfg.BranchPrefix
	}
	if yamlCfg.Display != "" {
		cfg.Display = yamlCfg.Display
	}
	if yamlCfg.Policy != "" {
		cfg.Policy = yamlCfg.Policy
	}
	if yamlCfg.Tracker.TokenEnvVar != "" {
		cfg.Tracker.TokenEnvVar = yamlCfg.Tracker.TokenEnvVar
	}

	// Raw-map pass: distinguish "field absent from file" from "field
	// explicitly set to its zero value" for booleans and nested structs.
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if _, exists := rawMap["dry_run"]; exists {
			cfg.DryRun = yamlCfg.DryRun
		}
		if _, exists := rawMap["dangerously_skip_permissions"]; exists {
			cfg.DangerouslySkipPermissions = yamlCfg.DangerouslySkipPermissions
		}
		if _, exists := rawMap["events_db"]; exists {
			cfg.EventsDB = yamlCfg.EventsDB
		}

		if mrSection, exists := rawMap["merge_retry"]; exists && mrSection != nil {
			mrMap, _ := mrSection.(map[string]interface{})
			if _, exists := mrMap["max_attempts"]; exists {
				cfg.MergeRetry.MaxAttempts = yamlCfg.MergeRetry.MaxAttempts
			}
			if _, exists := mrMap["base_delay"]; exists {
				delay, err := time.ParseDuration(yamlCfg.MergeRetry.BaseDelay)
				if err != nil {
					return nil, fmt.Errorf("invalid merge_retry.base_delay %q: %w", yamlCfg.MergeRetry.BaseDelay, err)
				}
				cfg.MergeRetry.BaseDelay = delay
			}
		}

		if wtSection, exists := rawMap["worktree"]; exists && wtSection != nil {
			wtMap, _ := wtSection.(map[string]interface{})
			if _, exists := wtMap["protected_branches"]; exists {
				cfg.Worktree.ProtectedBranches = yamlCfg.Worktree.ProtectedBranches
			}
			if _, exists := wtMap["allowed_dirty_files"]; exists {
				cfg.Worktree.AllowedDirtyFiles = yamlCfg.Worktree.AllowedDirtyFiles
			}
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadConfigFromStateRoot loads .branchforge/config.yaml relative to root.
// If root is empty, the repository root resolved by GetStateDir is used.
func LoadConfigFromStateRoot(root string) (*Config, error) {
	if root == "" {
		dir, err := GetStateDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Dir(dir)
	}
	configPath := filepath.Join(root, ".branchforge", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration. Non-nil flag
// values override configuration values, giving CLI flags precedence over
// the config file.
func (c *Config) MergeWithFlags(concurrency *int, timeout *time.Duration, display *string, dryRun *bool, skipPermissions *bool, policy *string) {
	if concurrency != nil {
		c.Concurrency = *concurrency
	}
	if timeout != nil {
		c.Timeout = *timeout
	}
	if display != nil {
		c.Display = *display
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
	if skipPermissions != nil {
		c.DangerouslySkipPermissions = *skipPermissions
	}
	if policy != nil {
		c.Policy = *policy
	}
}

// Validate validates the configuration values, returning an
// *errs.PreconditionError when any value is invalid, in line with the
// other run preconditions (dirty tree, cyclic graph, unknown run id).
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return errs.NewPreconditionError(fmt.Sprintf("concurrency must be >= 0, got %d", c.Concurrency), nil)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return errs.NewPreconditionError(fmt.Sprintf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel), nil)
	}

	if c.Timeout < 0 {
		return errs.NewPreconditionError(fmt.Sprintf("timeout must be >= 0, got %v", c.Timeout), nil)
	}

	validDisplays := map[string]bool{"compact": true, "detailed": true}
	if !validDisplays[c.Display] {
		return errs.NewPreconditionError(fmt.Sprintf("invalid display %q, must be one of: compact, detailed", c.Display), nil)
	}

	validPolicies := map[string]bool{"continueOnError": true, "stopOnError": true}
	if !validPolicies[c.Policy] {
		return errs.NewPreconditionError(fmt.Sprintf("invalid policy %q, must be one of: continueOnError, stopOnError", c.Policy), nil)
	}

	if c.MergeRetry.MaxAttempts <= 0 {
		return errs.NewPreconditionError(fmt.Sprintf("merge_retry.max_attempts must be > 0, got %d", c.MergeRetry.MaxAttempts), nil)
	}
	if c.MergeRetry.BaseDelay < 0 {
		return errs.NewPreconditionError(fmt.Sprintf("merge_retry.base_delay must be >= 0, got %v", c.MergeRetry.BaseDelay), nil)
	}

	if strings.TrimSpace(c.BranchPrefix) == "" {
		return errs.NewPreconditionError("branch_prefix cannot be empty", nil)
	}

	for i, name := range c.Worktree.ProtectedBranches {
		if strings.TrimSpace(name) == "" {
			return errs.NewPreconditionError(fmt.Sprintf("worktree.protected_branches[%d] cannot be empty", i), nil)
		}
	}

	return nil
}

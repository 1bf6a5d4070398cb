package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dhouse/branchforge/internal/agent"
	"github.com/dhouse/branchforge/internal/config"
	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/logger"
	"github.com/dhouse/branchforge/internal/orchestrator"
	"github.com/dhouse/branchforge/internal/store"
	"github.com/dhouse/branchforge/internal/vcs"
	"github.com/dhouse/branchforge/internal/worker"
	"github.com/dhouse/branchforge/internal/worktree"
)

// fanoutLogger implements logger.Logger by forwarding to every inner
// logger, so the console and file loggers observe the same stream.
type fanoutLogger struct {
	loggers []logger.Logger
}

func (m *fanoutLogger) Trace(msg string) {
	for _, l := range m.loggers {
		l.Trace(msg)
	}
}
func (m *fanoutLogger) Debug(msg string) {
	for _, l := range m.loggers {
		l.Debug(msg)
	}
}
func (m *fanoutLogger) Info(msg string) {
	for _, l := range m.loggers {
		l.Info(msg)
	}
}
func (m *fanoutLogger) Warn(msg string) {
	for _, l := range m.loggers {
		l.Warn(msg)
	}
}
func (m *fanoutLogger) Error(msg string) {
	for _, l := range m.loggers {
		l.Error(msg)
	}
}
func (m *fanoutLogger) TaskLine(itemID int, title, status string, duration time.Duration, errLine string) {
	for _, l := range m.loggers {
		l.TaskLine(itemID, title, status, duration, errLine)
	}
}

// deferredSink forwards events to an inner sink installed after runtime
// construction, for collaborators (the tracker) that only exist once the
// work-item source has been resolved. A nil inner sink discards events.
type deferredSink struct {
	mu    sync.Mutex
	inner events.Sink
}

func (d *deferredSink) Set(s events.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inner = s
}

func (d *deferredSink) OnEvent(e events.Event) {
	d.mu.Lock()
	inner := d.inner
	d.mu.Unlock()
	if inner != nil {
		inner.OnEvent(e)
	}
}

// runtime is the fully wired set of collaborators one CLI invocation
// drives the Orchestrator through.
type runtime struct {
	cfg        *config.Config
	stateDir   string
	repoDir    string
	orch       *orchestrator.Orchestrator
	store      *store.Store
	wt         *worktree.Manager
	vcsDriver  *vcs.Driver
	consoleLog *logger.ConsoleLogger
	fileLog    *logger.FileLogger
	sqliteSink *events.SQLiteSink
	lateSink   *deferredSink
	stdout     io.Writer
}

// buildRuntime loads config, resolves the state directory, and wires the
// VCS Driver, Worktree Manager, Run Store, Worker Adapter, Event Sink and
// Orchestrator together. Callers must call Close() when done.
func buildRuntime(stdout io.Writer, configPath string, overrides func(*config.Config)) (*runtime, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.LoadConfigFromStateRoot("")
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if overrides != nil {
		overrides(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir, err = config.GetStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state directory: %w", err)
		}
	}

	repoDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	vcsDriver := vcs.New()
	wt := worktree.New(vcsDriver, repoDir, cfg.Worktree, cfg.BranchPrefix)

	// Bootstrap the self-ignoring state directory before anything (the
	// file logger below included) writes into it.
	if err := wt.EnsureStateDirIgnored(stateDir); err != nil {
		return nil, err
	}

	// In compact mode the progress bar owns the terminal line, so the
	// console logger is held back to warnings and errors.
	consoleLevel := cfg.LogLevel
	if cfg.Display == "compact" {
		switch consoleLevel {
		case "trace", "debug", "info":
			consoleLevel = "warn"
		}
	}
	consoleLog := logger.NewConsoleLogger(stdout, consoleLevel)
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(filepath.Join(stateDir, "logs"), cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create file logger: %w", err)
	}
	log := &fanoutLogger{loggers: []logger.Logger{consoleLog, fileLog}}

	runStore := store.New(stateDir)

	agentCLI := agent.NewCLI("", cfg.DangerouslySkipPermissions)
	workerAdapter := worker.New(agentCLI, vcsDriver, wt, cfg.MergeRetry)

	sink, sqliteSink, lateSink, err := buildSink(cfg, stateDir, stdout)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(wt, runStore, sink, log, workerAdapter, cfg, stateDir)

	return &runtime{
		cfg:        cfg,
		stateDir:   stateDir,
		repoDir:    repoDir,
		orch:       orch,
		store:      runStore,
		wt:         wt,
		vcsDriver:  vcsDriver,
		consoleLog: consoleLog,
		fileLog:    fileLog,
		sqliteSink: sqliteSink,
		lateSink:   lateSink,
		stdout:     stdout,
	}, nil
}

// buildSink wires the compact-mode progress bar, the optional SQLite
// event-history mirror (enabled by cfg.EventsDB), and a deferred slot
// for the tracker behind an events.MultiSink.
func buildSink(cfg *config.Config, stateDir string, stdout io.Writer) (events.Sink, *events.SQLiteSink, *deferredSink, error) {
	lateSink := &deferredSink{}
	sinks := []events.Sink{lateSink}

	if cfg.Display == "compact" {
		colored := stdout == os.Stdout && isatty.IsTerminal(os.Stdout.Fd())
		sinks = append(sinks, newProgressSink(stdout, colored))
	}

	var sqliteSink *events.SQLiteSink
	if cfg.EventsDB {
		dbPath := filepath.Join(stateDir, "events.db")
		var err error
		sqliteSink, err = events.NewSQLiteSink(dbPath, "")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open events database: %w", err)
		}
		sinks = append(sinks, sqliteSink)
	}

	return events.MultiSink{Sinks: sinks}, sqliteSink, lateSink, nil
}

// Close flushes and closes the runtime's file-backed resources.
func (r *runtime) Close() {
	if r.fileLog != nil {
		r.fileLog.Close()
	}
	if r.sqliteSink != nil {
		r.sqliteSink.Close()
	}
}

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLogger writes run progress to timestamped files under a log
// directory: a combined run log plus a detail file for each item reported
// with an error, and
// maintains a latest.log symlink pointing at the current run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	itemsDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLoggerWithDirAndLevel creates a FileLogger rooted at logDir,
// filtering messages below logLevel. logDir and its items/ subdirectory
// are created if missing.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	itemsDir := filepath.Join(logDir, "items")
	if err := os.MkdirAll(itemsDir, 0755); err != nil {
		return nil, fmt.Errorf("create items directory: %w", err)
	}

	// A short random suffix keeps two runs started within the same second
	// from sharing a log file.
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s-%s.log", ts, uuid.NewString()[:8]))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		itemsDir: itemsDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	fl.writeRunLog(fmt.Sprintf("=== branchforge run log ===\nstarted at %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) Trace(msg string) { fl.logWithLevel("TRACE", msg) }
func (fl *FileLogger) Debug(msg string) { fl.logWithLevel("DEBUG", msg) }
func (fl *FileLogger) Info(msg string)  { fl.logWithLevel("INFO", msg) }
func (fl *FileLogger) Warn(msg string)  { fl.logWithLevel("WARN", msg) }
func (fl *FileLogger) Error(msg string) { fl.logWithLevel("ERROR", msg) }

func (fl *FileLogger) logWithLevel(level, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	formatted := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message)
	fl.writeRunLog(formatted)
}

// TaskLine appends a one-line status summary to the run log and, for
// failures, writes the full error to the item's own detail file under
// items/.
func (fl *FileLogger) TaskLine(itemID int, title, status string, duration time.Duration, errLine string) {
	if !fl.shouldLog("info") {
		return
	}

	line := fmt.Sprintf("[%s] item %d %q %s (%s)\n", time.Now().Format("15:04:05"), itemID, title, status, duration.Round(time.Millisecond))
	fl.writeRunLog(line)

	if errLine == "" {
		return
	}
	fl.writeItemLog(itemID, title, status, duration, errLine)
}

func (fl *FileLogger) writeItemLog(itemID int, title, status string, duration time.Duration, errLine string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := filepath.Join(fl.itemsDir, fmt.Sprintf("item-%d.log", itemID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}
	defer file.Close()

	content := fmt.Sprintf("=== item %d: %s ===\nstatus: %s\nduration: %s\ncompleted at: %s\n\n%s\n",
		itemID, title, status, duration.Round(time.Millisecond), time.Now().Format(time.RFC3339), errLine)
	file.WriteString(content)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return nil
	}
	if err := fl.runLog.Sync(); err != nil {
		return fmt.Errorf("sync run log: %w", err)
	}
	if err := fl.runLog.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	fl.runLog = nil
	return nil
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return
	}
	fl.runLog.WriteString(message)
	fl.runLog.Sync()
}

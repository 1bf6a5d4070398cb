// Package logger provides logging implementations for branchforge runs.
//
// The logger package offers structured, level-filtered logging of run
// progress. Implementations are thread-safe and support various output
// destinations (console, file).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// Log level constants for filtering.
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// Logger is the interface the Orchestrator and Scheduler log through. A
// no-op implementation can be swapped in for tests.
type Logger interface {
	Trace(msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	TaskLine(itemID int, title string, status string, duration time.Duration, errLine string)
}

// NopLogger discards every message.
type NopLogger struct{}

func (NopLogger) Trace(string)                                        {}
func (NopLogger) Debug(string)                                        {}
func (NopLogger) Info(string)                                         {}
func (NopLogger) Warn(string)                                         {}
func (NopLogger) Error(string)                                        {}
func (NopLogger) TaskLine(int, string, string, time.Duration, string) {}

// ConsoleLogger logs run progress to a writer with timestamps and
// thread-safety. Color output is automatically enabled for terminal
// output (os.Stdout/os.Stderr) via go-isatty, and long titles are
// truncated with go-runewidth so columns stay aligned.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	titleWidth  int
}

// NewConsoleLogger creates a ConsoleLogger that writes to writer. If writer
// is nil, messages are silently discarded. logLevel determines the minimum
// level for messages to be output; invalid or empty values default to
// "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		titleWidth:  titleWidthFor(writer),
	}
}

// titleWidthFor sizes the title column off the terminal width, leaving
// room for the timestamp, id, status and duration columns. Non-terminal
// writers get a fixed width so log files stay diffable.
func titleWidthFor(w io.Writer) int {
	const defaultWidth = 48
	if w != os.Stdout && w != os.Stderr {
		return defaultWidth
	}
	f, ok := w.(*os.File)
	if !ok {
		return defaultWidth
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 {
		return defaultWidth
	}
	width := cols - 40
	if width < 16 {
		width = 16
	}
	if width > 80 {
		width = 80
	}
	return width
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if validLevels[normalized] {
		return normalized
	}
	return "info"
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func (cl *ConsoleLogger) Trace(msg string) { cl.logWithLevel("TRACE", msg) }
func (cl *ConsoleLogger) Debug(msg string) { cl.logWithLevel("DEBUG", msg) }
func (cl *ConsoleLogger) Info(msg string)  { cl.logWithLevel("INFO", msg) }
func (cl *ConsoleLogger) Warn(msg string)  { cl.logWithLevel("WARN", msg) }
func (cl *ConsoleLogger) Error(msg string) { cl.logWithLevel("ERROR", msg) }

func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = cl.formatWithColor(ts, level, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

// TaskLine renders one item's terminal status line: a colored status word,
// the (possibly truncated) title, duration, and a truncated first line of
// any error.
func (cl *ConsoleLogger) TaskLine(itemID int, title, status string, duration time.Duration, errLine string) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	displayTitle := runewidth.Truncate(title, cl.titleWidth, "...")
	statusWord := statusLabel(status, cl.colorOutput)

	line := fmt.Sprintf("[%s] item %-3d %-*s %s (%s)", timestamp(), itemID, cl.titleWidth, displayTitle, statusWord, duration.Round(time.Millisecond))
	if errLine != "" {
		line += " - " + firstLine(errLine)
	}
	cl.writer.Write([]byte(line + "\n"))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func statusLabel(status string, colored bool) string {
	if !colored {
		return strings.ToUpper(status)
	}
	switch status {
	case "completed":
		return color.GreenString("COMPLETED")
	case "failed":
		return color.RedString("FAILED")
	case "blocked":
		return color.YellowString("BLOCKED")
	case "in-progress":
		return color.CyanString("RUNNING")
	default:
		return strings.ToUpper(status)
	}
}

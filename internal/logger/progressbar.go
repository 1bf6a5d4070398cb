package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ProgressBar renders a single-line ASCII bar for the compact display
// mode. Safe for concurrent Increment calls from parallel task
// completions.
type ProgressBar struct {
	mu          sync.Mutex
	current     int
	total       int
	width       int
	enableColor bool
	prefix      string
}

// NewProgressBar creates a bar sized for total steps, width characters
// wide.
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// SetPrefix sets the text rendered before the bar.
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prefix = prefix
}

// Increment advances the bar by one step.
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.current < pb.total {
		pb.current++
	}
}

// Percentage returns the progress as 0-100.
func (pb *ProgressBar) Percentage() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.percentageLocked()
}

func (pb *ProgressBar) percentageLocked() int {
	if pb.total <= 0 {
		return 0
	}
	return (pb.current * 100) / pb.total
}

// Render returns the bar as a string: prefix, the bar itself, a counter
// and the percentage. Cyan while in progress, green once complete.
func (pb *ProgressBar) Render() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	perc := pb.percentageLocked()
	filled := (perc * pb.width) / 100

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", pb.width-filled) + "]"
	line := fmt.Sprintf("%s%s %d/%d (%d%%)", pb.prefix, bar, pb.current, pb.total, perc)

	if !pb.enableColor {
		return line
	}
	if perc >= 100 {
		return color.GreenString(line)
	}
	return color.CyanString(line)
}

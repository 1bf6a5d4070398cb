package logger

import (
	"fmt"

	"github.com/fatih/color"
)

var levelColors = map[string]*color.Color{
	"TRACE": color.New(color.FgWhite),
	"DEBUG": color.New(color.FgWhite),
	"INFO":  color.New(color.FgCyan),
	"WARN":  color.New(color.FgYellow),
	"ERROR": color.New(color.FgRed),
}

// formatWithColor renders one log line with the level word colorized
// according to severity; the timestamp and message stay plain so the line
// remains easy to grep even with color codes stripped.
func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	c, ok := levelColors[level]
	if !ok {
		c = color.New(color.Reset)
	}
	return fmt.Sprintf("[%s] [%s] %s\n", ts, c.Sprint(level), message)
}

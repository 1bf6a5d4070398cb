package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/logger"
)

// progressSink drives the compact display mode: a single progress-bar
// line redrawn in place after every task event, with a running failure
// count appended once anything has failed.
type progressSink struct {
	out     io.Writer
	colored bool

	mu       sync.Mutex
	bar      *logger.ProgressBar
	failures int
}

func newProgressSink(out io.Writer, colored bool) *progressSink {
	return &progressSink{out: out, colored: colored}
}

func (p *progressSink) OnEvent(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := e.(type) {
	case events.RunStarted:
		p.bar = logger.NewProgressBar(ev.TotalItems, 30, p.colored)
		p.bar.SetPrefix("items ")
		p.redraw()
	case events.TaskCompleted:
		if p.bar != nil {
			p.bar.Increment()
			p.redraw()
		}
	case events.TaskFailed:
		p.failures++
		if p.bar != nil {
			p.bar.Increment()
			p.redraw()
		}
	case events.RunFinished:
		if p.bar != nil {
			p.redraw()
			fmt.Fprintln(p.out)
		}
	}
}

func (p *progressSink) redraw() {
	line := p.bar.Render()
	if p.failures > 0 {
		line += fmt.Sprintf("  %d failed", p.failures)
	}
	fmt.Fprintf(p.out, "\r%s", line)
}

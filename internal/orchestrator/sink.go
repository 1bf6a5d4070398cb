package orchestrator

import (
	"fmt"
	"time"

	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/logger"
	"github.com/dhouse/branchforge/internal/store"
)

// stateUpdatingSink mirrors every scheduler event into run's Tasks, persists
// the run after each event, logs a task line, and forwards the event to the orchestrator's
// configured sink (terminal renderer, optional SQLite mirror, ...).
type stateUpdatingSink struct {
	orch *Orchestrator
	run  *store.RunState
	log  logger.Logger
}

func (s *stateUpdatingSink) OnEvent(e events.Event) {
	switch ev := e.(type) {
	case events.TaskStarted:
		s.updateTask(ev.ItemID, func(t *store.Task) {
			t.Status = store.StatusInProgress
			at := ev.At
			t.StartedAt = &at
		})
	case events.TaskCompleted:
		s.updateTask(ev.ItemID, func(t *store.Task) {
			t.Status = store.StatusCompleted
			at := ev.At
			t.CompletedAt = &at
			t.Commits = ev.Commits
		})
		s.logTaskLine(ev.ItemID, string(store.StatusCompleted), "")
	case events.TaskFailed:
		s.updateTask(ev.ItemID, func(t *store.Task) {
			t.Status = store.StatusFailed
			at := ev.At
			t.CompletedAt = &at
			if ev.Err != nil {
				t.Error = ev.Err.Error()
			}
		})
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		s.logTaskLine(ev.ItemID, string(store.StatusFailed), errText)
	case events.TasksUnblocked:
		for _, id := range ev.ItemIDs {
			s.updateTask(id, func(t *store.Task) {
				if t.Status == store.StatusBlocked {
					t.Status = store.StatusReady
				}
			})
		}
	}

	// A transient write failure gets one retry; a second failure is
	// logged and the run continues on the in-memory state.
	if err := s.orch.store.SaveRun(s.run); err != nil {
		if err := s.orch.store.SaveRun(s.run); err != nil {
			s.log.Error(fmt.Sprintf("persist run state: %v", err))
		}
	}
	s.orch.emit(e)
}

func (s *stateUpdatingSink) updateTask(itemID int, mutate func(*store.Task)) {
	for i := range s.run.Tasks {
		if s.run.Tasks[i].ItemID == itemID {
			mutate(&s.run.Tasks[i])
			return
		}
	}
}

func (s *stateUpdatingSink) logTaskLine(itemID int, status, errLine string) {
	title := ""
	var duration time.Duration
	for _, t := range s.run.Tasks {
		if t.ItemID == itemID {
			for _, it := range s.run.Items {
				if it.ID == itemID {
					title = it.Title
					break
				}
			}
			if t.StartedAt != nil && t.CompletedAt != nil {
				duration = t.CompletedAt.Sub(*t.StartedAt)
			}
			break
		}
	}
	s.log.TaskLine(itemID, title, status, duration, errLine)
}

package events

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteSink mirrors every emitted event into a small embedded SQLite
// database for post-run querying. It never replaces the
// Run Store's JSON files: a write failure here is discarded and does not
// fail the run.
type SQLiteSink struct {
	db *sql.DB

	mu    sync.Mutex
	runID string
}

// NewSQLiteSink opens (creating if necessary) the events database at dbPath
// and prepares it to record events for runID. runID may be empty; the sink
// then adopts the id carried by the first RunStarted event it observes.
func NewSQLiteSink(dbPath, runID string) (*SQLiteSink, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create events db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init events schema: %w", err)
	}

	return &SQLiteSink{db: db, runID: runID}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnEvent persists e. Errors are swallowed into a best-effort insert: this
// sink is additive telemetry, and a broken mirror must never abort a run.
func (s *SQLiteSink) OnEvent(e Event) {
	s.mu.Lock()
	if started, ok := e.(RunStarted); ok && s.runID == "" {
		s.runID = started.RunID
	}
	runID := s.runID
	s.mu.Unlock()

	kind, itemID, payload := encode(e)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.db.Exec(
		`INSERT INTO events (run_id, kind, item_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, itemID, string(data), time.Now().Format(time.RFC3339Nano),
	)
}

func encode(e Event) (kind string, itemID *int, payload interface{}) {
	switch ev := e.(type) {
	case TaskStarted:
		return "task-started", &ev.ItemID, ev
	case TaskCompleted:
		return "task-completed", &ev.ItemID, ev
	case TaskFailed:
		id := ev.ItemID
		return "task-failed", &id, map[string]interface{}{"itemId": ev.ItemID, "error": ev.Err.Error(), "at": ev.At}
	case TasksUnblocked:
		return "tasks-unblocked", nil, ev
	case RunStarted:
		return "run-started", nil, ev
	case RunFinished:
		return "run-finished", nil, ev
	default:
		return "unknown", nil, nil
	}
}

// QueryRunEvents returns the kind/payload pairs recorded for runID, oldest
// first, for `status --events`'s historical-run lookups.
func QueryRunEvents(dbPath, runID string) ([]RecordedEvent, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT kind, payload, recorded_at FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []RecordedEvent
	for rows.Next() {
		var rec RecordedEvent
		if err := rows.Scan(&rec.Kind, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordedEvent is one row read back from the SQLite event mirror.
type RecordedEvent struct {
	Kind       string
	Payload    string
	RecordedAt string
}

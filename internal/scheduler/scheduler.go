// Package scheduler implements a bounded-concurrency DAG executor with
// failure propagation and event emission. Scheduling decisions happen in
// a single loop; item work runs concurrently through the Executor
// callback, bounded by a semaphore channel. An item starts as soon as its
// own dependencies are satisfied rather than waiting for a whole
// depth-tier to drain.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/graph"
)

// Policy selects failure-handling behavior.
type Policy string

const (
	// ContinueOnError runs every item reachable once its dependencies are
	// satisfied, even after other items have failed.
	ContinueOnError Policy = "continueOnError"

	// StopOnError lets already-running items finish but starts nothing new
	// once any item has failed.
	StopOnError Policy = "stopOnError"
)

// Executor runs one item's work and reports its outcome. Implementations
// must respect ctx cancellation: once cancelled, they should abort the
// underlying work and return a "cancelled" error, which the scheduler
// books as an ordinary failure.
type Executor interface {
	Execute(ctx context.Context, itemID int) (commits []string, err error)
}

// Scheduler drives a Graph to completion with at most Concurrency items
// running at once.
type Scheduler struct {
	graph       *graph.Graph
	executor    Executor
	sink        events.Sink
	concurrency int
	policy      Policy

	mu        sync.Mutex
	completed map[int]bool
	failed    map[int]bool
	running   map[int]bool
	aborted   bool
}

// New creates a Scheduler over g. alreadyCompleted and alreadyFailed seed
// the resume case; pass nil/empty for a fresh run. concurrency <= 0 means
// unbounded (one goroutine per ready item).
func New(g *graph.Graph, executor Executor, sink events.Sink, concurrency int, policy Policy, alreadyCompleted, alreadyFailed []int) *Scheduler {
	if sink == nil {
		sink = events.NoopSink{}
	}
	s := &Scheduler{
		graph:       g,
		executor:    executor,
		sink:        sink,
		concurrency: concurrency,
		policy:      policy,
		completed:   map[int]bool{},
		failed:      map[int]bool{},
		running:     map[int]bool{},
	}
	for _, id := range alreadyCompleted {
		s.completed[id] = true
	}
	for _, id := range alreadyFailed {
		s.failed[id] = true
	}
	return s
}

type outcome struct {
	itemID  int
	commits []string
	err     error
}

// Run drives every item in the graph to a terminal state (completed,
// failed, or blocked-by-failure) and returns once no items are running and
// none can become ready. The returned completed/failed sets reflect the
// final bookkeeping; Run itself never returns an error for ordinary task
// failures; those are reported per-item via the event sink and the
// returned sets. Run returns ctx.Err() when ctx has been cancelled or has
// expired by the time it returns.
func (s *Scheduler) Run(ctx context.Context) (completed, failed []int, err error) {
	limit := s.concurrency
	if limit <= 0 {
		limit = len(s.graph.Items())
	}
	if limit == 0 {
		limit = 1
	}
	semaphore := make(chan struct{}, limit)
	resultsCh := make(chan outcome)
	var wg sync.WaitGroup

	// launch starts every currently-ready item up to the semaphore's
	// capacity, and is a no-op once ctx is cancelled: cancellation stops
	// the scheduler from selecting new items while already-running tasks
	// are left to finish.
	launch := func() {
		if ctx.Err() != nil {
			return
		}
		for _, id := range s.pickReady() {
			select {
			case semaphore <- struct{}{}:
			default:
				return
			}
			s.markRunning(id)
			wg.Add(1)
			s.emit(events.TaskStarted{ItemID: id, At: time.Now()})

			go func(id int) {
				defer wg.Done()
				defer func() { <-semaphore }()

				commits, execErr := s.executor.Execute(ctx, id)
				resultsCh <- outcome{itemID: id, commits: commits, err: execErr}
			}(id)
		}
	}

	launch()
	for s.anyRunning() {
		res := <-resultsCh
		s.handleOutcome(res)
		launch()
	}

	wg.Wait()

	return s.snapshotCompleted(), s.snapshotFailed(), ctx.Err()
}

func (s *Scheduler) handleOutcome(res outcome) {
	s.mu.Lock()
	delete(s.running, res.itemID)

	if res.err == nil {
		s.completed[res.itemID] = true
		s.mu.Unlock()

		s.emit(events.TaskCompleted{ItemID: res.itemID, Commits: res.commits, At: time.Now()})

		unblocked := s.computeNewlyUnblocked(res.itemID)
		if len(unblocked) > 0 {
			s.emit(events.TasksUnblocked{ItemIDs: unblocked, At: time.Now()})
		}
		return
	}

	s.failed[res.itemID] = true
	if s.policy == StopOnError {
		s.aborted = true
	}
	s.mu.Unlock()

	s.emit(events.TaskFailed{ItemID: res.itemID, Err: res.err, At: time.Now()})
}

// computeNewlyUnblocked returns the ids of items whose dependencies are now
// all completed, following completedID's completion, restricted to items
// that depend (directly) on completedID so the scan stays cheap.
func (s *Scheduler) computeNewlyUnblocked(completedID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unblocked []int
	for _, dependent := range s.graph.Dependents(completedID) {
		if s.completed[dependent] || s.failed[dependent] || s.running[dependent] {
			continue
		}
		allDepsDone := true
		for _, dep := range s.graph.Dependencies(dependent) {
			if !s.completed[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			unblocked = append(unblocked, dependent)
		}
	}
	sort.Ints(unblocked)
	return unblocked
}

// pickReady returns the ids currently eligible to start, in ascending
// order, honoring the abort flag.
func (s *Scheduler) pickReady() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil
	}

	ready := s.graph.Ready(s.completed)
	var eligible []int
	for _, id := range ready {
		if s.running[id] || s.failed[id] {
			continue
		}
		eligible = append(eligible, id)
	}
	sort.Ints(eligible)
	return eligible
}

func (s *Scheduler) anyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) > 0
}

func (s *Scheduler) markRunning(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = true
}

func (s *Scheduler) snapshotCompleted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Scheduler) snapshotFailed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Scheduler) emit(e events.Event) {
	s.sink.OnEvent(e)
}

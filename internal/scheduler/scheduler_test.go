package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhouse/branchforge/internal/events"
	"github.com/dhouse/branchforge/internal/graph"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) OnEvent(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

type scriptedExecutor struct {
	mu        sync.Mutex
	failItems map[int]bool
	started   []int
}

func (s *scriptedExecutor) Execute(ctx context.Context, itemID int) ([]string, error) {
	s.mu.Lock()
	s.started = append(s.started, itemID)
	s.mu.Unlock()

	if s.failItems[itemID] {
		return nil, fmt.Errorf("item %d: boom", itemID)
	}
	return []string{fmt.Sprintf("commit-%d", itemID)}, nil
}

func buildGraph(t *testing.T, pairs ...[2]interface{}) *graph.Graph {
	t.Helper()
	var items []graph.WorkItem
	for _, p := range pairs {
		id := p[0].(int)
		var deps []int
		if d, ok := p[1].([]int); ok {
			deps = d
		}
		items = append(items, graph.WorkItem{ID: id, Title: fmt.Sprintf("item-%d", id), Dependencies: deps})
	}
	g, err := graph.Build(items)
	require.NoError(t, err)
	return g
}

func TestSchedulerRunsLinearChainInOrder(t *testing.T) {
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, []int{1}}, [2]interface{}{3, []int{2}})
	exec := &scriptedExecutor{}
	sink := &recordingSink{}

	s := New(g, exec, sink, 2, ContinueOnError, nil, nil)
	completed, failed, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, completed)
	assert.Empty(t, failed)
	assert.Equal(t, []int{1, 2, 3}, exec.started)
}

func TestSchedulerContinueOnErrorRunsUnaffectedBranches(t *testing.T) {
	// 1 fails; 2 depends on 1 (blocked); 3 is independent and must still run.
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, []int{1}}, [2]interface{}{3, nil})
	exec := &scriptedExecutor{failItems: map[int]bool{1: true}}
	sink := &recordingSink{}

	s := New(g, exec, sink, 2, ContinueOnError, nil, nil)
	completed, failed, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int{3}, completed)
	assert.Equal(t, []int{1}, failed)
	assert.NotContains(t, exec.started, 2)
}

func TestSchedulerStopOnErrorAbortsNewWork(t *testing.T) {
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, nil})
	exec := &scriptedExecutor{failItems: map[int]bool{1: true}}
	sink := &recordingSink{}

	s := New(g, exec, sink, 1, StopOnError, nil, nil)
	_, failed, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Contains(t, failed, 1)
	assert.NotContains(t, exec.started, 2)
}

func TestSchedulerEmitsTaskCompletedAndUnblocked(t *testing.T) {
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, []int{1}})
	exec := &scriptedExecutor{}
	sink := &recordingSink{}

	s := New(g, exec, sink, 2, ContinueOnError, nil, nil)
	_, _, err := s.Run(context.Background())
	require.NoError(t, err)

	var sawCompleted, sawUnblocked bool
	for _, e := range sink.snapshot() {
		switch ev := e.(type) {
		case events.TaskCompleted:
			if ev.ItemID == 1 {
				sawCompleted = true
			}
		case events.TasksUnblocked:
			if len(ev.ItemIDs) == 1 && ev.ItemIDs[0] == 2 {
				sawUnblocked = true
			}
		}
	}
	assert.True(t, sawCompleted)
	assert.True(t, sawUnblocked)
}

func TestSchedulerResumeSeedsCompletedSet(t *testing.T) {
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, []int{1}})
	exec := &scriptedExecutor{}
	sink := &recordingSink{}

	s := New(g, exec, sink, 1, ContinueOnError, []int{1}, nil)
	completed, _, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, completed)
	assert.NotContains(t, exec.started, 1)
}

func TestSchedulerRespectsConcurrencyBound(t *testing.T) {
	g := buildGraph(t, [2]interface{}{1, nil}, [2]interface{}{2, nil}, [2]interface{}{3, nil})

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	blocking := &blockingExecutor{
		onStart: func() {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
		},
		onEnd: func() {
			mu.Lock()
			concurrent--
			mu.Unlock()
		},
	}

	s := New(g, blocking, &recordingSink{}, 1, ContinueOnError, nil, nil)
	_, _, err := s.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent)
}

type blockingExecutor struct {
	onStart func()
	onEnd   func()
}

func (b *blockingExecutor) Execute(ctx context.Context, itemID int) ([]string, error) {
	b.onStart()
	defer b.onEnd()
	return nil, nil
}

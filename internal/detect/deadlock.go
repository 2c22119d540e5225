package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeadlockCycle is one cycle the wait-for graph DFS found: tasks in wait
// order, and the lock each task in the cycle is blocked on (Locks[i] is
// the lock task i is waiting for, which task i+1 holds — spec.md §4.8:
// "task i's waited-on lock is the one task i+1 holds").
type DeadlockCycle struct {
	Tasks []string
	Locks []string
}

// DeadlockDetector tracks lock acquisition attempts and holds, building a
// wait-for graph (waiter -> holder) and reporting cycles in it.
type DeadlockDetector struct {
	mu       sync.Mutex
	held     map[string]string            // lock -> holding task
	waiting  map[string]map[string]string // waiter task -> lock -> "" (set of locks it's blocked on)
}

// NewDeadlockDetector returns an empty detector.
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{
		held:    make(map[string]string),
		waiting: make(map[string]map[string]string),
	}
}

// AttemptAcquire records that task is now blocked waiting for lock.
func (d *DeadlockDetector) AttemptAcquire(task, lock string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	locks := d.waiting[task]
	if locks == nil {
		locks = make(map[string]string)
		d.waiting[task] = locks
	}
	locks[lock] = ""
}

// Acquired records that task successfully acquired lock, clearing its
// wait state for that lock.
func (d *DeadlockDetector) Acquired(task, lock string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[lock] = task
	delete(d.waiting[task], lock)
}

// Release records that task released lock.
func (d *DeadlockDetector) Release(task, lock string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[lock] == task {
		delete(d.held, lock)
	}
}

// waitEdge is one waiter -> holder edge of the graph buildWaitForGraph
// builds, keyed per lock so a cycle walk can report which lock each step is
// waiting on.
type waitEdge struct {
	holder string
	lock   string
}

func (d *DeadlockDetector) buildWaitForGraph() map[string][]waitEdge {
	graph := make(map[string][]waitEdge)
	waiters := make([]string, 0, len(d.waiting))
	for w := range d.waiting {
		waiters = append(waiters, w)
	}
	sort.Strings(waiters)
	for _, waiter := range waiters {
		locks := make([]string, 0, len(d.waiting[waiter]))
		for lock := range d.waiting[waiter] {
			locks = append(locks, lock)
		}
		sort.Strings(locks)
		for _, lock := range locks {
			if holder, ok := d.held[lock]; ok && holder != waiter {
				graph[waiter] = append(graph[waiter], waitEdge{holder: holder, lock: lock})
			}
		}
	}
	return graph
}

// DetectDeadlocks runs a DFS with a recursion stack over the wait-for
// graph (the same shape as the teacher's WorkflowGraph.hasCyclesDFS, used
// there for workflow-dependency cycles rather than lock waits) and
// reports one DeadlockCycle per back-edge found.
func (d *DeadlockDetector) DetectDeadlocks() []DeadlockCycle {
	d.mu.Lock()
	graph := d.buildWaitForGraph()
	d.mu.Unlock()

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool)
	var cycles []DeadlockCycle

	var walk func(task string, stack []string, onLock []string, inStack map[string]int)
	walk = func(task string, stack []string, onLock []string, inStack map[string]int) {
		visited[task] = true
		inStack[task] = len(stack)
		stack = append(stack, task)

		for _, edge := range graph[task] {
			if idx, ok := inStack[edge.holder]; ok {
				cycleTasks := append([]string{}, stack[idx:]...)
				cycleLocks := append([]string{}, onLock[idx:]...)
				cycleLocks = append(cycleLocks, edge.lock)
				cycles = append(cycles, DeadlockCycle{Tasks: cycleTasks, Locks: cycleLocks})
				continue
			}
			if !visited[edge.holder] {
				walk(edge.holder, stack, append(onLock, edge.lock), inStack)
			}
		}

		delete(inStack, task)
	}

	for _, n := range nodes {
		if !visited[n] {
			walk(n, nil, nil, make(map[string]int))
		}
	}
	return cycles
}

// String renders a cycle as "a -(lockX)-> b -(lockY)-> a" for log output.
func (c DeadlockCycle) String() string {
	s := ""
	for i, t := range c.Tasks {
		if i > 0 {
			s += fmt.Sprintf(" -(%s)-> ", c.Locks[i-1])
		}
		s += t
	}
	if len(c.Locks) > 0 {
		s += fmt.Sprintf(" -(%s)-> %s", c.Locks[len(c.Locks)-1], c.Tasks[0])
	}
	return s
}

// RunPeriodic starts a warn-only auto-run identical in shape to
// RaceDetector.RunPeriodic: every interval, DetectDeadlocks is called and
// any cycles found are handed to onCycles.
func (d *DeadlockDetector) RunPeriodic(ctx context.Context, interval time.Duration, onCycles func([]DeadlockCycle)) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cycles := d.DetectDeadlocks(); len(cycles) > 0 {
					onCycles(cycles)
				}
			}
		}
	}()
	return cancel
}

// DetectDeadlocksWithTimeout polls DetectDeadlocks every PollInterval
// until it finds a cycle or timeout elapses.
func (d *DeadlockDetector) DetectDeadlocksWithTimeout(ctx context.Context, timeout time.Duration) []DeadlockCycle {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		if cycles := d.DetectDeadlocks(); len(cycles) > 0 {
			return cycles
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

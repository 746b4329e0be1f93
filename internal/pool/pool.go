// Package pool runs discovery tasks on a bounded, throttle-aware worker set.
package pool

import (
	"context"
	"sync"
	"time"
)

// Task is a unit of discovery or enrichment work.
type Task func(ctx context.Context) error

// Engine manages the workers. Concurrency floats between 1 and the
// configured limit under AIMD control; AWS throttling shrinks the pool,
// healthy latency grows it back.
type Engine struct {
	aimd      *AIMD
	tasks     chan Task
	wg        sync.WaitGroup
	quit      chan struct{}
	active    int
	mu        sync.Mutex
	stats     Stats
	throttled func(error) bool
}

// Stats holds runtime counters for the engine.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
	Throttles      int64
}

// NewEngine creates a pool that never runs more than limit tasks at once.
// throttled reports whether an error was a backend throttle; nil disables
// adaptive backoff.
func NewEngine(limit int, throttled func(error) bool) *Engine {
	if limit < 1 {
		limit = 1
	}
	return &Engine{
		aimd:      NewAIMD(limit, 1, limit),
		tasks:     make(chan Task, 1024),
		quit:      make(chan struct{}),
		throttled: throttled,
	}
}

// Start begins the supervisor loop.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Submit adds a task to the queue. Blocks when the queue is full, which is
// the backpressure the merger relies on.
func (e *Engine) Submit(t Task) {
	e.tasks <- t
}

// Stop signals workers to exit and waits for in-flight tasks.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// GetStats returns current engine counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveWorkers:  e.active,
		Concurrency:    e.aimd.GetConcurrency(),
		TasksCompleted: e.stats.TasksCompleted,
		Throttles:      e.stats.Throttles,
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			target := e.aimd.GetConcurrency()
			current := e.activeCount()
			for i := current; i < target; i++ {
				e.wg.Add(1)
				go e.worker(ctx)
			}
			// Excess workers exit on their own once they notice the limit.
		}
	}
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) worker(ctx context.Context) {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		e.wg.Done()
	}()

	for {
		if e.activeCount() > e.aimd.GetConcurrency() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case task := <-e.tasks:
			start := time.Now()
			err := task(ctx)
			latency := time.Since(start)

			isThrottled := err != nil && e.throttled != nil && e.throttled(err)
			e.aimd.Feedback(latency, isThrottled)

			e.mu.Lock()
			e.stats.TasksCompleted++
			if isThrottled {
				e.stats.Throttles++
			}
			e.mu.Unlock()
		case <-time.After(10 * time.Millisecond):
			// idle; re-check the limit
		}
	}
}

// Package workpool provides a bounded-concurrency task runner for
// per-symbol fan-out work, plus a system resource probe used to shrink
// batches under memory pressure instead of failing them.
package workpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/pkg/logger"
)

// Task is one unit of independent work, keyed so partial results can be
// assembled into a map.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// TaskError pairs a failed task key with its error.
type TaskError struct {
	Key string `json:"key"`
	Err string `json:"error"`
}

// Pool executes batches of independent tasks with a hard ceiling on
// simultaneously in-flight work. The ceiling is enforced with a semaphore
// channel shared by all batches run through the same pool.
type Pool struct {
	workers int
	sem     chan struct{}
	probe   *ResourceProbe
	log     zerolog.Logger
}

// New creates a pool with the given worker ceiling.
func New(workers int, probe *ResourceProbe, log zerolog.Logger) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("worker ceiling must be at least 1, got %d", workers)
	}
	return &Pool{
		workers: workers,
		sem:     make(chan struct{}, workers),
		probe:   probe,
		log:     logger.Component(log, "workpool"),
	}, nil
}

// Workers returns the configured worker ceiling.
func (p *Pool) Workers() int {
	return p.workers
}

// Run executes all tasks, blocking until every task has finished or the
// context is cancelled. Per-task failures do not stop the batch; they are
// collected and returned. Completion order is unspecified.
//
// When the resource probe reports pressure, admission is narrowed to one
// task at a time for the remainder of the batch rather than aborting.
func (p *Pool) Run(ctx context.Context, tasks []Task) []TaskError {
	var (
		mu       sync.Mutex
		failures []TaskError
		wg       sync.WaitGroup
	)

	record := func(key string, err error) {
		mu.Lock()
		failures = append(failures, TaskError{Key: key, Err: err.Error()})
		mu.Unlock()
	}

	throttled := false
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			record(task.Key, err)
			continue
		}

		if !throttled && p.probe != nil && p.probe.ShouldThrottle() {
			throttled = true
			p.log.Warn().Msg("Resource pressure detected, serializing remainder of batch")
		}

		p.sem <- struct{}{}

		if throttled {
			// Inline execution: one task at a time on the caller's
			// goroutine, still counted against the ceiling.
			if err := task.Run(ctx); err != nil {
				record(task.Key, err)
			}
			<-p.sem
			continue
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-p.sem }()

			if err := t.Run(ctx); err != nil {
				record(t.Key, err)
			}
		}(task)
	}

	wg.Wait()
	return failures
}

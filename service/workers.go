package service

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// runAll runs fn for every item concurrently and waits for all of them. Each
// result is handed to onDone in completion order; onDone calls never overlap.
// A failure does not cancel the other items. The first failure to complete is
// returned.
func runAll[T any](ctx context.Context, items []T, fn func(context.Context, T) error, onDone func(item T, err error, first bool)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed bool
	)
	for _, item := range items {
		g.Go(func() error {
			err := fn(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			first := err != nil && !failed
			if first {
				failed = true
			}
			if onDone != nil {
				onDone(item, err, first)
			}
			// Only the first failure reaches the group so Wait reports the
			// same error onDone saw as first.
			if first {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// workerCounts tracks ingestion worker outcomes for status reporting.
type workerCounts struct {
	total    int
	running  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
}

// WorkerStatus summarises ingestion worker outcomes.
type WorkerStatus struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

func (c *workerCounts) start() { c.running.Add(1) }

func (c *workerCounts) done(err error) {
	c.running.Add(-1)
	if err != nil {
		c.failed.Add(1)
		return
	}
	c.finished.Add(1)
}

func (c *workerCounts) snapshot() WorkerStatus {
	return WorkerStatus{
		Total:    c.total,
		Running:  int(c.running.Load()),
		Finished: int(c.finished.Load()),
		Failed:   int(c.failed.Load()),
	}
}

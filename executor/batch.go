package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BatchCoordinator fans jobs out over the pool
type BatchCoordinator struct {
	runner *JobRunner
}

func NewBatchCoordinator(runner *JobRunner) *BatchCoordinator {
	return &BatchCoordinator{runner: runner}
}

// RunBatch runs every job concurrently and returns one result per job in
// input order. The pool is the only concurrency limit. A failing job never
// affects its siblings.
func (c *BatchCoordinator) RunBatch(ctx context.Context, jobs []Job) []BatchResult {
	results := make([]BatchResult, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.Output == "" {
			job.Output = fmt.Sprintf("result_%d.json", i)
		}
		results[i].Job = job

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("job %s panicked: %v", job.ID, r)
				}
			}()
			results[i].Result, results[i].Err = c.runner.Run(ctx, job)
		}()
	}
	wg.Wait()

	return results
}

// Package async provides helpers for running independent remote operations
// concurrently.
//
// Guest migrations within a pair are independent of one another but must all
// finish before the pair advances, so the runner waits for every task and
// reports all failures rather than the first one.
package async

import (
	"context"
	"fmt"
	"strings"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// RunBounded executes tasks concurrently with at most limit tasks in flight.
// A limit of zero or less means no bound. All tasks run to completion even
// when some fail; the returned error aggregates every task failure in task
// order so nothing is silently discarded.
func RunBounded(ctx context.Context, limit int, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}

	errs := make([]error, len(tasks))
	sem := make(chan struct{}, limit)
	done := make(chan struct{})

	for i, task := range tasks {
		go func() {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := task.Func(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", task.Name, err)
			}
		}()
	}

	for range tasks {
		<-done
	}

	var failed []string
	var first error
	for _, err := range errs {
		if err != nil {
			if first == nil {
				first = err
			}
			failed = append(failed, err.Error())
		}
	}

	if first == nil {
		return nil
	}
	if len(failed) == 1 {
		return first
	}
	return fmt.Errorf("%d of %d tasks failed: %s", len(failed), len(tasks), strings.Join(failed, "; "))
}

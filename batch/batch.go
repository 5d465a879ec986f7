/*
Package batch runs one function over many independent items and reports
what happened instead of stopping at the first error.

PURPOSE:
  Every scheduled job (alert scan, monthly rollup, reaping) walks a list of
  accounts, targets or click ids. One bad item must not sink the rest, so
  Run gives each item its own error boundary:

    - an error is counted as failed and handed to onError
    - a panic is recovered and treated as an error
    - an item that exceeds ItemTimeout is abandoned and counted as failed

  Items run with bounded parallelism (errgroup.SetLimit). Item functions
  never cancel their siblings.

USAGE:
  res := batch.Run(ctx, ids, batch.Options{Parallelism: 4, ItemTimeout: 30 * time.Second},
      func(ctx context.Context, id string) error { return process(ctx, id) },
      func(id string, err error) { log.Error().Err(err).Str("item", id).Msg("item failed") })
*/
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options bounds a run. Zero values mean sequential and no per-item timeout.
type Options struct {
	Parallelism int
	ItemTimeout time.Duration
}

// Result is the job-level outcome reported for every batch run.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Add folds another result into r.
func (r *Result) Add(o Result) {
	r.Processed += o.Processed
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
}

// PanicError is returned for an item whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Run calls fn once per item and returns the counts. onError may be nil.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) error, onError func(T, error)) Result {
	limit := opts.Parallelism
	if limit < 1 {
		limit = 1
	}

	var (
		mu  sync.Mutex
		res Result
	)
	record := func(item T, err error) {
		mu.Lock()
		res.Processed++
		if err == nil {
			res.Succeeded++
		} else {
			res.Failed++
		}
		mu.Unlock()
		if err != nil && onError != nil {
			onError(item, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(item, err)
				return nil
			}
			record(item, runItem(ctx, item, opts.ItemTimeout, fn))
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func runItem[T any](ctx context.Context, item T, timeout time.Duration, fn func(context.Context, T) error) error {
	if timeout <= 0 {
		return protect(ctx, item, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// fn may ignore ctx; the buffered channel lets an abandoned call finish
	// without blocking.
	done := make(chan error, 1)
	go func() { done <- protect(ctx, item, fn) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("item abandoned after %s: %w", timeout, ctx.Err())
	}
}

func protect[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, item)
}

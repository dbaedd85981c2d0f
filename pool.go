package signalbus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Source yields the work items of a pool run. Next returns false once the
// source is exhausted. The pool never calls Next concurrently.
type Source[T any] interface {
	Next(ctx context.Context) (T, bool, error)
}

// FuncSource adapts a generator function to the Source interface.
type FuncSource[T any] func(ctx context.Context) (T, bool, error)

// Next calls f(ctx).
func (f FuncSource[T]) Next(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

type sliceSource[T any] struct {
	items []T
	next  int
}

// SliceSource yields the items in order.
func SliceSource[T any](items []T) Source[T] {
	return &sliceSource[T]{items: items}
}

func (s *sliceSource[T]) Next(context.Context) (T, bool, error) {
	if s.next >= len(s.items) {
		var zero T
		return zero, false, nil
	}
	item := s.items[s.next]
	s.next++
	return item, true, nil
}

type seqSource[T any] struct {
	next func() (T, bool)
	stop func()
}

// SeqSource yields the values of seq. The iterator is stopped when the pool
// run ends, even if it was not exhausted.
func SeqSource[T any](seq iter.Seq[T]) Source[T] {
	next, stop := iter.Pull(seq)
	return &seqSource[T]{next: next, stop: stop}
}

func (s *seqSource[T]) Next(context.Context) (T, bool, error) {
	v, ok := s.next()
	return v, ok, nil
}

func (s *seqSource[T]) Close() {
	s.stop()
}

// JobFunc processes one work item.
type JobFunc[T any] func(ctx context.Context, item T) error

// Report summarizes a pool run.
type Report struct {
	RunID     uuid.UUID
	Started   int
	Succeeded int
	// Failures holds one *JobError per failed job, ordered by item index.
	Failures []*JobError
	// SourceErr is the error that stopped pulling items, if any.
	SourceErr error
	Elapsed   time.Duration
}

// Err joins the source error and every job failure. It is nil when every
// started job succeeded.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failures)+1)
	if r.SourceErr != nil {
		errs = append(errs, r.SourceErr)
	}
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type poolOptions struct {
	logger *slog.Logger
	name   string
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

// WithPoolLogger sets the logger of the pool. Default is slog.Default().
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPoolName names the pool in log records.
func WithPoolName(name string) PoolOption {
	return func(o *poolOptions) {
		o.name = name
	}
}

// Pool runs jobs on a bounded set of goroutines.
//
// Workers pull items from the source one at a time, so a slow job never
// holds back items another worker could take. A failing or panicking job is
// recorded in the report and does not cancel its siblings.
type Pool[T any] struct {
	workers int
	logger  *slog.Logger
}

// NewPool returns a pool of the given number of workers (at least one).
func NewPool[T any](workers int, opts ...PoolOption) *Pool[T] {
	o := poolOptions{logger: slog.Default(), name: "pool"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[T]{
		workers: max(workers, 1),
		logger:  o.logger.With(slog.String("pool", o.name)),
	}
}

// Run pulls every item of src and runs job for it, then waits for all jobs
// to return. Cancelling ctx stops pulling new items; jobs already started
// observe ctx themselves.
func (p *Pool[T]) Run(ctx context.Context, src Source[T], job JobFunc[T]) *Report {
	r := &run[T]{
		src:    src,
		job:    job,
		report: &Report{RunID: uuid.New()},
		logger: p.logger,
	}
	if c, ok := src.(interface{ Close() }); ok {
		defer c.Close()
	}

	start := time.Now()
	p.logger.Debug("Pool run started",
		slog.String("run_id", r.report.RunID.String()),
		slog.Int("workers", p.workers),
	)

	var g errgroup.Group
	for range p.workers {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := r.report
	report.Elapsed = time.Since(start)
	slices.SortFunc(report.Failures, func(a, b *JobError) int { return a.Index - b.Index })

	p.logger.Debug("Pool run finished",
		slog.String("run_id", report.RunID.String()),
		slog.Int("started", report.Started),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", len(report.Failures)),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report
}

type run[T any] struct {
	src    Source[T]
	job    JobFunc[T]
	logger *slog.Logger

	pullMu sync.Mutex
	done   bool
	index  int

	reportMu sync.Mutex
	report   *Report
}

func (r *run[T]) work(ctx context.Context) {
	for {
		item, index, ok := r.pull(ctx)
		if !ok {
			return
		}

		err := runJob(ctx, r.job, item)

		r.reportMu.Lock()
		if err != nil {
			r.report.Failures = append(r.report.Failures, &JobError{Index: index, Item: item, Err: err})
		} else {
			r.report.Succeeded++
		}
		r.reportMu.Unlock()

		if err != nil {
			r.logger.Warn("Job failed",
				slog.String("run_id", r.report.RunID.String()),
				slog.Int("index", index),
				slog.String("error", err.Error()),
			)
		}
	}
}

// pull takes the next item. Every item is handed to exactly one worker.
func (r *run[T]) pull(ctx context.Context) (T, int, bool) {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	var zero T
	if r.done {
		return zero, 0, false
	}
	if err := ctx.Err(); err != nil {
		r.stop(err)
		return zero, 0, false
	}

	item, ok, err := r.src.Next(ctx)
	if err != nil {
		r.stop(err)
		return zero, 0, false
	}
	if !ok {
		r.done = true
		return zero, 0, false
	}

	index := r.index
	r.index++

	r.reportMu.Lock()
	r.report.Started++
	r.reportMu.Unlock()
	return item, index, true
}

func (r *run[T]) stop(err error) {
	r.done = true
	r.reportMu.Lock()
	r.report.SourceErr = err
	r.reportMu.Unlock()
}

func runJob[T any](ctx context.Context, job JobFunc[T], item T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return job(ctx, item)
}

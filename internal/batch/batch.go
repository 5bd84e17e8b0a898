// Package batch implements the bounded-parallelism multi-job scheduler.
// Each job goes through the ordinary single-job dispatch path, so a burst
// of jobs naturally spreads across workers: every selection sees the
// updated active-job counts of jobs already started. There is no explicit
// per-worker queue; the selection score is the queueing discipline.
package batch

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/dispatcher"
	"github.com/thought-machine/ppcd/internal/pool"
)

var log = logging.MustGetLogger("batch")

// MinParallelism is the floor applied to the computed default degree of
// parallelism, regardless of how few workers are available.
const MinParallelism = 4

// Scheduler runs a set of CompileJobs with bounded parallelism across a
// dispatcher's worker pool.
type Scheduler struct {
	Dispatcher  *dispatcher.Dispatcher
	Parallelism int // 0 means compute the default from the pool
}

// New builds a Scheduler with the default (pool-derived) parallelism.
func New(d *dispatcher.Dispatcher) *Scheduler {
	return &Scheduler{Dispatcher: d}
}

// defaultParallelism sums the cpu counts of every available worker, floored
// at MinParallelism, per spec.md §4.5.
func defaultParallelism(p *pool.Pool) int {
	total := 0
	for _, w := range p.Snapshot() {
		if w.Available {
			total += w.CPUs
		}
	}
	if total < MinParallelism {
		return MinParallelism
	}
	return total
}

func (s *Scheduler) parallelism() int {
	if s.Parallelism > 0 {
		return s.Parallelism
	}
	return defaultParallelism(s.Dispatcher.Pool)
}

// Result pairs a job's outcome with any scheduling-level error (as opposed
// to a reported compiler failure, which lives inside dispatcher.Result).
type Result struct {
	CompileResult dispatcher.Result
	Err           error
}

// Run dispatches every job with bounded parallelism and returns a mapping
// from source path to outcome. Submission order is a best effort only:
// jobs race to completion and results are written back as they land.
func (s *Scheduler) Run(jobs []dispatcher.CompileJob) (map[string]Result, error) {
	results := make(map[string]Result, len(jobs))
	resultCh := make(chan struct {
		path string
		res  Result
	}, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(s.parallelism())

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			res, err := s.Dispatcher.CompileFile(job)
			resultCh <- struct {
				path string
				res  Result
			}{job.SourcePath, Result{CompileResult: res, Err: err}}
			return nil
		})
	}

	// errgroup.Group.Go's returned error is always nil above (we never want
	// one job's scheduling error to cancel the others), so Wait only
	// signals completion of the fan-out.
	_ = g.Wait()
	close(resultCh)

	var errs *multierror.Error
	for item := range resultCh {
		results[item.path] = item.res
		if item.res.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.path, item.res.Err))
		}
	}
	log.Notice("Batch of %d jobs completed with parallelism %d", len(jobs), s.parallelism())
	return results, errs.ErrorOrNil()
}

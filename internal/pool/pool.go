// Package pool implements the worker pool: static endpoint configuration,
// dynamic per-worker state, probing, and the selection / load-balancing
// policy. It is grounded on please's master.go worker bookkeeping
// (tools/mettle/master/master.go), adapted from a gRPC stream registry to a
// polled PING/PONG pool of plain TCP endpoints.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/protocol"
)

var log = logging.MustGetLogger("pool")

// ProbeTimeout is the connect timeout used when refreshing worker state.
const ProbeTimeout = 2 * time.Second

// MaxParallelProbes bounds how many workers are probed concurrently on a
// pool refresh.
const MaxParallelProbes = 10

var (
	workersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppcd_pool_workers",
		Help: "Total number of configured workers.",
	})
	workersAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppcd_pool_workers_available",
		Help: "Number of workers currently considered available.",
	})
)

func init() {
	prometheus.MustRegister(workersTotal, workersAvailable)
}

// WorkerEndpoint is the static configuration of a single worker machine.
type WorkerEndpoint struct {
	Host        string
	Port        int
	Name        string
	Weight      float64
	ExpectedCPU int
}

// Address returns the host:port dial address for this endpoint.
func (e WorkerEndpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// WorkerState is the dynamic state of a worker, embedding its static
// endpoint. All mutable fields are only ever touched through Pool's methods,
// which serialize access under a single pool-wide mutex.
type WorkerState struct {
	WorkerEndpoint

	Available  bool
	CPUs       int
	Load       float64
	Arch       string
	ActiveJobs int
	TotalJobs  int
	TotalTime  float64
	LastCheck  time.Time
}

// Pool owns the ordered list of workers and the mutex guarding their dynamic
// state. The mutex is acquired only for short, non-blocking critical
// sections: selection, a counter bump, a bookkeeping mutation. It is never
// held across a socket or subprocess operation.
type Pool struct {
	mu      sync.Mutex
	workers []*WorkerState
	counter uint64
}

// New builds a pool from a static endpoint list. All workers start
// unavailable until the first Refresh.
func New(endpoints []WorkerEndpoint) *Pool {
	workers := make([]*WorkerState, len(endpoints))
	for i, e := range endpoints {
		workers[i] = &WorkerState{WorkerEndpoint: e}
	}
	workersTotal.Set(float64(len(workers)))
	return &Pool{workers: workers}
}

// NextJobID mints a unique job id for this pool's lifetime, using the same
// mutex that guards worker state so the counter can never race.
func (p *Pool) NextJobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("job-%d", p.counter)
}

// Snapshot returns a point-in-time copy of every worker's state, for
// logging, tests, and the batch scheduler's parallelism calculation. The
// pool lock is held only while copying, not while the caller uses the
// result.
func (p *Pool) Snapshot() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		out[i] = *w
	}
	return out
}

// Refresh probes every worker in parallel, bounded by MaxParallelProbes, and
// updates their dynamic state from the results.
func (p *Pool) Refresh(ctx context.Context) {
	sem := make(chan struct{}, MaxParallelProbes)
	var wg sync.WaitGroup
	for _, w := range p.workers {
		w := w
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, w)
		}()
	}
	wg.Wait()
	p.updateMetrics()
}

func (p *Pool) probeOne(ctx context.Context, w *WorkerState) {
	info, err := probe(ctx, w.Address())
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		log.Warning("Probe of %s (%s) failed: %s", w.Name, w.Address(), err)
		w.Available = false
		return
	}
	w.CPUs = info.CPUs
	w.Load = info.Load
	w.Arch = info.Arch
	w.LastCheck = time.Now()
	w.Available = true
}

// probe performs a single PING/PONG exchange against addr.
func probe(ctx context.Context, addr string) (protocol.SystemInfo, error) {
	dialer := net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	if err := protocol.WriteFrame(conn, protocol.TagPing, nil); err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("sending PING: %w", err)
	}
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("reading PONG: %w", err)
	}
	if !f.Is(protocol.TagPong) {
		return protocol.SystemInfo{}, fmt.Errorf("expected PONG, got %s", f.Tag)
	}
	var info protocol.SystemInfo
	if err := protocol.DecodeJSON(f, &info); err != nil {
		return protocol.SystemInfo{}, err
	}
	return info, nil
}

func (p *Pool) updateMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	available := 0
	for _, w := range p.workers {
		if w.Available {
			available++
		}
	}
	workersAvailable.Set(float64(available))
}

// score implements the selection function from the load-balancing policy:
// weight * cpus / (1 + load + active_jobs).
func score(w *WorkerState) float64 {
	return w.Weight * float64(w.CPUs) / (1 + w.Load + float64(w.ActiveJobs))
}

// ErrNoWorkerAvailable is returned by Select when no worker is available.
var ErrNoWorkerAvailable = fmt.Errorf("no workers available")

// Select picks the highest-scoring available worker and increments its
// ActiveJobs counter before returning, so the caller's eventual Release is
// mandatory on every exit path. Ties are broken by earliest position in the
// configured list.
func (p *Pool) Select() (*WorkerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *WorkerState
	var bestScore float64
	for _, w := range p.workers {
		if !w.Available {
			continue
		}
		s := score(w)
		if best == nil || s > bestScore {
			best = w
			bestScore = s
		}
	}
	if best == nil {
		return nil, ErrNoWorkerAvailable
	}
	best.ActiveJobs++
	return best, nil
}

// ReleaseOutcome records the result of a dispatch attempt against a worker
// previously returned by Select, decrementing ActiveJobs unconditionally.
type ReleaseOutcome struct {
	// CompileSucceeded is true only when the remote compiler itself
	// exited zero (the OK/OBJ path); it is what drives TotalJobs/TotalTime.
	// A reported compiler error (ERR with a returncode) leaves this false
	// but is NOT a transport failure: the worker remains available.
	CompileSucceeded bool
	// TransportFailed indicates a transport or protocol error occurred,
	// which marks the worker unavailable until the next Refresh.
	TransportFailed bool
	// Elapsed is the worker-reported compile time, added to TotalTime only
	// when CompileSucceeded is true.
	Elapsed float64
}

// Release decrements ActiveJobs and applies the outcome of a dispatch
// attempt. It must be called exactly once for every successful Select,
// on every exit path (success, compiler error, or transport failure).
func (p *Pool) Release(w *WorkerState, outcome ReleaseOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.ActiveJobs > 0 {
		w.ActiveJobs--
	}
	if outcome.TransportFailed {
		w.Available = false
		return
	}
	if outcome.CompileSucceeded {
		w.TotalJobs++
		w.TotalTime += outcome.Elapsed
	}
}

// Package dispatcher implements the single-job remote compile exchange:
// worker selection, the framed protocol round-trip, and local fallback.
// Grounded on please's src/remote/remote.go (the build-vs-fallback
// decision) and src/build/worker.go's per-call socket-open/close discipline.
package dispatcher

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/pool"
	"github.com/thought-machine/ppcd/internal/protocol"
)

var log = logging.MustGetLogger("dispatcher")

// ConnectTimeout bounds establishing the TCP connection to a worker.
const ConnectTimeout = 2 * time.Second

// DefaultCompileTimeout bounds the whole compile exchange once connected.
const DefaultCompileTimeout = 300 * time.Second

// DefaultMaxObjectSize bounds the size of an OBJ frame the dispatcher will
// accept from a worker, guarding against a misbehaving or corrupt peer
// claiming an absurd object size; spec.md §4.1 notes typical object files
// are well under 16 MiB, so this leaves generous headroom above that.
const DefaultMaxObjectSize = 64 * 1024 * 1024 // 64 MiB

// CompileJob is one compilation request, as handed to the dispatcher by the
// wrapper or the batch scheduler.
type CompileJob struct {
	JobID        string
	SourcePath   string
	OutputPath   string
	Compiler     string
	Args         []string
	IncludePaths []string
	Defines      []string
	// Headers, if non-nil, are sidecar header files to materialize
	// alongside the source on the worker, keyed by path relative to the
	// source's directory.
	Headers map[string][]byte
}

// Result is the outcome of dispatching a single CompileJob.
type Result struct {
	Success    bool
	ReturnCode int
	Stdout     string
	Stderr     string
	Elapsed    float64
	// UsedWorker names which worker (or "local") produced this result.
	UsedWorker string
	// Remote is false when the result came from local fallback.
	Remote bool
}

// Dispatcher owns a worker pool and the fallback policy for a stream of
// independent compile jobs.
type Dispatcher struct {
	Pool           *pool.Pool
	LocalFallback  bool
	CompileTimeout time.Duration
	Local          LocalCompiler
	// MaxObjectSize bounds the size in bytes of an OBJ frame accepted from a
	// worker; a reply exceeding it is treated as a protocol error. Zero
	// means DefaultMaxObjectSize, not unlimited - use a very large explicit
	// value to actually disable the guard.
	MaxObjectSize uint64
}

// New builds a Dispatcher with the spec's default compile timeout and
// object-size guard.
func New(p *pool.Pool, localFallback bool) *Dispatcher {
	return &Dispatcher{
		Pool:           p,
		LocalFallback:  localFallback,
		CompileTimeout: DefaultCompileTimeout,
		MaxObjectSize:  DefaultMaxObjectSize,
	}
}

func (d *Dispatcher) timeout() time.Duration {
	if d.CompileTimeout > 0 {
		return d.CompileTimeout
	}
	return DefaultCompileTimeout
}

func (d *Dispatcher) maxObjectSize() uint64 {
	if d.MaxObjectSize > 0 {
		return d.MaxObjectSize
	}
	return DefaultMaxObjectSize
}

// CompileFile dispatches a single job: it selects a worker, attempts the
// remote exchange, and on transport failure either falls back to local
// compilation or surfaces the error, per the dispatcher's LocalFallback
// policy. There is no retry against a different worker within this call,
// and the batch scheduler does not resubmit a failed job either; a failed
// attempt is returned to the caller as is.
func (d *Dispatcher) CompileFile(job CompileJob) (Result, error) {
	w, err := d.Pool.Select()
	if err != nil {
		if d.LocalFallback {
			log.Notice("No workers available for %s, falling back to local compile", job.SourcePath)
			return d.compileLocally(job)
		}
		return Result{}, fmt.Errorf("no workers available: %w", err)
	}

	result, transportErr := d.compileRemote(w, job)
	if transportErr != nil {
		d.Pool.Release(w, pool.ReleaseOutcome{TransportFailed: true})
		log.Warning("Transport failure dispatching %s to %s: %s", job.SourcePath, w.Name, transportErr)
		if d.LocalFallback {
			return d.compileLocally(job)
		}
		return Result{}, transportErr
	}
	d.Pool.Release(w, pool.ReleaseOutcome{CompileSucceeded: result.Success, Elapsed: result.Elapsed})
	return result, nil
}

// compileRemote performs the wire exchange against a single selected
// worker. Any returned error is transport-class: the worker should be
// marked unavailable. A non-nil Result with Success=false and a nil error
// means the remote compiler itself failed - a job outcome, not a worker
// failure.
func (d *Dispatcher) compileRemote(w *pool.WorkerState, job CompileJob) (Result, error) {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.Dial("tcp", w.Address())
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", w.Address(), err)
	}
	defer conn.Close()
	deadline := time.Now().Add(d.timeout())
	conn.SetDeadline(deadline)

	src, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("reading source %s: %w", job.SourcePath, err)
	}

	req := protocol.JobRequest{
		JobID:        job.JobID,
		Compiler:     job.Compiler,
		Args:         job.Args,
		SourceName:   filepath.Base(job.SourcePath),
		IncludePaths: job.IncludePaths,
		Defines:      job.Defines,
	}
	jobFrame, err := protocol.EncodeJSON(protocol.TagJob, req)
	if err != nil {
		return Result{}, err
	}
	hdrFrame, err := protocol.EncodeHeaderBundle(job.Headers)
	if err != nil {
		return Result{}, err
	}
	if err := protocol.WriteFrame(conn, jobFrame.Tag, jobFrame.Payload); err != nil {
		return Result{}, fmt.Errorf("sending JOB: %w", err)
	}
	if err := protocol.WriteFrame(conn, protocol.TagSrc, src); err != nil {
		return Result{}, fmt.Errorf("sending SRC: %w", err)
	}
	if err := protocol.WriteFrame(conn, hdrFrame.Tag, hdrFrame.Payload); err != nil {
		return Result{}, fmt.Errorf("sending HDR: %w", err)
	}

	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		return Result{}, fmt.Errorf("reading reply: %w", err)
	}

	switch reply.Tag {
	case protocol.TagErr:
		var resp protocol.JobResponseErr
		if err := protocol.DecodeJSON(reply, &resp); err != nil {
			return Result{}, fmt.Errorf("decoding ERR reply: %w", err)
		}
		rc := resp.ReturnCode
		if rc == 0 {
			rc = 1
		}
		return Result{
			Success:    false,
			ReturnCode: rc,
			Stdout:     resp.Stdout,
			Stderr:     resp.Stderr,
			Elapsed:    resp.Elapsed,
			UsedWorker: w.Name,
			Remote:     true,
		}, nil
	case protocol.TagOK:
		var resp protocol.JobResponseOK
		if err := protocol.DecodeJSON(reply, &resp); err != nil {
			return Result{}, fmt.Errorf("decoding OK reply: %w", err)
		}
		objFrame, err := protocol.ReadFrame(conn)
		if err != nil {
			return Result{}, fmt.Errorf("reading OBJ: %w", err)
		}
		if !objFrame.Is(protocol.TagObj) {
			return Result{}, fmt.Errorf("expected OBJ, got %s", objFrame.Tag)
		}
		if size := uint64(len(objFrame.Payload)); size > d.maxObjectSize() {
			return Result{}, fmt.Errorf("object from %s is %d bytes, exceeds max-object-size %d", w.Name, size, d.maxObjectSize())
		}
		if err := writeAtomic(job.OutputPath, objFrame.Payload); err != nil {
			return Result{}, fmt.Errorf("writing output %s: %w", job.OutputPath, err)
		}
		return Result{
			Success:    true,
			ReturnCode: 0,
			Stderr:     resp.Warnings,
			Elapsed:    resp.Elapsed,
			UsedWorker: w.Name,
			Remote:     true,
		}, nil
	default:
		return Result{}, fmt.Errorf("unexpected reply tag %s", reply.Tag)
	}
}

func (d *Dispatcher) compileLocally(job CompileJob) (Result, error) {
	args := make([]string, 0, len(job.Args)+6)
	for _, dir := range job.IncludePaths {
		args = append(args, "-I", dir)
	}
	for _, def := range job.Defines {
		args = append(args, "-D", def)
	}
	args = append(args, job.Args...)
	args = append(args, "-c", job.SourcePath, "-o", job.OutputPath)

	res, err := d.Local.Compile(job.Compiler, args)
	if err != nil {
		return Result{}, fmt.Errorf("local compile: %w", err)
	}
	return Result{
		Success:    res.ReturnCode == 0,
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		UsedWorker: "local",
		Remote:     false,
	}, nil
}

// writeAtomic writes data to path by first writing to a sibling temp file
// and renaming it into place, creating parent directories as needed.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ppc-obj-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Package worker implements the worker daemon side of the protocol: the
// accept loop, per-connection job handling, and the sandboxed per-job
// workspace lifecycle. Grounded on tools/mettle/worker/worker.go and
// tools/remote_worker/worker/worker.go's per-connection handler shape,
// adapted from please's gRPC/queue-based transport to the raw framed TCP
// protocol this spec defines.
package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/protocol"
	"github.com/thought-machine/ppcd/internal/sysinfo"
)

var log = logging.MustGetLogger("worker")

// CompileTimeout bounds how long a single remote compile may run.
const CompileTimeout = 300 * time.Second

var (
	jobsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppcd_worker_jobs_received_total",
		Help: "Total number of JOB requests received.",
	})
	jobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppcd_worker_jobs_succeeded_total",
		Help: "Total number of jobs that compiled successfully.",
	})
	jobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppcd_worker_jobs_failed_total",
		Help: "Total number of jobs that failed, for any reason.",
	})
)

func init() {
	prometheus.MustRegister(jobsReceived, jobsSucceeded, jobsFailed)
}

// Server is the worker daemon. Each accepted connection is handled by an
// independent goroutine; the Server itself holds no per-connection state.
type Server struct {
	// ScratchDir is the per-session root under which per-job workspaces are
	// created.
	ScratchDir string
	// Compilers resolves logical compiler names to paths on this machine.
	Compilers CompilerTable
	// ctx, if set, bounds the lifetime of spawned compiler subprocesses;
	// tests may override it, production uses context.Background().
	ctx context.Context
}

func (s *Server) context() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// ListenAndServe opens addr and serves connections until the listener is
// closed or an unrecoverable error occurs.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Notice("Worker daemon listening on %s", lis.Addr())
	return s.Serve(lis)
}

// Serve accepts connections on lis until it is closed, dispatching each to
// its own goroutine.
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn runs the per-connection frame loop until QUIT, EOF, or a
// transport error. No explicit error is ever sent back to the client for a
// connection-level I/O failure; the connection is simply closed.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		switch f.Tag {
		case protocol.TagPing:
			s.handlePing(conn)
		case protocol.TagJob:
			if !s.handleJob(conn, f) {
				return
			}
		case protocol.TagQuit:
			return
		default:
			protocol.WriteFrame(conn, protocol.TagErr, []byte(fmt.Sprintf("unexpected tag %s", f.Tag)))
		}
	}
}

func (s *Server) handlePing(conn net.Conn) {
	info := sysinfo.Gather()
	f, err := protocol.EncodeJSON(protocol.TagPong, info)
	if err != nil {
		log.Error("Failed to encode PONG: %s", err)
		return
	}
	if err := protocol.WriteFrame(conn, f.Tag, f.Payload); err != nil {
		log.Warning("Failed to send PONG: %s", err)
	}
}

// handleJob runs the full job state machine for one JOB frame. It returns
// false if a transport-level error means the connection should be closed.
func (s *Server) handleJob(conn net.Conn, jobFrame protocol.Frame) bool {
	jobsReceived.Inc()
	var req protocol.JobRequest
	if err := protocol.DecodeJSON(jobFrame, &req); err != nil {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, fmt.Sprintf("invalid job request: %s", err))
	}

	srcFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		return false
	}
	if !srcFrame.Is(protocol.TagSrc) {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, fmt.Sprintf("expected SRC, got %s", srcFrame.Tag))
	}

	hdrFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		return false
	}
	if !hdrFrame.Is(protocol.TagHdr) {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, fmt.Sprintf("expected HDR, got %s", hdrFrame.Tag))
	}
	headers, err := protocol.DecodeHeaderBundle(hdrFrame)
	if err != nil {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, fmt.Sprintf("invalid header bundle: %s", err))
	}

	ws, err := NewWorkspace(s.ScratchDir)
	if err != nil {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, fmt.Sprintf("failed to create workspace: %s", err))
	}
	defer ws.Close()

	ctx, cancel := context.WithTimeout(s.context(), CompileTimeout)
	defer cancel()
	scoped := &Server{ScratchDir: s.ScratchDir, Compilers: s.Compilers, ctx: ctx}

	tag, frames, err := scoped.runJob(ws, req, req.SourceName, srcFrame.Payload, headers)
	if err != nil {
		jobsFailed.Inc()
		return s.sendDiagnostic(conn, err.Error())
	}
	if tag == protocol.TagOK {
		jobsSucceeded.Inc()
	} else {
		jobsFailed.Inc()
	}
	for _, f := range frames {
		if err := protocol.WriteFrame(conn, f.Tag, f.Payload); err != nil {
			return false
		}
	}
	return true
}

func (s *Server) sendDiagnostic(conn net.Conn, msg string) bool {
	f := protocol.Diagnostic(msg)
	return protocol.WriteFrame(conn, f.Tag, f.Payload) == nil
}

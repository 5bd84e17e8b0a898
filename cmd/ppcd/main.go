// Package main implements the worker daemon: it accepts framed TCP
// connections and compiles whatever translation units arrive over them.
package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/cliutil"
	"github.com/thought-machine/ppcd/internal/worker"
)

var log = logging.MustGetLogger("ppcd")

var opts = struct {
	Usage string

	Port        int               `short:"p" long:"port" default:"5555" description:"Port to serve the compile protocol on"`
	Bind        string            `short:"b" long:"bind" default:"0.0.0.0" description:"Address to bind to"`
	MetricsPort int               `long:"metrics_port" default:"9555" description:"Port to serve Prometheus metrics on, 0 to disable"`
	ScratchDir  string            `long:"scratch_dir" default:"/tmp/ppcd" description:"Root directory under which per-job workspaces are created"`
	Compilers   map[string]string `long:"compiler" key-value-delimiter:"=" description:"name=path pairs for compilers this worker can run; unlisted names fall back to $PATH"`
	Verbosity   cliutil.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
}{
	Usage: `
ppcd is the worker daemon for the LAN compile-dispatch service.

It listens for length-prefixed framed connections from ppc-dispatch clients,
compiles whatever translation unit it's handed, and returns the resulting
object file (or a compiler error) over the same connection.
`,
}

func main() {
	cliutil.ParseFlagsOrDie("ppcd", "1.0.0", &opts)
	cliutil.InitLogging(opts.Verbosity)

	compilers := make(worker.CompilerTable, len(opts.Compilers))
	for name, path := range opts.Compilers {
		compilers[name] = path
	}

	if opts.MetricsPort > 0 {
		go serveMetrics(opts.MetricsPort)
	}

	s := &worker.Server{
		ScratchDir: opts.ScratchDir,
		Compilers:  compilers,
	}
	addr := opts.Bind + ":" + strconv.Itoa(opts.Port)
	log.Notice("Starting worker daemon on %s, scratch dir %s", addr, opts.ScratchDir)
	if err := s.ListenAndServe(addr); err != nil {
		log.Fatalf("%s", err)
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := ":" + strconv.Itoa(port)
	log.Notice("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server stopped: %s", err)
	}
}

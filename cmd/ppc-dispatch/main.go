// Package main implements ppc-dispatch, a standalone client for the
// compile-dispatch service: single-file compiles, batches of jobs read from
// a manifest, and pool health probes, for scripting and manual use.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/batch"
	"github.com/thought-machine/ppcd/internal/cliutil"
	"github.com/thought-machine/ppcd/internal/dispatcher"
	"github.com/thought-machine/ppcd/internal/pool"
)

var log = logging.MustGetLogger("ppc-dispatch")

var opts = struct {
	Usage string

	Hosts         string            `long:"hosts" description:"Comma-separated host:port[:weight[:cpus]] worker list" required:"true"`
	Fallback      bool              `long:"fallback" description:"Fall back to local compilation when no worker is available"`
	MetricsPort   int               `long:"metrics_port" default:"0" description:"Port to serve Prometheus metrics on, 0 to disable"`
	MaxObjectSize cliutil.ByteSize  `long:"max-object-size" default:"64MiB" description:"Reject an OBJ reply larger than this from any worker"`
	Verbosity     cliutil.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`

	Compile struct {
		Compiler string   `long:"compiler" required:"true" description:"Logical compiler name"`
		Source   string   `long:"source" required:"true" description:"Path to the source file"`
		Output   string   `long:"output" required:"true" description:"Path to write the resulting object file"`
		Include  []string `short:"I" description:"Include directory"`
		Define   []string `short:"D" description:"Preprocessor define"`
	} `command:"compile" description:"Dispatch a single compile job"`

	Batch struct {
		Manifest string `long:"manifest" required:"true" description:"Path to a newline-delimited manifest of compiler:source:output triples"`
	} `command:"batch" description:"Dispatch every job in a manifest with bounded parallelism"`

	Probe struct {
	} `command:"probe" description:"Refresh the worker pool and print its state"`
}{
	Usage: `
ppc-dispatch is a standalone client for the compile-dispatch service.

It exists for scripting and manual use: dispatching a single job, running a
batch of jobs from a manifest file, or probing the configured worker pool's
health without compiling anything.
`,
}

func main() {
	command := cliutil.ParseFlagsOrDie("ppc-dispatch", "1.0.0", &opts)
	cliutil.InitLogging(opts.Verbosity)

	if opts.MetricsPort > 0 {
		go serveMetrics(opts.MetricsPort)
	}

	p := buildPool(opts.Hosts)
	p.Refresh(context.Background())

	switch command {
	case "compile":
		runCompile(p)
	case "batch":
		runBatch(p)
	case "probe":
		runProbe(p)
	default:
		log.Fatalf("No subcommand given; one of compile, batch, probe is required")
	}
}

// buildPool parses a --hosts flag of the form
// "host:port[:weight[:cpus]],host:port,..." into a worker pool. Weight and
// expected CPU count are optional and default to 1 and 0 respectively.
// ExpectedCPU is only recorded on the endpoint; selection uses the cpu count
// each worker reports when probed.
func buildPool(hosts string) *pool.Pool {
	var endpoints []pool.WorkerEndpoint
	for _, entry := range strings.Split(hosts, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			log.Fatalf("Invalid host entry %q, expected host:port", entry)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			log.Fatalf("Invalid port in host entry %q: %s", entry, err)
		}
		weight := 1.0
		cpus := 0
		if len(parts) >= 3 {
			if w, err := strconv.ParseFloat(parts[2], 64); err == nil {
				weight = w
			}
		}
		if len(parts) >= 4 {
			if c, err := strconv.Atoi(parts[3]); err == nil {
				cpus = c
			}
		}
		endpoints = append(endpoints, pool.WorkerEndpoint{
			Host:        parts[0],
			Port:        port,
			Name:        entry,
			Weight:      weight,
			ExpectedCPU: cpus,
		})
	}
	if len(endpoints) == 0 {
		log.Fatalf("No workers configured in --hosts")
	}
	return pool.New(endpoints)
}

func newDispatcher(p *pool.Pool) *dispatcher.Dispatcher {
	d := dispatcher.New(p, opts.Fallback)
	d.MaxObjectSize = uint64(opts.MaxObjectSize)
	return d
}

func runCompile(p *pool.Pool) {
	d := newDispatcher(p)
	job := dispatcher.CompileJob{
		JobID:        p.NextJobID(),
		SourcePath:   opts.Compile.Source,
		OutputPath:   opts.Compile.Output,
		Compiler:     opts.Compile.Compiler,
		IncludePaths: opts.Compile.Include,
		Defines:      opts.Compile.Define,
	}
	res, err := d.CompileFile(job)
	if err != nil {
		log.Fatalf("Dispatch failed: %s", err)
	}
	fmt.Fprint(os.Stderr, res.Stderr)
	if !res.Success {
		os.Exit(nonZero(res.ReturnCode))
	}
}

func runBatch(p *pool.Pool) {
	f, err := os.Open(opts.Batch.Manifest)
	if err != nil {
		log.Fatalf("Failed to open manifest: %s", err)
	}
	defer f.Close()

	d := newDispatcher(p)
	s := batch.New(d)

	var jobs []dispatcher.CompileJob
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			log.Fatalf("Invalid manifest line %q, expected compiler:source:output", line)
		}
		jobs = append(jobs, dispatcher.CompileJob{
			JobID:      p.NextJobID(),
			Compiler:   parts[0],
			SourcePath: parts[1],
			OutputPath: parts[2],
		})
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Failed to read manifest: %s", err)
	}

	results, err := s.Run(jobs)
	failed := 0
	for path, r := range results {
		if r.Err != nil {
			log.Error("%s: %s", path, r.Err)
			failed++
			continue
		}
		if !r.CompileResult.Success {
			log.Error("%s: compile failed\n%s", path, r.CompileResult.Stderr)
			failed++
		}
	}
	if err != nil {
		log.Warning("Batch completed with errors: %s", err)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runProbe(p *pool.Pool) {
	for _, w := range p.Snapshot() {
		fmt.Printf("%-20s %-22s available=%-5t cpus=%-3d load=%-6.2f active=%-3d total_jobs=%d\n",
			w.Name, w.Address(), w.Available, w.CPUs, w.Load, w.ActiveJobs, w.TotalJobs)
	}
}

func nonZero(rc int) int {
	if rc == 0 {
		return 1
	}
	return rc
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

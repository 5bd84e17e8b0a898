// Package main implements ppc-cc, the drop-in compiler-driver wrapper.
// It is invoked under an aliased name (ppc-gcc, ppc-g++, ...), decides
// whether the invocation is a compilable translation unit, and if so hands
// it to the dispatcher instead of running the compiler locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/ppcd/internal/dispatcher"
	"github.com/thought-machine/ppcd/internal/pool"
	"github.com/thought-machine/ppcd/internal/wrapper"
)

var log = logging.MustGetLogger("ppc-cc")

// defaultHosts is consulted only when PPC_HOSTS is unset; a real deployment
// is expected to set it, this just keeps a single-machine invocation from
// immediately failing with no workers configured at all.
var defaultHosts = []string{"127.0.0.1:5555"}

func main() {
	env := wrapper.ParseEnv(os.LookupEnv)
	argv := os.Args[1:]

	if env.Verbose {
		logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	} else {
		logging.SetLevel(logging.WARNING, "")
	}

	invoked := filepath.Base(os.Args[0])
	compiler := env.CompilerOverride
	if compiler == "" {
		compiler = wrapper.LogicalCompiler(invoked)
	}

	if env.Disabled || !wrapper.IsCompileJob(argv) {
		os.Exit(runLocal(compiler, argv))
	}

	job := wrapper.Classify(argv)
	hosts := env.HostsOverride
	var endpoints []string
	if hosts != "" {
		endpoints = wrapper.HostList(hosts)
	} else {
		endpoints = defaultHosts
	}

	p := buildPool(endpoints)
	p.Refresh(context.Background())

	d := dispatcher.New(p, env.FallbackEnabled)

	cj := dispatcher.CompileJob{
		JobID:        p.NextJobID(),
		SourcePath:   job.SourcePath,
		OutputPath:   job.OutputPath,
		Compiler:     compiler,
		Args:         job.Args,
		IncludePaths: job.IncludePaths,
		Defines:      job.Defines,
	}

	res, err := d.CompileFile(cj)
	if err != nil {
		log.Error("Dispatch failed: %s", err)
		os.Exit(1)
	}
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Stdout != "" {
		fmt.Fprint(os.Stdout, res.Stdout)
	}
	if !res.Success {
		os.Exit(nonZero(res.ReturnCode))
	}
	os.Exit(0)
}

// buildPool treats every configured host as host:port, uninferred weight/cpu
// defaults in line with ppc-dispatch, since distribution here is local to
// the invoking machine's configured worker set.
func buildPool(hosts []string) *pool.Pool {
	var endpoints []pool.WorkerEndpoint
	for _, h := range hosts {
		host, port, err := splitHostPort(h)
		if err != nil {
			log.Warning("Skipping invalid host %q: %s", h, err)
			continue
		}
		endpoints = append(endpoints, pool.WorkerEndpoint{Host: host, Port: port, Name: h, Weight: 1})
	}
	return pool.New(endpoints)
}

func splitHostPort(entry string) (string, int, error) {
	idx := strings.LastIndex(entry, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("expected host:port")
	}
	port, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return entry[:idx], port, nil
}

// runLocal forwards argv untouched to the real compiler, used when
// distribution is disabled or the invocation isn't a compile job at all.
func runLocal(compiler string, argv []string) int {
	path, err := exec.LookPath(compiler)
	if err != nil {
		path = compiler
	}
	cmd := exec.Command(path, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		log.Error("Failed to run %s: %s", compiler, err)
		return 1
	}
	return 0
}

func nonZero(rc int) int {
	if rc == 0 {
		return 1
	}
	return rc
}

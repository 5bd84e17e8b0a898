package batch

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/ppcd/internal/dispatcher"
	"github.com/thought-machine/ppcd/internal/pool"
	"github.com/thought-machine/ppcd/internal/worker"
)

func fakeCompiler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecc")
	script := "#!/bin/sh\nout=\"\"\nsrc=\"\"\nwhile [ $# -gt 0 ]; do\n  case \"$1\" in\n    -o) shift; out=\"$1\" ;;\n    -c) shift; src=\"$1\" ;;\n  esac\n  shift\ndone\necho \"obj:$src\" > \"$out\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func startWorker(t *testing.T, name, ccPath string, cpus int) pool.WorkerEndpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	s := &worker.Server{ScratchDir: t.TempDir(), Compilers: worker.CompilerTable{"cc": ccPath}}
	go s.Serve(lis)
	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return pool.WorkerEndpoint{Host: host, Port: port, Name: name, Weight: 1, ExpectedCPU: cpus}
}

func TestBatchOfTenJobsTwoWorkers(t *testing.T) {
	cc := fakeCompiler(t)
	e1 := startWorker(t, "w1", cc, 2)
	e2 := startWorker(t, "w2", cc, 2)
	p := pool.New([]pool.WorkerEndpoint{e1, e2})
	p.Refresh(context.Background())

	d := dispatcher.New(p, false)
	s := New(d)

	dir := t.TempDir()
	jobs := make([]dispatcher.CompileJob, 10)
	for i := range jobs {
		src := filepath.Join(dir, fmt.Sprintf("f%d.c", i))
		require.NoError(t, os.WriteFile(src, []byte("int main(){}"), 0644))
		jobs[i] = dispatcher.CompileJob{
			JobID:      fmt.Sprintf("job-%d", i),
			SourcePath: src,
			OutputPath: filepath.Join(dir, fmt.Sprintf("f%d.o", i)),
			Compiler:   "cc",
		}
	}

	results, err := s.Run(jobs)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	for path, r := range results {
		assert.NoError(t, r.Err, path)
		assert.True(t, r.CompileResult.Success, path)
	}

	snap := p.Snapshot()
	usedWorkers := map[string]bool{}
	for _, w := range snap {
		assert.Equal(t, 0, w.ActiveJobs)
		if w.TotalJobs > 0 {
			usedWorkers[w.Name] = true
		}
	}
	assert.Len(t, usedWorkers, 2, "both workers should have handled some share")
}

func TestBatchRunsCorrectlyWithExplicitParallelismOne(t *testing.T) {
	cc := fakeCompiler(t)
	e1 := startWorker(t, "w1", cc, 2)
	e2 := startWorker(t, "w2", cc, 2)
	p := pool.New([]pool.WorkerEndpoint{e1, e2})
	p.Refresh(context.Background())

	d := dispatcher.New(p, false)
	s := New(d)
	s.Parallelism = 1
	assert.Equal(t, 1, s.parallelism())

	dir := t.TempDir()
	jobs := make([]dispatcher.CompileJob, 6)
	for i := range jobs {
		src := filepath.Join(dir, fmt.Sprintf("g%d.c", i))
		require.NoError(t, os.WriteFile(src, []byte("int main(){}"), 0644))
		jobs[i] = dispatcher.CompileJob{
			JobID:      fmt.Sprintf("job-%d", i),
			SourcePath: src,
			OutputPath: filepath.Join(dir, fmt.Sprintf("g%d.o", i)),
			Compiler:   "cc",
		}
	}

	results, err := s.Run(jobs)
	require.NoError(t, err)
	assert.Len(t, results, 6)
	for _, r := range results {
		assert.True(t, r.CompileResult.Success)
	}
	for _, w := range p.Snapshot() {
		assert.Equal(t, 0, w.ActiveJobs)
	}
}

func TestDefaultParallelismFloor(t *testing.T) {
	p := pool.New([]pool.WorkerEndpoint{{Host: "127.0.0.1", Port: 1, Name: "down", Weight: 1}})
	assert.Equal(t, MinParallelism, defaultParallelism(p))
}

func TestDefaultParallelismSumsAvailableCPUs(t *testing.T) {
	cc := fakeCompiler(t)
	e1 := startWorker(t, "w1", cc, 3)
	e2 := startWorker(t, "w2", cc, 3)
	p := pool.New([]pool.WorkerEndpoint{e1, e2})
	p.Refresh(context.Background())
	// Each fake worker reports real gopsutil cpu counts (>=1), not
	// ExpectedCPU, so the expected sum comes from the probed snapshot.
	sum := 0
	for _, w := range p.Snapshot() {
		if w.Available {
			sum += w.CPUs
		}
	}
	require.Positive(t, sum)
	expected := sum
	if expected < MinParallelism {
		expected = MinParallelism
	}
	assert.Equal(t, expected, defaultParallelism(p))
	assert.GreaterOrEqual(t, defaultParallelism(p), MinParallelism)
}

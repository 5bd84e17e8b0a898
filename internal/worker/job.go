package worker

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/thought-machine/ppcd/internal/protocol"
)

// jobState names the states of the job state machine for logging; the
// machine itself is linear and expressed as a sequence of function calls
// rather than an explicit state enum.
type jobState string

const (
	stateReceivedJob     jobState = "ReceivedJob"
	stateReceivedSource  jobState = "ReceivedSource"
	stateReceivedHeaders jobState = "ReceivedHeaders"
	stateCompiling       jobState = "Compiling"
	stateSucceeded       jobState = "Succeeded"
	stateFailed          jobState = "Failed"
)

// runJob drives one compile request through to a reply frame (or frames).
// It never returns an error for a compiler-side failure - those become an
// ERR frame - only for a hard protocol violation, which is also mapped to
// an ERR frame (a diagnostic string) by the caller.
func (s *Server) runJob(ws *Workspace, req protocol.JobRequest, srcName string, src []byte, headers protocol.HeaderBundle) (tag protocol.Tag, frames []protocol.Frame, err error) {
	state := stateReceivedJob
	defer func() {
		log.Debug("Job %s finished in state %s", req.JobID, state)
	}()

	if err := ws.WriteSource(srcName, src); err != nil {
		return "", nil, fmt.Errorf("writing source: %w", err)
	}
	state = stateReceivedSource

	if err := ws.WriteHeaders(headers); err != nil {
		return "", nil, fmt.Errorf("writing headers: %w", err)
	}
	state = stateReceivedHeaders

	compilerPath, err := s.Compilers.Resolve(req.Compiler)
	if err != nil {
		state = stateFailed
		return protocol.TagErr, errResponse(req.JobID, 1, "", fmt.Sprintf("unknown compiler %q: %s", req.Compiler, err), 0), nil
	}

	outputName := objectName(srcName)
	args := buildArgs(compilerPath, ws.Dir, req, srcName, outputName)

	state = stateCompiling
	start := time.Now()
	cmd := exec.CommandContext(s.context(), compilerPath, args[1:]...)
	cmd.Dir = ws.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	elapsed := time.Since(start).Seconds()

	if runErr != nil {
		state = stateFailed
		rc := 1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		}
		return protocol.TagErr, errResponse(req.JobID, rc, stdout.String(), stderr.String(), elapsed), nil
	}

	obj, err := ws.ReadObject(outputName)
	if err != nil {
		state = stateFailed
		return protocol.TagErr, errResponse(req.JobID, 1, stdout.String(), fmt.Sprintf("reading output object: %s", err), elapsed), nil
	}
	state = stateSucceeded

	okFrame, err := protocol.EncodeJSON(protocol.TagOK, protocol.JobResponseOK{
		Status:     "success",
		JobID:      req.JobID,
		OutputName: outputName,
		OutputSize: int64(len(obj)),
		Elapsed:    elapsed,
		Warnings:   stderr.String(),
	})
	if err != nil {
		return "", nil, err
	}
	objFrame := protocol.Frame{Tag: protocol.TagObj, Payload: obj}
	return protocol.TagOK, []protocol.Frame{okFrame, objFrame}, nil
}

func errResponse(jobID string, returncode int, stdout, stderr string, elapsed float64) []protocol.Frame {
	f, err := protocol.EncodeJSON(protocol.TagErr, protocol.JobResponseErr{
		Status:     "error",
		JobID:      jobID,
		ReturnCode: returncode,
		Stderr:     stderr,
		Stdout:     stdout,
		Elapsed:    elapsed,
	})
	if err != nil {
		// Marshaling a handful of strings and ints cannot fail in practice;
		// fall back to a bare diagnostic rather than dropping the reply.
		return []protocol.Frame{protocol.Diagnostic(fmt.Sprintf("job %s failed (rc %d)", jobID, returncode))}
	}
	return []protocol.Frame{f}
}

// objectName derives "<source_stem>.o" from the source's basename.
func objectName(sourceName string) string {
	ext := filepath.Ext(sourceName)
	return strings.TrimSuffix(sourceName, ext) + ".o"
}

// buildArgs assembles the compiler argument vector per spec.md §4.4 step 6.
func buildArgs(compilerPath, workDir string, req protocol.JobRequest, srcName, outputName string) []string {
	args := []string{compilerPath, "-I", workDir}
	for _, dir := range req.IncludePaths {
		args = append(args, "-I", dir)
	}
	for _, def := range req.Defines {
		args = append(args, "-D", def)
	}
	args = append(args, req.Args...)
	args = append(args, "-c", filepath.Join(workDir, srcName), "-o", filepath.Join(workDir, outputName))
	return args
}

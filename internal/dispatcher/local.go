package dispatcher

import (
	"bytes"
	"os/exec"
)

// LocalCompiler runs the real compiler as a subprocess on this machine,
// used for fallback when no worker is available or a remote dispatch fails.
// (ppc-cc runs invocations it does not distribute through its own runLocal.)
// Grounded on tools/mettle/worker's
// exec.CommandContext capture-stdout-and-stderr pattern.
type LocalCompiler struct{}

// LocalResult is the outcome of a local compile.
type LocalResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Compile runs compiler with args, returning its outcome. It never returns
// a non-nil error for a non-zero exit; err is reserved for cases the
// compiler itself could not even be started (e.g. not found).
func (LocalCompiler) Compile(compiler string, args []string) (LocalResult, error) {
	cmd := exec.Command(compiler, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	rc := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			return LocalResult{}, runErr
		}
	}
	return LocalResult{ReturnCode: rc, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

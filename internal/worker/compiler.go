package worker

import (
	"os"
	"os/exec"
)

// CompilerTable resolves a logical compiler name (e.g. "gcc", "g++-10",
// "clang++") to an absolute path on this machine. Per-machine path
// differences are pure configuration, never code: a table entry overrides
// the PATH search, but an unknown logical name simply falls back to being
// resolved as an executable name via the process search path.
type CompilerTable map[string]string

// Resolve returns the path to invoke for a logical compiler name. An entry
// present in the table but missing on disk still falls back to a PATH
// search, per spec.md §4.4 step 5.
func (t CompilerTable) Resolve(name string) (string, error) {
	if path, ok := t[name]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return exec.LookPath(name)
}

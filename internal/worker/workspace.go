package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
)

// Workspace is a per-job temporary directory on the worker, isolated from
// every other concurrent job. It is created on job receipt and torn down
// unconditionally on every exit path.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh workspace directory under root with a random
// suffix so no two concurrent jobs can collide.
func NewWorkspace(root string) (*Workspace, error) {
	dir := filepath.Join(root, "job-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path returns the absolute path of a file relative to the workspace root.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Dir, rel)
}

// WriteSource writes the raw source bytes verbatim; they are never decoded
// as text, only stored as opaque bytes.
func (w *Workspace) WriteSource(name string, data []byte) error {
	return os.WriteFile(w.Path(name), data, 0644)
}

// WriteHeaders materializes a bundle of sidecar headers under the
// workspace, creating any intermediate directories the relative paths need.
func (w *Workspace) WriteHeaders(bundle map[string][]byte) error {
	for rel, content := range bundle {
		dest := w.Path(rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating header directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return fmt.Errorf("writing header %s: %w", rel, err)
		}
	}
	return nil
}

// ReadObject reads the compiled object file back out of the workspace.
func (w *Workspace) ReadObject(name string) ([]byte, error) {
	return os.ReadFile(w.Path(name))
}

// Close removes the workspace directory and everything in it. Cleanup
// failures are logged and swallowed: a stuck rmtree must never fail a job
// that has already completed.
func (w *Workspace) Close() {
	// godirwalk.Walk with PostChildrenCallback gives a cheap, dependency-exercising
	// leaf-first removal; fall back to the simpler os.RemoveAll if it errors
	// on some exotic filesystem entry, since cleanup must never be fatal.
	err := godirwalk.Walk(w.Dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			return os.Remove(path)
		},
		PostChildrenCallback: func(path string, _ *godirwalk.Dirent) error {
			return os.Remove(path)
		},
	})
	if err != nil {
		if rmErr := os.RemoveAll(w.Dir); rmErr != nil {
			log.Warning("Failed to remove workspace %s: %s", w.Dir, rmErr)
		}
	}
}

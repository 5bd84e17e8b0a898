// Package wrapper implements the argument classification the drop-in
// compiler-driver wrapper needs: deciding whether an invocation is a
// compilable translation unit, and if so extracting the source, output,
// include paths, defines, and residual pass-through flags.
package wrapper

import (
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// sourceExtensions are the suffixes that make a non-flag argument count as
// a translation unit for the "is this a compile job" test.
var sourceExtensions = []string{".c", ".cpp", ".cc", ".cxx", ".m", ".mm"}

// Job is the result of successfully classifying a compile invocation.
type Job struct {
	SourcePath   string
	OutputPath   string
	IncludePaths []string
	Defines      []string
	Args         []string
}

// IsCompileJob reports whether argv represents a single compilable
// translation unit: it must contain "-c" and at least one non-flag
// argument ending in a recognized source extension.
func IsCompileJob(argv []string) bool {
	hasDashC := false
	hasSource := false
	for _, a := range argv {
		if a == "-c" {
			hasDashC = true
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		if hasSourceExtension(a) {
			hasSource = true
		}
	}
	return hasDashC && hasSource
}

func hasSourceExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range sourceExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Classify extracts a Job from argv. The caller must have already checked
// IsCompileJob; Classify assumes one source file is present and takes the
// first it finds.
func Classify(argv []string) Job {
	job := Job{}
	var residual []string
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case a == "-c":
			// consumed implicitly; never forwarded as a residual flag
		case a == "-o":
			if i+1 < len(argv) {
				i++
				job.OutputPath = argv[i]
			}
		case strings.HasPrefix(a, "-I"):
			if a == "-I" && i+1 < len(argv) {
				i++
				job.IncludePaths = append(job.IncludePaths, argv[i])
			} else {
				job.IncludePaths = append(job.IncludePaths, strings.TrimPrefix(a, "-I"))
			}
		case strings.HasPrefix(a, "-D"):
			if a == "-D" && i+1 < len(argv) {
				i++
				job.Defines = append(job.Defines, argv[i])
			} else {
				job.Defines = append(job.Defines, strings.TrimPrefix(a, "-D"))
			}
		case job.SourcePath == "" && !strings.HasPrefix(a, "-") && hasSourceExtension(a):
			job.SourcePath = a
		default:
			residual = append(residual, a)
		}
	}
	if job.OutputPath == "" && job.SourcePath != "" {
		ext := filepath.Ext(job.SourcePath)
		job.OutputPath = strings.TrimSuffix(job.SourcePath, ext) + ".o"
	}
	job.Args = ExpandResidual(residual)
	return job
}

// ExpandResidual re-splits any residual argument that arrived as a single
// pre-joined string (e.g. a $(CC) $(CFLAGS) invocation where CFLAGS itself
// contained embedded spaces). Arguments that are already atomic argv
// elements pass through untouched; shlex only fires on ones containing
// whitespace.
func ExpandResidual(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.ContainsAny(a, " \t") {
			out = append(out, a)
			continue
		}
		split, err := shlex.Split(a)
		if err != nil {
			out = append(out, a)
			continue
		}
		out = append(out, split...)
	}
	return out
}

package wrapper

import "strings"

// aliasTable maps the drop-in wrapper's invoked name to a logical compiler
// name understood by the worker's CompilerTable.
var aliasTable = map[string]string{
	"ppc-gcc":     "gcc",
	"ppc-g++":     "g++",
	"ppc-clang":   "clang",
	"ppc-clang++": "clang++",
	"ppc-gcc-10":  "gcc-10",
	"ppc-cc":      "cc",
	"ppc-c++":     "c++",
}

// LogicalCompiler resolves the invoked alias name to a logical compiler
// name, falling back to stripping a leading "ppc-" if the alias isn't in
// the table, and finally to the name verbatim.
func LogicalCompiler(invokedName string) string {
	if logical, ok := aliasTable[invokedName]; ok {
		return logical
	}
	if trimmed := strings.TrimPrefix(invokedName, "ppc-"); trimmed != invokedName {
		return trimmed
	}
	return invokedName
}

// Env holds the recognized environment variables from spec.md §6.
type Env struct {
	HostsOverride    string // comma-separated list, takes precedence over built-in list
	FallbackEnabled  bool   // default true; only "0" disables it
	Verbose          bool   // presence enables diagnostic logs
	Disabled         bool   // presence forces local compilation unconditionally
	CompilerOverride string // overrides the logical compiler name
}

// EnvKeys names the environment variables ppc-cc recognizes.
const (
	EnvHosts    = "PPC_HOSTS"
	EnvFallback = "PPC_FALLBACK"
	EnvVerbose  = "PPC_VERBOSE"
	EnvDisable  = "PPC_DISABLE"
	EnvCompiler = "PPC_COMPILER"
)

// ParseEnv reads the recognized environment variables via lookup, a small
// seam so callers (and tests) can supply a fake environment instead of the
// process's real one.
func ParseEnv(lookup func(string) (string, bool)) Env {
	env := Env{FallbackEnabled: true}
	if v, ok := lookup(EnvHosts); ok {
		env.HostsOverride = v
	}
	if v, ok := lookup(EnvFallback); ok {
		env.FallbackEnabled = v != "0"
	}
	if _, ok := lookup(EnvVerbose); ok {
		env.Verbose = true
	}
	if _, ok := lookup(EnvDisable); ok {
		env.Disabled = true
	}
	if v, ok := lookup(EnvCompiler); ok {
		env.CompilerOverride = v
	}
	return env
}

// HostList splits a comma-separated override string into trimmed entries.
func HostList(override string) []string {
	if override == "" {
		return nil
	}
	parts := strings.Split(override, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

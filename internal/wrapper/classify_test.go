package wrapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCompileJobTrueForSimpleInvocation(t *testing.T) {
	assert.True(t, IsCompileJob([]string{"-c", "foo.c", "-o", "foo.o"}))
}

func TestIsCompileJobFalseWithoutDashC(t *testing.T) {
	assert.False(t, IsCompileJob([]string{"foo.c", "-o", "foo"}))
}

func TestIsCompileJobFalseWithoutSourceExtension(t *testing.T) {
	assert.False(t, IsCompileJob([]string{"-c", "foo.txt"}))
}

func TestIsCompileJobTrueForVariousExtensions(t *testing.T) {
	for _, ext := range []string{".c", ".cpp", ".cc", ".cxx", ".m", ".mm"} {
		assert.True(t, IsCompileJob([]string{"-c", "foo" + ext}), ext)
	}
}

func TestClassifyExtractsSourceAndOutput(t *testing.T) {
	job := Classify([]string{"-c", "foo.c", "-o", "foo.o"})
	assert.Equal(t, "foo.c", job.SourcePath)
	assert.Equal(t, "foo.o", job.OutputPath)
}

func TestClassifyDefaultsOutputFromSourceStem(t *testing.T) {
	job := Classify([]string{"-c", "bar.cpp"})
	assert.Equal(t, "bar.o", job.OutputPath)
}

func TestClassifyCollectsIncludesBothForms(t *testing.T) {
	job := Classify([]string{"-Ifoo", "-I", "bar", "-c", "x.c"})
	assert.Equal(t, []string{"foo", "bar"}, job.IncludePaths)
}

func TestClassifyCollectsDefinesBothForms(t *testing.T) {
	job := Classify([]string{"-DFOO=1", "-D", "BAR", "-c", "x.c"})
	assert.Equal(t, []string{"FOO=1", "BAR"}, job.Defines)
}

func TestClassifyPassesResidualFlagsThrough(t *testing.T) {
	job := Classify([]string{"-O2", "-Wall", "-c", "x.c"})
	assert.Equal(t, []string{"-O2", "-Wall"}, job.Args)
}

func TestClassifyExpandsPreJoinedResidualArg(t *testing.T) {
	job := Classify([]string{"-O2 -Wall", "-c", "x.c"})
	assert.Equal(t, []string{"-O2", "-Wall"}, job.Args)
}

func TestClassifyIgnoresDashCAsResidual(t *testing.T) {
	job := Classify([]string{"-c", "x.c"})
	assert.Empty(t, job.Args)
}

func TestClassifyTakesFirstSourceOnly(t *testing.T) {
	job := Classify([]string{"-c", "one.c", "two.c"})
	assert.Equal(t, "one.c", job.SourcePath)
	assert.Equal(t, []string{"two.c"}, job.Args)
}

func TestExpandResidualLeavesAtomicArgsAlone(t *testing.T) {
	assert.Equal(t, []string{"-O2"}, ExpandResidual([]string{"-O2"}))
}

func TestExpandResidualSplitsWhitespace(t *testing.T) {
	assert.Equal(t, []string{"-O2", "-Wall"}, ExpandResidual([]string{"-O2 -Wall"}))
}

func TestLogicalCompilerUsesAliasTable(t *testing.T) {
	assert.Equal(t, "gcc", LogicalCompiler("ppc-gcc"))
	assert.Equal(t, "g++", LogicalCompiler("ppc-g++"))
	assert.Equal(t, "clang", LogicalCompiler("ppc-clang"))
}

func TestLogicalCompilerFallsBackToStrippingPrefix(t *testing.T) {
	assert.Equal(t, "gcc-12", LogicalCompiler("ppc-gcc-12"))
}

func TestLogicalCompilerFallsBackToVerbatimName(t *testing.T) {
	assert.Equal(t, "somecc", LogicalCompiler("somecc"))
}

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParseEnvHostsOverride(t *testing.T) {
	env := ParseEnv(fakeEnv(map[string]string{EnvHosts: "a:1,b:2"}))
	assert.Equal(t, "a:1,b:2", env.HostsOverride)
}

func TestParseEnvFallbackEnabledUnlessZero(t *testing.T) {
	assert.True(t, ParseEnv(fakeEnv(map[string]string{EnvFallback: "1"})).FallbackEnabled)
	assert.True(t, ParseEnv(fakeEnv(map[string]string{EnvFallback: "yes"})).FallbackEnabled)
	assert.False(t, ParseEnv(fakeEnv(map[string]string{EnvFallback: "0"})).FallbackEnabled)
	// Absent entirely, fallback defaults to enabled: spec.md §1 requires
	// graceful degradation by default when workers are unreachable.
	assert.True(t, ParseEnv(fakeEnv(map[string]string{})).FallbackEnabled)
}

func TestParseEnvVerboseAndDisabledArePresenceFlags(t *testing.T) {
	env := ParseEnv(fakeEnv(map[string]string{EnvVerbose: "", EnvDisable: ""}))
	assert.True(t, env.Verbose)
	assert.True(t, env.Disabled)

	env = ParseEnv(fakeEnv(map[string]string{}))
	assert.False(t, env.Verbose)
	assert.False(t, env.Disabled)
}

func TestParseEnvCompilerOverride(t *testing.T) {
	env := ParseEnv(fakeEnv(map[string]string{EnvCompiler: "clang-15"}))
	assert.Equal(t, "clang-15", env.CompilerOverride)
}

func TestHostListSplitsAndTrims(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, HostList(" a:1 , b:2 "))
}

func TestHostListEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, HostList(""))
}

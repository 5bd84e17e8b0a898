package worker

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/ppcd/internal/protocol"
)

// fakeCompiler writes a shell script masquerading as a compiler: it looks
// for "-c <src> -o <out>" and either writes a dummy object file (exit 0) or
// fails with a message on stderr, depending on the source's content.
func fakeCompiler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecc")
	script := `#!/bin/sh
out=""
src=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) shift; out="$1" ;;
    -c) shift; src="$1" ;;
  esac
  shift
done
if grep -q BADSYNTAX "$src"; then
  echo "error: BADSYNTAX near line 1" >&2
  exit 1
fi
echo "fake object for $src" > "$out"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func dialPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, _ := lis.Accept()
		serverConnCh <- c
	}()
	client, err = net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	server = <-serverConnCh
	return client, server
}

func TestHandleJobSuccess(t *testing.T) {
	ccPath := fakeCompiler(t)
	s := &Server{ScratchDir: t.TempDir(), Compilers: CompilerTable{"cc": ccPath}}

	client, server := dialPair(t)
	defer client.Close()
	go s.handleConn(server)

	req := protocol.JobRequest{JobID: "j1", Compiler: "cc", SourceName: "hello.c"}
	jobFrame, err := protocol.EncodeJSON(protocol.TagJob, req)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(client, jobFrame.Tag, jobFrame.Payload))
	require.NoError(t, protocol.WriteFrame(client, protocol.TagSrc, []byte("int main(void){return 0;}")))
	hdrFrame, err := protocol.EncodeHeaderBundle(nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(client, hdrFrame.Tag, hdrFrame.Payload))

	okFrame, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, protocol.TagOK, okFrame.Tag)
	var ok protocol.JobResponseOK
	require.NoError(t, protocol.DecodeJSON(okFrame, &ok))
	assert.Equal(t, "success", ok.Status)
	assert.Equal(t, "hello.o", ok.OutputName)

	objFrame, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagObj, objFrame.Tag)
	assert.Contains(t, string(objFrame.Payload), "fake object for")
}

func TestHandleJobCompilerError(t *testing.T) {
	ccPath := fakeCompiler(t)
	s := &Server{ScratchDir: t.TempDir(), Compilers: CompilerTable{"cc": ccPath}}

	client, server := dialPair(t)
	defer client.Close()
	go s.handleConn(server)

	req := protocol.JobRequest{JobID: "j2", Compiler: "cc", SourceName: "bad.c"}
	jobFrame, _ := protocol.EncodeJSON(protocol.TagJob, req)
	require.NoError(t, protocol.WriteFrame(client, jobFrame.Tag, jobFrame.Payload))
	require.NoError(t, protocol.WriteFrame(client, protocol.TagSrc, []byte("BADSYNTAX")))
	hdrFrame, _ := protocol.EncodeHeaderBundle(nil)
	require.NoError(t, protocol.WriteFrame(client, hdrFrame.Tag, hdrFrame.Payload))

	errFrame, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, protocol.TagErr, errFrame.Tag)
	var resp protocol.JobResponseErr
	require.NoError(t, protocol.DecodeJSON(errFrame, &resp))
	assert.Equal(t, "error", resp.Status)
	assert.NotZero(t, resp.ReturnCode)
	assert.Contains(t, resp.Stderr, "BADSYNTAX")
}

func TestHandleJobUnknownCompiler(t *testing.T) {
	s := &Server{ScratchDir: t.TempDir(), Compilers: CompilerTable{}}
	client, server := dialPair(t)
	defer client.Close()
	go s.handleConn(server)

	req := protocol.JobRequest{JobID: "j3", Compiler: "totally-not-a-real-compiler-xyz", SourceName: "a.c"}
	jobFrame, _ := protocol.EncodeJSON(protocol.TagJob, req)
	require.NoError(t, protocol.WriteFrame(client, jobFrame.Tag, jobFrame.Payload))
	require.NoError(t, protocol.WriteFrame(client, protocol.TagSrc, []byte("int main(){}")))
	hdrFrame, _ := protocol.EncodeHeaderBundle(nil)
	require.NoError(t, protocol.WriteFrame(client, hdrFrame.Tag, hdrFrame.Payload))

	errFrame, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagErr, errFrame.Tag)
}

func TestWorkspaceRemovedAfterJob(t *testing.T) {
	ccPath := fakeCompiler(t)
	scratch := t.TempDir()
	s := &Server{ScratchDir: scratch, Compilers: CompilerTable{"cc": ccPath}}
	client, server := dialPair(t)
	defer client.Close()
	go s.handleConn(server)

	req := protocol.JobRequest{JobID: "j4", Compiler: "cc", SourceName: "ws.c"}
	jobFrame, _ := protocol.EncodeJSON(protocol.TagJob, req)
	require.NoError(t, protocol.WriteFrame(client, jobFrame.Tag, jobFrame.Payload))
	require.NoError(t, protocol.WriteFrame(client, protocol.TagSrc, []byte("int main(){}")))
	hdrFrame, _ := protocol.EncodeHeaderBundle(nil)
	require.NoError(t, protocol.WriteFrame(client, hdrFrame.Tag, hdrFrame.Payload))
	_, err := protocol.ReadFrame(client) // OK
	require.NoError(t, err)
	_, err = protocol.ReadFrame(client) // OBJ
	require.NoError(t, err)
	// The workspace is removed when the job handler returns, which is after
	// the frames are sent; QUIT and wait for the server to close the
	// connection so the handler has finished before looking.
	require.NoError(t, protocol.WriteFrame(client, protocol.TagQuit, nil))
	_, err = protocol.ReadFrame(client)
	require.Error(t, err)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPingReturnsSystemInfo(t *testing.T) {
	s := &Server{ScratchDir: t.TempDir()}
	client, server := dialPair(t)
	defer client.Close()
	go s.handleConn(server)

	require.NoError(t, protocol.WriteFrame(client, protocol.TagPing, nil))
	f, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, protocol.TagPong, f.Tag)
	var info protocol.SystemInfo
	require.NoError(t, protocol.DecodeJSON(f, &info))
	assert.GreaterOrEqual(t, info.CPUs, 1)
	assert.NotEmpty(t, info.Arch)
}

func TestCompilerTableFallsBackToPath(t *testing.T) {
	table := CompilerTable{}
	path, err := table.Resolve("sh")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestCompilerTableExplicitOverride(t *testing.T) {
	real := fakeCompiler(t)
	table := CompilerTable{"mycc": real}
	path, err := table.Resolve("mycc")
	require.NoError(t, err)
	assert.Equal(t, real, path)
}

func TestCompilerTableFallsBackWhenConfiguredPathMissing(t *testing.T) {
	table := CompilerTable{"sh": "/opt/nonexistent/sh"}
	path, err := table.Resolve("sh")
	require.NoError(t, err)
	assert.NotEqual(t, "/opt/nonexistent/sh", path)
}

func TestObjectNameDerivesStem(t *testing.T) {
	assert.Equal(t, "foo.o", objectName("foo.c"))
	assert.Equal(t, "bar.o", objectName("bar.cpp"))
}

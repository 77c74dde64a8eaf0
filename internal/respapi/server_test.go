package respapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/coordstore"
	"github.com/dreamware/slotctl/internal/migration"
	"github.com/dreamware/slotctl/internal/slotmap"
)

// mockConn records every reply token in order. Arrays are "*n", simple
// strings "+s", errors "-s", bulks their content and nulls nil.
type mockConn struct {
	out    []any
	closed bool
}

func (m *mockConn) WriteString(s string)           { m.out = append(m.out, "+"+s) }
func (m *mockConn) WriteError(s string)            { m.out = append(m.out, "-"+s) }
func (m *mockConn) WriteBulk(b []byte)             { m.out = append(m.out, string(b)) }
func (m *mockConn) WriteBulkString(s string)       { m.out = append(m.out, s) }
func (m *mockConn) WriteInt(n int)                 { m.out = append(m.out, int64(n)) }
func (m *mockConn) WriteInt64(n int64)             { m.out = append(m.out, n) }
func (m *mockConn) WriteUint64(n uint64)           { m.out = append(m.out, int64(n)) }
func (m *mockConn) WriteArray(n int)               { m.out = append(m.out, "*"+strconv.Itoa(n)) }
func (m *mockConn) WriteNull()                     { m.out = append(m.out, nil) }
func (m *mockConn) WriteRaw(b []byte)              { m.out = append(m.out, string(b)) }
func (m *mockConn) WriteAny(v interface{})         { m.out = append(m.out, v) }
func (m *mockConn) Context() interface{}           { return nil }
func (m *mockConn) SetContext(v interface{})       {}
func (m *mockConn) SetReadBuffer(n int)            {}
func (m *mockConn) Detach() redcon.DetachedConn    { return nil }
func (m *mockConn) ReadPipeline() []redcon.Command { return nil }
func (m *mockConn) PeekPipeline() []redcon.Command { return nil }
func (m *mockConn) NetConn() net.Conn              { return nil }
func (m *mockConn) RemoteAddr() string             { return "127.0.0.1:12345" }
func (m *mockConn) Close() error                   { m.closed = true; return nil }

type nodeList []cluster.Node

func (n nodeList) List(context.Context) ([]cluster.Node, error) { return n, nil }

type failingNodes struct{}

func (failingNodes) List(context.Context) ([]cluster.Node, error) {
	return nil, cluster.ErrCoordinationUnavailable
}

type jobMap map[string]migration.JobStatus

func (j jobMap) Job(id string) (migration.JobStatus, bool) {
	st, ok := j[id]
	return st, ok
}

var testNodes = nodeList{
	{ID: 0, MasterAddr: "10.0.0.1:7000", SlaveAddr: "10.0.0.11:7000"},
	{ID: 1, MasterAddr: "10.0.0.2:7000"},
}

// newTestServer returns a server over a map split between nodes 0 and 1.
func newTestServer(t *testing.T, ready bool) *Server {
	t.Helper()
	ctx := context.Background()
	slots := slotmap.NewManager(coordstore.NewMemoryStore(), filepath.Join(t.TempDir(), "slotmap"))
	require.NoError(t, slots.Load(ctx))
	if ready {
		require.NoError(t, slots.Initialize(ctx, []int{0, 1}))
	}

	jobs := jobMap{"m1": {ID: "m1", Kind: migration.KindMigrate, State: migration.StateSucceeded,
		Range: cluster.SlotRange{Start: 0, End: 9}, Target: 1}}
	return NewServer("127.0.0.1:0", slots, testNodes, jobs)
}

func run(s *Server, args ...string) *mockConn {
	cmd := redcon.Command{}
	for _, a := range args {
		cmd.Args = append(cmd.Args, []byte(a))
	}
	conn := &mockConn{}
	s.handleCommand(conn, cmd)
	return conn
}

func TestPing(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, []any{"+PONG"}, run(s, "PING").out)
	assert.Equal(t, []any{"hello"}, run(s, "ping", "hello").out)
	assert.Equal(t, []any{"-ERR wrong number of arguments for 'ping' command"}, run(s, "PING", "a", "b").out)
}

func TestSlotmapVersion(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, []any{int64(1)}, run(s, "SLOTMAP", "VERSION").out)
}

func TestSlotmapGet(t *testing.T) {
	s := newTestServer(t, true)

	conn := run(s, "SLOTMAP", "GET", "8191", "8192")
	assert.Equal(t, []any{
		"*2",
		"*3", int64(8191), int64(0), int64(0),
		"*3", int64(8192), int64(1), int64(0),
	}, conn.out)
}

func TestSlotmapGetErrors(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		args   []string
		prefix string
	}{
		{"bad range", true, []string{"SLOTMAP", "GET", "10", "5"}, "-ERR "},
		{"out of bounds", true, []string{"SLOTMAP", "GET", "0", "16384"}, "-ERR "},
		{"not an integer", true, []string{"SLOTMAP", "GET", "a", "5"}, "-ERR value is not an integer"},
		{"missing end", true, []string{"SLOTMAP", "GET", "1"}, "-ERR wrong number of arguments"},
		{"not ready", false, []string{"SLOTMAP", "GET", "0", "1"}, "-NOTREADY "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := run(newTestServer(t, tt.ready), tt.args...)
			require.Len(t, conn.out, 1)
			assert.True(t, strings.HasPrefix(conn.out[0].(string), tt.prefix), "got %v", conn.out[0])
		})
	}
}

func TestSlotmapRanges(t *testing.T) {
	s := newTestServer(t, true)

	conn := run(s, "SLOTMAP", "RANGES")
	assert.Equal(t, []any{
		"*2",
		"*3", int64(0), int64(8191), "*3", "10.0.0.1", int64(7000), int64(0),
		"*3", int64(8192), int64(16383), "*3", "10.0.0.2", int64(7000), int64(1),
	}, conn.out)

	// Empty map folds to nothing
	assert.Equal(t, []any{"*0"}, run(newTestServer(t, false), "SLOTMAP", "RANGES").out)
}

func TestSlotmapRangesUnknownOwner(t *testing.T) {
	s := newTestServer(t, true)
	s.nodes = testNodes[:1]

	conn := run(s, "SLOTMAP", "RANGES")
	require.Len(t, conn.out, 15)
	assert.Equal(t, []any{"*3", "", int64(0), int64(1)}, conn.out[11:])
}

func TestSlotmapUnknownSubcommand(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, []any{"-ERR unknown subcommand 'SET'"}, run(s, "SLOTMAP", "SET").out)
	assert.Equal(t, []any{"-ERR wrong number of arguments for 'slotmap' command"}, run(s, "SLOTMAP").out)
}

func TestNodes(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, []any{
		"*2",
		"*3", int64(0), "10.0.0.1:7000", "10.0.0.11:7000",
		"*3", int64(1), "10.0.0.2:7000", "",
	}, run(s, "NODES").out)

	s.nodes = failingNodes{}
	conn := run(s, "NODES")
	require.Len(t, conn.out, 1)
	assert.True(t, strings.HasPrefix(conn.out[0].(string), "-TRYAGAIN "))
}

func TestJob(t *testing.T) {
	s := newTestServer(t, true)

	conn := run(s, "JOB", "m1")
	require.Len(t, conn.out, 1)
	var st migration.JobStatus
	require.NoError(t, json.Unmarshal([]byte(conn.out[0].(string)), &st))
	assert.Equal(t, "m1", st.ID)
	assert.Equal(t, migration.StateSucceeded, st.State)
	assert.Equal(t, 1, st.Target)

	assert.Equal(t, []any{nil}, run(s, "JOB", "m404").out)
	assert.Equal(t, []any{"-ERR wrong number of arguments for 'job' command"}, run(s, "JOB").out)
}

func TestUnknownCommand(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, []any{"-ERR unknown command 'SET'"}, run(s, "SET", "k", "v").out)
	assert.Equal(t, []any{"-ERR empty command"}, run(s).out)

	conn := run(s, "QUIT")
	assert.Equal(t, []any{"+OK"}, conn.out)
	assert.True(t, conn.closed)
}

// TestServeOverTCP drives a real listener with a raw RESP client.
func TestServeOverTCP(t *testing.T) {
	s := newTestServer(t, true)
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", line)

	_, err = conn.Write([]byte("*2\r\n$7\r\nSLOTMAP\r\n$7\r\nVERSION\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":1\r\n", line)

	require.NoError(t, s.Stop())
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

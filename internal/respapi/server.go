// Package respapi serves a read-only view of the slot map over RESP, for
// proxies and tooling that already speak the Redis protocol.
//
// Commands:
//
//	PING [message]
//	SLOTMAP VERSION               -> integer
//	SLOTMAP GET <start> <end>     -> array of [slot, node, migrating]
//	SLOTMAP RANGES                -> array of [start, end, [ip, port, node]]
//	NODES                         -> array of [id, master, slave]
//	JOB <id>                      -> bulk JSON job status, or null
//	QUIT
package respapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/migration"
	"github.com/dreamware/slotctl/internal/slotmap"
)

// SlotReader is the read side of the slot map.
type SlotReader interface {
	Version() int64
	Get(r cluster.SlotRange) ([]cluster.SlotEntry, error)
	Ranges() []slotmap.OwnedRange
}

// NodeLister returns the registered nodes.
type NodeLister interface {
	List(ctx context.Context) ([]cluster.Node, error)
}

// JobReader looks up migration jobs.
type JobReader interface {
	Job(id string) (migration.JobStatus, bool)
}

// Server is a RESP listener bound to the control plane's read paths.
type Server struct {
	addr  string
	slots SlotReader
	nodes NodeLister
	jobs  JobReader

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

// NewServer creates a server for addr. Start begins listening.
func NewServer(addr string, slots SlotReader, nodes NodeLister, jobs JobReader) *Server {
	return &Server{addr: addr, slots: slots, nodes: nodes, jobs: jobs}
}

// Start listens on the configured address and serves until Stop. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.Printf("RESP endpoint listening on %s", ln.Addr())

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		func(redcon.Conn) bool { return true },
		func(redcon.Conn, error) {},
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once Start has listened, else "".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	switch strings.ToUpper(string(cmd.Args[0])) {
	case "PING":
		s.ping(conn, cmd.Args)
	case "SLOTMAP":
		s.slotmap(conn, cmd.Args)
	case "NODES":
		s.listNodes(conn)
	case "JOB":
		s.job(conn, cmd.Args)
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

func (s *Server) ping(conn redcon.Conn, args [][]byte) {
	switch len(args) {
	case 1:
		conn.WriteString("PONG")
	case 2:
		conn.WriteBulk(args[1])
	default:
		conn.WriteError("ERR wrong number of arguments for 'ping' command")
	}
}

func (s *Server) slotmap(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'slotmap' command")
		return
	}

	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "VERSION":
		conn.WriteInt64(s.slots.Version())
	case "GET":
		s.slotmapGet(conn, args[2:])
	case "RANGES":
		s.slotmapRanges(conn)
	default:
		conn.WriteError("ERR unknown subcommand '" + string(args[1]) + "'")
	}
}

func (s *Server) slotmapGet(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'slotmap|get' command")
		return
	}
	start, err1 := strconv.Atoi(string(args[0]))
	end, err2 := strconv.Atoi(string(args[1]))
	if err1 != nil || err2 != nil {
		conn.WriteError("ERR value is not an integer or out of range")
		return
	}

	entries, err := s.slots.Get(cluster.SlotRange{Start: start, End: end})
	if err != nil {
		writeErr(conn, err)
		return
	}

	conn.WriteArray(len(entries))
	for _, e := range entries {
		conn.WriteArray(3)
		conn.WriteInt(e.Slot)
		conn.WriteInt(e.NodeID)
		if e.Migrating {
			conn.WriteInt(1)
		} else {
			conn.WriteInt(0)
		}
	}
}

// slotmapRanges answers like CLUSTER SLOTS, with the owning node's master
// address. Ranges whose owner is no longer registered report an empty ip.
func (s *Server) slotmapRanges(conn redcon.Conn) {
	nodes, err := s.nodes.List(context.Background())
	if err != nil {
		writeErr(conn, err)
		return
	}
	byID := make(map[int]cluster.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	ranges := s.slots.Ranges()
	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		ip, port := "", 0
		if n, ok := byID[r.NodeID]; ok {
			ip, port, _ = cluster.SplitAddr(n.MasterAddr)
		}
		conn.WriteArray(3)
		conn.WriteInt(r.Range.Start)
		conn.WriteInt(r.Range.End)
		conn.WriteArray(3)
		conn.WriteBulkString(ip)
		conn.WriteInt(port)
		conn.WriteInt(r.NodeID)
	}
}

func (s *Server) listNodes(conn redcon.Conn) {
	nodes, err := s.nodes.List(context.Background())
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteArray(len(nodes))
	for _, n := range nodes {
		conn.WriteArray(3)
		conn.WriteInt(n.ID)
		conn.WriteBulkString(n.MasterAddr)
		conn.WriteBulkString(n.SlaveAddr)
	}
}

func (s *Server) job(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'job' command")
		return
	}
	status, ok := s.jobs.Job(string(args[1]))
	if !ok {
		conn.WriteNull()
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteBulk(data)
}

// writeErr maps control-plane errors onto RESP error prefixes.
func writeErr(conn redcon.Conn, err error) {
	switch {
	case errors.Is(err, cluster.ErrNotReady):
		conn.WriteError("NOTREADY " + err.Error())
	case errors.Is(err, cluster.ErrCoordinationUnavailable):
		conn.WriteError("TRYAGAIN " + err.Error())
	default:
		conn.WriteError("ERR " + err.Error())
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/metrics"
	"github.com/dreamware/slotctl/internal/migration"
	"github.com/dreamware/slotctl/internal/slotmap"
	"github.com/dreamware/slotctl/internal/stat"
)

// maxBody bounds request bodies; every request is a small JSON object.
const maxBody = 1 << 20

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes", s.handleAddNode)
	mux.HandleFunc("POST /api/nodes/remove", s.handleRemoveNode)

	mux.HandleFunc("GET /api/proxies", s.handleListProxies)
	mux.HandleFunc("POST /api/proxies", s.handleAddProxy)
	mux.HandleFunc("POST /api/proxies/remove", s.handleRemoveProxy)

	mux.HandleFunc("GET /api/slots", s.handleListSlots)
	mux.HandleFunc("GET /api/slots/ranges", s.handleSlotRanges)
	mux.HandleFunc("POST /api/slots/init", s.handleInitSlots)
	mux.HandleFunc("POST /api/slots/migrate", s.handleMigrate)
	mux.HandleFunc("POST /api/slots/reconcile", s.handleReconcile)

	mux.HandleFunc("GET /api/migrations", s.handleListMigrations)
	mux.HandleFunc("GET /api/migrations/{id}", s.handleGetMigration)

	mux.HandleFunc("GET /api/stat", s.handleStat)
	mux.HandleFunc("GET /api/meminfo", s.handleMemInfo)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// writeResult answers with the response envelope. Failures carry their
// message in data; the HTTP status stays 200 and error_code tells them apart.
func writeResult(w http.ResponseWriter, data any, job string, err error) {
	if err != nil {
		if msg, ok := data.(string); !ok || msg == "" {
			data = errorMessage(err)
		}
	}
	resp := cluster.Response{
		ErrorCode: cluster.Code(err),
		Result:    cluster.Result{Data: data, Job: job},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// decode reads a JSON request body into v. Unknown fields, trailing data and
// malformed JSON are validation errors. An empty body decodes as {}.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: bad request body: %v", cluster.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: bad request body: trailing data", cluster.ErrValidation)
	}
	return nil
}

type nodeView struct {
	ID        int    `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SlaveIP   string `json:"slave_ip"`
	SlavePort int    `json:"slave_port"`
	Status    string `json:"status"`
	Slots     int    `json:"slots"`
}

func (s *server) nodeView(n cluster.Node, counts map[int]int) (nodeView, error) {
	rec, err := n.Record()
	if err != nil {
		return nodeView{}, err
	}
	return nodeView{
		ID:        n.ID,
		IP:        rec.IP,
		Port:      rec.Port,
		SlaveIP:   rec.SlaveIP,
		SlavePort: rec.SlavePort,
		Status:    s.monitor.NodeStatus(n),
		Slots:     counts[n.ID],
	}, nil
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.List(r.Context())
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	counts := s.slots.Counts()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v, err := s.nodeView(n, counts)
		if err != nil {
			log.Printf("skipping node %d: %v", n.ID, err)
			continue
		}
		out = append(out, v)
	}
	writeResult(w, out, "", nil)
}

type addNodeRequest struct {
	MasterNode string `json:"masternode"`
	BackNode   string `json:"backnode"`
}

func (s *server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := decode(w, r, &req); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	n, err := s.nodes.Add(r.Context(), req.MasterNode, req.BackNode)
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	v, err := s.nodeView(n, s.slots.Counts())
	writeResult(w, v, "", err)
}

type removeNodeRequest struct {
	ID *int `json:"id"`
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	var req removeNodeRequest
	if err := decode(w, r, &req); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	if req.ID == nil {
		writeResult(w, nil, "", fmt.Errorf("%w: id is required", cluster.ErrValidation))
		return
	}
	if err := s.nodes.Remove(r.Context(), *req.ID); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	writeResult(w, 0, "", nil)
}

type proxyView struct {
	Num  string `json:"num"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func toProxyView(p cluster.Proxy) (proxyView, error) {
	ip, port, err := cluster.SplitAddr(p.Addr)
	if err != nil {
		return proxyView{}, err
	}
	return proxyView{Num: p.ID, IP: ip, Port: port}, nil
}

func (s *server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.List(r.Context())
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	out := make([]proxyView, 0, len(proxies))
	for _, p := range proxies {
		v, err := toProxyView(p)
		if err != nil {
			log.Printf("skipping proxy %s: %v", p.ID, err)
			continue
		}
		out = append(out, v)
	}
	writeResult(w, out, "", nil)
}

type proxyRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (p proxyRequest) addr() (string, error) {
	if p.IP == "" || p.Port <= 0 || p.Port > 65535 {
		return "", fmt.Errorf("%w: ip and port are required", cluster.ErrValidation)
	}
	return cluster.JoinAddr(p.IP, p.Port), nil
}

func (s *server) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decode(w, r, &req); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	addr, err := req.addr()
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	p, err := s.proxies.Add(r.Context(), addr)
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	v, err := toProxyView(p)
	writeResult(w, v, "", err)
}

func (s *server) handleRemoveProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decode(w, r, &req); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	addr, err := req.addr()
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	if err := s.proxies.Remove(r.Context(), addr); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	writeResult(w, 0, "", nil)
}

func (s *server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	if !s.slots.Ready() {
		writeResult(w, nil, "", cluster.ErrNotReady)
		return
	}
	entries := s.slots.All()
	out := make([]cluster.SlotRecord, len(entries))
	for i, e := range entries {
		out[i] = e.Record()
	}
	writeResult(w, out, "", nil)
}

func (s *server) handleSlotRanges(w http.ResponseWriter, r *http.Request) {
	ranges := s.slots.Ranges()
	if ranges == nil {
		ranges = []slotmap.OwnedRange{}
	}
	writeResult(w, ranges, "", nil)
}

type initRequest struct{}

func (s *server) handleInitSlots(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decode(w, r, &req); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	nodes, err := s.nodes.List(r.Context())
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if err := s.slots.Initialize(r.Context(), ids); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	writeResult(w, s.slots.Ranges(), "", nil)
}

// rangeRequest names a slot range and a target master address. Start and
// end are pointers so a missing field is told apart from slot 0.
type rangeRequest struct {
	StartSlot *int   `json:"start_slot"`
	EndSlot   *int   `json:"end_slot"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
}

func (q rangeRequest) request() (migration.Request, error) {
	if q.StartSlot == nil || q.EndSlot == nil {
		return migration.Request{}, fmt.Errorf("%w: start_slot and end_slot are required", cluster.ErrValidation)
	}
	if q.IP == "" || q.Port <= 0 {
		return migration.Request{}, fmt.Errorf("%w: ip and port are required", cluster.ErrValidation)
	}
	return migration.Request{
		Range:      cluster.SlotRange{Start: *q.StartSlot, End: *q.EndSlot},
		TargetAddr: cluster.JoinAddr(q.IP, q.Port),
	}, nil
}

type migrateRequest struct {
	rangeRequest
	Async bool `json:"async"`
}

func (s *server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var body migrateRequest
	if err := decode(w, r, &body); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}

	var st migration.JobStatus
	if body.Async {
		st, err = s.orch.Start(r.Context(), req)
	} else {
		st, err = s.orch.Migrate(r.Context(), req)
	}
	writeJob(w, st, err)
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body rangeRequest
	if err := decode(w, r, &body); err != nil {
		writeResult(w, nil, "", err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	st, err := s.orch.Reconcile(r.Context(), req)
	writeJob(w, st, err)
}

// writeJob answers data 0 on success and the job's message on failure,
// with the job id whenever a job was created.
func writeJob(w http.ResponseWriter, st migration.JobStatus, err error) {
	if err == nil {
		writeResult(w, 0, st.ID, nil)
		return
	}
	var data any
	if st.Message != "" {
		data = st.Message
	}
	writeResult(w, data, st.ID, err)
}

func (s *server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.orch.Jobs(), "", nil)
}

func (s *server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.orch.Job(id)
	if !ok {
		writeResult(w, nil, "", fmt.Errorf("%w: job %s", cluster.ErrNotFound, id))
		return
	}
	writeResult(w, st, st.ID, nil)
}

func (s *server) handleStat(w http.ResponseWriter, r *http.Request) {
	replies, err := s.stats.Collect(r.Context())
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	writeResult(w, replies, "", nil)
}

func (s *server) handleMemInfo(w http.ResponseWriter, r *http.Request) {
	infos, err := s.mem.Collect(r.Context())
	if err != nil {
		writeResult(w, nil, "", err)
		return
	}
	if infos == nil {
		infos = []stat.NodeMemInfo{}
	}
	writeResult(w, infos, "", nil)
}

// handleReady reports 503 until every slot has an owner.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.slots.Ready()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Ready   bool  `json:"ready"`
		Version int64 `json:"version"`
	}{Ready: ready, Version: s.slots.Version()})
}

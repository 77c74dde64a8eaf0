package stat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
)

// Unknown is reported for memory figures that could not be fetched.
const Unknown = "unknown"

// NodeLister returns the registered nodes.
type NodeLister interface {
	List(ctx context.Context) ([]cluster.Node, error)
}

// NodeMemInfo is the memory report of one node pair.
type NodeMemInfo struct {
	ID           int    `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MemInfo      any    `json:"mem_info"`
	SlaveIP      string `json:"slave_ip"`
	SlavePort    int    `json:"slave_port"`
	SlaveMemInfo any    `json:"slave_mem_info"`
}

// MemInfo asks the agent that runs next to every storage process for its
// memory usage: GET http://<ip>:<hookPort>/ssdb/mem_info?port=<port>,
// answered with {"mem_info": ...}.
type MemInfo struct {
	nodes    NodeLister
	hookPort int
	timeout  time.Duration
}

// NewMemInfo creates a collector that queries agents on hookPort.
func NewMemInfo(nodes NodeLister, hookPort int, timeout time.Duration) *MemInfo {
	return &MemInfo{nodes: nodes, hookPort: hookPort, timeout: timeout}
}

// Collect returns one report per node. Agents that fail to answer are
// reported as Unknown.
func (m *MemInfo) Collect(ctx context.Context) ([]NodeMemInfo, error) {
	nodes, err := m.nodes.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]NodeMemInfo, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		rec, err := n.Record()
		if err != nil {
			return nil, err
		}
		out[i] = NodeMemInfo{
			ID:           n.ID,
			IP:           rec.IP,
			Port:         rec.Port,
			MemInfo:      Unknown,
			SlaveIP:      rec.SlaveIP,
			SlavePort:    rec.SlavePort,
			SlaveMemInfo: Unknown,
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i].MemInfo = m.fetch(ctx, rec.IP, rec.Port)
		}(i)
		if rec.SlaveIP != "" {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out[i].SlaveMemInfo = m.fetch(ctx, rec.SlaveIP, rec.SlavePort)
			}(i)
		}
	}
	wg.Wait()
	return out, nil
}

func (m *MemInfo) fetch(ctx context.Context, ip string, port int) any {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/ssdb/mem_info?port=%d", cluster.JoinAddr(ip, m.hookPort), port)
	var reply struct {
		MemInfo any `json:"mem_info"`
	}
	if err := cluster.GetJSON(ctx, url, &reply); err != nil || reply.MemInfo == nil {
		return Unknown
	}
	return reply.MemInfo
}

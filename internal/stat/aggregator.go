// Package stat gathers runtime information from the data plane: proxy
// statistics, node memory usage and node reachability. Everything here is
// read-only and best effort; a component that does not answer is left out
// or reported as unknown, never treated as a control-plane failure.
package stat

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/metrics"
)

// ProxyLister returns the registered proxies.
type ProxyLister interface {
	List(ctx context.Context) ([]cluster.Proxy, error)
}

// Aggregator polls every proxy's stats port. A proxy answers a newline with
// one JSON object describing itself.
type Aggregator struct {
	proxies  ProxyLister
	timeout  time.Duration // Per attempt, covers dial, write and read
	attempts int
}

// NewAggregator creates an aggregator.
func NewAggregator(proxies ProxyLister, timeout time.Duration, attempts int) *Aggregator {
	if attempts < 1 {
		attempts = 1
	}
	return &Aggregator{proxies: proxies, timeout: timeout, attempts: attempts}
}

// Collect probes all proxies concurrently and returns the replies in proxy
// order, each with "ip" and "port" added. Proxies that fail every attempt
// are omitted.
func (a *Aggregator) Collect(ctx context.Context) ([]map[string]any, error) {
	proxies, err := a.proxies.List(ctx)
	if err != nil {
		return nil, err
	}

	replies := make([]map[string]any, len(proxies))
	var wg sync.WaitGroup
	for i, p := range proxies {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			reply, err := a.probe(ctx, addr)
			if err != nil {
				metrics.RecordProbeFailure("proxy")
				return
			}
			replies[i] = reply
		}(i, p.Addr)
	}
	wg.Wait()

	out := make([]map[string]any, 0, len(replies))
	for _, r := range replies {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (a *Aggregator) probe(ctx context.Context, addr string) (map[string]any, error) {
	ip, port, err := cluster.SplitAddr(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < a.attempts; i++ {
		reply, err := a.probeOnce(ctx, addr)
		if err == nil {
			reply["ip"] = ip
			reply["port"] = port
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("stat %s: %w", addr, lastErr)
}

func (a *Aggregator) probeOnce(ctx context.Context, addr string) (map[string]any, error) {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte("\n")); err != nil {
		return nil, err
	}

	var reply map[string]any
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, err
	}
	if reply == nil {
		reply = make(map[string]any)
	}
	return reply, nil
}

package registry

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/slotctl/internal/metrics"
)

// Prober checks that an address accepts connections.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr string) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// TCPProber dials the address and hangs up.
type TCPProber struct {
	Timeout  time.Duration // Per attempt
	Attempts int
	Kind     string // Metric label
}

// NewTCPProber returns a prober with the given per-attempt timeout.
func NewTCPProber(kind string, timeout time.Duration, attempts int) *TCPProber {
	if attempts < 1 {
		attempts = 1
	}
	return &TCPProber{Timeout: timeout, Attempts: attempts, Kind: kind}
}

// Probe succeeds as soon as one attempt connects.
func (p *TCPProber) Probe(ctx context.Context, addr string) error {
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		d := net.Dialer{Timeout: p.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	metrics.RecordProbeFailure(p.Kind)
	return fmt.Errorf("probe %s: %w", addr, lastErr)
}

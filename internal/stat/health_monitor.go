package stat

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/metrics"
)

// Health states reported for an address.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
	// StatusDegraded is reported for a node whose master is healthy but
	// whose slave is not.
	StatusDegraded = "degraded"
)

// AddrHealth tracks the health of one storage process address.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type AddrHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Last check attempt
	LastHealthy      time.Time `json:"last_healthy"` // Last successful check
	Addr             string    `json:"addr"`
	Status           string    `json:"status"` // healthy, unhealthy or unknown
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// NodeProvider returns the nodes to watch.
type NodeProvider func(ctx context.Context) ([]cluster.Node, error)

// HealthMonitor periodically dials every master and slave address of the
// registered nodes. An address becomes unhealthy after maxFailures
// consecutive failed dials and healthy again on the first success.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	addrs       map[string]*AddrHealth                       // Current health per address
	checkFunc   func(ctx context.Context, addr string) error // Performs one check
	onUnhealthy func(addr string)                            // Called when an address turns unhealthy
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	poke        chan struct{}                                // Requests an early round
	interval    time.Duration                                // How often to check
	timeout     time.Duration                                // Dial timeout per check
	mu          sync.RWMutex                                 // Protects addrs
	wg          sync.WaitGroup                               // Wait group for graceful shutdown
	maxFailures int                                          // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that checks every interval and marks an
// address unhealthy after maxFailures consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, time.Second, 3)
//	go monitor.Start(ctx, nodes.List)
func NewHealthMonitor(interval, timeout time.Duration, maxFailures int) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &HealthMonitor{
		interval:    interval,
		timeout:     timeout,
		maxFailures: maxFailures,
		addrs:       make(map[string]*AddrHealth),
		ctx:         ctx,
		cancel:      cancel,
		poke:        make(chan struct{}, 1),
	}
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when an
// address turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the TCP dial check. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the check loop in the current goroutine until ctx is cancelled
// or Stop is called. The first round runs immediately.
func (h *HealthMonitor) Start(ctx context.Context, provider NodeProvider) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.dialCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("Health monitor started with interval %v", h.interval)

	h.round(ctx, provider)
	for {
		select {
		case <-ticker.C:
			h.round(ctx, provider)
		case <-h.poke:
			h.round(ctx, provider)
		case <-ctx.Done():
			log.Println("Health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Println("Health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Trigger asks the running loop for a round now, without waiting for the
// ticker. Requests made while one is pending are merged.
func (h *HealthMonitor) Trigger() {
	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// Stop ends the loop started by Start and waits for it.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("Health monitor stopped")
}

func (h *HealthMonitor) round(ctx context.Context, provider NodeProvider) {
	nodes, err := provider(ctx)
	if err != nil {
		log.Printf("Health monitor could not list nodes: %v", err)
		return
	}
	h.checkAll(ctx, nodes)
}

// checkAll checks every address concurrently and forgets addresses that no
// longer belong to any node.
func (h *HealthMonitor) checkAll(ctx context.Context, nodes []cluster.Node) {
	current := make(map[string]bool)
	for _, n := range nodes {
		current[n.MasterAddr] = true
		if n.SlaveAddr != "" {
			current[n.SlaveAddr] = true
		}
	}

	var wg sync.WaitGroup
	for addr := range current {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			h.check(ctx, addr)
		}(addr)
	}
	wg.Wait()

	h.mu.Lock()
	for addr := range h.addrs {
		if !current[addr] {
			delete(h.addrs, addr)
			metrics.NodeHealthy.DeleteLabelValues(addr)
			log.Printf("Removed %s from health monitoring", addr)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, addr string) {
	h.mu.Lock()
	health, exists := h.addrs[addr]
	if !exists {
		health = &AddrHealth{
			Addr:        addr,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.addrs[addr] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		metrics.RecordProbeFailure("health")
		log.Printf("Health check failed for %s (attempt %d/%d): %v",
			addr, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = StatusUnhealthy
			metrics.SetNodeHealth(addr, false)

			if previous != StatusUnhealthy && h.onUnhealthy != nil {
				log.Printf("%s marked as unhealthy after %d failures", addr, health.ConsecutiveFails)
				go h.onUnhealthy(addr)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		log.Printf("%s recovered and is now healthy", addr)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
	metrics.SetNodeHealth(addr, true)
}

func (h *HealthMonitor) dialCheck(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: h.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Health returns a copy of the state of addr, or nil if it is not watched.
func (h *HealthMonitor) Health(addr string) *AddrHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.addrs[addr]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// All returns copies of every watched address.
func (h *HealthMonitor) All() map[string]*AddrHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*AddrHealth, len(h.addrs))
	for addr, health := range h.addrs {
		c := *health
		result[addr] = &c
	}
	return result
}

// Status returns the status of one address.
func (h *HealthMonitor) Status(addr string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.addrs[addr]
	if !exists {
		return StatusUnknown
	}
	return health.Status
}

// NodeStatus folds the master and slave status of n into one value.
func (h *HealthMonitor) NodeStatus(n cluster.Node) string {
	master := h.Status(n.MasterAddr)
	if master != StatusHealthy {
		return master
	}
	if n.SlaveAddr != "" && h.Status(n.SlaveAddr) == StatusUnhealthy {
		return StatusDegraded
	}
	return StatusHealthy
}

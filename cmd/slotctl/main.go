// Command slotctl is the control plane of a slot-sharded key-value cluster.
// It owns the slot map, the node and proxy registries and slot migrations,
// and serves them over HTTP/JSON and a read-only RESP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/config"
	"github.com/dreamware/slotctl/internal/coordstore"
	"github.com/dreamware/slotctl/internal/executor"
	"github.com/dreamware/slotctl/internal/migration"
	"github.com/dreamware/slotctl/internal/registry"
	"github.com/dreamware/slotctl/internal/respapi"
	"github.com/dreamware/slotctl/internal/slotmap"
	"github.com/dreamware/slotctl/internal/stat"
)

func main() {
	cfg, err := config.Load(getenv("SLOTCTL_CONFIG", ""))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := openStore(cfg.Coord)
	if err != nil {
		log.Fatalf("coordination store: %v", err)
	}
	defer store.Close()

	exec := executor.NewProcessExecutor(cfg.Migration.ExecutorBin, cfg.Migration.ExecutorTimeout)
	prober := registry.NewTCPProber("node", cfg.Registry.ProbeTimeout, cfg.Registry.ProbeAttempts)
	srv := newServer(cfg, store, exec, prober)
	if cfg.Registry.ProvisionBin != "" {
		srv.nodes.SetProvisioner(executor.NewProcessExecutor(cfg.Registry.ProvisionBin, cfg.Migration.ExecutorTimeout))
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), cfg.Coord.Timeout)
	err = srv.slots.Load(loadCtx)
	cancelLoad()
	if err != nil {
		log.Fatalf("slot map: %v", err)
	}
	if !srv.slots.Ready() {
		log.Printf("slot map is not fully assigned; serving degraded until POST /api/slots/init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.monitor.Start(ctx, srv.nodes.List)
	go watchNodes(ctx, store, srv.monitor, cfg.Health.Interval)

	var resp *respapi.Server
	if cfg.RESPAddr != "" {
		resp = respapi.NewServer(cfg.RESPAddr, srv.slots, srv.nodes, srv.orch)
		go func() {
			if err := resp.Start(); err != nil {
				log.Fatalf("resp listen: %v", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("slotctl listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	if resp != nil {
		_ = resp.Stop()
	}
	srv.monitor.Stop()

	log.Println("waiting for running migrations to finish")
	srv.orch.Wait()
	log.Println("slotctl stopped")
}

// server holds every component the handlers reach.
type server struct {
	cfg     *config.Config
	slots   *slotmap.Manager
	nodes   *registry.NodeRegistry
	proxies *registry.ProxyRegistry
	orch    *migration.Orchestrator
	stats   *stat.Aggregator
	mem     *stat.MemInfo
	monitor *stat.HealthMonitor
}

// newServer wires the components on top of store. exec runs migrations and
// prober checks node and proxy addresses before they are registered.
func newServer(cfg *config.Config, store coordstore.Store, exec executor.Executor, prober registry.Prober) *server {
	slots := slotmap.NewManager(store, cfg.SlotMap.SnapshotPath)
	nodes := registry.NewNodeRegistry(store, prober, slots)
	proxies := registry.NewProxyRegistry(store, prober)

	s := &server{
		cfg:     cfg,
		slots:   slots,
		nodes:   nodes,
		proxies: proxies,
		orch: migration.New(slots, nodes, exec, migration.Options{
			CoordEndpoint:  cfg.Coord.Endpoint(),
			CommitAttempts: cfg.Migration.CommitAttempts,
			CommitBackoff:  cfg.Migration.CommitBackoff,
			History:        cfg.Migration.History,
		}),
		stats:   stat.NewAggregator(proxies, cfg.Stat.ProbeTimeout, cfg.Stat.ProbeAttempts),
		mem:     stat.NewMemInfo(nodes, cfg.Stat.MemInfoPort, cfg.Registry.ProbeTimeout),
		monitor: stat.NewHealthMonitor(cfg.Health.Interval, cfg.Registry.ProbeTimeout, cfg.Health.MaxFailures),
	}
	nodes.AddOwnershipChecker(registry.OwnershipFunc(s.orch.InFlightTarget))
	s.monitor.SetOnUnhealthy(s.reportUnhealthy)
	return s
}

// reportUnhealthy logs how many slots are served by an address that stopped
// answering. Failover is not automatic.
func (s *server) reportUnhealthy(addr string) {
	n, err := s.nodes.FindByAddr(context.Background(), addr)
	if err != nil {
		log.Printf("WARNING: %s is unhealthy", addr)
		return
	}
	log.Printf("WARNING: master %s of node %d is unhealthy, %d slots affected",
		addr, n.ID, s.slots.Counts()[n.ID])
}

// watchNodes runs a health round whenever the node list changes in the
// coordination store, so new or removed nodes do not wait for the ticker.
func watchNodes(ctx context.Context, store coordstore.Store, monitor *stat.HealthMonitor, retry time.Duration) {
	for {
		changed, err := store.Watch(ctx, coordstore.NodesPath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("watch %s: %v", coordstore.NodesPath, err)
			select {
			case <-time.After(retry):
				continue
			case <-ctx.Done():
				return
			}
		}
		<-changed
		if ctx.Err() != nil {
			return
		}
		monitor.Trigger()
	}
}

// openStore connects to the configured coordination backend.
func openStore(c config.CoordConfig) (coordstore.Store, error) {
	switch c.Backend {
	case "zookeeper":
		zs, err := coordstore.DialZK(c.Servers, c.Timeout)
		if err != nil {
			return nil, err
		}
		return zs, nil
	case "badger":
		bs, err := coordstore.OpenBadger(c.DataDir)
		if err != nil {
			return nil, err
		}
		return bs, nil
	case "memory":
		log.Printf("using the in-memory coordination store; nothing survives a restart")
		return coordstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: unknown coordination backend %q", cluster.ErrValidation, c.Backend)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// errorMessage picks the text reported for a failed operation.
func errorMessage(err error) string {
	if errors.Is(err, cluster.ErrExecutor) {
		return executor.Message(err)
	}
	return err.Error()
}

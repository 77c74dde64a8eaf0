package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/coordstore"
)

// ProxyRegistry manages the proxies recorded under /twemproxy. A proxy is
// keyed by its address.
type ProxyRegistry struct {
	store  coordstore.Store
	prober Prober
	mu     sync.Mutex
}

// NewProxyRegistry creates a registry backed by store.
func NewProxyRegistry(store coordstore.Store, prober Prober) *ProxyRegistry {
	return &ProxyRegistry{store: store, prober: prober}
}

// List returns all proxies sorted by address.
func (r *ProxyRegistry) List(ctx context.Context) ([]cluster.Proxy, error) {
	names, err := r.store.Children(ctx, coordstore.ProxiesPath)
	if errors.Is(err, coordstore.ErrNotFound) {
		return []cluster.Proxy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}

	proxies := make([]cluster.Proxy, 0, len(names))
	for _, name := range names {
		data, err := r.store.Get(ctx, proxyPath(name))
		if errors.Is(err, coordstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list proxies: %w", err)
		}
		var rec cluster.ProxyRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.IP == "" {
			log.Printf("registry: skipping proxy %q: malformed record", name)
			continue
		}
		proxies = append(proxies, cluster.Proxy{ID: name, Addr: cluster.JoinAddr(rec.IP, rec.Port)})
	}
	return proxies, nil
}

// Add probes addr and records it.
func (r *ProxyRegistry) Add(ctx context.Context, addr string) (cluster.Proxy, error) {
	ip, port, err := cluster.SplitAddr(addr)
	if err != nil {
		return cluster.Proxy{}, err
	}
	addr = cluster.JoinAddr(ip, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.store.Get(ctx, proxyPath(addr))
	switch {
	case err == nil:
		return cluster.Proxy{}, fmt.Errorf("%w: %s", cluster.ErrDuplicateProxy, addr)
	case !errors.Is(err, coordstore.ErrNotFound):
		return cluster.Proxy{}, fmt.Errorf("add proxy: %w", err)
	}

	if err := r.prober.Probe(ctx, addr); err != nil {
		return cluster.Proxy{}, fmt.Errorf("%w: %v", cluster.ErrNodeUnreachable, err)
	}

	data, err := json.Marshal(cluster.ProxyRecord{IP: ip, Port: port})
	if err != nil {
		return cluster.Proxy{}, err
	}
	err = r.store.Create(ctx, proxyPath(addr), data)
	if errors.Is(err, coordstore.ErrExists) {
		return cluster.Proxy{}, fmt.Errorf("%w: %s", cluster.ErrDuplicateProxy, addr)
	}
	if err != nil {
		return cluster.Proxy{}, fmt.Errorf("add proxy: %w", err)
	}

	log.Printf("registry: added proxy %s", addr)
	return cluster.Proxy{ID: addr, Addr: addr}, nil
}

// Remove deletes the proxy at addr.
func (r *ProxyRegistry) Remove(ctx context.Context, addr string) error {
	ip, port, err := cluster.SplitAddr(addr)
	if err != nil {
		return err
	}
	addr = cluster.JoinAddr(ip, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(ctx, proxyPath(addr)); err != nil {
		return fmt.Errorf("remove proxy %s: %w", addr, err)
	}
	log.Printf("registry: removed proxy %s", addr)
	return nil
}

func proxyPath(addr string) string {
	return coordstore.Join(coordstore.ProxiesPath, addr)
}

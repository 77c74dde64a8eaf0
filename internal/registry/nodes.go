// Package registry keeps the membership of the cluster: storage nodes and
// proxies, as recorded in the coordination store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/coordstore"
	"github.com/dreamware/slotctl/internal/executor"
)

// OwnershipChecker answers whether a node still owns slots, or is about to.
type OwnershipChecker interface {
	OwnsAny(nodeID int) bool
}

// OwnershipFunc adapts a function to OwnershipChecker.
type OwnershipFunc func(nodeID int) bool

// OwnsAny calls f.
func (f OwnershipFunc) OwnsAny(nodeID int) bool { return f(nodeID) }

// maxCreateAttempts bounds id allocation when another writer races us.
const maxCreateAttempts = 8

// NodeRegistry manages the storage nodes recorded under /nodes.
//
// Add and Remove are serialized by mu. Reads go straight to the store and
// are never cached.
type NodeRegistry struct {
	store     coordstore.Store
	prober    Prober
	owners    []OwnershipChecker // Any of them vetoes Remove
	provision executor.Executor // Optional, run before a node is recorded

	mu sync.Mutex
}

// NewNodeRegistry creates a registry backed by store.
func NewNodeRegistry(store coordstore.Store, prober Prober, owners OwnershipChecker) *NodeRegistry {
	r := &NodeRegistry{
		store:  store,
		prober: prober,
	}
	if owners != nil {
		r.owners = append(r.owners, owners)
	}
	return r
}

// AddOwnershipChecker adds a checker consulted by Remove. Call it before the
// registry is shared.
func (r *NodeRegistry) AddOwnershipChecker(c OwnershipChecker) {
	r.owners = append(r.owners, c)
}

// SetProvisioner installs an executor that prepares a node before it is
// recorded. It receives "-m <master> -b <slave>".
func (r *NodeRegistry) SetProvisioner(e executor.Executor) {
	r.provision = e
}

// List returns all nodes in id order. Malformed records are skipped.
func (r *NodeRegistry) List(ctx context.Context) ([]cluster.Node, error) {
	names, err := r.store.Children(ctx, coordstore.NodesPath)
	if errors.Is(err, coordstore.ErrNotFound) {
		return []cluster.Node{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	nodes := make([]cluster.Node, 0, len(names))
	for _, name := range names {
		id, err := strconv.Atoi(name)
		if err != nil || id < 0 {
			log.Printf("registry: skipping node entry %q: bad id", name)
			continue
		}
		n, err := r.get(ctx, id)
		if errors.Is(err, coordstore.ErrNotFound) {
			continue
		}
		if errors.Is(err, cluster.ErrCoordinationUnavailable) {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		if err != nil {
			log.Printf("registry: skipping node %d: %v", id, err)
			continue
		}
		nodes = append(nodes, n)
	}

	slices.SortFunc(nodes, func(a, b cluster.Node) int { return a.ID - b.ID })
	return nodes, nil
}

func (r *NodeRegistry) get(ctx context.Context, id int) (cluster.Node, error) {
	data, err := r.store.Get(ctx, nodePath(id))
	if err != nil {
		return cluster.Node{}, err
	}
	var rec cluster.NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return cluster.Node{}, fmt.Errorf("decode node %d: %v", id, err)
	}
	return cluster.NodeFromRecord(id, rec)
}

// Get returns the node with the given id.
func (r *NodeRegistry) Get(ctx context.Context, id int) (cluster.Node, error) {
	n, err := r.get(ctx, id)
	if err != nil {
		return cluster.Node{}, fmt.Errorf("node %d: %w", id, err)
	}
	return n, nil
}

// Confirm returns the node with the given id like Get, but waits for any Add
// or Remove in progress. A caller that registered itself with an
// OwnershipChecker before calling Confirm knows the node cannot be removed
// afterwards.
func (r *NodeRegistry) Confirm(ctx context.Context, id int) (cluster.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Get(ctx, id)
}

// FindByAddr returns the node whose master listens on addr.
func (r *NodeRegistry) FindByAddr(ctx context.Context, addr string) (cluster.Node, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return cluster.Node{}, err
	}
	i := slices.IndexFunc(nodes, func(n cluster.Node) bool { return n.MasterAddr == addr })
	if i < 0 {
		return cluster.Node{}, fmt.Errorf("%w: no node with master %s", cluster.ErrNotFound, addr)
	}
	return nodes[i], nil
}

// Add records a new node pair.
//
// Steps:
//  1. Validate the addresses
//  2. Probe master and slave
//  3. Reject an address already used by any node, as master or slave
//  4. Run the provisioner, if any
//  5. Allocate the next id and write the record
//
// Nothing is written unless every step succeeds. The probe runs before mu is
// taken and is a point in time check: a node can still go away between the
// probe and the write.
func (r *NodeRegistry) Add(ctx context.Context, masterAddr, slaveAddr string) (cluster.Node, error) {
	if masterAddr == "" {
		return cluster.Node{}, fmt.Errorf("%w: master address required", cluster.ErrValidation)
	}
	if masterAddr == slaveAddr {
		return cluster.Node{}, fmt.Errorf("%w: master and slave are both %s", cluster.ErrValidation, masterAddr)
	}
	node := cluster.Node{MasterAddr: masterAddr, SlaveAddr: slaveAddr}
	if _, err := node.Record(); err != nil {
		return cluster.Node{}, err
	}

	for _, addr := range []string{masterAddr, slaveAddr} {
		if addr == "" {
			continue
		}
		if err := r.prober.Probe(ctx, addr); err != nil {
			return cluster.Node{}, fmt.Errorf("%w: %v", cluster.ErrNodeUnreachable, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.List(ctx)
	if err != nil {
		return cluster.Node{}, err
	}
	for _, n := range existing {
		used := []string{n.MasterAddr}
		if n.SlaveAddr != "" {
			used = append(used, n.SlaveAddr)
		}
		if slices.Contains(used, masterAddr) || (slaveAddr != "" && slices.Contains(used, slaveAddr)) {
			return cluster.Node{}, fmt.Errorf("%w: address in use by node %d", cluster.ErrDuplicateNode, n.ID)
		}
	}

	if r.provision != nil {
		if _, err := r.provision.Run(ctx, []string{"-m", masterAddr, "-b", slaveAddr}); err != nil {
			return cluster.Node{}, err
		}
	}

	node.ID = nextID(existing)
	rec, _ := node.Record()
	data, err := json.Marshal(rec)
	if err != nil {
		return cluster.Node{}, err
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		err = r.store.Create(ctx, nodePath(node.ID), data)
		if !errors.Is(err, coordstore.ErrExists) {
			break
		}
		node.ID++
	}
	if err != nil {
		return cluster.Node{}, fmt.Errorf("record node: %w", err)
	}

	log.Printf("registry: added node %d master=%s slave=%s", node.ID, masterAddr, slaveAddr)
	return node, nil
}

// Remove deletes a node that owns no slots and that no running migration is
// moving slots to.
func (r *NodeRegistry) Remove(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	for _, c := range r.owners {
		if c.OwnsAny(id) {
			return fmt.Errorf("%w: node %d", cluster.ErrNodeInUse, id)
		}
	}
	if err := r.store.Delete(ctx, nodePath(id)); err != nil {
		return fmt.Errorf("remove node %d: %w", id, err)
	}

	log.Printf("registry: removed node %d", id)
	return nil
}

// nextID is one past the highest id, or 0 for an empty cluster.
func nextID(nodes []cluster.Node) int {
	next := 0
	for _, n := range nodes {
		if n.ID >= next {
			next = n.ID + 1
		}
	}
	return next
}

func nodePath(id int) string {
	return coordstore.Join(coordstore.NodesPath, strconv.Itoa(id))
}

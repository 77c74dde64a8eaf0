package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// SlotCount is the fixed size of the hash space. It is set once when a cluster
// is created and never changes afterwards.
const SlotCount = 16384

// Unassigned marks a slot that has no owner. A healthy cluster has none.
const Unassigned = -1

// Node is a storage shard: a master and an optional replica.
// Nodes are never mutated in place; changing an address means remove and re-add.
type Node struct {
	ID         int    `json:"id"`
	MasterAddr string `json:"master_addr"`
	SlaveAddr  string `json:"slave_addr,omitempty"`
}

// NodeRecord is the JSON layout stored under /nodes/<id> in the coordination
// store. It is shared with the proxies, so the field names are fixed.
type NodeRecord struct {
	Status    int    `json:"status"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SlaveIP   string `json:"slave_ip"`
	SlavePort int    `json:"slave_port"`
}

// Record converts the node to its stored form.
func (n Node) Record() (NodeRecord, error) {
	ip, port, err := SplitAddr(n.MasterAddr)
	if err != nil {
		return NodeRecord{}, err
	}
	rec := NodeRecord{IP: ip, Port: port}
	if n.SlaveAddr != "" {
		rec.SlaveIP, rec.SlavePort, err = SplitAddr(n.SlaveAddr)
		if err != nil {
			return NodeRecord{}, err
		}
	}
	return rec, nil
}

// NodeFromRecord builds a Node from its stored form.
func NodeFromRecord(id int, rec NodeRecord) (Node, error) {
	if rec.IP == "" || rec.Port <= 0 {
		return Node{}, fmt.Errorf("node %d: missing master address", id)
	}
	n := Node{ID: id, MasterAddr: JoinAddr(rec.IP, rec.Port)}
	if rec.SlaveIP != "" && rec.SlavePort > 0 {
		n.SlaveAddr = JoinAddr(rec.SlaveIP, rec.SlavePort)
	}
	return n, nil
}

// Proxy is a stateless routing-tier instance. ID is the child name it is
// registered under, which is its address.
type Proxy struct {
	ID   string `json:"num"`
	Addr string `json:"addr"`
}

// ProxyRecord is the JSON layout stored under /twemproxy/<addr>.
type ProxyRecord struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// SlotRange is an inclusive range of slots.
type SlotRange struct {
	Start int `json:"start_slot"`
	End   int `json:"end_slot"`
}

// Validate reports ErrInvalidRange unless 0 <= Start <= End < SlotCount.
func (r SlotRange) Validate() error {
	if r.Start < 0 || r.End >= SlotCount {
		return fmt.Errorf("%w: [%d, %d] outside [0, %d)", ErrInvalidRange, r.Start, r.End, SlotCount)
	}
	if r.Start > r.End {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// Len returns the number of slots in the range.
func (r SlotRange) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether slot lies inside the range.
func (r SlotRange) Contains(slot int) bool {
	return slot >= r.Start && slot <= r.End
}

// Overlaps reports whether the two ranges share at least one slot.
func (r SlotRange) Overlaps(o SlotRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Covers reports whether o lies entirely inside r.
func (r SlotRange) Covers(o SlotRange) bool {
	return o.Start >= r.Start && o.End <= r.End
}

func (r SlotRange) String() string {
	return fmt.Sprintf("[%d-%d]", r.Start, r.End)
}

// SlotEntry is one (slot, owner) pair of the slot map.
type SlotEntry struct {
	Slot      int  `json:"num"`
	NodeID    int  `json:"node_index"`
	Migrating bool `json:"-"`
}

// SlotRecord is the per-slot JSON record used in the snapshot file and under
// /slot_map/<slot>. "migrating" is a string for compatibility with the proxies.
type SlotRecord struct {
	Num       int    `json:"num"`
	NodeIndex int    `json:"node_index"`
	Migrating string `json:"migrating"`
}

// Record converts the entry to its stored form.
func (e SlotEntry) Record() SlotRecord {
	return SlotRecord{Num: e.Slot, NodeIndex: e.NodeID, Migrating: strconv.FormatBool(e.Migrating)}
}

// MarshalJSON renders the entry in its stored form.
func (e SlotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

// SplitAddr parses "host:port" into its parts.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: address %q: %v", ErrValidation, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: address %q: bad port", ErrValidation, addr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: address %q: missing host", ErrValidation, addr)
	}
	return host, port, nil
}

// JoinAddr is the inverse of SplitAddr.
func JoinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Response is the envelope every control-plane operation answers with.
type Response struct {
	ErrorCode int    `json:"error_code"`
	Result    Result `json:"result"`
}

// Result carries the operation payload, or a failure reason string.
type Result struct {
	Data any    `json:"data"`
	Job  string `json:"job,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON issues a GET and decodes a JSON body into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

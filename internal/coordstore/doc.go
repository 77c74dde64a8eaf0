// Package coordstore is the client side of the coordination store: the
// strongly consistent hierarchical key/value service that is the source of
// truth for cluster membership and the slot map.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│  registry / slotmap / migration     │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	│ Get Set Create Children Delete Watch│
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│ZKStore │  │ Badger │  │ Memory │
//	│        │  │ Store  │  │ Store  │
//	└────────┘  └────────┘  └────────┘
//
// ZKStore talks to a ZooKeeper ensemble and is what a production cluster runs,
// since the proxies watch the same tree. BadgerStore keeps the tree in an
// embedded database for single-host setups. MemoryStore backs tests and can
// simulate an outage.
//
// # Layout
//
//	/nodes/<id>          node records
//	/slot_map            slot map version
//	/slot_map/<slot>     per-slot owner records
//	/twemproxy/<addr>    proxy records
//
// # Failure Semantics
//
// A Store never caches and never invents data. When the backend cannot be
// reached, or a call exceeds its timeout, the error wraps
// cluster.ErrCoordinationUnavailable and callers fail the whole operation.
// A missing path is ErrNotFound, which is a normal answer, not an outage.
//
// Watches are one-shot. A closed channel means "look again", so a watcher
// re-reads what it cares about and arms a new watch.
//
// A Store is created once in main and passed to every component that needs
// it; there is no package-level client.
package coordstore

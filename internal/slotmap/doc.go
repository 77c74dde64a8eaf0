// Package slotmap owns the authoritative slot → node map of the cluster: the
// single answer to "which node serves slot s".
//
// # Overview
//
// The hash space is divided into cluster.SlotCount slots. Every slot is owned
// by exactly one node at all times. Proxies route a key by hashing it to a
// slot and looking the slot up in the copy of this map that the Manager
// publishes to the coordination store.
//
// # Architecture
//
//	┌──────────────────┐    Commit     ┌──────────────────────────┐
//	│   migration      │ ────────────▶ │        Manager           │
//	│   Orchestrator   │  (with Lease) │  owners / migrating      │
//	└──────────────────┘               │  version                 │
//	                                   └──────────────────────────┘
//	┌──────────────────┐   Get/Owner          │        │
//	│ HTTP / RESP API  │ ◀────────────────────┘        │
//	└──────────────────┘                               ▼
//	                                   ┌──────────────────────────┐
//	                                   │ snapshot file (durable)  │
//	                                   │ /slot_map/* (published)  │
//	                                   └──────────────────────────┘
//
// # Commit Protocol
//
// A change of ownership is only ever applied through Commit, which requires
// a Lease proving the caller holds the range lock:
//
// 1. Build:
//   - Copy the current map under the read lock
//   - Assign every slot of the range to the target
//
// 2. Persist:
//   - Write the next snapshot to a temp file and fsync it
//   - Publish the range's /slot_map/<slot> records and the new version at
//     /slot_map in one store batch
//   - Rename the temp file over the snapshot
//
// 3. Swap:
//   - Replace the in-memory map under the write lock
//
// A failed batch changes nothing: the store, the snapshot file and memory
// all still name the source. Only a failed rename after a good batch leaves
// the store ahead; that is logged as CRITICAL, and repeating the commit
// converges because every commit of a range writes the same records.
//
// # Snapshot Format
//
// One JSON object per line, line i describing slot i:
//
//	{"num":0,"node_index":2,"migrating":"false"}
//
// At startup Load reads this file. A missing or damaged file does not stop
// the process: the map stays empty, Ready reports false and the HTTP API
// reports NOT_READY until an operator initializes the map.
//
// # Concurrency
//
//   - mu (RWMutex) guards the in-memory map; readers copy out under RLock
//   - commitMu serializes writers so two commits never interleave their
//     read-modify-write of the snapshot
//   - The Manager does not lock ranges; that is the orchestrator's job
package slotmap

// Package cluster holds the vocabulary shared by every part of the slotctl
// control plane: storage nodes, proxies, slots and slot ranges, the API
// envelope, and the error taxonomy with its numeric API codes.
//
// # Overview
//
// The control plane fronts a sharded key-value cluster:
//
//	         clients
//	            │
//	  ┌─────────▼─────────┐        ┌────────────────────┐
//	  │  proxies (N)      │◄──────►│ coordination store │
//	  │  slot → node      │ watch  │ /nodes  /slot_map  │
//	  └─────────┬─────────┘        │ /twemproxy         │
//	            │                  └─────────▲──────────┘
//	  ┌─────────▼─────────┐                  │ read/write
//	  │ storage nodes     │        ┌─────────┴──────────┐
//	  │ master + replica  │◄───────│      slotctl       │
//	  └───────────────────┘ probe  └────────────────────┘
//
// The hash space is split into SlotCount slots. Each slot is owned by exactly
// one Node at any instant. Proxies learn the mapping from the records slotctl
// publishes under /slot_map.
//
// # Stored Formats
//
// Node records live at /nodes/<id>:
//
//	{"status":0,"ip":"10.0.0.1","port":8888,"slave_ip":"10.0.0.2","slave_port":8888}
//
// Slot records live at /slot_map/<slot> and, one per line, in the snapshot file:
//
//	{"num":0,"node_index":1,"migrating":"false"}
//
// # Errors
//
// Every failure path returns one of the sentinel errors in errors.go, wrapped
// with context via fmt.Errorf("%w: ..."). The HTTP layer turns them into API
// codes with Code:
//
//	err := registry.Add(ctx, "10.0.0.1:1", "10.0.0.2:1")
//	resp := cluster.Response{ErrorCode: cluster.Code(err)}
//
// Validation failures never touch state. ErrCommit is the one error that needs
// an operator: the executor moved the data but the map was not rewritten.
package cluster

// Package walbridge defines the write-ahead-log capability the core
// requires (spec.md §4.C) and ships a minimal file-backed implementation
// standing in for the out-of-scope "persistence barrel" collaborator
// named in spec.md §1. Production wiring supplies its own WAL
// implementation at construction time; nothing in this module assumes
// FileWAL specifically.
package walbridge

import (
	"context"
	"time"
)

// Envelope is the WAL event envelope from spec.md §6: {namespace,
// operation, path, payload, offset}. Offset is assigned by Append and is
// monotonically increasing within a WAL instance.
type Envelope struct {
	Namespace string
	Operation string
	Path      string
	Payload   []byte
	Offset    uint64
	Timestamp time.Time
}

// Handler is invoked once per persisted envelope during Replay, in
// append order.
type Handler func(Envelope) error

// WAL is the append-only capability the core requires. A successful
// Append implies durability at least to the OS page cache and a
// monotonic-offset ordering guarantee; Replay re-delivers every
// persisted entry exactly once, in order.
type WAL interface {
	// Append durably records one event and returns its assigned offset.
	Append(ctx context.Context, namespace, operation, path string, payload []byte) (offset uint64, err error)
	// Replay re-delivers every persisted envelope, in append order,
	// exactly once, stopping at the first error returned by handler.
	Replay(ctx context.Context, handler Handler) error
	// Close releases any underlying resources.
	Close() error
}

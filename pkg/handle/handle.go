// Package handle implements the handle model: small, copyable value types
// that identify a slot, a receiver, or a receiver class within one server
// instance, and know only how to answer "am I compatible with (group,
// limit)?".
//
// Handles from one server must never validate against another. That is
// enforced purely by the Group field — a process-unique value assigned
// once at server construction and echoed to the matching client during
// the handshake.
package handle

import "sync/atomic"

// Group is a 64-bit tag tying every handle issued by one server instance
// together. Comparing two Groups for equality is the entire cross-instance
// protection the core offers.
type Group uint64

var groupCounter uint64

// NewGroup returns a process-unique Group. Called once per server
// construction.
func NewGroup() Group {
	return Group(atomic.AddUint64(&groupCounter, 1))
}

// Slot identifies a slot within one server's pool.
type Slot struct {
	Group Group
	Index uint32
}

// Receiver identifies a registered receiver (client) within one server.
type Receiver struct {
	Group Group
	Index uint32
}

// Class identifies a receiver class within one server.
type Class struct {
	Group Group
	Index uint32
}

// Compatible reports whether h is acceptable to a manager configured with
// group g and capacity limit (h.Index < limit): a handle is acceptable
// iff its group identifier matches and its index is below the manager's
// configured capacity.
func (h Slot) Compatible(g Group, limit uint32) bool {
	return h.Group == g && h.Index < limit
}

func (h Receiver) Compatible(g Group, limit uint32) bool {
	return h.Group == g && h.Index < limit
}

func (h Class) Compatible(g Group, limit uint32) bool {
	return h.Group == g && h.Index < limit
}

// Package slotstore implements the generic slot manager: a fixed-size
// table mapping a SlotHandle to a typed slot descriptor. D is
// WritableDescriptor on the server, ReadableDescriptor on the client.
// Descriptors are built once at construction from shmem.Region slices and
// are never reallocated afterward.
package slotstore

import (
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/rs/zerolog"
)

// WritableDescriptor is the server-side view of one slot: a writable byte
// span plus Reset.
type WritableDescriptor struct {
	data []byte
}

// Bytes returns the writable span.
func (d *WritableDescriptor) Bytes() []byte { return d.data }

// Reset zeroes the slot's content. The server calls this before reusing a
// reclaimed slot if it wants a clean buffer; AcquireSendSlot never calls
// it implicitly.
func (d *WritableDescriptor) Reset() {
	for i := range d.data {
		d.data[i] = 0
	}
}

// ReadableDescriptor is the client-side view of one slot: a read-only byte
// span.
type ReadableDescriptor struct {
	data []byte
}

// Bytes returns the read-only span.
func (d *ReadableDescriptor) Bytes() []byte { return d.data }

// Store is a generic SlotManager<D>.
type Store[D any] struct {
	group       handle.Group
	slotSize    int
	descriptors []D
	logger      zerolog.Logger
}

// NewWritableStore slices region into nSlots contiguous spans of slotSize
// bytes each and wraps each in a WritableDescriptor.
func NewWritableStore(group handle.Group, region []byte, nSlots, slotSize int, logger zerolog.Logger) *Store[*WritableDescriptor] {
	descs := make([]*WritableDescriptor, nSlots)
	for i := 0; i < nSlots; i++ {
		descs[i] = &WritableDescriptor{data: region[i*slotSize : (i+1)*slotSize]}
	}
	return &Store[*WritableDescriptor]{group: group, slotSize: slotSize, descriptors: descs, logger: logger}
}

// NewReadableStore mirrors NewWritableStore for the client side.
func NewReadableStore(group handle.Group, region []byte, nSlots, slotSize int, logger zerolog.Logger) *Store[*ReadableDescriptor] {
	descs := make([]*ReadableDescriptor, nSlots)
	for i := 0; i < nSlots; i++ {
		descs[i] = &ReadableDescriptor{data: region[i*slotSize : (i+1)*slotSize]}
	}
	return &Store[*ReadableDescriptor]{group: group, slotSize: slotSize, descriptors: descs, logger: logger}
}

// Get returns the descriptor for h after validating h's group and index.
// A mismatch is a fatal abort: it means a handle from a different server
// instance, or corrupted bookkeeping, reached this store.
func (s *Store[D]) Get(h handle.Slot) D {
	if !h.Compatible(s.group, uint32(len(s.descriptors))) {
		shmerr.Abort(s.logger, "slot handle mismatch in slotstore", map[string]any{
			"group": h.Group, "index": h.Index,
		})
	}
	return s.descriptors[h.Index]
}

// Len returns the configured slot count.
func (s *Store[D]) Len() int { return len(s.descriptors) }

// SlotSize returns the fixed per-slot size.
func (s *Store[D]) SlotSize() int { return s.slotSize }

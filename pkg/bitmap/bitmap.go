// Package bitmap implements the borrowed-slot bitmap: a 64-bit word
// recording, for one slot, which receivers (bits 0..62) plus the server
// (bit 63) currently borrow it. It is plain data — no pointers, no
// allocation — so it is safe to place in a shared-memory region if a
// future caller wants to.
package bitmap

// ServerBit is the reserved bit position for the server's hold on a slot.
// Receiver indices 0..62 occupy the remaining bits, so the maximum number
// of receivers a single server can track is 63.
const ServerBit = 63

// MaxReceivers is the number of receivers this bitmap can represent
// (indices 0..62).
const MaxReceivers = 63

// Bitmap is one slot's BorrowedBitmap.
type Bitmap uint64

// IsServerSet reports whether the server currently holds the slot.
func (b Bitmap) IsServerSet() bool { return b&(1<<ServerBit) != 0 }

// SetServer marks the server as holding the slot.
func (b *Bitmap) SetServer() { *b |= 1 << ServerBit }

// ClearServer clears the server's hold on the slot.
func (b *Bitmap) ClearServer() { *b &^= 1 << ServerBit }

// IsReceiverSet reports whether receiver r holds the slot. r must be < 63;
// callers are expected to have validated r against MaxReceivers already (the
// fatal-abort path lives in the caller, which has a logger to report with).
func (b Bitmap) IsReceiverSet(r uint32) bool {
	return b&(1<<r) != 0
}

// SetReceiver marks receiver r as holding the slot.
func (b *Bitmap) SetReceiver(r uint32) { *b |= 1 << r }

// ClearReceiver clears receiver r's hold on the slot.
func (b *Bitmap) ClearReceiver(r uint32) { *b &^= 1 << r }

// AnySet reports whether any bit (server or receiver) is set. A slot is free
// iff !AnySet().
func (b Bitmap) AnySet() bool { return b != 0 }

// BitwiseAnd returns the intersection with other — used by ReceiverClass to
// test "does any member of this class hold this slot".
func (b Bitmap) BitwiseAnd(other Bitmap) Bitmap { return b & other }

// ReceiverMask returns the bits belonging to receivers only (bit 63
// excluded), used when a caller wants to test receiver membership without
// the server bit interfering.
func (b Bitmap) ReceiverMask() Bitmap { return b &^ (1 << ServerBit) }

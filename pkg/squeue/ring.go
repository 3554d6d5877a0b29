package squeue

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/odin-labs/shmchan/pkg/shmerr"
)

// ringHeaderBytes is the size of the cursor header at the front of a ring's
// backing region: an 8-byte write cursor followed by an 8-byte read cursor.
// Both are maintained with sync/atomic, which requires 8-byte alignment —
// satisfied here because the backing region always starts at a page (mmap)
// or slice (heap, via shmem.HeapProvider) boundary.
const ringHeaderBytes = 16

// RingQueue is the concrete SPSC queue: a fixed-capacity lock-free ring of
// int32 slot indices over a []byte region. The producer only ever
// advances the write cursor; the consumer only ever advances the read
// cursor — the two sides never contend on the same memory word.
type RingQueue struct {
	data     []byte
	capacity int32
	woff     *int64 // write cursor, lives in data[0:8]
	roff     *int64 // read cursor, lives in data[8:16]
}

// RequiredBytes returns the region size a RingQueue of the given capacity
// needs: the cursor header plus 4 bytes per slot.
func RequiredBytes(capacity int) int {
	return ringHeaderBytes + capacity*4
}

// NewRingQueue wraps data (at least RequiredBytes(capacity) long) as a ring
// queue with room for `capacity` pending indices. The cursors start at
// zero — callers opening a pre-existing region (reattaching after a
// restart) are out of scope: the slot pool is never re-created.
func NewRingQueue(data []byte, capacity int) *RingQueue {
	if len(data) < RequiredBytes(capacity) {
		panic("shmchan: ring queue region too small")
	}
	q := &RingQueue{
		data:     data,
		capacity: int32(capacity),
		woff:     (*int64)(unsafe.Pointer(&data[0])),
		roff:     (*int64)(unsafe.Pointer(&data[8])),
	}
	atomic.StoreInt64(q.woff, 0)
	atomic.StoreInt64(q.roff, 0)
	return q
}

func (q *RingQueue) slotOffset(cursor int64) int {
	return ringHeaderBytes + int(cursor%int64(q.capacity))*4
}

// Push enqueues i. Returns false, nil if the ring is full — a non-error
// "queue-full" signal. A Push past a corrupted cursor pair (read ahead of
// write, or a gap wider than capacity) surfaces ErrQueue instead of
// silently wrapping.
func (q *RingQueue) Push(i int32) (bool, error) {
	w := atomic.LoadInt64(q.woff)
	r := atomic.LoadInt64(q.roff)

	if w < r {
		return false, shmerr.Queue("write cursor %d behind read cursor %d", w, r)
	}
	if w-r > int64(q.capacity) {
		return false, shmerr.Queue("cursor gap %d exceeds capacity %d", w-r, q.capacity)
	}
	if w-r >= int64(q.capacity) {
		return false, nil // full
	}

	off := q.slotOffset(w)
	binary.LittleEndian.PutUint32(q.data[off:off+4], uint32(i))
	atomic.StoreInt64(q.woff, w+1)
	return true, nil
}

// Peek returns the next index without removing it.
func (q *RingQueue) Peek() (int32, bool) {
	r := atomic.LoadInt64(q.roff)
	w := atomic.LoadInt64(q.woff)
	if r >= w {
		return 0, false
	}
	off := q.slotOffset(r)
	return int32(binary.LittleEndian.Uint32(q.data[off : off+4])), true
}

// Pop removes and returns the next index.
func (q *RingQueue) Pop() (int32, bool) {
	r := atomic.LoadInt64(q.roff)
	w := atomic.LoadInt64(q.woff)
	if r >= w {
		return 0, false
	}
	off := q.slotOffset(r)
	v := int32(binary.LittleEndian.Uint32(q.data[off : off+4]))
	atomic.StoreInt64(q.roff, r+1)
	return v, true
}

// Len reports the approximate number of queued indices (exact for SPSC
// usage where only the owning producer/consumer goroutines call in).
func (q *RingQueue) Len() int {
	w := atomic.LoadInt64(q.woff)
	r := atomic.LoadInt64(q.roff)
	if w < r {
		return 0
	}
	return int(w - r)
}

// Capacity returns the configured capacity.
func (q *RingQueue) Capacity() int { return int(q.capacity) }

var (
	_ Reader = (*RingQueue)(nil)
	_ Writer = (*RingQueue)(nil)
)

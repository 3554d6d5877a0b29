package shmem

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// heapRegion backs a Region with a plain, over-aligned heap slice: fixed
// size decided at allocation time, never resized, explicitly released.
type heapRegion struct {
	raw       []byte
	data      []byte
	alignment int
}

func (r *heapRegion) Data() []byte    { return r.data }
func (r *heapRegion) Size() int       { return len(r.data) }
func (r *heapRegion) Alignment() int  { return r.alignment }

func newHeapRegion(size, alignment int) *heapRegion {
	// Over-allocate by alignment so we can carve out an aligned sub-slice;
	// Go's allocator gives no alignment guarantee beyond the platform word
	// size, so for alignments wider than that we align manually.
	raw := make([]byte, size+alignment)
	off := alignmentPadding(raw, alignment)
	return &heapRegion{raw: raw, data: raw[off : off+size], alignment: alignment}
}

func alignmentPadding(b []byte, alignment int) int {
	if len(b) == 0 {
		return 0
	}
	addr := uintptrOf(b)
	rem := addr % uintptr(alignment)
	if rem == 0 {
		return 0
	}
	return int(uintptr(alignment) - rem)
}

// HeapProvider is the portable Provider used by every unit test and by
// single-process demos: regions live on the Go heap, nothing crosses a
// real process boundary. Handles are still opaque 64-bit tokens — a test
// exercising the protocol/codec layer sees the same shape it would against
// PosixProvider.
type HeapProvider struct {
	mu      sync.Mutex
	nextID  uint64
	regions map[uint64]*heapRegion
}

// NewHeapProvider creates an empty HeapProvider.
func NewHeapProvider() *HeapProvider {
	return &HeapProvider{regions: make(map[uint64]*heapRegion)}
}

func (p *HeapProvider) Allocate(size, alignment int) (Handle, Region, error) {
	if err := ValidateSizeAlignment(size, alignment); err != nil {
		return Handle{}, nil, err
	}
	id := atomic.AddUint64(&p.nextID, 1)
	r := newHeapRegion(size, alignment)

	p.mu.Lock()
	p.regions[id] = r
	p.mu.Unlock()

	return Handle{id: id}, r, nil
}

func (p *HeapProvider) Map(h Handle) (Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions[h.id]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return r, nil
}

func (p *HeapProvider) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.regions[h.id]; !ok {
		return ErrUnknownHandle
	}
	delete(p.regions, h.id)
	return nil
}

var (
	_ Provider = (*HeapProvider)(nil)
	_ Region   = (*heapRegion)(nil)
)

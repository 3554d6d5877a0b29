//go:build linux

package shmem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// posixRegion backs a Region with an mmap'd /dev/shm file. Grounded on the
// retrieved AlephTX feeder's shm.RingBuffer/shm.Matrix: open-or-create under
// /dev/shm, truncate to the final size, mmap MAP_SHARED, never remap.
type posixRegion struct {
	file      *os.File
	data      []byte
	alignment int
}

func (r *posixRegion) Data() []byte   { return r.data }
func (r *posixRegion) Size() int      { return len(r.data) }
func (r *posixRegion) Alignment() int { return r.alignment }

// Fd returns the underlying file descriptor, for the Unix-socket side
// channel to pass via SCM_RIGHTS.
func (r *posixRegion) Fd() uintptr { return r.file.Fd() }

// PosixProvider allocates POSIX shared-memory regions under /dev/shm.
// Every allocation gets its own file, named by the provider's prefix plus a
// monotonic counter — the file is unlinked on Release (the data stays
// reachable to processes that already mapped it, same as POSIX shm
// semantics).
type PosixProvider struct {
	prefix string
	mu     sync.Mutex
	nextID uint64
	// open tracks fd-backed regions so Release can munmap+unlink+close.
	open map[uint64]*posixRegion
}

// NewPosixProvider creates a provider whose /dev/shm files are named
// "<prefix>-<n>".
func NewPosixProvider(prefix string) *PosixProvider {
	return &PosixProvider{prefix: prefix, open: make(map[uint64]*posixRegion)}
}

func (p *PosixProvider) Allocate(size, alignment int) (Handle, Region, error) {
	if err := ValidateSizeAlignment(size, alignment); err != nil {
		return Handle{}, nil, err
	}

	id := atomic.AddUint64(&p.nextID, 1)
	path := fmt.Sprintf("/dev/shm/%s-%d", p.prefix, id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Handle{}, nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return Handle{}, nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return Handle{}, nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	r := &posixRegion{file: f, data: data, alignment: alignment}

	p.mu.Lock()
	p.open[id] = r
	p.mu.Unlock()

	// The handle carries both the provider-local id (for same-process
	// Map/Release) and the raw fd (for a side channel to pass via
	// SCM_RIGHTS) — a receiving process has no use for the id, only the fd.
	return Handle{id: id, fd: int(f.Fd()), hasFd: true}, r, nil
}

// Map is only meaningful to a process that received the handle's fd via the
// side channel and already has it open locally; the PosixProvider held by
// the originating process can also serve Map for same-process callers
// (tests, single-binary demos).
func (p *PosixProvider) Map(h Handle) (Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.open[h.id]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return r, nil
}

// MapFd mmaps an fd received from the side channel (MAP_SHARED, read-write)
// and wraps the mapping as a Region of the given size.
// Used by the client side, which never opened the backing file itself.
func MapFd(fd uintptr, size, alignment int) (Region, error) {
	return mapFd(int(fd), size, alignment)
}

func mapFd(fd int, size, alignment int) (Region, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap received fd: %w", err)
	}
	return &posixRegion{data: data, alignment: alignment}, nil
}

func (p *PosixProvider) Release(h Handle) error {
	p.mu.Lock()
	r, ok := p.open[h.id]
	if ok {
		delete(p.open, h.id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	path := r.file.Name()
	unix.Munmap(r.data)
	r.file.Close()
	return os.Remove(path)
}

var (
	_ Provider = (*PosixProvider)(nil)
	_ Region   = (*posixRegion)(nil)
)

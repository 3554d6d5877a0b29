// Package shmem defines the memory-provider contract — opaque memory
// handle tokens plus readable/writable byte-range objects with a stable
// data()/size()/alignment() view — and supplies concrete providers:
// HeapProvider (portable, used by tests and single-process demos) and,
// on linux, PosixProvider (mmap'd /dev/shm, for real two-process
// operation).
package shmem

import "fmt"

// Handle is an opaque token identifying an allocated region. The core never
// interprets its contents; it only carries it through the protocol layer
// and passes it back to Map/Release.
//
// A handle received over a cross-process side channel (SCM_RIGHTS) carries
// a raw file descriptor instead of a provider-local id; Fd/HandleFromFd
// cover that case for the unix-socket side channel and PosixProvider's
// MapFd path.
type Handle struct {
	id    uint64
	fd    int
	hasFd bool
}

// HandleFromFd wraps a file descriptor received via the side channel. The
// receiving side maps it with shmem.MapFd rather than a Provider's Map,
// since no local Provider allocated it.
func HandleFromFd(fd int) Handle {
	return Handle{fd: fd, hasFd: true}
}

// Fd returns the descriptor carried by a handle built with HandleFromFd.
func (h Handle) Fd() (int, bool) {
	return h.fd, h.hasFd
}

// Region is a readable/writable byte-range view with a stable Data/Size/
// Alignment.
type Region interface {
	Data() []byte
	Size() int
	Alignment() int
}

// Provider allocates and maps shared-memory regions. Allocate is called by
// the server; Map is called by a client given the handle it received over
// the side channel; Release tears a region down.
type Provider interface {
	Allocate(size, alignment int) (Handle, Region, error)
	Map(h Handle) (Region, error)
	Release(h Handle) error
}

// ErrUnknownHandle is returned by Map/Release for a handle the provider did
// not allocate (or already released).
var ErrUnknownHandle = fmt.Errorf("shmem: unknown handle")

// ErrBadAlignment is returned when alignment is not a power of two, or
// size is not positive (size need not be a multiple of alignment) — the same field
// validation ConnectionRequest's memory config requires.
var ErrBadAlignment = fmt.Errorf("shmem: size/alignment invalid")

// ResolveHandle maps h against provider, preferring a raw descriptor (a
// handle that arrived over a side channel via SCM_RIGHTS) over a
// provider-local lookup — a handle built by HandleFromFd was never
// allocated by this process's provider, so Map would not find it.
func ResolveHandle(provider Provider, h Handle, size, alignment int) (Region, error) {
	if fd, ok := h.Fd(); ok {
		return mapFd(fd, size, alignment)
	}
	return provider.Map(h)
}

// ValidateSizeAlignment enforces the "size>0, alignment is a power of
// two" rule, shared by every provider and by the protocol decoder.
func ValidateSizeAlignment(size, alignment int) error {
	if size <= 0 {
		return ErrBadAlignment
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return ErrBadAlignment
	}
	return nil
}

//go:build !linux

package shmem

import "fmt"

// mapFd has no portable implementation: SCM_RIGHTS fd passing is a Linux
// (POSIX) concept. Non-linux builds only ever use HeapProvider, so a real
// fd-carrying Handle should never reach this path there.
func mapFd(fd int, size, alignment int) (Region, error) {
	return nil, fmt.Errorf("shmem: fd-based mapping unsupported on this platform")
}

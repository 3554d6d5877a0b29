package shmem

import "testing"

func TestHeapProviderAllocateMapRoundTrip(t *testing.T) {
	p := NewHeapProvider()
	h, region, err := p.Allocate(128, 64)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if region.Size() != 128 || region.Alignment() != 64 {
		t.Fatalf("unexpected region shape: size=%d alignment=%d", region.Size(), region.Alignment())
	}

	copy(region.Data(), []byte("hello"))

	mapped, err := p.Map(h)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if string(mapped.Data()[:5]) != "hello" {
		t.Fatalf("expected mapped region to alias the allocated data, got %q", mapped.Data()[:5])
	}
}

func TestHeapProviderReleaseInvalidatesHandle(t *testing.T) {
	p := NewHeapProvider()
	h, _, err := p.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := p.Map(h); err != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle after release, got %v", err)
	}
	if err := p.Release(h); err != ErrUnknownHandle {
		t.Fatalf("expected double-release to report ErrUnknownHandle, got %v", err)
	}
}

func TestHeapProviderMapUnknownHandle(t *testing.T) {
	p := NewHeapProvider()
	if _, err := p.Map(Handle{id: 999}); err != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle for a handle this provider never allocated, got %v", err)
	}
}

func TestValidateSizeAlignmentRejectsBadInputs(t *testing.T) {
	cases := []struct {
		size, alignment int
		ok              bool
	}{
		{128, 64, true},
		{0, 64, false},
		{-1, 64, false},
		{128, 0, false},
		{128, 3, false}, // not a power of two
	}
	for _, c := range cases {
		err := ValidateSizeAlignment(c.size, c.alignment)
		if (err == nil) != c.ok {
			t.Fatalf("ValidateSizeAlignment(%d, %d): expected ok=%v, got err=%v", c.size, c.alignment, c.ok, err)
		}
	}
}

func TestHeapRegionAlignment(t *testing.T) {
	p := NewHeapProvider()
	_, region, err := p.Allocate(256, 128)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	addr := uintptrOf(region.Data())
	if addr%128 != 0 {
		t.Fatalf("expected region data aligned to 128, got address %x", addr)
	}
}

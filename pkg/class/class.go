// Package class implements the ReceiverClass and ClassManager bookkeeping:
// a per-class aggregate cap on how many slots may be concurrently
// borrowed by any subset of the class's members, backed by a cached
// count so the check is O(1) rather than O(N_slots).
//
// Correctness of the held cache rests entirely on one precondition: every
// bitmap mutation for a class member goes through TryAcquire or Release
// on that class. Nothing here scans the slot pool.
package class

import (
	"sync"

	"github.com/odin-labs/shmchan/pkg/bitmap"
	"github.com/odin-labs/shmchan/pkg/handle"
)

// ReceiverClass is a tuple (cap, held, members). Zero value is not
// usable; construct with New.
type ReceiverClass struct {
	mu      sync.Mutex
	cap     int
	held    int
	members bitmap.Bitmap
}

// New creates a class with the given aggregate borrow cap.
func New(cap int) *ReceiverClass {
	return &ReceiverClass{cap: cap}
}

// Cap returns the configured cap.
func (c *ReceiverClass) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// Held returns the cached held count.
func (c *ReceiverClass) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// RegisterReceiver adds r to the class's member set. Idempotent.
func (c *ReceiverClass) RegisterReceiver(r uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members.SetReceiver(r)
}

// RemoveReceiver removes r from the class's member set. Idempotent.
// Callers must have released every slot held by r first: this call does
// not touch held, since it assumes no slot bitmap still has r's bit set —
// a released slot has already run Release and decremented held if it was
// the class's last holder.
func (c *ReceiverClass) RemoveReceiver(r uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members.ClearReceiver(r)
}

// TryAcquire: if r already holds the slot (per slotBitmap), it is a no-op
// success. Otherwise, if any other member of the class already holds the
// slot, the cap check is skipped (held does not change) and r's bit is
// set. Otherwise the cap is enforced: if held < cap, r's bit is set and
// held increments; else the call fails and slotBitmap is left untouched.
func (c *ReceiverClass) TryAcquire(r uint32, slotBitmap *bitmap.Bitmap) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slotBitmap.IsReceiverSet(r) {
		return true
	}

	alreadyHeldByClass := slotBitmap.ReceiverMask().BitwiseAnd(c.members) != 0
	if alreadyHeldByClass {
		slotBitmap.SetReceiver(r)
		return true
	}

	if c.held < c.cap {
		slotBitmap.SetReceiver(r)
		c.held++
		return true
	}

	return false
}

// Release: if r does not hold the slot, it is a no-op. Otherwise r's bit
// is cleared, and held decrements only if no other class member still
// holds the slot afterward.
func (c *ReceiverClass) Release(r uint32, slotBitmap *bitmap.Bitmap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !slotBitmap.IsReceiverSet(r) {
		return
	}
	slotBitmap.ClearReceiver(r)

	if slotBitmap.ReceiverMask().BitwiseAnd(c.members) == 0 {
		c.held--
	}
}

// IsHeldByClass reports whether any member of the class holds the slot.
func (c *ReceiverClass) IsHeldByClass(slotBitmap bitmap.Bitmap) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slotBitmap.ReceiverMask().BitwiseAnd(c.members) != 0
}

// receiverBinding is the (receiver, class) pairing the ClassManager tracks.
type receiverBinding struct {
	receiver handle.Receiver
	class    handle.Class
}

// Manager owns the ordered list of classes (index = class identifier) and
// the sparse receiver→(receiver handle, class handle) mapping.
type Manager struct {
	group   handle.Group
	maxCls  uint32
	mu      sync.Mutex
	classes []*ReceiverClass
	byRecv  map[uint32]receiverBinding
}

// NewManager creates a ClassManager for the given group, with room for at
// most maxClasses classes.
func NewManager(group handle.Group, maxClasses uint32) *Manager {
	return &Manager{
		group:  group,
		maxCls: maxClasses,
		byRecv: make(map[uint32]receiverBinding),
	}
}

// CreateClass appends a class with the given cap and returns its handle.
// Fails fatally if the configured class count is exceeded — the caller
// (BorrowedManager) owns the logger used to report the abort.
func (m *Manager) CreateClass(cap int) (handle.Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(m.classes)) >= m.maxCls {
		return handle.Class{}, false
	}
	idx := uint32(len(m.classes))
	m.classes = append(m.classes, New(cap))
	return handle.Class{Group: m.group, Index: idx}, true
}

// classAt returns the class at idx without bounds checking the caller's
// handle — callers must validate via handle.Compatible first.
func (m *Manager) classAt(idx uint32) *ReceiverClass {
	return m.classes[idx]
}

// RegisterReceiver binds r to class c. Fails if r.Index is already
// occupied by a different registered handle, or is bound to a different
// class. Re-registering the same handle to the same class succeeds.
func (m *Manager) RegisterReceiver(r handle.Receiver, c handle.Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byRecv[r.Index]; ok && (existing.receiver != r || existing.class != c) {
		return false
	}
	m.byRecv[r.Index] = receiverBinding{receiver: r, class: c}
	m.classAt(c.Index).RegisterReceiver(r.Index)
	return true
}

// RemoveReceiver is the inverse of RegisterReceiver.
func (m *Manager) RemoveReceiver(r handle.Receiver) {
	m.mu.Lock()
	binding, ok := m.byRecv[r.Index]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byRecv, r.Index)
	m.mu.Unlock()

	m.classAt(binding.class.Index).RemoveReceiver(r.Index)
}

// GetClass returns the class handle bound to r, if any.
func (m *Manager) GetClass(r handle.Receiver) (handle.Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding, ok := m.byRecv[r.Index]
	if !ok {
		return handle.Class{}, false
	}
	return binding.class, true
}

// TryAcquireForReceiver delegates to r's bound class. Returns false
// (not limited but also not acquired) if r has no bound class — this is a
// caller-error condition the BorrowedManager treats as a fatal abort, since
// it means a receiver slipped through registration.
func (m *Manager) TryAcquireForReceiver(r handle.Receiver, slotBitmap *bitmap.Bitmap) (bool, bool) {
	c, ok := m.GetClass(r)
	if !ok {
		return false, false
	}
	return m.classAt(c.Index).TryAcquire(r.Index, slotBitmap), true
}

// ReleaseForReceiver delegates to r's bound class.
func (m *Manager) ReleaseForReceiver(r handle.Receiver, slotBitmap *bitmap.Bitmap) bool {
	c, ok := m.GetClass(r)
	if !ok {
		return false
	}
	m.classAt(c.Index).Release(r.Index, slotBitmap)
	return true
}

// ClassByHandle returns the ReceiverClass identified by c, validating that
// c belongs to this manager's group and is within range.
func (m *Manager) ClassByHandle(c handle.Class) (*ReceiverClass, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.Compatible(m.group, uint32(len(m.classes))) {
		return nil, false
	}
	return m.classAt(c.Index), true
}

// Classes returns a snapshot slice of all classes, for introspection via
// server.Snapshot. Order matches class index.
func (m *Manager) Classes() []*ReceiverClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReceiverClass, len(m.classes))
	copy(out, m.classes)
	return out
}

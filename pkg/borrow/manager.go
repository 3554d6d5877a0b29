// Package borrow implements the BorrowedManager: the component that
// combines a per-slot BorrowedBitmap table with a class.Manager to answer
// free-slot search, acquire-for-send, acquire-for-receiver (subject to
// class cap), and release.
//
// Every entry point validates its handles first and aborts fatally on a
// group/index mismatch: that condition means memory corruption or API
// misuse, not a recoverable runtime error.
package borrow

import (
	"sync"

	"github.com/odin-labs/shmchan/pkg/bitmap"
	"github.com/odin-labs/shmchan/pkg/class"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/rs/zerolog"
)

// AcquireResult is the outcome of acquiring a slot for a receiver.
type AcquireResult int

const (
	// NotLimited means the slot was acquired (or the receiver already held
	// it) without hitting the class cap.
	NotLimited AcquireResult = iota
	// ClassLimited means the receiver's class is at its cap and the slot
	// was not acquired.
	ClassLimited
)

// Manager is the BorrowedManager: group, N_slots, max_receivers, the
// per-slot bitmap table, and a class.Manager.
type Manager struct {
	group        handle.Group
	logger       zerolog.Logger
	nSlots       uint32
	maxReceivers uint32

	mu      sync.Mutex
	bitmaps []bitmap.Bitmap

	classes *class.Manager
}

// Config holds the fixed sizing for a Manager, chosen at server
// construction and never changed afterward.
type Config struct {
	NSlots       uint32
	MaxReceivers uint32 // must be <= bitmap.MaxReceivers (63)
	MaxClasses   uint32
}

// NewManager creates a BorrowedManager bound to group, sized per cfg.
func NewManager(group handle.Group, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxReceivers > bitmap.MaxReceivers {
		// Configuration bug, not a runtime fault: fail fast at construction.
		panic("shmchan: max receivers exceeds bitmap capacity (63)")
	}
	return &Manager{
		group:        group,
		logger:       logger,
		nSlots:       cfg.NSlots,
		maxReceivers: cfg.MaxReceivers,
		bitmaps:      make([]bitmap.Bitmap, cfg.NSlots),
		classes:      class.NewManager(group, cfg.MaxClasses),
	}
}

// Group returns the manager's group, for handle construction by callers.
func (m *Manager) Group() handle.Group { return m.group }

// NSlots returns the configured slot count.
func (m *Manager) NSlots() uint32 { return m.nSlots }

func (m *Manager) checkSlot(s handle.Slot) {
	if !s.Compatible(m.group, m.nSlots) {
		m.abort("slot handle mismatch", map[string]any{"group": s.Group, "index": s.Index})
	}
}

func (m *Manager) checkReceiver(r handle.Receiver) {
	if !r.Compatible(m.group, m.maxReceivers) {
		m.abort("receiver handle mismatch", map[string]any{"group": r.Group, "index": r.Index})
	}
}

func (m *Manager) abort(msg string, fields map[string]any) {
	shmerr.Abort(m.logger, msg, fields)
}

// CreateClass appends a new receiver class with the given cap. See
// class.Manager.CreateClass.
func (m *Manager) CreateClass(cap int) handle.Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes.CreateClass(cap)
	if !ok {
		m.abort("receiver class capacity exceeded", map[string]any{"cap": cap})
	}
	return c
}

// RegisterReceiver binds receiver r to class c.
func (m *Manager) RegisterReceiver(r handle.Receiver, c handle.Class) {
	m.checkReceiver(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.classes.RegisterReceiver(r, c) {
		m.abort("receiver index already registered to a different handle or class", map[string]any{"receiver": r.Index})
	}
}

// UnregisterReceiver releases every slot r holds and removes it from the
// class manager. Returns the slots that became free as a result.
func (m *Manager) UnregisterReceiver(r handle.Receiver) []handle.Slot {
	m.checkReceiver(r)
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []handle.Slot
	for i := range m.bitmaps {
		b := &m.bitmaps[i]
		if b.IsReceiverSet(r.Index) {
			m.classes.ReleaseForReceiver(r, b)
			if !b.AnySet() {
				freed = append(freed, handle.Slot{Group: m.group, Index: uint32(i)})
			}
		}
	}
	m.classes.RemoveReceiver(r)
	return freed
}

// AcquireSendSlot scans bitmaps in index order and returns the first slot
// with no bits set, setting its server bit. No fairness beyond
// deterministic index order is guaranteed.
func (m *Manager) AcquireSendSlot() (handle.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.bitmaps {
		if !m.bitmaps[i].AnySet() {
			m.bitmaps[i].SetServer()
			return handle.Slot{Group: m.group, Index: uint32(i)}, true
		}
	}
	return handle.Slot{}, false
}

// ReleaseSendSlot clears the server's hold on s. Precondition: the server
// bit is set.
func (m *Manager) ReleaseSendSlot(s handle.Slot) {
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bitmaps[s.Index].ClearServer()
}

// AcquireReceiverSlot delegates to the class manager for r's bound class.
// If r already holds s, returns NotLimited without modification.
func (m *Manager) AcquireReceiverSlot(r handle.Receiver, s handle.Slot) AcquireResult {
	m.checkReceiver(r)
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()

	ok, bound := m.classes.TryAcquireForReceiver(r, &m.bitmaps[s.Index])
	if !bound {
		m.abort("receiver has no bound class", map[string]any{"receiver": r.Index})
	}
	if ok {
		return NotLimited
	}
	return ClassLimited
}

// ReleaseReceiverSlot releases r's hold on s via the class manager.
func (m *Manager) ReleaseReceiverSlot(r handle.Receiver, s handle.Slot) {
	m.checkReceiver(r)
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes.ReleaseForReceiver(r, &m.bitmaps[s.Index])
}

// IsSlotBorrowedByReceiver reports whether r currently holds s.
func (m *Manager) IsSlotBorrowedByReceiver(r handle.Receiver, s handle.Slot) bool {
	m.checkReceiver(r)
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitmaps[s.Index].IsReceiverSet(r.Index)
}

// IsSlotFree reports whether no bit is set for s.
func (m *Manager) IsSlotFree(s handle.Slot) bool {
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.bitmaps[s.Index].AnySet()
}

// GetReceiverClass returns the class bound to r, if any.
func (m *Manager) GetReceiverClass(r handle.Receiver) (handle.Class, bool) {
	m.checkReceiver(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classes.GetClass(r)
}

// ClassByHandle exposes the underlying ReceiverClass for introspection
// (cap/held) and for metrics collection.
func (m *Manager) ClassByHandle(c handle.Class) (*class.ReceiverClass, bool) {
	return m.classes.ClassByHandle(c)
}

// Classes returns all classes in index order, for introspection/metrics.
func (m *Manager) Classes() []*class.ReceiverClass {
	return m.classes.Classes()
}

// FreeSlotCount returns how many slots currently have no bits set at all.
// Used by tests verifying P6 (round-trip) and by the telemetry gauge
// shm_slots_free.
func (m *Manager) FreeSlotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.bitmaps {
		if !m.bitmaps[i].AnySet() {
			n++
		}
	}
	return n
}

// SnapshotBitmap returns a copy of slot s's bitmap, for introspection only.
func (m *Manager) SnapshotBitmap(s handle.Slot) bitmap.Bitmap {
	m.checkSlot(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitmaps[s.Index]
}

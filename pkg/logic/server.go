package logic

import (
	"fmt"
	"sync"

	"github.com/odin-labs/shmchan/pkg/borrow"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/squeue"
	"github.com/rs/zerolog"
)

// DropReason explains why send_slot did not deliver to a particular
// receiver.
type DropReason int

const (
	DropClassLimited DropReason = iota
	DropQueueFull
	DropReceiverCorrupted
)

func (r DropReason) String() string {
	switch r {
	case DropClassLimited:
		return "class_limited"
	case DropQueueFull:
		return "queue_full"
	case DropReceiverCorrupted:
		return "receiver_corrupted"
	default:
		return "unknown"
	}
}

// DroppedReceiver records one receiver that did not get a published slot.
type DroppedReceiver struct {
	Receiver handle.Receiver
	Reason   DropReason
}

// SendResult is the outcome of LogicServer.SendSlot.
type SendResult struct {
	Dropped []DroppedReceiver
}

type serverReceiver struct {
	handle         handle.Receiver
	class          handle.Class
	freeQueue      squeue.Reader
	availableQueue squeue.Writer
	corrupted      bool
}

// Server is LogicServer: pure bookkeeping over a borrow.Manager plus the
// registered receivers' queue endpoints. It never touches shared-memory
// slot contents and never talks to a sidechannel.Channel — both of those
// are the state machine's job (server.Server, in the package above this
// one).
type Server struct {
	borrow *borrow.Manager
	logger zerolog.Logger

	mu            sync.Mutex
	maxReceivers  uint32
	receivers     []*serverReceiver // indexed by receiver index; nil = free slot
	registeredIdx []uint32          // registration order, for send_slot's fan-out order
}

// NewServer wraps an already-constructed borrow.Manager.
func NewServer(bm *borrow.Manager, maxReceivers uint32, logger zerolog.Logger) *Server {
	return &Server{
		borrow:       bm,
		logger:       logger,
		maxReceivers: maxReceivers,
		receivers:    make([]*serverReceiver, maxReceivers),
	}
}

// RegisterReceiver allocates the lowest free receiver index, installs the
// caller-provided free-queue reading end and available-queue writing end,
// binds it to class c, and returns its handle.
//
// Exhausting the configured receiver count is a legitimate runtime
// condition (a server accepting more clients than it was built for), not a
// corruption signal, so it returns an error rather than aborting.
func (s *Server) RegisterReceiver(c handle.Class, freeQueue squeue.Reader, availableQueue squeue.Writer) (handle.Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, r := range s.receivers {
		if r == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return handle.Receiver{}, fmt.Errorf("logic: receiver capacity (%d) exhausted", s.maxReceivers)
	}

	rh := handle.Receiver{Group: s.borrow.Group(), Index: uint32(idx)}
	s.borrow.RegisterReceiver(rh, c)

	s.receivers[idx] = &serverReceiver{
		handle:         rh,
		class:          c,
		freeQueue:      freeQueue,
		availableQueue: availableQueue,
	}
	s.registeredIdx = append(s.registeredIdx, uint32(idx))
	return rh, nil
}

// UnregisterReceiver releases every slot r holds and removes all record of
// it. Returns the slots that became completely free as a result.
func (s *Server) UnregisterReceiver(r handle.Receiver) []handle.Slot {
	freed := s.borrow.UnregisterReceiver(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[r.Index] = nil
	for i, idx := range s.registeredIdx {
		if idx == r.Index {
			s.registeredIdx = append(s.registeredIdx[:i], s.registeredIdx[i+1:]...)
			break
		}
	}
	return freed
}

// AcquireSlot acquires a free send slot, wrapped as a token.
func (s *Server) AcquireSlot() (SlotToken, bool) {
	sl, ok := s.borrow.AcquireSendSlot()
	if !ok {
		return SlotToken{}, false
	}
	return SlotToken{Slot: sl}, true
}

// SendSlot publishes token's slot to every registered receiver in
// registration order: acquire the receiver's hold, push the index onto its
// available queue, and release the send-side hold once every receiver has
// been offered the slot.
func (s *Server) SendSlot(token SlotToken) SendResult {
	slot := token.Slot

	s.mu.Lock()
	order := append([]uint32(nil), s.registeredIdx...)
	s.mu.Unlock()

	var result SendResult

	for _, idx := range order {
		s.mu.Lock()
		rec := s.receivers[idx]
		s.mu.Unlock()
		if rec == nil {
			continue
		}
		if rec.corrupted {
			result.Dropped = append(result.Dropped, DroppedReceiver{Receiver: rec.handle, Reason: DropReceiverCorrupted})
			continue
		}

		outcome := s.borrow.AcquireReceiverSlot(rec.handle, slot)
		if outcome == borrow.ClassLimited {
			result.Dropped = append(result.Dropped, DroppedReceiver{Receiver: rec.handle, Reason: DropClassLimited})
			continue
		}

		ok, err := rec.availableQueue.Push(int32(slot.Index))
		if err != nil {
			s.markCorrupted(idx)
			continue
		}
		if !ok {
			result.Dropped = append(result.Dropped, DroppedReceiver{Receiver: rec.handle, Reason: DropQueueFull})
			s.borrow.ReleaseReceiverSlot(rec.handle, slot)
			continue
		}
	}

	s.borrow.ReleaseSendSlot(slot)
	return result
}

// ReclaimSlots pops every index off every registered receiver's free queue,
// releases the receiver's hold on it, and returns every slot that became
// fully free as a result.
func (s *Server) ReclaimSlots() []handle.Slot {
	s.mu.Lock()
	order := append([]uint32(nil), s.registeredIdx...)
	s.mu.Unlock()

	var freed []handle.Slot

	for _, idx := range order {
		s.mu.Lock()
		rec := s.receivers[idx]
		s.mu.Unlock()
		if rec == nil || rec.corrupted {
			continue
		}

		for {
			i, ok := rec.freeQueue.Pop()
			if !ok {
				break
			}
			if i < 0 || uint32(i) >= s.borrow.NSlots() {
				s.logger.Warn().Uint32("receiver", idx).Int32("index", i).Msg("logic: receiver free queue produced out-of-range slot index")
				s.markCorrupted(idx)
				break
			}
			sl := handle.Slot{Group: s.borrow.Group(), Index: uint32(i)}
			if !s.borrow.IsSlotBorrowedByReceiver(rec.handle, sl) {
				s.logger.Warn().Uint32("receiver", idx).Int32("index", i).Msg("logic: receiver released a slot it did not borrow")
				s.markCorrupted(idx)
				break
			}
			s.borrow.ReleaseReceiverSlot(rec.handle, sl)
			if s.borrow.IsSlotFree(sl) {
				freed = append(freed, sl)
			}
		}
	}

	return freed
}

func (s *Server) markCorrupted(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.receivers[idx]; rec != nil {
		rec.corrupted = true
	}
}

// IsReceiverCorrupted reports whether r's queue traffic has been marked
// untrustworthy.
func (s *Server) IsReceiverCorrupted(r handle.Receiver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.receivers[r.Index]
	return rec != nil && rec.corrupted
}

// Borrow exposes the underlying borrow.Manager for introspection/metrics.
func (s *Server) Borrow() *borrow.Manager { return s.borrow }

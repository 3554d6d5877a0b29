package logic

import (
	"testing"

	"github.com/odin-labs/shmchan/pkg/borrow"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/squeue"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, nSlots, maxReceivers, maxClasses uint32) (*Server, *borrow.Manager) {
	t.Helper()
	group := handle.NewGroup()
	bm := borrow.NewManager(group, borrow.Config{NSlots: nSlots, MaxReceivers: maxReceivers, MaxClasses: maxClasses}, zerolog.Nop())
	return NewServer(bm, maxReceivers, zerolog.Nop()), bm
}

func newTestRingPair(t *testing.T, capacity int) (*squeue.RingQueue, *squeue.RingQueue) {
	t.Helper()
	avail := squeue.NewRingQueue(make([]byte, squeue.RequiredBytes(capacity)), capacity)
	free := squeue.NewRingQueue(make([]byte, squeue.RequiredBytes(capacity)), capacity)
	return avail, free
}

func TestSendSlotDeliversToAllRegisteredReceivers(t *testing.T) {
	s, bm := newTestServer(t, 4, 4, 4)
	class := bm.CreateClass(4)

	avail1, free1 := newTestRingPair(t, 4)
	avail2, free2 := newTestRingPair(t, 4)

	r1, err := s.RegisterReceiver(class, free1, avail1)
	if err != nil {
		t.Fatalf("RegisterReceiver 1 failed: %v", err)
	}
	r2, err := s.RegisterReceiver(class, free2, avail2)
	if err != nil {
		t.Fatalf("RegisterReceiver 2 failed: %v", err)
	}

	token, ok := s.AcquireSlot()
	if !ok {
		t.Fatalf("expected to acquire a free slot")
	}
	result := s.SendSlot(token)
	if len(result.Dropped) != 0 {
		t.Fatalf("expected no drops, got %+v", result.Dropped)
	}

	idx1, ok := avail1.Pop()
	if !ok || idx1 != int32(token.Slot.Index) {
		t.Fatalf("receiver 1 did not see the published slot: idx=%d ok=%v", idx1, ok)
	}
	idx2, ok := avail2.Pop()
	if !ok || idx2 != int32(token.Slot.Index) {
		t.Fatalf("receiver 2 did not see the published slot: idx=%d ok=%v", idx2, ok)
	}

	if !bm.IsSlotBorrowedByReceiver(r1, token.Slot) || !bm.IsSlotBorrowedByReceiver(r2, token.Slot) {
		t.Fatalf("expected both receivers to hold the slot after send")
	}
}

func TestSendSlotDropsOnClassLimit(t *testing.T) {
	s, bm := newTestServer(t, 4, 2, 1)
	class := bm.CreateClass(1)

	avail1, free1 := newTestRingPair(t, 4)
	avail2, free2 := newTestRingPair(t, 4)
	r1, _ := s.RegisterReceiver(class, free1, avail1)
	_, _ = s.RegisterReceiver(class, free2, avail2)

	token1, _ := s.AcquireSlot()
	s.SendSlot(token1)

	token2, _ := s.AcquireSlot()
	result := s.SendSlot(token2)

	if len(result.Dropped) != 2 {
		t.Fatalf("expected both receivers dropped for the second send (class at cap), got %+v", result.Dropped)
	}
	for _, d := range result.Dropped {
		if d.Reason != DropClassLimited {
			t.Fatalf("expected DropClassLimited, got %v", d.Reason)
		}
	}
	if _, ok := avail1.Pop(); !ok {
		t.Fatalf("receiver 1 should still have the first publication queued")
	}
	_ = r1
}

func TestSendSlotDropsOnQueueFull(t *testing.T) {
	s, bm := newTestServer(t, 4, 2, 1)
	class := bm.CreateClass(4)

	avail, free := newTestRingPair(t, 1) // capacity 1: second publish finds it full
	s.RegisterReceiver(class, free, avail)

	token1, _ := s.AcquireSlot()
	if res := s.SendSlot(token1); len(res.Dropped) != 0 {
		t.Fatalf("expected first send to succeed, got drops %+v", res.Dropped)
	}

	token2, _ := s.AcquireSlot()
	res := s.SendSlot(token2)
	if len(res.Dropped) != 1 || res.Dropped[0].Reason != DropQueueFull {
		t.Fatalf("expected a single DropQueueFull, got %+v", res.Dropped)
	}
	// Queue-full must not leave the receiver holding the second slot.
	if bm.IsSlotBorrowedByReceiver(handle.Receiver{Group: bm.Group(), Index: 0}, token2.Slot) {
		t.Fatalf("receiver must not hold a slot it was dropped for")
	}
}

func TestReclaimSlotsFreesAfterReceiverPops(t *testing.T) {
	s, bm := newTestServer(t, 2, 2, 1)
	class := bm.CreateClass(2)

	avail, free := newTestRingPair(t, 4)
	s.RegisterReceiver(class, free, avail)

	token, _ := s.AcquireSlot()
	s.SendSlot(token)
	avail.Pop() // receiver "reads" it

	if ok := bm.IsSlotFree(token.Slot); ok {
		t.Fatalf("slot should still be held by the receiver before it acks via the free queue")
	}

	free.Push(int32(token.Slot.Index)) // receiver signals it is done

	freed := s.ReclaimSlots()
	if len(freed) != 1 || freed[0] != token.Slot {
		t.Fatalf("expected ReclaimSlots to report slot %v freed, got %v", token.Slot, freed)
	}
	if !bm.IsSlotFree(token.Slot) {
		t.Fatalf("expected slot free after reclaim")
	}
}

func TestReclaimSlotsMarksCorruptedOnOutOfRangeIndex(t *testing.T) {
	s, bm := newTestServer(t, 2, 2, 1)
	class := bm.CreateClass(2)
	avail, free := newTestRingPair(t, 4)
	r, _ := s.RegisterReceiver(class, free, avail)

	free.Push(99) // out of range for nSlots=2

	s.ReclaimSlots()
	if !s.IsReceiverCorrupted(r) {
		t.Fatalf("expected receiver marked corrupted after an out-of-range free-queue index")
	}
}

func TestUnregisterReceiverFreesItsSlots(t *testing.T) {
	s, bm := newTestServer(t, 2, 2, 1)
	class := bm.CreateClass(2)
	avail, free := newTestRingPair(t, 4)
	r, _ := s.RegisterReceiver(class, free, avail)

	token, _ := s.AcquireSlot()
	s.SendSlot(token)

	freed := s.UnregisterReceiver(r)
	if len(freed) != 1 || freed[0] != token.Slot {
		t.Fatalf("expected UnregisterReceiver to report slot %v freed, got %v", token.Slot, freed)
	}
	if !bm.IsSlotFree(token.Slot) {
		t.Fatalf("expected slot free after unregistering its only holder")
	}

	if _, err := s.RegisterReceiver(class, free, avail); err != nil {
		t.Fatalf("expected the freed receiver index to be reusable: %v", err)
	}
}

func TestRegisterReceiverExhaustionReturnsError(t *testing.T) {
	s, bm := newTestServer(t, 4, 1, 1)
	class := bm.CreateClass(4)
	avail, free := newTestRingPair(t, 4)

	if _, err := s.RegisterReceiver(class, free, avail); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if _, err := s.RegisterReceiver(class, free, avail); err == nil {
		t.Fatalf("expected an error once maxReceivers=1 is exhausted")
	}
}

package squeue

import "testing"

func newTestRing(t *testing.T, capacity int) *RingQueue {
	t.Helper()
	return NewRingQueue(make([]byte, RequiredBytes(capacity)), capacity)
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestRing(t, 4)

	for i := int32(0); i < 4; i++ {
		ok, err := q.Push(i)
		if err != nil || !ok {
			t.Fatalf("push %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	if q.Len() != 4 {
		t.Fatalf("expected len 4, got %d", q.Len())
	}

	for i := int32(0); i < 4; i++ {
		got, ok := q.Pop()
		if !ok || got != i {
			t.Fatalf("expected to pop %d, got %d ok=%v", i, got, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
}

func TestPushFullReturnsFalseNotError(t *testing.T) {
	q := newTestRing(t, 2)
	if ok, err := q.Push(1); !ok || err != nil {
		t.Fatalf("unexpected first push result: %v %v", ok, err)
	}
	if ok, err := q.Push(2); !ok || err != nil {
		t.Fatalf("unexpected second push result: %v %v", ok, err)
	}
	ok, err := q.Push(3)
	if err != nil {
		t.Fatalf("full queue must not error, got %v", err)
	}
	if ok {
		t.Fatalf("expected Push to report false when full")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	q := newTestRing(t, 2)
	q.Push(42)
	v, ok := q.Peek()
	if !ok || v != 42 {
		t.Fatalf("expected to peek 42, got %d ok=%v", v, ok)
	}
	if q.Len() != 1 {
		t.Fatalf("Peek must not consume, expected len 1 got %d", q.Len())
	}
	v, ok = q.Pop()
	if !ok || v != 42 {
		t.Fatalf("expected to pop the peeked value 42, got %d ok=%v", v, ok)
	}
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	q := newTestRing(t, 2)
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected Pop on empty queue to return false")
	}
	if _, ok := q.Peek(); ok {
		t.Fatalf("expected Peek on empty queue to return false")
	}
}

func TestWraparound(t *testing.T) {
	q := newTestRing(t, 3)
	// Fill, drain, and refill repeatedly so the cursors advance well past
	// capacity, exercising the modulo index wraparound.
	next := int32(0)
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if ok, err := q.Push(next); !ok || err != nil {
				t.Fatalf("round %d push %d failed: ok=%v err=%v", round, next, ok, err)
			}
			next++
		}
		for i := 0; i < 3; i++ {
			if _, ok := q.Pop(); !ok {
				t.Fatalf("round %d pop failed", round)
			}
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty after balanced push/pop rounds, got %d", q.Len())
	}
}

func TestRequiredBytesAndConstructorPanicsOnShortRegion(t *testing.T) {
	if RequiredBytes(4) != 16+4*4 {
		t.Fatalf("unexpected RequiredBytes(4): %d", RequiredBytes(4))
	}
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected NewRingQueue to panic on an undersized region")
		}
	}()
	NewRingQueue(make([]byte, 4), 4)
}

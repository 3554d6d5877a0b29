package sidechannel

import (
	"testing"
	"time"

	"github.com/odin-labs/shmchan/pkg/shmem"
)

const testTimeout = 2 * time.Second

func TestLocalSendDeliversToPeer(t *testing.T) {
	a, b := NewLocalPair()
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.StartMessageReception(func(msg []byte, h *shmem.Handle) {
		received <- msg
	})

	if err := a.Send([]byte("hello"), nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != "hello" {
			t.Fatalf("expected %q, got %q", "hello", msg)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLocalNotifyIsLossyNotOrdered(t *testing.T) {
	a, b := NewLocalPair()
	defer a.Close()
	defer b.Close()

	notified := make(chan struct{}, 8)
	b.RegisterOnNotification(func() { notified <- struct{}{} })

	// Several rapid notifies should coalesce to at least one wakeup, never
	// an error; Local keeps one pending notification, so at least one
	// arrives here, though the Channel contract itself promises no count.
	for i := 0; i < 5; i++ {
		if err := a.Notify(); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	select {
	case <-notified:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a notification")
	}
}

func TestLocalSendAfterCloseFails(t *testing.T) {
	a, b := NewLocalPair()
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if a.IsInUse() {
		t.Fatalf("expected IsInUse false after Close")
	}
	if err := a.Send([]byte("x"), nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if err := a.Notify(); err != ErrClosed {
		t.Fatalf("expected ErrClosed for Notify after Close, got %v", err)
	}
}

func TestLocalCloseNotifiesPeer(t *testing.T) {
	a, b := NewLocalPair()
	defer a.Close()

	peerClosed := make(chan error, 1)
	b.RegisterOnPeerClosed(func(err error) { peerClosed <- err })

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-peerClosed:
		if err == nil {
			t.Fatalf("expected a non-nil peer-closed error")
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for peer-closed callback")
	}
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	a, b := NewLocalPair()
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op success, got %v", err)
	}
}

func TestLocalSendCarriesHandle(t *testing.T) {
	a, b := NewLocalPair()
	defer a.Close()
	defer b.Close()

	h := shmem.HandleFromFd(7)
	received := make(chan *shmem.Handle, 1)
	b.StartMessageReception(func(msg []byte, rh *shmem.Handle) {
		received <- rh
	})

	if err := a.Send([]byte("payload"), &h); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case rh := <-received:
		if rh == nil {
			t.Fatalf("expected a non-nil handle to arrive")
		}
		fd, ok := rh.Fd()
		if !ok || fd != 7 {
			t.Fatalf("expected fd 7, got fd=%d ok=%v", fd, ok)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for delivery")
	}
}

package client

import (
	"errors"
	"testing"

	"github.com/odin-labs/shmchan/pkg/logic"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	"github.com/rs/zerolog"
)

func newUnconnectedClient(t *testing.T) *Client {
	t.Helper()
	_, peer := sidechannel.NewLocalPair()
	return New(peer, Config{
		MaxSlots: 4, MaxServerQueueCapacity: 8, FreeQueueCapacity: 8,
		Provider: shmem.NewHeapProvider(), Logger: zerolog.Nop(),
	})
}

func TestReceiveSlotBeforeConnectedIsRejected(t *testing.T) {
	c := newUnconnectedClient(t)
	if _, _, err := c.ReceiveSlot(); !errors.Is(err, shmerr.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState calling ReceiveSlot before the handshake completes, got %v", err)
	}
}

func TestReleaseSlotBeforeConnectedIsRejected(t *testing.T) {
	c := newUnconnectedClient(t)
	if err := c.ReleaseSlot(logic.SlotToken{}); !errors.Is(err, shmerr.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState calling ReleaseSlot before the handshake completes, got %v", err)
	}
}

func TestStartListeningBeforeConnectedIsRejected(t *testing.T) {
	c := newUnconnectedClient(t)
	if err := c.StartListening(nil); !errors.Is(err, shmerr.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState calling StartListening in Connecting, got %v", err)
	}
}

func TestStopListeningWithoutStartIsRejected(t *testing.T) {
	c := newUnconnectedClient(t)
	c.state = StateConnectedPolling
	if err := c.StopListening(); !errors.Is(err, shmerr.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState calling StopListening while polling, got %v", err)
	}
}

func TestQueueDepthsBeforeHandshakeReportsMinusOne(t *testing.T) {
	c := newUnconnectedClient(t)
	avail, free := c.QueueDepths()
	if avail != -1 || free != -1 {
		t.Fatalf("expected (-1, -1) before the handshake completes, got (%d, %d)", avail, free)
	}
}

func TestDisconnectTwiceIsRejectedSecondTime(t *testing.T) {
	c := newUnconnectedClient(t)
	c.state = StateConnectedPolling

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if err := c.Disconnect(); !errors.Is(err, shmerr.ErrUnexpectedState) {
		t.Fatalf("expected ErrUnexpectedState on a second Disconnect, got %v", err)
	}
}

func TestStateStringsAreDistinct(t *testing.T) {
	states := []State{
		StateConnecting, StateConnectedPolling, StateConnectedNotified,
		StateDisconnectedRemote, StateCorrupted, StateDisconnected,
	}
	seen := make(map[string]bool)
	for _, s := range states {
		str := s.String()
		if str == "" || str == "Unknown" {
			t.Fatalf("state %d stringified to %q", s, str)
		}
		if seen[str] {
			t.Fatalf("duplicate state string %q", str)
		}
		seen[str] = true
	}
}

package server_test

import (
	"errors"
	"testing"
	"time"

	shmclient "github.com/odin-labs/shmchan/client"
	"github.com/odin-labs/shmchan/pkg/logic"
	"github.com/odin-labs/shmchan/pkg/ratelimit"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	shmserver "github.com/odin-labs/shmchan/server"
	"github.com/rs/zerolog"
)

const waitTimeout = 3 * time.Second

func newTestPair(t *testing.T) (*shmserver.Server, *shmclient.Client, uint64) {
	t.Helper()
	srv, cl, id, _, _ := newTestPairWithChannels(t)
	return srv, cl, id
}

// newTestPairWithChannels is newTestPair but also returns the raw Local
// channel endpoints, for tests that need to drive a peer-close or
// peer-crash directly rather than through the client/server façade API.
func newTestPairWithChannels(t *testing.T) (*shmserver.Server, *shmclient.Client, uint64, *sidechannel.Local, *sidechannel.Local) {
	t.Helper()

	srv, err := shmserver.New(shmserver.Config{
		NSlots: 4, SlotSize: 64, SlotAlignment: 8,
		ContentSize: 64, ContentAlignment: 8,
		AvailableQueueCapacity: 8, MaxClientQueueCapacity: 8,
		MaxReceivers: 4, MaxClasses: 4,
		Provider: shmem.NewHeapProvider(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	class := srv.CreateClass(4)

	serverSide, clientSide := sidechannel.NewLocalPair()

	cl := shmclient.New(clientSide, shmclient.Config{
		MaxSlots: 4, MaxServerQueueCapacity: 8, FreeQueueCapacity: 8,
		Provider: shmem.NewHeapProvider(),
		Logger:   zerolog.Nop(),
	})
	cl.Connect()

	id, err := srv.ConnectClient(serverSide, class)
	if err != nil {
		t.Fatalf("ConnectClient failed: %v", err)
	}

	waitForClientState(t, cl, shmclient.StateConnectedPolling)
	waitForServerState(t, srv, id, shmserver.StateConnected)

	return srv, cl, id, serverSide, clientSide
}

func waitForClientState(t *testing.T, cl *shmclient.Client, want shmclient.State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if got := cl.State(); got == want {
			return
		} else if got == shmclient.StateCorrupted {
			t.Fatalf("client entered Corrupted state while waiting for %s", want)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for client state %s, got %s", want, cl.State())
}

func waitForServerState(t *testing.T, srv *shmserver.Server, id uint64, want shmserver.State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		got, ok := srv.ClientState(id)
		if ok && got == want {
			return
		}
		if ok && got == shmserver.StateCorrupted {
			t.Fatalf("server client entered Corrupted state while waiting for %s", want)
		}
		time.Sleep(time.Millisecond)
	}
	got, _ := srv.ClientState(id)
	t.Fatalf("timed out waiting for server client state %s, got %s", want, got)
}

func TestHandshakeReachesConnected(t *testing.T) {
	newTestPair(t)
}

func TestSendSlotRoundTrip(t *testing.T) {
	srv, cl, _ := newTestPair(t)

	token, ok := srv.AcquireSlot()
	if !ok {
		t.Fatalf("expected to acquire a free slot")
	}
	copy(srv.Access(token), []byte("ping"))
	srv.SendSlot(token)

	deadline := time.Now().Add(waitTimeout)
	var (
		received logic.SlotToken
		got      bool
		err      error
	)
	for time.Now().Before(deadline) {
		received, got, err = cl.ReceiveSlot()
		if err != nil {
			t.Fatalf("ReceiveSlot reported an error: %v", err)
		}
		if got {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !got {
		t.Fatalf("timed out waiting for the client to receive the published slot")
	}

	data := cl.Access(received)
	if string(data[:4]) != "ping" {
		t.Fatalf("expected to read back %q, got %q", "ping", data[:4])
	}

	if err := cl.ReleaseSlot(received); err != nil {
		t.Fatalf("ReleaseSlot failed: %v", err)
	}

	deadline = time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		freed := srv.ReclaimSlots()
		if len(freed) == 1 && freed[0] == received.Slot {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for the server to reclaim the released slot")
}

func TestDisconnectClientTransitionsBothSides(t *testing.T) {
	srv, cl, id := newTestPair(t)

	if err := srv.DisconnectClient(id); err != nil {
		t.Fatalf("DisconnectClient failed: %v", err)
	}
	waitForServerState(t, srv, id, shmserver.StateDisconnected)
	waitForClientState(t, cl, shmclient.StateDisconnectedRemote)
}

func TestClientInitiatedDisconnect(t *testing.T) {
	srv, cl, id := newTestPair(t)

	if err := cl.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if cl.State() != shmclient.StateDisconnected {
		t.Fatalf("expected client state Disconnected, got %s", cl.State())
	}
	waitForServerState(t, srv, id, shmserver.StateDisconnectedRemote)
}

func TestConnectClientRejectedByRateLimiter(t *testing.T) {
	srv, err := shmserver.New(shmserver.Config{
		NSlots: 4, SlotSize: 64, SlotAlignment: 8,
		ContentSize: 64, ContentAlignment: 8,
		AvailableQueueCapacity: 8, MaxClientQueueCapacity: 8,
		MaxReceivers: 4, MaxClasses: 4,
		Provider:       shmem.NewHeapProvider(),
		Logger:         zerolog.Nop(),
		ConnectLimiter: ratelimit.NewConnectLimiter(0, 0), // zero burst: always rejects
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	class := srv.CreateClass(4)
	serverSide, _ := sidechannel.NewLocalPair()

	if _, err := srv.ConnectClient(serverSide, class); err == nil {
		t.Fatalf("expected ConnectClient to be rejected by an exhausted rate limiter")
	}
}

func TestSendSlotDropsForClassAtCapacity(t *testing.T) {
	srv, err := shmserver.New(shmserver.Config{
		NSlots: 4, SlotSize: 64, SlotAlignment: 8,
		ContentSize: 64, ContentAlignment: 8,
		AvailableQueueCapacity: 8, MaxClientQueueCapacity: 8,
		MaxReceivers: 4, MaxClasses: 4,
		Provider: shmem.NewHeapProvider(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	class := srv.CreateClass(1) // cap=1: once the class holds one slot, a second distinct slot is class-limited

	connectOne := func() *shmclient.Client {
		serverSide, clientSide := sidechannel.NewLocalPair()
		cl := shmclient.New(clientSide, shmclient.Config{
			MaxSlots: 4, MaxServerQueueCapacity: 8, FreeQueueCapacity: 8,
			Provider: shmem.NewHeapProvider(), Logger: zerolog.Nop(),
		})
		cl.Connect()
		id, err := srv.ConnectClient(serverSide, class)
		if err != nil {
			t.Fatalf("ConnectClient failed: %v", err)
		}
		waitForClientState(t, cl, shmclient.StateConnectedPolling)
		waitForServerState(t, srv, id, shmserver.StateConnected)
		return cl
	}

	clA := connectOne()
	clB := connectOne()

	token1, _ := srv.AcquireSlot()
	srv.SendSlot(token1)
	waitForClientReceive(t, clA) // A now holds the class's one permitted slot

	// The class is at cap (1 slot held) regardless of which member holds it,
	// so publishing a second, different slot is class-limited for every
	// member, A included — cap counts distinct held slots, not per-member.
	token2, _ := srv.AcquireSlot()
	result := srv.SendSlot(token2)
	if len(result.Dropped) != 2 {
		t.Fatalf("expected both receivers dropped once the class is at cap, got %+v", result.Dropped)
	}
	for _, d := range result.Dropped {
		if d.Reason != logic.DropClassLimited {
			t.Fatalf("expected DropClassLimited, got %v", d.Reason)
		}
	}

	// B's queue must never see the second publication.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok, _ := clB.ReceiveSlot(); ok {
			t.Fatalf("class-limited receiver should never see the dropped publication")
		}
	}
}

func TestPeerDisconnectWithoutShutdownSurfacesPeerDisconnected(t *testing.T) {
	srv, _, id, _, clientSide := newTestPairWithChannels(t)

	errs := make(chan error, 1)
	srv.OnStateTransition(func(clientID uint64, from, to shmserver.State, err error) {
		if clientID == id && to == shmserver.StateCorrupted {
			errs <- err
		}
	})

	// The client side closes its channel outright, without ever sending
	// Shutdown — the peer dropped the connection deliberately.
	if err := clientSide.Close(); err != nil {
		t.Fatalf("closing the client side channel failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, shmerr.ErrPeerDisconnected) {
			t.Fatalf("expected error to unwrap to ErrPeerDisconnected, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for the server to observe the peer close")
	}
}

func TestPeerCrashSurfacesPeerCrashed(t *testing.T) {
	srv, _, id, serverSide, _ := newTestPairWithChannels(t)

	errs := make(chan error, 1)
	srv.OnStateTransition(func(clientID uint64, from, to shmserver.State, err error) {
		if clientID == id && to == shmserver.StateCorrupted {
			errs <- err
		}
	})

	// A genuine transport failure (e.g. a crashed peer process) never
	// produces a clean EOF/Close signal; simulate that directly since an
	// in-process Local pair has no transport layer to actually sever.
	serverSide.SimulatePeerCrash(errors.New("read: connection reset by peer"))

	select {
	case err := <-errs:
		if !errors.Is(err, shmerr.ErrPeerCrashed) {
			t.Fatalf("expected error to unwrap to ErrPeerCrashed, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for the server to observe the peer crash")
	}
}

func waitForClientReceive(t *testing.T, cl *shmclient.Client) logic.SlotToken {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		token, ok, err := cl.ReceiveSlot()
		if err != nil {
			t.Fatalf("ReceiveSlot errored: %v", err)
		}
		if ok {
			return token
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for the client to receive a published slot")
	return logic.SlotToken{}
}

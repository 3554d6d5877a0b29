// Package client implements the client-side lifecycle state machine and
// façade: a connection lifecycle and read-pump reactor generalized from a
// WebSocket handshake to this system's side-channel handshake.
package client

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/logic"
	"github.com/odin-labs/shmchan/pkg/protocol"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	"github.com/odin-labs/shmchan/pkg/slotstore"
	"github.com/odin-labs/shmchan/pkg/squeue"
	"github.com/rs/zerolog"
)

// State is the client's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnectedPolling
	StateConnectedNotified
	StateDisconnectedRemote
	StateCorrupted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnectedPolling:
		return "Connected(polling)"
	case StateConnectedNotified:
		return "Connected(notified)"
	case StateDisconnectedRemote:
		return "DisconnectedRemote"
	case StateCorrupted:
		return "Corrupted"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// handshakePhase tracks where within StateConnecting the client is: one
// Connecting state covers three distinct waits (the request's two
// handles, then the queue-init ack).
type handshakePhase int

const (
	phaseAwaitingRequest handshakePhase = iota
	phaseAwaitingSecondHandle
	phaseAwaitingQueueAck
)

// OnStateTransition fires outside the instance mutex on every state change.
type OnStateTransition func(from, to State, err error)

// Config bounds what this client will accept from a server and sizes the
// free queue it allocates for itself.
type Config struct {
	MaxSlots               uint32
	MaxServerQueueCapacity uint32
	FreeQueueCapacity      uint32
	Provider               shmem.Provider
	Logger                 zerolog.Logger
}

// Client is the side-channel client façade.
type Client struct {
	channel sidechannel.Channel
	cfg     Config
	logger  zerolog.Logger

	mu           sync.Mutex
	state        State
	phase        handshakePhase
	onTransition OnStateTransition

	group handle.Group

	pendingReq        protocol.ConnectionRequest
	pendingSlotHandle shmem.Handle

	slotRegion      shmem.Region
	availableRegion shmem.Region
	freeHandle      shmem.Handle
	freeRegion      shmem.Region

	logicClient *logic.Client
}

// New builds a Client bound to channel; it does not touch the channel
// until Connect is called.
func New(channel sidechannel.Channel, cfg Config) *Client {
	return &Client{channel: channel, cfg: cfg, logger: cfg.Logger, state: StateConnecting, phase: phaseAwaitingRequest}
}

// OnStateTransition registers the callback fired on every state change.
func (c *Client) OnStateTransition(cb OnStateTransition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = cb
}

// Connect arms the side-channel receive; the channel is expected to
// deliver ConnectionRequest next.
func (c *Client) Connect() {
	c.channel.StartMessageReception(func(msg []byte, h *shmem.Handle) {
		c.handleMessage(msg, h)
	})
	if notifier, ok := c.channel.(sidechannel.PeerCloseNotifier); ok {
		notifier.RegisterOnPeerClosed(func(err error) {
			c.handlePeerClosed(err)
		})
	}
}

func (c *Client) handleMessage(msg []byte, h *shmem.Handle) {
	c.mu.Lock()
	state := c.state
	phase := c.phase
	c.mu.Unlock()

	tag, err := protocol.PeekTag(msg)
	if err != nil {
		c.transition(StateCorrupted, err)
		return
	}

	switch state {
	case StateConnecting:
		switch phase {
		case phaseAwaitingRequest:
			c.handleConnectionRequest(msg, tag, h)
		case phaseAwaitingSecondHandle:
			c.handleSecondHandle(tag, h)
		case phaseAwaitingQueueAck:
			c.handleQueueAck(tag)
		}
	case StateConnectedPolling, StateConnectedNotified:
		c.handleConnectedMessage(tag)
	default:
		c.transition(StateCorrupted, shmerr.Protocol("message received in state %s", state))
	}
}

func (c *Client) handleConnectionRequest(msg []byte, tag protocol.Tag, h *shmem.Handle) {
	if tag != protocol.TagConnectionRequest {
		c.transition(StateCorrupted, shmerr.Protocol("expected ConnectionRequest, got %s", tag))
		return
	}
	req, err := protocol.DecodeConnectionRequest(msg, c.cfg.MaxSlots, c.cfg.MaxServerQueueCapacity)
	if err != nil {
		c.transition(StateCorrupted, err)
		return
	}
	if h == nil {
		c.transition(StateCorrupted, shmerr.Protocol("ConnectionRequest missing slot-pool handle"))
		return
	}

	c.mu.Lock()
	c.pendingReq = req
	c.pendingSlotHandle = *h
	c.group = handle.Group(req.Group)
	c.phase = phaseAwaitingSecondHandle
	c.mu.Unlock()
}

func (c *Client) handleSecondHandle(tag protocol.Tag, h *shmem.Handle) {
	if tag != protocol.TagConnectionRequest {
		c.transition(StateCorrupted, shmerr.Protocol("expected ConnectionRequest continuation, got %s", tag))
		return
	}
	if h == nil {
		c.transition(StateCorrupted, shmerr.Protocol("ConnectionRequest missing queue handle"))
		return
	}

	c.mu.Lock()
	req := c.pendingReq
	slotHandle := c.pendingSlotHandle
	c.mu.Unlock()

	slotRegion, err := shmem.ResolveHandle(c.cfg.Provider, slotHandle, int(req.Slots.NSlots)*int(req.Slots.SlotSize), int(req.Slots.SlotAlignment))
	if err != nil {
		c.transition(StateCorrupted, fmt.Errorf("mapping slot pool: %w", err))
		return
	}
	availableRegion, err := shmem.ResolveHandle(c.cfg.Provider, *h, squeue.RequiredBytes(int(req.ServerQueue.Capacity)), 8)
	if err != nil {
		c.transition(StateCorrupted, fmt.Errorf("mapping available queue: %w", err))
		return
	}

	freeHandle, freeRegion, err := c.cfg.Provider.Allocate(squeue.RequiredBytes(int(c.cfg.FreeQueueCapacity)), 8)
	if err != nil {
		c.transition(StateCorrupted, fmt.Errorf("allocating free queue: %w", err))
		return
	}

	availableReader := squeue.NewRingQueue(availableRegion.Data(), int(req.ServerQueue.Capacity))
	freeWriter := squeue.NewRingQueue(freeRegion.Data(), int(c.cfg.FreeQueueCapacity))
	readable := slotstore.NewReadableStore(c.group, slotRegion.Data(), int(req.Slots.NSlots), int(req.Slots.SlotSize), c.logger)
	lc := logic.NewClient(c.group, req.Slots.NSlots, availableReader, freeWriter, readable, c.logger)

	c.mu.Lock()
	c.slotRegion = slotRegion
	c.availableRegion = availableRegion
	c.freeHandle = freeHandle
	c.freeRegion = freeRegion
	c.logicClient = lc
	c.phase = phaseAwaitingQueueAck
	c.mu.Unlock()

	ack := protocol.EncodeConnectionAck(protocol.ConnectionAck{
		ClientQueue: protocol.QueueMemoryConfig{Capacity: c.cfg.FreeQueueCapacity, SlotSize: queueElementSize},
	})
	if err := c.channel.Send(ack, &freeHandle); err != nil {
		c.transition(StateCorrupted, fmt.Errorf("sending ConnectionAck: %w", err))
		return
	}
}

const queueElementSize = 4

func (c *Client) handleQueueAck(tag protocol.Tag) {
	if tag != protocol.TagAckQueueInitialization {
		c.transition(StateCorrupted, shmerr.Protocol("expected AckQueueInitialization, got %s", tag))
		return
	}
	c.transition(StateConnectedPolling, nil)
}

func (c *Client) handleConnectedMessage(tag protocol.Tag) {
	if tag == protocol.TagShutdown {
		c.transition(StateDisconnectedRemote, nil)
		return
	}
	c.transition(StateCorrupted, shmerr.Protocol("unexpected message %s while connected", tag))
}

func (c *Client) handlePeerClosed(err error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateDisconnected || state == StateCorrupted || state == StateDisconnectedRemote {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, sidechannel.ErrClosed) {
		c.transition(StateCorrupted, shmerr.PeerDisconnected("side channel closed by peer: %v", err))
	} else {
		c.transition(StateCorrupted, shmerr.PeerCrashed("side channel closed by peer: %v", err))
	}
	if lc := c.snapshotLogicClient(); lc != nil {
		lc.SetCommunicationError()
	}
}

// StartListening installs cb as the notification-driven receive hint and
// transitions Connected(polling) → Connected(notified).
func (c *Client) StartListening(cb func()) error {
	c.mu.Lock()
	if c.state != StateConnectedPolling {
		state := c.state
		c.mu.Unlock()
		return shmerr.UnexpectedState("StartListening called in state %s", state)
	}
	c.mu.Unlock()

	if err := c.channel.Send(protocol.EncodeStartListening(), nil); err != nil {
		return err
	}
	c.channel.RegisterOnNotification(func() {
		if cb != nil {
			cb()
		}
	})
	c.transition(StateConnectedNotified, nil)
	return nil
}

// StopListening is the inverse of StartListening.
func (c *Client) StopListening() error {
	c.mu.Lock()
	if c.state != StateConnectedNotified {
		state := c.state
		c.mu.Unlock()
		return shmerr.UnexpectedState("StopListening called in state %s", state)
	}
	c.mu.Unlock()

	c.channel.DeregisterOnNotification()
	if err := c.channel.Send(protocol.EncodeStopListening(), nil); err != nil {
		return err
	}
	c.transition(StateConnectedPolling, nil)
	return nil
}

// ReceiveSlot pops the next published slot, if any.
func (c *Client) ReceiveSlot() (logic.SlotToken, bool, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if !receiveAllowed(state) {
		return logic.SlotToken{}, false, shmerr.UnexpectedState("ReceiveSlot called in state %s", state)
	}

	lc := c.snapshotLogicClient()
	token, ok, err := lc.ReceiveSlot()
	if err != nil {
		c.transition(StateCorrupted, err)
	}
	return token, ok, err
}

// Access returns token's slot's readable byte span.
func (c *Client) Access(token logic.SlotToken) []byte {
	return c.snapshotLogicClient().Access(token)
}

// ReleaseSlot returns token's slot to the free queue.
func (c *Client) ReleaseSlot(token logic.SlotToken) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if !receiveAllowed(state) {
		return shmerr.UnexpectedState("ReleaseSlot called in state %s", state)
	}

	lc := c.snapshotLogicClient()
	if err := lc.ReleaseSlot(token); err != nil {
		c.transition(StateCorrupted, err)
		return err
	}
	return nil
}

func receiveAllowed(s State) bool {
	return s == StateConnectedPolling || s == StateConnectedNotified || s == StateDisconnectedRemote
}

// Disconnect sends Shutdown if still connected, releases every
// locally-borrowed slot back to the free queue, and transitions to
// Disconnected. Valid from any state except Disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateDisconnected {
		return shmerr.UnexpectedState("already disconnected")
	}

	if state == StateConnectedPolling || state == StateConnectedNotified {
		if err := c.channel.Send(protocol.EncodeShutdown(), nil); err != nil {
			c.logger.Warn().Err(err).Msg("client: sending Shutdown failed")
		}
	}

	if lc := c.snapshotLogicClient(); lc != nil {
		for _, s := range lc.BorrowedSlots() {
			if err := lc.ReleaseSlot(logic.SlotToken{Slot: s}); err != nil {
				c.logger.Warn().Uint32("slot", s.Index).Err(err).Msg("client: releasing held slot during disconnect failed")
			}
		}
	}

	if err := c.channel.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("client: closing side channel failed")
	}

	c.transition(StateDisconnected, nil)
	return nil
}

// IsInUse reflects the underlying side channel's IsInUse.
func (c *Client) IsInUse() bool { return c.channel.IsInUse() }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueDepths reports the available/free queue occupancy for telemetry's
// shm_queue_depth gauge. Returns (-1, -1) until the queues named in the
// server's ConnectionRequest have been mapped.
func (c *Client) QueueDepths() (available, free int) {
	lc := c.snapshotLogicClient()
	if lc == nil {
		return -1, -1
	}
	return lc.QueueDepths()
}

func (c *Client) snapshotLogicClient() *logic.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logicClient
}

func (c *Client) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	cb := c.onTransition
	c.mu.Unlock()

	if cb != nil {
		cb(from, to, err)
	}
}

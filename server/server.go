// Package server implements the server-side lifecycle state machine and
// façade: one instance owns the slot pool, the borrow bookkeeping, and
// one per-client state machine running over a sidechannel.Channel. The
// instance mutex guards the client map and per-client state; it is taken
// around each read or update of them and is not held across a whole
// method or callback body, so concurrent public calls are not serialized
// (the borrow and logic layers lock for themselves). It is never held
// while a user callback runs. This is the mutex-guarded client map
// driving a connection lifecycle that a
// WebSocket connection manager would use, generalized to side-channel
// handshakes.
package server

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/odin-labs/shmchan/internal/telemetry"
	"github.com/odin-labs/shmchan/pkg/admission"
	"github.com/odin-labs/shmchan/pkg/bitmap"
	"github.com/odin-labs/shmchan/pkg/borrow"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/logic"
	"github.com/odin-labs/shmchan/pkg/protocol"
	"github.com/odin-labs/shmchan/pkg/ratelimit"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	"github.com/odin-labs/shmchan/pkg/slotstore"
	"github.com/odin-labs/shmchan/pkg/squeue"
	"github.com/rs/zerolog"
)

// State is a per-client state in the server's lifecycle machine.
type State int

const (
	StateAwaitingConnectionRequest State = iota
	StateAwaitingQueueInit
	StateConnected
	StateDisconnectedRemote
	StateCorrupted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnectionRequest:
		return "AwaitingConnectionRequest"
	case StateAwaitingQueueInit:
		return "AwaitingQueueInit"
	case StateConnected:
		return "Connected"
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

// OnStateTransition fires whenever a client's state changes, outside the
// server's instance mutex.
type OnStateTransition func(clientID uint64, from, to State, err error)

// Config is the fixed sizing and dependency set chosen at server
// construction; none of it changes afterward.
type Config struct {
	NSlots           uint32
	SlotSize         uint32
	SlotAlignment    uint32
	ContentSize      uint32
	ContentAlignment uint32

	// AvailableQueueCapacity sizes the per-client server→client queue this
	// server allocates for every connecting client.
	AvailableQueueCapacity uint32
	// MaxClientQueueCapacity bounds the client-allocated free queue this
	// server will accept in ConnectionAck.
	MaxClientQueueCapacity uint32

	MaxReceivers uint32
	MaxClasses   uint32

	Provider shmem.Provider
	Logger   zerolog.Logger

	// ConnectLimiter, if set, throttles ConnectClient's admission rate.
	// Nil means unthrottled.
	ConnectLimiter *ratelimit.ConnectLimiter
	// NotifyLimiter, if set, throttles the best-effort Notify fan-out in
	// SendSlot. Nil means unthrottled.
	NotifyLimiter *ratelimit.NotifyLimiter
	// Guard, if set, rejects ConnectClient calls while the process is
	// under resource pressure. Nil means no admission control.
	Guard *admission.Guard
	// Metrics, if set, records send_slot counts and per-receiver drops
	// inline as they happen. Nil means the server does not instrument
	// itself; the caller is still free to drive telemetry.Metrics from
	// ClientState/QueueDepths/Snapshot on its own schedule.
	Metrics *telemetry.Metrics
}

func (c Config) validate() error {
	if c.NSlots == 0 {
		return fmt.Errorf("server: NSlots must be positive")
	}
	if err := shmem.ValidateSizeAlignment(int(c.SlotSize), int(c.SlotAlignment)); err != nil {
		return fmt.Errorf("server: slot memory config: %w", err)
	}
	if err := shmem.ValidateSizeAlignment(int(c.ContentSize), int(c.ContentAlignment)); err != nil {
		return fmt.Errorf("server: slot content config: %w", err)
	}
	if c.ContentSize > c.SlotSize {
		return fmt.Errorf("server: content size %d exceeds slot size %d", c.ContentSize, c.SlotSize)
	}
	if c.AvailableQueueCapacity == 0 || c.MaxClientQueueCapacity == 0 {
		return fmt.Errorf("server: queue capacities must be positive")
	}
	if c.MaxReceivers == 0 || c.MaxReceivers > 63 {
		return fmt.Errorf("server: MaxReceivers must be in [1,63]")
	}
	if c.Provider == nil {
		return fmt.Errorf("server: Provider is required")
	}
	return nil
}

const queueElementSize = 4 // one int32 slot index per queue element

type client struct {
	id      uint64
	channel sidechannel.Channel
	state   State
	class   handle.Class

	hasReceiver bool
	receiver    handle.Receiver

	availableHandle shmem.Handle
	availableRegion shmem.Region
	availableWriter *squeue.RingQueue

	freeHandle shmem.Handle
	freeRegion shmem.Region
	freeReader *squeue.RingQueue
}

// Server is the façade: single mutex, one logic.Server, one
// borrow.Manager, a fixed slot pool.
type Server struct {
	group  handle.Group
	cfg    Config
	logger zerolog.Logger

	borrowMgr *borrow.Manager
	logicSrv  *logic.Server

	slotHandle shmem.Handle
	slotRegion shmem.Region
	writable   *slotstore.Store[*slotstore.WritableDescriptor]

	mu           sync.Mutex
	nextClientID uint64
	clients      map[uint64]*client
	onTransition OnStateTransition
}

// New allocates the slot pool and builds the bookkeeping layer. The
// returned Server accepts ConnectClient calls immediately; there is no
// separate "start" step and no server-wide state beyond the per-client
// ones.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	group := handle.NewGroup()
	bm := borrow.NewManager(group, borrow.Config{
		NSlots:       cfg.NSlots,
		MaxReceivers: cfg.MaxReceivers,
		MaxClasses:   cfg.MaxClasses,
	}, cfg.Logger)

	slotHandle, slotRegion, err := cfg.Provider.Allocate(int(cfg.NSlots)*int(cfg.SlotSize), int(cfg.SlotAlignment))
	if err != nil {
		return nil, fmt.Errorf("server: allocating slot pool: %w", err)
	}
	writable := slotstore.NewWritableStore(group, slotRegion.Data(), int(cfg.NSlots), int(cfg.SlotSize), cfg.Logger)

	return &Server{
		group:      group,
		cfg:        cfg,
		logger:     cfg.Logger,
		borrowMgr:  bm,
		logicSrv:   logic.NewServer(bm, cfg.MaxReceivers, cfg.Logger),
		slotHandle: slotHandle,
		slotRegion: slotRegion,
		writable:   writable,
		clients:    make(map[uint64]*client),
	}, nil
}

// Group exposes the process-unique group identifier every client handshake
// must echo back.
func (s *Server) Group() handle.Group { return s.group }

// CreateClass creates a receiver class with the given aggregate cap.
func (s *Server) CreateClass(cap int) handle.Class {
	return s.borrowMgr.CreateClass(cap)
}

// OnStateTransition registers the callback fired on every client state
// change, invoked outside the instance mutex.
func (s *Server) OnStateTransition(cb OnStateTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = cb
}

// ConnectClient creates a pending client in AwaitingConnectionRequest bound
// to class c and sends it a ConnectionRequest over ch.
func (s *Server) ConnectClient(ch sidechannel.Channel, class handle.Class) (uint64, error) {
	if s.cfg.ConnectLimiter != nil && !s.cfg.ConnectLimiter.Allow() {
		return 0, shmerr.UnexpectedState("connect rejected by rate limiter")
	}
	if s.cfg.Guard != nil && !s.cfg.Guard.Allow() {
		return 0, shmerr.UnexpectedState("connect rejected by admission guard")
	}

	s.mu.Lock()
	id := s.nextClientID
	s.nextClientID++
	c := &client{id: id, channel: ch, state: StateAwaitingConnectionRequest, class: class}
	s.clients[id] = c
	s.mu.Unlock()

	ch.StartMessageReception(func(msg []byte, h *shmem.Handle) {
		s.handleMessage(id, msg, h)
	})
	if notifier, ok := ch.(sidechannel.PeerCloseNotifier); ok {
		notifier.RegisterOnPeerClosed(func(err error) {
			s.handlePeerClosed(id, err)
		})
	}

	availHandle, availRegion, err := s.cfg.Provider.Allocate(squeue.RequiredBytes(int(s.cfg.AvailableQueueCapacity)), 8)
	if err != nil {
		s.transition(id, StateCorrupted, err)
		return id, fmt.Errorf("server: allocating available queue: %w", err)
	}
	s.mu.Lock()
	c.availableHandle = availHandle
	c.availableRegion = availRegion
	c.availableWriter = squeue.NewRingQueue(availRegion.Data(), int(s.cfg.AvailableQueueCapacity))
	s.mu.Unlock()

	body := protocol.EncodeConnectionRequest(protocol.ConnectionRequest{
		Group: uint64(s.group),
		Slots: protocol.SlotMemoryConfig{
			NSlots:           s.cfg.NSlots,
			SlotSize:         s.cfg.SlotSize,
			SlotAlignment:    s.cfg.SlotAlignment,
			ContentSize:      s.cfg.ContentSize,
			ContentAlignment: s.cfg.ContentAlignment,
		},
		ServerQueue: protocol.QueueMemoryConfig{
			Capacity: s.cfg.AvailableQueueCapacity,
			SlotSize: queueElementSize,
		},
	})

	// Two-step handle delivery: the slot-pool handle travels on the first
	// Send, the available-queue handle on the second.
	if err := ch.Send(body, &s.slotHandle); err != nil {
		s.transition(id, StateCorrupted, err)
		return id, fmt.Errorf("server: sending ConnectionRequest (slot handle): %w", err)
	}
	if err := ch.Send(body, &availHandle); err != nil {
		s.transition(id, StateCorrupted, err)
		return id, fmt.Errorf("server: sending ConnectionRequest (queue handle): %w", err)
	}

	return id, nil
}

func (s *Server) handleMessage(id uint64, msg []byte, h *shmem.Handle) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	state := c.state
	s.mu.Unlock()

	tag, err := protocol.PeekTag(msg)
	if err != nil {
		s.transition(id, StateCorrupted, err)
		return
	}

	switch state {
	case StateAwaitingConnectionRequest:
		s.handleConnectionAck(id, c, msg, tag, h)
	case StateConnected:
		s.handleConnectedMessage(id, tag)
	default:
		s.transition(id, StateCorrupted, shmerr.Protocol("message received in state %s", state))
	}
}

func (s *Server) handleConnectionAck(id uint64, c *client, msg []byte, tag protocol.Tag, h *shmem.Handle) {
	if tag != protocol.TagConnectionAck {
		s.transition(id, StateCorrupted, shmerr.Protocol("expected ConnectionAck, got %s", tag))
		return
	}
	ack, err := protocol.DecodeConnectionAck(msg, s.cfg.MaxClientQueueCapacity)
	if err != nil {
		s.transition(id, StateCorrupted, err)
		return
	}
	if h == nil {
		s.transition(id, StateCorrupted, shmerr.Protocol("ConnectionAck missing client-queue handle"))
		return
	}

	s.transition(id, StateAwaitingQueueInit, nil)

	freeRegion, err := shmem.ResolveHandle(s.cfg.Provider, *h, squeue.RequiredBytes(int(ack.ClientQueue.Capacity)), 8)
	if err != nil {
		s.transition(id, StateCorrupted, err)
		return
	}
	freeReader := squeue.NewRingQueue(freeRegion.Data(), int(ack.ClientQueue.Capacity))

	s.mu.Lock()
	c.freeHandle = *h
	c.freeRegion = freeRegion
	c.freeReader = freeReader
	availableWriter := c.availableWriter
	s.mu.Unlock()

	recv, err := s.logicSrv.RegisterReceiver(c.class, freeReader, availableWriter)
	if err != nil {
		s.transition(id, StateCorrupted, err)
		return
	}

	s.mu.Lock()
	c.hasReceiver = true
	c.receiver = recv
	s.mu.Unlock()

	if err := c.channel.Send(protocol.EncodeAckQueueInitialization(), nil); err != nil {
		s.transition(id, StateCorrupted, err)
		return
	}
	s.transition(id, StateConnected, nil)
}

func (s *Server) handleConnectedMessage(id uint64, tag protocol.Tag) {
	if tag == protocol.TagShutdown {
		s.transition(id, StateDisconnectedRemote, nil)
		return
	}
	s.transition(id, StateCorrupted, shmerr.Protocol("unexpected message %s in Connected", tag))
}

func (s *Server) handlePeerClosed(id uint64, err error) {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if c.state == StateDisconnected || c.state == StateCorrupted || c.state == StateDisconnectedRemote {
		return
	}
	// Side-channel close without a prior Shutdown is a protocol violation
	// from the server's point of view — a clean EOF or ErrClosed means the
	// peer dropped the connection deliberately without sending Shutdown;
	// any other transport error means the read side failed out from under
	// a live peer, e.g. a crashed process.
	if errors.Is(err, io.EOF) || errors.Is(err, sidechannel.ErrClosed) {
		s.transition(id, StateCorrupted, shmerr.PeerDisconnected("side channel closed by peer: %v", err))
	} else {
		s.transition(id, StateCorrupted, shmerr.PeerCrashed("side channel closed by peer: %v", err))
	}
}

// DisconnectClient sends Shutdown, reclaims every slot the client holds,
// unregisters it, and transitions it to Disconnected.
func (s *Server) DisconnectClient(id uint64) error {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("server: unknown client %d", id)
	}
	state := c.state
	hasReceiver := c.hasReceiver
	receiver := c.receiver
	s.mu.Unlock()

	if state != StateConnected {
		return shmerr.UnexpectedState("disconnect called in state %s", state)
	}

	if err := c.channel.Send(protocol.EncodeShutdown(), nil); err != nil {
		s.logger.Warn().Uint64("client", id).Err(err).Msg("server: sending Shutdown failed")
	}
	if hasReceiver {
		s.logicSrv.UnregisterReceiver(receiver)
	}
	s.transition(id, StateDisconnected, nil)
	return nil
}

// ReclaimSlots drains every registered receiver's free queue, releasing
// slots back to the free pool. Safe to call at any time.
func (s *Server) ReclaimSlots() []handle.Slot {
	return s.logicSrv.ReclaimSlots()
}

// AcquireSlot reserves a free slot for writing.
func (s *Server) AcquireSlot() (logic.SlotToken, bool) {
	return s.logicSrv.AcquireSlot()
}

// Access returns the writable byte span for token's slot.
func (s *Server) Access(token logic.SlotToken) []byte {
	return s.writable.Get(token.Slot).Bytes()
}

// SendSlot publishes token's slot to every registered receiver, then sends
// a best-effort Notify to every receiver that was not dropped — a pure
// wake-up hint for clients in Connected(notified) mode. Notifications
// carry no ordering guarantee and may be dropped; a client not listening
// for them simply never sees it, since it polls instead.
func (s *Server) SendSlot(token logic.SlotToken) logic.SendResult {
	result := s.logicSrv.SendSlot(token)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSend()
	}

	dropped := make(map[uint32]bool, len(result.Dropped))
	for _, d := range result.Dropped {
		dropped[d.Receiver.Index] = true
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordDropped(d.Receiver.Index, d.Reason.String())
		}
	}

	s.mu.Lock()
	notify := make([]sidechannel.Channel, 0, len(s.clients))
	for _, c := range s.clients {
		if c.hasReceiver && c.state == StateConnected && !dropped[c.receiver.Index] {
			notify = append(notify, c.channel)
		}
	}
	s.mu.Unlock()

	for _, ch := range notify {
		if s.cfg.NotifyLimiter != nil && !s.cfg.NotifyLimiter.Allow() {
			s.logger.Debug().Err(shmerr.DroppedNotification{Reason: "notify rate limit exceeded"}).Msg("server: notification dropped")
			continue
		}
		if err := ch.Notify(); err != nil {
			s.logger.Debug().Err(err).Msg("server: notify failed, client will fall back to polling")
		}
	}

	return result
}

// QueueDepth is a point-in-time sample of one client's queue occupancy, for
// telemetry's shm_queue_depth gauge.
type QueueDepth struct {
	ClientID       uint64
	AvailableDepth int
	FreeDepth      int
}

// QueueDepths samples every connected client's queue occupancy.
func (s *Server) QueueDepths() []QueueDepth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueDepth, 0, len(s.clients))
	for id, c := range s.clients {
		if c.state != StateConnected {
			continue
		}
		qd := QueueDepth{ClientID: id}
		if c.availableWriter != nil {
			qd.AvailableDepth = c.availableWriter.Len()
		}
		if c.freeReader != nil {
			qd.FreeDepth = c.freeReader.Len()
		}
		out = append(out, qd)
	}
	return out
}

// ClientState returns id's current lifecycle state.
func (s *Server) ClientState(id uint64) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return 0, false
	}
	return c.state, true
}

// SlotSnapshot is a read-only view of one slot's current borrowers.
type SlotSnapshot struct {
	Index            uint32
	BorrowedByServer bool
	BorrowedByClass  []uint32 // receiver indices currently holding this slot
}

// ClassSnapshot is a read-only view of one receiver class's occupancy.
type ClassSnapshot struct {
	Index uint32
	Cap   int
	Held  int
}

// ServerSnapshot is the diagnostic view the admin HTTP server exposes at
// /debug/slots. It never mutates bitmap state.
type ServerSnapshot struct {
	Slots   []SlotSnapshot
	Classes []ClassSnapshot
}

// Snapshot returns a point-in-time view of every slot's borrower set and
// every class's (cap, held) pair, for the debug surface alongside
// /metrics. This is diagnostic only; it is not part of the wire protocol.
func (s *Server) Snapshot() ServerSnapshot {
	nSlots := s.borrowMgr.NSlots()
	slots := make([]SlotSnapshot, nSlots)
	for i := uint32(0); i < nSlots; i++ {
		b := s.borrowMgr.SnapshotBitmap(handle.Slot{Group: s.group, Index: i})
		snap := SlotSnapshot{Index: i, BorrowedByServer: b.IsServerSet()}
		for r := uint32(0); r < bitmap.MaxReceivers; r++ {
			if b.IsReceiverSet(r) {
				snap.BorrowedByClass = append(snap.BorrowedByClass, r)
			}
		}
		slots[i] = snap
	}

	classes := s.borrowMgr.Classes()
	classSnaps := make([]ClassSnapshot, len(classes))
	for i, c := range classes {
		classSnaps[i] = ClassSnapshot{Index: uint32(i), Cap: c.Cap(), Held: c.Held()}
	}

	return ServerSnapshot{Slots: slots, Classes: classSnaps}
}

// Borrow exposes the underlying borrow.Manager for telemetry collectors.
func (s *Server) Borrow() *borrow.Manager { return s.borrowMgr }

func (s *Server) transition(id uint64, to State, err error) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	cb := s.onTransition
	s.mu.Unlock()

	if cb != nil {
		cb(id, from, to, err)
	}
}

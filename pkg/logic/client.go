package logic

import (
	"sync"

	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/shmerr"
	"github.com/odin-labs/shmchan/pkg/slotstore"
	"github.com/odin-labs/shmchan/pkg/squeue"
	"github.com/rs/zerolog"
)

// Client is the client-side bookkeeping layer. Unlike Server, it does
// touch shared-memory content: Access returns the slot's readable view, so
// it holds a readable slotstore in addition to its own borrowed-slot
// bookkeeping and the available/free queue endpoints.
type Client struct {
	group  handle.Group
	nSlots uint32
	logger zerolog.Logger

	mu        sync.Mutex
	borrowed  []bool
	commError bool

	availableQueue squeue.Reader
	freeQueue      squeue.Writer
	descriptors    *slotstore.Store[*slotstore.ReadableDescriptor]
}

// NewClient wires a Client to its queue endpoints and the readable
// descriptor table built over the mapped slot memory.
func NewClient(
	group handle.Group,
	nSlots uint32,
	availableQueue squeue.Reader,
	freeQueue squeue.Writer,
	descriptors *slotstore.Store[*slotstore.ReadableDescriptor],
	logger zerolog.Logger,
) *Client {
	return &Client{
		group:          group,
		nSlots:         nSlots,
		logger:         logger,
		borrowed:       make([]bool, nSlots),
		availableQueue: availableQueue,
		freeQueue:      freeQueue,
		descriptors:    descriptors,
	}
}

// ReceiveSlot pops one index from the available queue. Returns (token,
// true, nil) on success, (zero, false, nil) if the queue is currently
// empty, or (zero, false, err) if the peer violated the protocol — an
// out-of-range index or a duplicate publication.
func (c *Client) ReceiveSlot() (SlotToken, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commError {
		return SlotToken{}, false, shmerr.Protocol("receive after communication error")
	}

	i, ok := c.availableQueue.Pop()
	if !ok {
		return SlotToken{}, false, nil
	}

	if i < 0 || uint32(i) >= c.nSlots {
		c.commError = true
		return SlotToken{}, false, shmerr.Protocol("received out-of-range slot index %d", i)
	}
	if c.borrowed[i] {
		c.commError = true
		return SlotToken{}, false, shmerr.Protocol("duplicate publication of slot %d", i)
	}

	c.borrowed[i] = true
	return SlotToken{Slot: handle.Slot{Group: c.group, Index: uint32(i)}}, true, nil
}

// Access returns token's slot readable view. Never fails: a valid token
// was already range-checked when it was issued by ReceiveSlot.
func (c *Client) Access(token SlotToken) []byte {
	return c.descriptors.Get(token.Slot).Bytes()
}

// ReleaseSlot pushes token's slot index into the free queue and clears the
// client-side borrowed mark.
func (c *Client) ReleaseSlot(token SlotToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commError {
		return shmerr.Protocol("release after communication error")
	}

	idx := token.Slot.Index
	if !c.borrowed[idx] {
		return shmerr.UnexpectedState("release of slot %d not currently borrowed by this client", idx)
	}

	ok, err := c.freeQueue.Push(int32(idx))
	if err != nil {
		c.commError = true
		return shmerr.Queue("pushing released slot %d: %v", idx, err)
	}
	if !ok {
		c.commError = true
		return shmerr.Protocol("free queue full releasing slot %d", idx)
	}

	c.borrowed[idx] = false
	return nil
}

// SetCommunicationError causes subsequent ReceiveSlot/ReleaseSlot calls to
// refuse with a protocol error without touching shared memory. Used by the
// client state machine when the side channel itself reports a fault.
func (c *Client) SetCommunicationError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commError = true
}

// IsSlotBorrowed reports whether this client currently holds s.
func (c *Client) IsSlotBorrowed(s handle.Slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.Index < uint32(len(c.borrowed)) && c.borrowed[s.Index]
}

// QueueDepths reports the approximate occupancy of this client's available
// and free queue endpoints, for telemetry's shm_queue_depth gauge. Either
// value is -1 if the underlying endpoint doesn't expose a depth.
func (c *Client) QueueDepths() (available, free int) {
	available, free = -1, -1
	if l, ok := c.availableQueue.(interface{ Len() int }); ok {
		available = l.Len()
	}
	if l, ok := c.freeQueue.(interface{ Len() int }); ok {
		free = l.Len()
	}
	return available, free
}

// BorrowedSlots returns every slot index this client currently holds, in
// ascending order. Used by Disconnect to release everything still held.
func (c *Client) BorrowedSlots() []handle.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []handle.Slot
	for i, held := range c.borrowed {
		if held {
			out = append(out, handle.Slot{Group: c.group, Index: uint32(i)})
		}
	}
	return out
}

// Package protocol defines the fixed-layout, tag-prefixed records the
// server and client state machines exchange over a sidechannel.Channel.
// Field layout is little-endian; every record is padded to an 8-byte
// boundary, the same wire-framing discipline a WebSocket message envelope
// would use.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/odin-labs/shmchan/pkg/shmem"
)

// Tag identifies a message's wire layout.
type Tag byte

const (
	TagConnectionRequest      Tag = 1
	TagConnectionAck          Tag = 2
	TagAckQueueInitialization Tag = 3
	TagStartListening         Tag = 4
	TagStopListening          Tag = 5
	TagShutdown               Tag = 6
)

func (t Tag) String() string {
	switch t {
	case TagConnectionRequest:
		return "ConnectionRequest"
	case TagConnectionAck:
		return "ConnectionAck"
	case TagAckQueueInitialization:
		return "AckQueueInitialization"
	case TagStartListening:
		return "StartListening"
	case TagStopListening:
		return "StopListening"
	case TagShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// MaxWireSize bounds every encoded message, including the tag byte and
// trailing padding.
const MaxWireSize = 64

// SlotMemoryConfig describes the server's slot pool, carried in
// ConnectionRequest.
type SlotMemoryConfig struct {
	NSlots           uint32
	SlotSize         uint32
	SlotAlignment    uint32
	ContentSize      uint32
	ContentAlignment uint32
}

// QueueMemoryConfig describes one SPSC queue's backing region.
type QueueMemoryConfig struct {
	Capacity uint32
	SlotSize uint32
}

// Validate enforces the field constraints: positive sizes, power-of-two
// alignments, counts within the caller-supplied maxima.
func (c SlotMemoryConfig) Validate(maxSlots uint32) error {
	if c.NSlots == 0 || c.NSlots > maxSlots {
		return fmt.Errorf("protocol: n_slots %d out of range (max %d)", c.NSlots, maxSlots)
	}
	if err := shmem.ValidateSizeAlignment(int(c.SlotSize), int(c.SlotAlignment)); err != nil {
		return fmt.Errorf("protocol: slot memory config: %w", err)
	}
	if err := shmem.ValidateSizeAlignment(int(c.ContentSize), int(c.ContentAlignment)); err != nil {
		return fmt.Errorf("protocol: slot content config: %w", err)
	}
	if c.ContentSize > c.SlotSize {
		return fmt.Errorf("protocol: content size %d exceeds slot size %d", c.ContentSize, c.SlotSize)
	}
	return nil
}

func (c QueueMemoryConfig) Validate(maxCapacity uint32) error {
	if c.Capacity == 0 || c.Capacity > maxCapacity {
		return fmt.Errorf("protocol: queue capacity %d out of range (max %d)", c.Capacity, maxCapacity)
	}
	if c.SlotSize == 0 {
		return fmt.Errorf("protocol: queue slot size must be positive")
	}
	return nil
}

// ConnectionRequest is sent server→client first. The slot and server-queue
// memory handles accompany it as two successive side-channel messages,
// each carrying one handle; this struct holds both configs, and the
// client's handshake handlers pair each with the handle delivered
// alongside it.
type ConnectionRequest struct {
	Group       uint64
	Slots       SlotMemoryConfig
	ServerQueue QueueMemoryConfig
}

// ConnectionAck is the client's reply, carrying its own queue's memory
// config and handle.
type ConnectionAck struct {
	ClientQueue QueueMemoryConfig
}

// AckQueueInitialization, StartListening, StopListening, and Shutdown carry
// no payload beyond their tag.
type AckQueueInitialization struct{}
type StartListening struct{}
type StopListening struct{}
type Shutdown struct{}

var byteOrder = binary.LittleEndian

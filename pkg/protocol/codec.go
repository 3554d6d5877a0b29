package protocol

import (
	"fmt"

	"github.com/odin-labs/shmchan/pkg/shmerr"
)

// padTo8 rounds n up to the next multiple of 8, matching the "record is
// padded to 8 bytes" wire-format rule.
func padTo8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}

// PeekTag reads the leading tag byte without otherwise interpreting the
// message. Callers route to the matching Decode* function.
func PeekTag(b []byte) (Tag, error) {
	if len(b) == 0 {
		return 0, shmerr.Protocol("empty message")
	}
	return Tag(b[0]), nil
}

func frame(tag Tag, body []byte) []byte {
	raw := append([]byte{byte(tag)}, body...)
	padded := make([]byte, padTo8(len(raw)))
	copy(padded, raw)
	return padded
}

func checkTag(b []byte, want Tag) ([]byte, error) {
	if len(b) == 0 {
		return nil, shmerr.Protocol("empty message, expected %s", want)
	}
	got := Tag(b[0])
	if got != want {
		return nil, shmerr.Protocol("unexpected tag %s, expected %s", got, want)
	}
	return b[1:], nil
}

// EncodeConnectionRequest serializes m. The accompanying slot and
// server-queue memory handles travel as the side channel Send's handle
// argument, not as wire bytes.
func EncodeConnectionRequest(m ConnectionRequest) []byte {
	body := make([]byte, 8+5*4+2*4)
	byteOrder.PutUint64(body[0:8], m.Group)
	off := 8
	byteOrder.PutUint32(body[off+0:], m.Slots.NSlots)
	byteOrder.PutUint32(body[off+4:], m.Slots.SlotSize)
	byteOrder.PutUint32(body[off+8:], m.Slots.SlotAlignment)
	byteOrder.PutUint32(body[off+12:], m.Slots.ContentSize)
	byteOrder.PutUint32(body[off+16:], m.Slots.ContentAlignment)
	off += 20
	byteOrder.PutUint32(body[off+0:], m.ServerQueue.Capacity)
	byteOrder.PutUint32(body[off+4:], m.ServerQueue.SlotSize)
	return frame(TagConnectionRequest, body)
}

// DecodeConnectionRequest parses the body and validates tag, length, and
// field constraints. maxSlots/maxQueueCapacity come from the client's own
// configured maxima.
func DecodeConnectionRequest(b []byte, maxSlots, maxQueueCapacity uint32) (ConnectionRequest, error) {
	rest, err := checkTag(b, TagConnectionRequest)
	if err != nil {
		return ConnectionRequest{}, err
	}
	const wantLen = 8 + 5*4 + 2*4
	if len(rest) < wantLen {
		return ConnectionRequest{}, shmerr.Protocol("ConnectionRequest too short: %d bytes", len(rest))
	}

	var m ConnectionRequest
	m.Group = byteOrder.Uint64(rest[0:8])
	off := 8
	m.Slots.NSlots = byteOrder.Uint32(rest[off+0:])
	m.Slots.SlotSize = byteOrder.Uint32(rest[off+4:])
	m.Slots.SlotAlignment = byteOrder.Uint32(rest[off+8:])
	m.Slots.ContentSize = byteOrder.Uint32(rest[off+12:])
	m.Slots.ContentAlignment = byteOrder.Uint32(rest[off+16:])
	off += 20
	m.ServerQueue.Capacity = byteOrder.Uint32(rest[off+0:])
	m.ServerQueue.SlotSize = byteOrder.Uint32(rest[off+4:])

	if err := m.Slots.Validate(maxSlots); err != nil {
		return ConnectionRequest{}, err
	}
	if err := m.ServerQueue.Validate(maxQueueCapacity); err != nil {
		return ConnectionRequest{}, err
	}
	return m, nil
}

// EncodeConnectionAck serializes m; the client-queue memory handle travels
// alongside via the side channel's Send.
func EncodeConnectionAck(m ConnectionAck) []byte {
	body := make([]byte, 2*4)
	byteOrder.PutUint32(body[0:], m.ClientQueue.Capacity)
	byteOrder.PutUint32(body[4:], m.ClientQueue.SlotSize)
	return frame(TagConnectionAck, body)
}

func DecodeConnectionAck(b []byte, maxQueueCapacity uint32) (ConnectionAck, error) {
	rest, err := checkTag(b, TagConnectionAck)
	if err != nil {
		return ConnectionAck{}, err
	}
	if len(rest) < 8 {
		return ConnectionAck{}, shmerr.Protocol("ConnectionAck too short: %d bytes", len(rest))
	}
	var m ConnectionAck
	m.ClientQueue.Capacity = byteOrder.Uint32(rest[0:])
	m.ClientQueue.SlotSize = byteOrder.Uint32(rest[4:])
	if err := m.ClientQueue.Validate(maxQueueCapacity); err != nil {
		return ConnectionAck{}, err
	}
	return m, nil
}

func EncodeAckQueueInitialization() []byte { return frame(TagAckQueueInitialization, nil) }
func EncodeStartListening() []byte         { return frame(TagStartListening, nil) }
func EncodeStopListening() []byte          { return frame(TagStopListening, nil) }
func EncodeShutdown() []byte               { return frame(TagShutdown, nil) }

// DecodeEmpty validates a no-payload message carries exactly the expected
// tag and nothing but padding after it.
func DecodeEmpty(b []byte, want Tag) error {
	rest, err := checkTag(b, want)
	if err != nil {
		return err
	}
	if len(b) > padTo8(1) {
		return shmerr.Protocol("%s too long: %d bytes", want, len(b))
	}
	for _, x := range rest {
		if x != 0 {
			return shmerr.Protocol("%s carries a non-padding byte", want)
		}
	}
	return nil
}

func init() {
	if MaxWireSize < 8+5*4+2*4+1 {
		panic(fmt.Sprintf("protocol: MaxWireSize too small for ConnectionRequest"))
	}
}

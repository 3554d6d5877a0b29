// Package shmerr defines the error kinds surfaced by the slot channel core.
//
// Recoverable conditions are returned as errors wrapping one of the sentinels
// below. Invariant violations — handle/group mismatch, receiver-count
// overflow, anything that indicates memory corruption or API misuse rather
// than a peer behaving badly — go through Abort, which logs and panics
// instead of returning. A caller that catches a sentinel with errors.Is can
// decide what state transition to make; nothing recovers from Abort except a
// process restart.
package shmerr

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrUnexpectedState means the API was used while the state machine was
	// in a state that does not permit it. No state change occurs.
	ErrUnexpectedState = errors.New("shmchan: unexpected state")

	// ErrProtocol means the peer violated the wire protocol: a malformed
	// message, a duplicate slot publication, an out-of-range index.
	ErrProtocol = errors.New("shmchan: protocol violation")

	// ErrPeerDisconnected means the peer closed the side channel without
	// sending Shutdown first.
	ErrPeerDisconnected = errors.New("shmchan: peer disconnected without shutdown")

	// ErrPeerCrashed means the side channel itself reported a peer crash.
	ErrPeerCrashed = errors.New("shmchan: peer crashed")

	// ErrQueue means a Push/Pop/Peek against an SPSC queue detected
	// structural corruption (index out of range, cursor mismatch).
	ErrQueue = errors.New("shmchan: queue corrupted")

	// ErrContainerCorrupted means a trivially-copyable shared-memory
	// container failed its self-consistency check at the read-only-view
	// construction boundary.
	ErrContainerCorrupted = errors.New("shmchan: container corrupted")
)

// DroppedNotification is not an error returned to callers — Notify is
// lossy by contract — but the core logs it through this type so it is
// greppable and countable without being mistaken for a protocol fault.
type DroppedNotification struct {
	Reason string
}

func (d DroppedNotification) Error() string {
	return fmt.Sprintf("shmchan: notification dropped: %s", d.Reason)
}

// Protocol wraps ErrProtocol with context.
func Protocol(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}

// Queue wraps ErrQueue with context.
func Queue(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrQueue}, args...)...)
}

// UnexpectedState wraps ErrUnexpectedState with context.
func UnexpectedState(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnexpectedState}, args...)...)
}

// PeerDisconnected wraps ErrPeerDisconnected with context.
func PeerDisconnected(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPeerDisconnected}, args...)...)
}

// PeerCrashed wraps ErrPeerCrashed with context.
func PeerCrashed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPeerCrashed}, args...)...)
}

// Abort logs msg as a fatal event and panics. It is used for invariants that
// must never be false in a correct, uncorrupted process: handle/group
// mismatch, a receiver index beyond the 63-bit bitmap, a class handle beyond
// the configured class count. Recovering from these would mean operating on
// state we no longer trust.
//
// Deliberately uses Error (not zerolog's Fatal, which calls os.Exit before
// the deferred cleanup in the caller's goroutine — e.g. a side channel
// Close() — gets a chance to run) followed by an explicit panic.
func Abort(logger zerolog.Logger, msg string, fields map[string]any) {
	ev := logger.Error().Bool("fatal", true)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	panic("shmchan: fatal invariant violation: " + msg)
}

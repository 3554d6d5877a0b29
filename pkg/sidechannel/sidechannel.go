// Package sidechannel defines the side-channel contract: a bidirectional
// byte+handle transport with a best-effort Notify primitive and a
// one-shot async receive callback. The core only
// ever calls Send, Notify, and reacts to OnMessage/OnNotification; it never
// assumes anything about the transport underneath.
//
// Two implementations are provided: Local (in-process, deterministic,
// used by every façade test and by same-process demos) and, on linux,
// a Unix-domain-socket implementation that passes shmem.Handle values as
// file descriptors via SCM_RIGHTS.
package sidechannel

import (
	"errors"

	"github.com/odin-labs/shmchan/pkg/shmem"
)

// OnMessage is the one-shot receive callback registered via
// StartMessageReception. It fires once per inbound message and stays
// installed for every later message; nothing needs to re-register it.
type OnMessage func(msg []byte, h *shmem.Handle)

// OnNotification is the best-effort wake-up callback.
type OnNotification func()

// ErrClosed is returned by Send/Notify once Close has completed.
var ErrClosed = errors.New("sidechannel: closed")

// Channel is the side-channel contract.
type Channel interface {
	// Send delivers msg (with an optional handle) to the peer's next
	// OnMessage callback. Synchronous; guarantees at-most-once, ordered
	// delivery even if the sender subsequently crashes or closes.
	Send(msg []byte, h *shmem.Handle) error

	// Notify is a best-effort, lossy, unordered wake-up hint.
	Notify() error

	// StartMessageReception registers the one-shot receive callback.
	StartMessageReception(cb OnMessage)

	// RegisterOnNotification / DeregisterOnNotification manage the
	// notification callback.
	RegisterOnNotification(cb OnNotification)
	DeregisterOnNotification()

	// Close is idempotent; subsequent Send/Notify calls fail with
	// ErrClosed. In-flight callbacks may still complete.
	Close() error

	// IsInUse is false once Close has returned and no callback is
	// currently executing.
	IsInUse() bool
}

// PeerCloseNotifier is an optional extension a Channel implementation may
// provide: a callback fired when the peer's end goes away (remote close,
// crash) without this side calling Close() first. It is deliberately not
// part of Channel itself — crash/close detection is left to the
// transport — so state machines probe for it with a type assertion and
// degrade gracefully if it is absent.
type PeerCloseNotifier interface {
	RegisterOnPeerClosed(cb func(err error))
}

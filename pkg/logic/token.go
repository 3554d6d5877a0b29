// Package logic implements LogicServer and LogicClient: the bookkeeping
// layer that never talks to the side channel directly. LogicServer never
// touches shared-memory slot contents; LogicClient only hands out a slot's
// readable view through Access. It operates on borrow.Manager plus the
// queue endpoints handed to it by the caller (the server/client state
// machines).
package logic

import "github.com/odin-labs/shmchan/pkg/handle"

// SlotToken is the move-only affine handle: holding one implies the
// holder's bit is set for that slot. Go has no move semantics, so this is
// enforced by convention — every function that consumes a token takes it
// by value and the caller is expected to drop its copy, the same
// discipline a single-owner buffer handle would apply.
type SlotToken struct {
	Slot handle.Slot
}

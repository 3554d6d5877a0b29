package sidechannel

import (
	"sync"

	"github.com/odin-labs/shmchan/pkg/shmem"
)

type localMessage struct {
	data   []byte
	handle *shmem.Handle
}

// Local is an in-process Channel: two Local instances are created as a pair
// by NewLocalPair, each one's Send delivering into the other's inbound
// queue. A dedicated dispatcher goroutine per endpoint plays the role of a
// read-pump reactor thread: it is the only goroutine that ever invokes
// that endpoint's OnMessage/OnNotification callbacks, and it releases the
// endpoint's mutex before doing so — the callback never runs while the
// mutex is held, so it is free to call back into the endpoint.
type Local struct {
	mu            sync.Mutex
	peer          *Local
	onMsg         OnMessage
	onNotif       OnNotification
	onPeerClosed  func(error)
	closed        bool
	inbox         chan localMessage
	notifyCh      chan struct{}
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewLocalPair creates two connected endpoints.
func NewLocalPair() (*Local, *Local) {
	a := &Local{inbox: make(chan localMessage, 1024), notifyCh: make(chan struct{}, 1), done: make(chan struct{})}
	b := &Local{inbox: make(chan localMessage, 1024), notifyCh: make(chan struct{}, 1), done: make(chan struct{})}
	a.peer, b.peer = b, a
	a.wg.Add(1)
	go a.dispatch()
	b.wg.Add(1)
	go b.dispatch()
	return a, b
}

func (c *Local) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			// Drain anything already queued before a registered callback
			// could see it; matches "in-flight callbacks may still
			// complete" rather than silently losing a delivered Send.
			for {
				select {
				case m := <-c.inbox:
					c.deliver(m)
				default:
					return
				}
			}
		case m := <-c.inbox:
			c.deliver(m)
		case <-c.notifyCh:
			c.mu.Lock()
			cb := c.onNotif
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

func (c *Local) deliver(m localMessage) {
	c.mu.Lock()
	cb := c.onMsg
	c.mu.Unlock()
	if cb != nil {
		cb(m.data, m.handle)
	}
}

func (c *Local) Send(msg []byte, h *shmem.Handle) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	peer := c.peer
	c.mu.Unlock()

	cp := make([]byte, len(msg))
	copy(cp, msg)

	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return ErrClosed
	}

	peer.inbox <- localMessage{data: cp, handle: h}
	return nil
}

func (c *Local) Notify() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	peer := c.peer
	c.mu.Unlock()

	select {
	case peer.notifyCh <- struct{}{}:
	default:
		// Lossy by contract: a pending notification is as good as two.
	}
	return nil
}

func (c *Local) StartMessageReception(cb OnMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = cb
}

func (c *Local) RegisterOnNotification(cb OnNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotif = cb
}

func (c *Local) DeregisterOnNotification() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotif = nil
}

func (c *Local) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	peer.mu.Lock()
	cb := peer.onPeerClosed
	peer.mu.Unlock()
	if cb != nil {
		cb(ErrClosed)
	}
	return nil
}

// RegisterOnPeerClosed implements PeerCloseNotifier.
func (c *Local) RegisterOnPeerClosed(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerClosed = cb
}

// SimulatePeerCrash invokes the registered peer-closed callback with err
// directly, without performing a real Close. It exists so tests can drive
// the "transport failed out from under a live peer" path distinctly from
// an orderly Close, which a real socket read error distinguishes from
// io.EOF but an in-process pair has no transport layer to fail.
func (c *Local) SimulatePeerCrash(err error) {
	c.mu.Lock()
	cb := c.onPeerClosed
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Local) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

var (
	_ Channel           = (*Local)(nil)
	_ PeerCloseNotifier = (*Local)(nil)
)

//go:build linux

package sidechannel

import (
	"net"
	"sync"

	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// UnixSocketChannel is the real two-process Channel: a SOCK_SEQPACKET
// Unix-domain socket, which preserves message boundaries the way a
// WebSocket frame does, carrying shmem.Handle values as passed file
// descriptors via SCM_RIGHTS — the standard way to hand a shared-memory
// mapping to another process without going through a copy.
//
// One reader goroutine owns the socket's read side and drives
// OnMessage/OnNotification, a read-pump/write-pump split; Send is
// synchronous on the caller's goroutine, matching the side-channel
// contract's guaranteed-delivery semantics.
type UnixSocketChannel struct {
	conn *net.UnixConn

	mu           sync.Mutex
	onMsg        OnMessage
	onNotif      OnNotification
	onPeerClosed func(error)
	closed       bool

	notifyLimiter *rate.Limiter // Notify is lossy; excess calls are dropped, not queued

	logger   zerolog.Logger
	readerWG sync.WaitGroup
}

// The leading frame byte distinguishes a real payload frame from a pure notify ping on the
// wire, since both travel the same SOCK_SEQPACKET socket.
const (
	frameMessage byte = 1
	frameNotify  byte = 2
)

// NewUnixSocketChannel wraps conn (already connected, SOCK_SEQPACKET) and
// starts its reader goroutine. notifyRate/notifyBurst configure the
// outbound Notify throttle via golang.org/x/time/rate.
func NewUnixSocketChannel(conn *net.UnixConn, notifyRate rate.Limit, notifyBurst int, logger zerolog.Logger) *UnixSocketChannel {
	c := &UnixSocketChannel{
		conn:          conn,
		notifyLimiter: rate.NewLimiter(notifyRate, notifyBurst),
		logger:        logger,
	}
	c.readerWG.Add(1)
	go c.readLoop()
	return c
}

func (c *UnixSocketChannel) readLoop() {
	defer c.readerWG.Done()

	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			cb := c.onPeerClosed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn().Err(err).Msg("sidechannel: read failed, treating as peer disconnect")
				if cb != nil {
					cb(err)
				}
			}
			return
		}
		if n == 0 {
			return
		}

		tag := buf[0]
		payload := append([]byte(nil), buf[1:n]...)

		var h *shmem.Handle
		if oobn > 0 {
			if fd, ok := extractFd(oob[:oobn]); ok {
				hv := fdHandle(fd)
				h = &hv
			}
		}

		switch tag {
		case frameNotify:
			c.mu.Lock()
			cb := c.onNotif
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
		default:
			c.mu.Lock()
			cb := c.onMsg
			c.mu.Unlock()
			if cb != nil {
				cb(payload, h)
			}
		}
	}
}

func extractFd(oob []byte) (int, bool) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, cm := range cmsgs {
		fds, err := unix.ParseUnixRights(&cm)
		if err == nil && len(fds) > 0 {
			return fds[0], true
		}
	}
	return 0, false
}

// fdHandle is a placeholder conversion: the caller (client state machine)
// is expected to immediately shmem.MapFd the raw descriptor and discard
// this handle's numeric identity once mapped. Kept as shmem.Handle so the
// rest of the core never special-cases "this came over the wire" vs "this
// came from a local Provider".
func fdHandle(fd int) shmem.Handle {
	return shmem.HandleFromFd(fd)
}

func (c *UnixSocketChannel) Send(msg []byte, h *shmem.Handle) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	frame := make([]byte, 1+len(msg))
	frame[0] = frameMessage
	copy(frame[1:], msg)

	var oob []byte
	if h != nil {
		if fd, ok := h.Fd(); ok {
			oob = unix.UnixRights(fd)
		}
	}

	_, _, err := c.conn.WriteMsgUnix(frame, oob, nil)
	return err
}

func (c *UnixSocketChannel) Notify() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if !c.notifyLimiter.Allow() {
		// Notify is lossy by contract: dropping here is correct behavior,
		// not an error condition.
		return nil
	}
	_, _, err := c.conn.WriteMsgUnix([]byte{frameNotify}, nil, nil)
	return err
}

func (c *UnixSocketChannel) StartMessageReception(cb OnMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = cb
}

func (c *UnixSocketChannel) RegisterOnNotification(cb OnNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotif = cb
}

func (c *UnixSocketChannel) DeregisterOnNotification() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotif = nil
}

func (c *UnixSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.readerWG.Wait()
	return err
}

func (c *UnixSocketChannel) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// RegisterOnPeerClosed implements PeerCloseNotifier.
func (c *UnixSocketChannel) RegisterOnPeerClosed(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerClosed = cb
}

var (
	_ Channel           = (*UnixSocketChannel)(nil)
	_ PeerCloseNotifier = (*UnixSocketChannel)(nil)
)

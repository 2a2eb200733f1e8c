package network

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// ConnectionState represents the state of a connection
type ConnectionState int32

const (
	ConnectionStateOpen ConnectionState = iota
	ConnectionStateClosing
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateClosing:
		return "closing"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// packetWindow is how long packet counts accumulate before they reset
const packetWindow = 2 * time.Second

// frameSlack keeps declared frame sizes clear of the buffer end
const frameSlack = 16

// TaskDispatcher runs protocol lifecycle callbacks off the network goroutines
type TaskDispatcher interface {
	Add(fn func()) error
}

// ProtocolResolver picks the protocol for a connection from its first frame
type ProtocolResolver interface {
	MakeProtocol(checksummed bool, msg *NetworkMessage, conn *Connection) Protocol
}

// Connection drives one socket. A read goroutine runs the header, body,
// dispatch loop and a write goroutine drains the outbound queue with at most
// one write in flight.
type Connection struct {
	id         uint64
	conn       net.Conn
	resolver   ProtocolResolver
	manager    *ConnectionManager
	dispatcher TaskDispatcher
	pool       *OutputMessagePool
	logger     zerolog.Logger

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
	maxPackets   atomic.Int64

	mu          sync.Mutex
	state       ConnectionState
	protocol    Protocol
	outbound    *queue.Queue
	inflight    *OutputMessage
	writeSignal chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// owned by the read goroutine
	msg           NetworkMessage
	receivedFirst bool
	packets       int64
	windowStart   time.Time

	connectedAt   time.Time
	lastActivity  atomic.Int64
	bytesRead     atomic.Int64
	bytesWritten  atomic.Int64
	framesRead    atomic.Int64
	framesWritten atomic.Int64
}

func newConnection(id uint64, nc net.Conn, resolver ProtocolResolver, manager *ConnectionManager) *Connection {
	now := time.Now()
	c := &Connection{
		id:          id,
		conn:        nc,
		resolver:    resolver,
		manager:     manager,
		dispatcher:  manager.dispatcher,
		pool:        manager.pool,
		state:       ConnectionStateOpen,
		outbound:    queue.New(),
		writeSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
		windowStart: now,
		connectedAt: now,
	}
	c.logger = manager.logger.With().Uint64("conn", id).Str("remote", c.RemoteIP()).Logger()
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the connection id
func (c *Connection) ID() uint64 {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RemoteIP returns the host part of the remote address
func (c *Connection) RemoteIP() string {
	return hostOf(c.conn.RemoteAddr())
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol returns the resolved protocol, or nil before the first frame
func (c *Connection) Protocol() Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Done is closed once the socket has been released
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// SetTimeouts sets the read and write deadlines. Zero disables a deadline.
func (c *Connection) SetTimeouts(read, write time.Duration) {
	c.readTimeout.Store(int64(read))
	c.writeTimeout.Store(int64(write))
}

// SetMaxPacketsPerSecond sets the flood limit. Zero disables it.
func (c *Connection) SetMaxPacketsPerSecond(n int) {
	c.maxPackets.Store(int64(n))
}

// Statistics returns connection statistics
func (c *Connection) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID:  c.id,
		State:         c.State(),
		RemoteAddr:    c.RemoteAddr().String(),
		BytesRead:     c.bytesRead.Load(),
		BytesWritten:  c.bytesWritten.Load(),
		FramesRead:    c.framesRead.Load(),
		FramesWritten: c.framesWritten.Load(),
		ConnectedAt:   c.connectedAt,
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
	}
}

// Accept starts the connection. A non-nil protocol is installed right away
// and its OnConnect is dispatched; otherwise the protocol is resolved from
// the first frame.
func (c *Connection) Accept(protocol Protocol) {
	if protocol != nil {
		c.mu.Lock()
		c.protocol = protocol
		c.mu.Unlock()
		c.dispatch(protocol.OnConnect)
	}

	go c.readLoop()
	go c.writeLoop()
}

// Send seals msg through the protocol and queues it. The caller's reference
// is taken over; it is released once the frame is written or dropped.
func (c *Connection) Send(msg *OutputMessage) bool {
	c.mu.Lock()
	if c.state != ConnectionStateOpen {
		c.mu.Unlock()
		msg.Release()
		return false
	}
	protocol := c.protocol
	c.mu.Unlock()

	if protocol != nil {
		protocol.OnSendMessage(msg)
	} else {
		msg.WriteMessageLength()
	}
	if !msg.Sealed() {
		c.logger.Error().Int("length", msg.Length()).Msg("dropping unsealed output message")
		msg.Release()
		return false
	}

	c.mu.Lock()
	if c.state != ConnectionStateOpen {
		c.mu.Unlock()
		msg.Release()
		return false
	}
	c.outbound.Add(msg)
	c.mu.Unlock()

	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
	return true
}

// Close shuts the connection down. Queued output is still written unless
// force is set. Calling Close again with force on a closing connection
// releases the socket immediately.
func (c *Connection) Close(force bool) {
	if c.manager != nil {
		c.manager.ReleaseConnection(c)
	}

	c.mu.Lock()
	switch c.state {
	case ConnectionStateClosed:
		c.mu.Unlock()
		return
	case ConnectionStateClosing:
		c.mu.Unlock()
		if force {
			c.closeSocket()
		}
		return
	}

	c.state = ConnectionStateClosing
	protocol := c.protocol
	idle := c.outbound.Length() == 0 && c.inflight == nil
	c.mu.Unlock()

	c.logger.Debug().Bool("force", force).Msg("closing connection")

	if protocol != nil {
		c.dispatch(protocol.Release)
	}
	if idle || force {
		c.closeSocket()
	}
}

// closeSocket moves to Closed, drops queued output and releases the socket
func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnectionStateClosed
		for c.outbound.Length() > 0 {
			c.outbound.Remove().(*OutputMessage).Release()
		}
		c.mu.Unlock()

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug().Err(err).Msg("close socket")
		}
		if c.manager != nil {
			c.manager.retire(c)
		}
		close(c.done)
	})
}

func (c *Connection) dispatch(fn func()) {
	if c.dispatcher == nil {
		fn()
		return
	}
	if err := c.dispatcher.Add(fn); err != nil {
		c.logger.Debug().Err(err).Msg("dispatcher unavailable, running inline")
		fn()
	}
}

func (c *Connection) readLoop() {
	for c.readFrame() {
	}
}

// readFrame reads and routes one frame. It returns false once the loop
// must stop.
func (c *Connection) readFrame() bool {
	c.armReadDeadline()
	if _, err := io.ReadFull(c.conn, c.msg.headerBuffer()); err != nil {
		c.handleIOError("read header", err)
		return false
	}
	if c.State() != ConnectionStateOpen {
		return false
	}

	if !c.checkPacketRate(time.Now()) {
		c.logger.Warn().Int64("packets", c.packets).Msg("packet rate exceeded")
		c.Close(true)
		return false
	}

	size := c.msg.headerSize()
	if size == 0 || size >= MaxSize-frameSlack {
		c.logger.Debug().Int("size", size).Msg("invalid frame size")
		c.Close(true)
		return false
	}

	c.armReadDeadline()
	if _, err := io.ReadFull(c.conn, c.msg.prepareBody(size)); err != nil {
		c.handleIOError("read body", err)
		return false
	}
	c.bytesRead.Add(int64(HeaderLength + size))
	c.framesRead.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())

	return c.parsePacket()
}

// checkPacketRate counts one packet and reports whether the connection is
// still within its limit
func (c *Connection) checkPacketRate(now time.Time) bool {
	c.packets++
	elapsed := now.Sub(c.windowStart)

	if limit := c.maxPackets.Load(); limit > 0 {
		seconds := int64(elapsed/time.Second) + 1
		if c.packets/seconds > limit {
			return false
		}
	}
	if elapsed > packetWindow {
		c.windowStart = now
		c.packets = 0
	}
	return true
}

func (c *Connection) parsePacket() bool {
	msg := &c.msg
	checksummed := msg.ReadChecksum()

	if c.receivedFirst {
		c.mu.Lock()
		protocol := c.protocol
		c.mu.Unlock()
		if protocol != nil {
			protocol.OnRecvMessage(msg)
		}
		return true
	}
	c.receivedFirst = true

	protocol := c.Protocol()
	if protocol != nil {
		msg.Skip(1)
	} else {
		if c.resolver != nil {
			protocol = c.resolver.MakeProtocol(checksummed, msg, c)
		}
		if protocol == nil {
			c.logger.Debug().Bool("checksummed", checksummed).Msg("no service matches first frame")
			c.Close(true)
			return false
		}

		c.mu.Lock()
		if c.state != ConnectionStateOpen {
			c.mu.Unlock()
			c.dispatch(protocol.Release)
			return false
		}
		c.protocol = protocol
		c.mu.Unlock()
	}

	protocol.OnRecvFirstMessage(msg)
	return true
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.writeSignal:
		case <-c.done:
			return
		}
		if !c.flush() {
			return
		}
	}
}

// flush writes queued frames until the queue is empty. It returns false
// once the connection is gone.
func (c *Connection) flush() bool {
	for {
		c.mu.Lock()
		if c.state == ConnectionStateClosed {
			c.mu.Unlock()
			return false
		}
		if c.outbound.Length() == 0 {
			closing := c.state == ConnectionStateClosing
			c.mu.Unlock()
			if closing {
				c.closeSocket()
				return false
			}
			return true
		}
		msg := c.outbound.Remove().(*OutputMessage)
		c.inflight = msg
		c.mu.Unlock()

		err := c.write(msg.Frame())

		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		msg.Release()

		if err != nil {
			c.handleIOError("write", err)
			return false
		}
	}
}

func (c *Connection) write(frame []byte) error {
	if wt := time.Duration(c.writeTimeout.Load()); wt > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(wt)); err != nil {
			return err
		}
	}
	n, err := c.conn.Write(frame)
	c.bytesWritten.Add(int64(n))
	if err != nil {
		return err
	}
	c.framesWritten.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

func (c *Connection) armReadDeadline() {
	var deadline time.Time
	if rt := time.Duration(c.readTimeout.Load()); rt > 0 {
		deadline = time.Now().Add(rt)
	}
	c.conn.SetReadDeadline(deadline)
}

// handleIOError force-closes the connection. Errors caused by our own close
// are not logged.
func (c *Connection) handleIOError(op string, err error) {
	switch {
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.Debug().Str("op", op).Msg("connection timed out")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Debug().Str("op", op).Msg("connection closed by peer")
	default:
		if c.State() == ConnectionStateOpen {
			c.logger.Error().Err(err).Str("op", op).Msg("connection i/o failed")
		}
	}
	c.Close(true)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

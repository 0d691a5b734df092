// File: internal/tcp/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TcpConnection is the per-connection state machine: input/output buffers,
// high-watermark backpressure, and thread-safe send/shutdown/force-close.
// Sends attempt a direct write first and buffer only the remainder, arming
// write interest until the buffer drains.

package tcp

import (
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/netutil"
	"github.com/momentics/filecache/internal/reactor"
	"golang.org/x/sys/unix"
)

// State is the connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultHighWaterMark is the output-buffer size, in bytes, whose crossing
// (from below to at or above it) fires HighWaterMarkCallback.
const DefaultHighWaterMark = 64 * 1024 * 1024

type (
	ConnectionCallback    func(conn *TcpConnection)
	MessageCallback       func(conn *TcpConnection, buf *bytebuffer.Buffer, receiveTime time.Time)
	WriteCompleteCallback func(conn *TcpConnection)
	HighWatermarkCallback func(conn *TcpConnection, queuedBytes int)
	CloseCallback         func(conn *TcpConnection)
)

// TcpConnection is pinned to exactly one worker Loop for its entire
// lifetime; every method that touches its state either runs on that loop
// already or hops onto it via RunInLoop.
type TcpConnection struct {
	id        string
	loop      *reactor.Loop
	fd        int
	channel   *reactor.Channel
	localAddr string
	peerAddr  string

	state         atomic.Int32
	inputBuffer   *bytebuffer.Buffer
	outputBuffer  *bytebuffer.Buffer
	highWaterMark int
	fatal         bool

	lastActiveTime time.Time

	// Session is an opaque per-connection application context (the file
	// session), set once by the server after construction.
	Session any

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWatermarkCallback
	closeCallback         CloseCallback
}

// NewTcpConnection constructs a connection pinned to loop, with state
// Connecting, for an already-accepted, non-blocking fd.
func NewTcpConnection(loop *reactor.Loop, id string, fd int, localAddr, peerAddr string) *TcpConnection {
	c := &TcpConnection{
		id:            id,
		loop:          loop,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   bytebuffer.New(),
		outputBuffer:  bytebuffer.New(),
		highWaterMark: DefaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.channel = reactor.NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	netutil.SetTCPNoDelay(fd, true)
	return c
}

func (c *TcpConnection) ID() string { return c.id }

func (c *TcpConnection) LocalAddr() string { return c.localAddr }

func (c *TcpConnection) PeerAddr() string { return c.peerAddr }

func (c *TcpConnection) Loop() *reactor.Loop { return c.loop }

func (c *TcpConnection) State() State { return State(c.state.Load()) }

func (c *TcpConnection) Connected() bool { return c.State() == StateConnected }

// LastActiveTime reports when the connection last moved bytes in either
// direction. Only meaningful on the connection's own loop.
func (c *TcpConnection) LastActiveTime() time.Time { return c.lastActiveTime }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWatermarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *TcpConnection) SetTCPNoDelay(on bool) {
	netutil.SetTCPNoDelay(c.fd, on)
}

// ConnectEstablished transitions Connecting -> Connected, arms read
// interest, and fires the connection callback. Must run on c.loop.
func (c *TcpConnection) ConnectEstablished() {
	c.state.Store(int32(StateConnected))
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed is the final step of teardown, run on c.loop after the
// server has dropped the connection from its table. If handleClose has not
// already run (server-initiated destruction) it performs the Disconnected
// transition and fires the connection callback; either way it removes the
// channel from the poller and releases the descriptor.
func (c *TcpConnection) ConnectDestroyed() {
	if c.State() != StateDisconnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	netutil.Close(c.fd)
}

// Send queues data for transmission. Callers off c.loop get a copy posted
// across via RunInLoop; callers already on c.loop call sendInLoop inline.
func (c *TcpConnection) Send(data []byte) {
	if c.loop.IsLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper over Send.
func (c *TcpConnection) SendString(s string) {
	c.Send([]byte(s))
}

// SendBuffer drains buf and queues its contents for transmission, taking
// ownership of the bytes so the buffer can be reused immediately.
func (c *TcpConnection) SendBuffer(buf *bytebuffer.Buffer) {
	if c.loop.IsLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	s := buf.RetrieveAllAsString()
	c.loop.RunInLoop(func() { c.sendInLoop([]byte(s)) })
}

func (c *TcpConnection) sendInLoop(data []byte) {
	if c.State() == StateDisconnected {
		return
	}

	remaining := len(data)
	var written int

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if n >= 0 {
			written = n
			remaining = len(data) - n
			if n > 0 {
				c.lastActiveTime = time.Now()
			}
			if remaining == 0 && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			glog.Warningf("tcp: write error on conn %s: %v", c.id, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				c.fatal = true
			}
		}
	}

	if remaining > 0 && !c.fatal {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen < c.highWaterMark && oldLen+remaining >= c.highWaterMark && c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			queued := oldLen + remaining
			c.loop.QueueInLoop(func() { cb(c, queued) })
		}
		c.outputBuffer.Append(data[written:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown transitions Connected -> Disconnecting and, once the output
// buffer drains, half-closes the write side. Thread-safe.
func (c *TcpConnection) Shutdown() {
	for {
		s := c.State()
		if s != StateConnected {
			return
		}
		if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
			break
		}
	}
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TcpConnection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}

// ForceClose simulates a read-zero (peer close) and invokes handleClose.
// Thread-safe.
func (c *TcpConnection) ForceClose() {
	if c.State() == StateDisconnected {
		return
	}
	c.loop.RunInLoop(c.handleClose)
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		c.lastActiveTime = receiveTime
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			glog.Warningf("tcp: read error on conn %s: %v", c.id, err)
			c.handleError()
			c.handleClose()
		}
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			glog.Warningf("tcp: write error on conn %s: %v", c.id, err)
			c.handleClose()
		}
		return
	}

	c.outputBuffer.Retrieve(n)
	c.lastActiveTime = time.Now()
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose is idempotent. The close callback always fires last; it may
// drop the connection's final reference.
func (c *TcpConnection) handleClose() {
	if c.State() == StateDisconnected {
		return
	}
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	glog.Warningf("tcp: socket error on conn %s", c.id)
}

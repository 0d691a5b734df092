// File: internal/tcp/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TcpServer wires an Acceptor to a LoopPool and owns the process-wide
// connection table: accepted fds round-robin across the worker loops, each
// resulting connection is tracked by id, and Stop sweeps every live
// connection before tearing down the acceptor and the pool.

package tcp

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/reactor"
)

// Options configures a TcpServer's listening behavior.
type Options struct {
	IP         string
	Port       int
	NumLoops   int
	ReusePort  bool
	PinWorkers bool
}

// TcpServer owns one Acceptor (bound to the base loop) and a pool of worker
// loops, round-robining accepted connections across the workers.
type TcpServer struct {
	opts     Options
	baseLoop *reactor.Loop
	pool     *reactor.LoopPool
	acceptor *Acceptor

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  uint64
	started     bool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWatermarkCallback
	highWaterMark         int
}

// NewTcpServer constructs a server bound to opts.IP:opts.Port on baseLoop.
// The acceptor's listening socket is created immediately so bind failures
// surface before Start.
func NewTcpServer(baseLoop *reactor.Loop, opts Options) (*TcpServer, error) {
	acc, err := NewAcceptor(baseLoop, opts.IP, opts.Port, opts.ReusePort)
	if err != nil {
		return nil, fmt.Errorf("tcp: new server: %w", err)
	}

	pool := reactor.NewLoopPool(baseLoop, opts.NumLoops)
	pool.PinWorkers = opts.PinWorkers

	s := &TcpServer{
		opts:          opts,
		baseLoop:      baseLoop,
		pool:          pool,
		acceptor:      acc,
		connections:   make(map[string]*TcpConnection),
		highWaterMark: DefaultHighWaterMark,
	}
	acc.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWatermarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// Start spawns the worker pool and begins accepting, if not already
// started. Idempotent.
func (s *TcpServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.pool.Start(s.opts.NumLoops, nil); err != nil {
		return fmt.Errorf("tcp: start loop pool: %w", err)
	}

	s.baseLoop.RunInLoop(func() {
		s.acceptor.Listen()
		glog.Infof("tcp: listening on %s:%d (reuseport=%v, workers=%d)",
			s.opts.IP, s.opts.Port, s.opts.ReusePort, s.pool.NumWorkers())
	})
	return nil
}

// newConnection is invoked on the base loop by the acceptor for every
// accepted fd: it picks a worker loop round-robin, builds a TcpConnection
// pinned to that worker, registers it, then hands off establishment.
func (s *TcpServer) newConnection(fd int, peerAddr string) {
	loop := s.pool.GetNextLoop()

	s.mu.Lock()
	s.nextConnID++
	n := s.nextConnID
	s.mu.Unlock()

	localAddr := s.localAddrString()
	id := fmt.Sprintf("%s#%d", localAddr, n)

	conn := NewTcpConnection(loop, id, fd, localAddr, peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()

	loop.QueueInLoop(conn.ConnectEstablished)
}

func (s *TcpServer) localAddrString() string {
	if addr, err := s.acceptor.ListenAddr(); err == nil {
		return addr
	}
	return fmt.Sprintf("%s:%d", s.opts.IP, s.opts.Port)
}

// ListenAddr reports the address the listening socket is actually bound to,
// including the ephemeral port chosen when Options.Port was 0.
func (s *TcpServer) ListenAddr() string {
	addr, err := s.acceptor.ListenAddr()
	if err != nil {
		return ""
	}
	return addr
}

// removeConnection is TcpConnection's close callback: it drops the
// connection from the registry and finishes teardown on the connection's
// own loop. The close callback always fires on that loop (handleClose runs
// there), so ConnectDestroyed executes inline within the same in-loop call,
// never deferred to a later iteration: by the time any task that triggered
// the close completes, the channel is unregistered and the fd is closed.
// Stop relies on this for its drain guarantee.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.mu.Lock()
	delete(s.connections, conn.ID())
	s.mu.Unlock()

	conn.Loop().RunInLoop(conn.ConnectDestroyed)
}

// NumConnections returns the number of currently tracked connections.
func (s *TcpServer) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Stop force-closes every tracked connection on its own loop, then stops
// the acceptor and the worker pool.
func (s *TcpServer) Stop() {
	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		c := c
		c.Loop().RunInLoop(func() {
			c.ForceClose()
			wg.Done()
		})
	}
	wg.Wait()

	s.baseLoop.RunInLoop(func() {
		s.acceptor.Close()
	})

	s.pool.Stop()
}

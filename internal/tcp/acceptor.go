// File: internal/tcp/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Acceptor owns the listening socket on the base loop and publishes
// accepted descriptors with their peer address. A spare descriptor held
// open on /dev/null lets it shed load when the process runs out of fds.

package tcp

import (
	"time"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/netutil"
	"github.com/momentics/filecache/internal/reactor"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback is invoked on the base loop with a freshly accepted
// descriptor and its peer address.
type NewConnectionCallback func(fd int, peerAddr string)

// Acceptor listens on the base loop and hands accepted descriptors to its
// NewConnectionCallback.
type Acceptor struct {
	loop      *reactor.Loop
	listenFd  int
	channel   *reactor.Channel
	idleFd    int
	listening bool
	closed    bool

	onNewConnection NewConnectionCallback
}

// NewAcceptor binds and listens on ip:port. reusePort controls whether
// SO_REUSEPORT is set in addition to the always-on SO_REUSEADDR.
func NewAcceptor(loop *reactor.Loop, ip string, port int, reusePort bool) (*Acceptor, error) {
	fd, err := netutil.CreateNonblockingSocket()
	if err != nil {
		return nil, err
	}
	if err := netutil.BindAndListen(fd, ip, port, reusePort); err != nil {
		netutil.Close(fd)
		return nil, err
	}

	idleFd, err := netutil.OpenSpareDescriptor()
	if err != nil {
		netutil.Close(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:     loop,
		listenFd: fd,
		idleFd:   idleFd,
	}
	a.channel = reactor.NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// ListenAddr reports the address the kernel actually bound the listening
// socket to, including the ephemeral port chosen when Port was 0. Safe to
// call from any goroutine: listenFd never changes after construction.
func (a *Acceptor) ListenAddr() (string, error) {
	return netutil.LocalAddr(a.listenFd)
}

// SetNewConnectionCallback registers the handler invoked per accepted
// connection. Must be set before Listen.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.onNewConnection = cb
}

// Listen arms read interest on the listening channel. Must run on the base
// loop thread.
func (a *Acceptor) Listen() {
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) handleRead(_ time.Time) {
	for {
		fd, sa, err := netutil.Accept4(a.listenFd)
		if err == nil {
			peer := netutil.FormatSockaddr(sa)
			if a.onNewConnection != nil {
				a.onNewConnection(fd, peer)
			} else {
				netutil.Close(fd)
			}
			continue
		}

		switch err {
		case unix.EAGAIN:
			return
		case unix.EMFILE:
			a.shedOneConnection()
			return
		default:
			glog.Warningf("tcp: accept error: %v", err)
			return
		}
	}
}

// shedOneConnection recovers from descriptor exhaustion: release the spare
// fd, accept-and-immediately-close the pending connection to drain the
// listen backlog, then reopen the spare.
func (a *Acceptor) shedOneConnection() {
	netutil.Close(a.idleFd)
	fd, _, err := netutil.Accept4(a.listenFd)
	if err == nil {
		netutil.Close(fd)
	}
	if newIdle, err := netutil.OpenSpareDescriptor(); err == nil {
		a.idleFd = newIdle
	}
}

// Close releases the listening socket and the spare descriptor. Idempotent;
// must run on the base loop thread.
func (a *Acceptor) Close() {
	if a.closed {
		return
	}
	a.closed = true
	a.listening = false
	a.channel.DisableAll()
	a.channel.Remove()
	netutil.Close(a.listenFd)
	netutil.Close(a.idleFd)
}

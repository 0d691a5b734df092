package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/netutil"
	"github.com/momentics/filecache/internal/reactor"
	"golang.org/x/sys/unix"
)

func newTestServer(t *testing.T, numWorkers int) (*TcpServer, *reactor.Loop) {
	t.Helper()
	base := newTestLoop(t)

	srv, err := NewTcpServer(base, Options{IP: "127.0.0.1", Port: 0, NumLoops: numWorkers})
	if err != nil {
		t.Fatalf("new tcp server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, base
}

func dialServer(t *testing.T, srv *TcpServer) int {
	t.Helper()
	clientFd, err := netutil.CreateNonblockingSocket()
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}

	sa, err := unix.Getsockname(srv.acceptor.listenFd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	v4 := sa.(*unix.SockaddrInet4)
	connErr := unix.Connect(clientFd, &unix.SockaddrInet4{Port: v4.Port, Addr: v4.Addr})
	if connErr != nil && connErr != unix.EINPROGRESS {
		t.Fatalf("connect: %v", connErr)
	}
	return clientFd
}

func TestServerEchoesMessagesAndTracksConnections(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	srv.SetMessageCallback(func(conn *TcpConnection, buf *bytebuffer.Buffer, _ time.Time) {
		conn.Send([]byte(buf.RetrieveAllAsString()))
	})

	clientFd := dialServer(t, srv)
	defer netutil.Close(clientFd)

	deadline := time.Now().Add(2 * time.Second)
	for srv.NumConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.NumConnections() != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", srv.NumConnections())
	}

	if _, err := unix.Write(clientFd, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)
	var n int
	var err error
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err = unix.Read(clientFd, buf)
		if err == nil && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil || n == 0 {
		t.Fatalf("expected echoed bytes, got n=%d err=%v", n, err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echo %q, got %q", "ping", string(buf[:n]))
	}
}

func TestServerMultipleConnectionsAllTrackedAndDrainOnStop(t *testing.T) {
	srv, _ := newTestServer(t, 4)

	const numClients = 16
	clients := make([]int, numClients)
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = dialServer(t, srv)
		}(i)
	}
	wg.Wait()
	defer func() {
		for _, fd := range clients {
			netutil.Close(fd)
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for srv.NumConnections() < numClients && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.NumConnections(); got != numClients {
		t.Fatalf("expected %d tracked connections, got %d", numClients, got)
	}

	srv.Stop()

	if got := srv.NumConnections(); got != 0 {
		t.Fatalf("expected connection table to drain after Stop, got %d remaining", got)
	}
}

func TestServerStopClosesConnectionDescriptors(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	const numClients = 4
	clients := make([]int, numClients)
	for i := range clients {
		clients[i] = dialServer(t, srv)
	}
	defer func() {
		for _, fd := range clients {
			netutil.Close(fd)
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for srv.NumConnections() < numClients && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.NumConnections(); got != numClients {
		t.Fatalf("expected %d tracked connections, got %d", numClients, got)
	}

	srv.mu.Lock()
	fds := make([]int, 0, len(srv.connections))
	for _, c := range srv.connections {
		fds = append(fds, c.fd)
	}
	srv.mu.Unlock()

	srv.Stop()

	// Stop's sweep must have released every accepted descriptor by the time
	// it returns, not merely scheduled the release.
	var st unix.Stat_t
	for _, fd := range fds {
		if err := unix.Fstat(fd, &st); err != unix.EBADF {
			t.Fatalf("expected fd %d to be closed after Stop, fstat err = %v", fd, err)
		}
	}
}

func TestServerStartIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	if err := srv.Start(); err != nil {
		t.Fatalf("second Start() should be a no-op, got error: %v", err)
	}
}

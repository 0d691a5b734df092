package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// testChannel is a minimal Channel implementation for exercising a Poller
// backend without pulling in the reactor package.
type testChannel struct {
	fd      int
	events  EventMask
	revents EventMask
	index   int
}

func newTestChannel(fd int) *testChannel { return &testChannel{fd: fd, index: -1} }

func (c *testChannel) FD() int                { return c.fd }
func (c *testChannel) Events() EventMask      { return c.events }
func (c *testChannel) SetRevents(m EventMask) { c.revents = m }
func (c *testChannel) SetIndex(i int)         { c.index = i }
func (c *testChannel) Index() int             { return c.index }

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReportsReadReadiness(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	a, b := socketPair(t)

	ch := newTestChannel(a)
	ch.events = EventIn
	if err := p.UpdateChannel(ch); err != nil {
		t.Fatalf("update channel: %v", err)
	}
	if !p.HasChannel(ch) {
		t.Fatal("expected channel to be registered")
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, active, err := p.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	found := false
	for _, c := range active {
		if c.FD() == a {
			found = true
		}
	}
	if !found {
		t.Fatal("expected fd a to be reported active after peer write")
	}
}

func TestPollerRemoveChannelStopsReporting(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	a, b := socketPair(t)

	ch := newTestChannel(a)
	ch.events = EventIn
	if err := p.UpdateChannel(ch); err != nil {
		t.Fatalf("update channel: %v", err)
	}
	if err := p.RemoveChannel(ch); err != nil {
		t.Fatalf("remove channel: %v", err)
	}
	if p.HasChannel(ch) {
		t.Fatal("expected channel to be unregistered")
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, active, err := p.Poll(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, c := range active {
		if c.FD() == a {
			t.Fatal("removed channel should not be reported active")
		}
	}
}

func TestPollerUpdateChannelClearingInterestDeletes(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	a, _ := socketPair(t)

	ch := newTestChannel(a)
	ch.events = EventIn
	if err := p.UpdateChannel(ch); err != nil {
		t.Fatalf("update channel: %v", err)
	}

	ch.events = EventNone
	if err := p.UpdateChannel(ch); err != nil {
		t.Fatalf("update channel (clear interest): %v", err)
	}

	_, active, err := p.Poll(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active channels, got %d", len(active))
	}
}

//go:build linux && !poller_poll && !poller_select

// File: internal/poller/poller_epoll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) backend. Each channel carries a New/Added/Deleted state in
// its index slot: Add on first registration or after a Deleted transition,
// Mod while interest remains, Del when the interest mask empties (the channel
// stays in the map until RemoveChannel). The event vector doubles whenever a
// poll round saturates it.

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	channelStateNew     = -1
	channelStateAdded   = 1
	channelStateDeleted = 2
)

const initialEventCap = 16

type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Channel
}

// New constructs the platform poller selected at build time.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEventCap),
		channels: make(map[int]Channel),
	}, nil
}

func toEpollEvents(m EventMask) uint32 {
	var e uint32
	if m&EventIn != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventPri != 0 {
		e |= unix.EPOLLPRI
	}
	if m&EventOut != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) EventMask {
	var m EventMask
	if e&unix.EPOLLIN != 0 {
		m |= EventIn
	}
	if e&unix.EPOLLPRI != 0 {
		m |= EventPri
	}
	if e&unix.EPOLLOUT != 0 {
		m |= EventOut
	}
	if e&unix.EPOLLERR != 0 {
		m |= EventErr
	}
	if e&unix.EPOLLHUP != 0 {
		m |= EventHup
	}
	if e&unix.EPOLLRDHUP != 0 {
		m |= EventRdHup
	}
	return m
}

func (p *epollPoller) Poll(timeout time.Duration) (time.Time, []Channel, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil, nil
		}
		return now, nil, err
	}

	active := make([]Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if ch, ok := p.channels[fd]; ok {
			ch.SetRevents(fromEpollEvents(p.events[i].Events))
			active = append(active, ch)
		}
	}

	if n == len(p.events) {
		// Saturated: double the event vector for the next round.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}

	return now, active, nil
}

func (p *epollPoller) UpdateChannel(ch Channel) error {
	fd := ch.FD()
	ev := unix.EpollEvent{Events: toEpollEvents(ch.Events()), Fd: int32(fd)}

	switch ch.Index() {
	case channelStateNew, channelStateDeleted:
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return err
		}
		p.channels[fd] = ch
		ch.SetIndex(channelStateAdded)
	default:
		if ch.Events() == EventNone {
			if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
				return err
			}
			ch.SetIndex(channelStateDeleted)
			return nil
		}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *epollPoller) RemoveChannel(ch Channel) error {
	fd := ch.FD()
	if ch.Index() == channelStateAdded {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return err
		}
	}
	delete(p.channels, fd)
	ch.SetIndex(channelStateNew)
	return nil
}

func (p *epollPoller) HasChannel(ch Channel) bool {
	_, ok := p.channels[ch.FD()]
	return ok
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

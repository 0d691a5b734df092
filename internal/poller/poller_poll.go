//go:build poller_poll

// File: internal/poller/poller_poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// poll(2) backend, selected with `-tags poller_poll`. Maintains a parallel
// pollfd slice alongside the channel list; on removal the last entry is
// swapped into the removed slot and the moved channel's index is updated.

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

type pollPoller struct {
	fds      []unix.PollFd
	channels []Channel
}

func New() (Poller, error) {
	return &pollPoller{}, nil
}

func toPollEvents(m EventMask) int16 {
	var e int16
	if m&EventIn != 0 {
		e |= unix.POLLIN
	}
	if m&EventPri != 0 {
		e |= unix.POLLPRI
	}
	if m&EventOut != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func fromPollEvents(e int16) EventMask {
	var m EventMask
	if e&unix.POLLIN != 0 {
		m |= EventIn
	}
	if e&unix.POLLPRI != 0 {
		m |= EventPri
	}
	if e&unix.POLLOUT != 0 {
		m |= EventOut
	}
	if e&unix.POLLERR != 0 {
		m |= EventErr
	}
	if e&unix.POLLHUP != 0 {
		m |= EventHup
	}
	if e&unix.POLLRDHUP != 0 {
		m |= EventRdHup
	}
	if e&unix.POLLNVAL != 0 {
		m |= EventNval
	}
	return m
}

func (p *pollPoller) Poll(timeout time.Duration) (time.Time, []Channel, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.Poll(p.fds, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil, nil
		}
		return now, nil, err
	}
	if n == 0 {
		return now, nil, nil
	}

	active := make([]Channel, 0, n)
	for i := range p.fds {
		if p.fds[i].Revents != 0 {
			p.channels[i].SetRevents(fromPollEvents(p.fds[i].Revents))
			active = append(active, p.channels[i])
			p.fds[i].Revents = 0
		}
	}
	return now, active, nil
}

func (p *pollPoller) UpdateChannel(ch Channel) error {
	idx := ch.Index()
	if idx < 0 || idx >= len(p.channels) || p.channels[idx] != ch {
		idx = len(p.fds)
		p.fds = append(p.fds, unix.PollFd{Fd: int32(ch.FD())})
		p.channels = append(p.channels, ch)
		ch.SetIndex(idx)
	}
	p.fds[idx].Events = toPollEvents(ch.Events())
	return nil
}

func (p *pollPoller) RemoveChannel(ch Channel) error {
	idx := ch.Index()
	if idx < 0 || idx >= len(p.channels) || p.channels[idx] != ch {
		return nil
	}
	last := len(p.fds) - 1
	if idx != last {
		p.fds[idx] = p.fds[last]
		p.channels[idx] = p.channels[last]
		p.channels[idx].SetIndex(idx)
	}
	p.fds = p.fds[:last]
	p.channels = p.channels[:last]
	ch.SetIndex(-1)
	return nil
}

func (p *pollPoller) HasChannel(ch Channel) bool {
	idx := ch.Index()
	return idx >= 0 && idx < len(p.channels) && p.channels[idx] == ch
}

func (p *pollPoller) Close() error {
	return nil
}

//go:build poller_select

// File: internal/poller/poller_select.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// select(2) backend, selected with `-tags poller_select`. Rebuilds the
// fd-sets from the channel map on every Poll call; select itself needs no
// persistent per-fd bookkeeping beyond the map used to look channels back
// up by fd.

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

type selectPoller struct {
	channels map[int]Channel
}

func New() (Poller, error) {
	return &selectPoller{channels: make(map[int]Channel)}, nil
}

func (p *selectPoller) Poll(timeout time.Duration) (time.Time, []Channel, error) {
	var readSet, writeSet unix.FdSet
	maxFd := -1

	for fd, ch := range p.channels {
		if ch.Events()&(EventIn|EventPri) != 0 {
			fdSet(&readSet, fd)
		}
		if ch.Events()&EventOut != 0 {
			fdSet(&writeSet, fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}

	var tv unix.Timeval
	var tvp *unix.Timeval
	if timeout >= 0 {
		tv = unix.NsecToTimeval(timeout.Nanoseconds())
		tvp = &tv
	}

	n, err := unix.Select(maxFd+1, &readSet, &writeSet, nil, tvp)
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
	for fd, ch := range p.channels {
		var revents EventMask
		if fdIsSet(&readSet, fd) {
			revents |= EventIn
		}
		if fdIsSet(&writeSet, fd) {
			revents |= EventOut
		}
		if revents != 0 {
			ch.SetRevents(revents)
			active = append(active, ch)
		}
	}
	return now, active, nil
}

func (p *selectPoller) UpdateChannel(ch Channel) error {
	p.channels[ch.FD()] = ch
	ch.SetIndex(1)
	return nil
}

func (p *selectPoller) RemoveChannel(ch Channel) error {
	delete(p.channels, ch.FD())
	ch.SetIndex(-1)
	return nil
}

func (p *selectPoller) HasChannel(ch Channel) bool {
	_, ok := p.channels[ch.FD()]
	return ok
}

func (p *selectPoller) Close() error {
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

// File: internal/reactor/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel binds a descriptor to an interest mask and four callbacks. It is
// created when a descriptor is registered with a Loop and destroyed when the
// owning connection is destroyed.

package reactor

import (
	"time"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/poller"
)

// ReadCallback handles readiness to read, given the poll return time.
type ReadCallback func(receiveTime time.Time)

// WriteCallback handles readiness to write.
type WriteCallback func()

// CloseCallback fires when the channel should be torn down.
type CloseCallback func()

// ErrorCallback fires on EPOLLERR / EPOLLNVAL conditions.
type ErrorCallback func()

// Channel is the binding between a descriptor and an event-interest mask.
// It must outlive every pending notification scheduled against it; callers
// hold it alongside (never instead of) the object that owns the descriptor.
type Channel struct {
	loop    *Loop
	fd      int
	events  poller.EventMask
	revents poller.EventMask
	index   int

	onRead  ReadCallback
	onWrite WriteCallback
	onClose CloseCallback
	onError ErrorCallback

	eventHandling bool
	addedToLoop   bool
}

// NewChannel creates a Channel for fd on the given loop. It starts with no
// interest registered; call EnableReading/EnableWriting to arm it.
func NewChannel(loop *Loop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: -1}
}

func (c *Channel) FD() int { return c.fd }

func (c *Channel) Events() poller.EventMask { return c.events }

// SetRevents records the events the poller last returned for this channel;
// the loop dispatches HandleEvent on this mask, not the interest mask.
func (c *Channel) SetRevents(m poller.EventMask) { c.revents = m }

func (c *Channel) SetIndex(idx int) { c.index = idx }

func (c *Channel) Index() int { return c.index }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.onRead = cb }
func (c *Channel) SetWriteCallback(cb WriteCallback) { c.onWrite = cb }
func (c *Channel) SetCloseCallback(cb CloseCallback) { c.onClose = cb }
func (c *Channel) SetErrorCallback(cb ErrorCallback) { c.onError = cb }

// IsWriting reports whether write-readiness is currently of interest.
func (c *Channel) IsWriting() bool { return c.events&poller.EventOut != 0 }

// IsReading reports whether read-readiness is currently of interest.
func (c *Channel) IsReading() bool { return c.events&poller.EventIn != 0 }

// EnableReading arms the read and priority interest bits and pushes the
// updated mask to the loop's poller.
func (c *Channel) EnableReading() {
	c.events |= poller.EventIn | poller.EventPri
	c.update()
}

// DisableReading clears read interest.
func (c *Channel) DisableReading() {
	c.events &^= poller.EventIn | poller.EventPri
	c.update()
}

// EnableWriting arms write interest.
func (c *Channel) EnableWriting() {
	c.events |= poller.EventOut
	c.update()
}

// DisableWriting clears write interest.
func (c *Channel) DisableWriting() {
	c.events &^= poller.EventOut
	c.update()
}

// DisableAll clears every interest bit (read and write).
func (c *Channel) DisableAll() {
	c.events = poller.EventNone
	c.update()
}

// IsNoneEvent reports whether the channel currently carries no interest.
func (c *Channel) IsNoneEvent() bool { return c.events == poller.EventNone }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove unregisters the channel from its loop's poller entirely. Must be
// called after disabling all interest.
func (c *Channel) Remove() {
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// HandleEvent dispatches revents in a fixed order: HUP-without-IN fires
// close and stops, NVAL logs and fires error, ERR fires error, IN|PRI|RDHUP
// fires read, OUT fires write.
func (c *Channel) HandleEvent(revents poller.EventMask, receiveTime time.Time) {
	if revents&poller.EventHup != 0 && revents&poller.EventIn == 0 {
		if c.onClose != nil {
			c.onClose()
		}
		return
	}
	if revents&poller.EventNval != 0 {
		glog.Warningf("reactor: channel fd=%d received POLLNVAL", c.fd)
	}
	if revents&(poller.EventErr|poller.EventNval) != 0 {
		if c.onError != nil {
			c.onError()
		}
	}
	if revents&(poller.EventIn|poller.EventPri|poller.EventRdHup) != 0 {
		if c.onRead != nil {
			c.onRead(receiveTime)
		}
	}
	if revents&poller.EventOut != 0 {
		if c.onWrite != nil {
			c.onWrite()
		}
	}
}

// File: internal/poller/poller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package poller defines a uniform interest-set interface over epoll, poll,
// and select. The backend is chosen at build time; all three report the
// same active channels for the same observable event stream. The order of
// channels within one Poll result is each backend's own (kernel order for
// epoll, slot order for poll, map iteration order for select).

package poller

import "time"

// EventMask is a platform-independent bitset of readiness conditions.
type EventMask uint32

const (
	EventNone  EventMask = 0
	EventIn    EventMask = 1 << iota
	EventPri
	EventOut
	EventErr
	EventHup
	EventRdHup
	EventNval
)

// Channel is the minimal view a Poller needs of a registered descriptor: its
// fd, the events it is currently interested in, a slot for the events the
// backend last returned, and a poller-private index slot used by
// implementations that need O(1) bookkeeping (epoll's New/Added/Deleted
// state, poll's slice index).
type Channel interface {
	FD() int
	Events() EventMask
	SetRevents(m EventMask)
	SetIndex(idx int)
	Index() int
}

// Poller multiplexes readiness across a set of registered channels.
type Poller interface {
	// Poll blocks up to timeout waiting for readiness, returning the time
	// it returned and the channels that became active.
	Poll(timeout time.Duration) (pollReturnTime time.Time, active []Channel, err error)

	// UpdateChannel pushes ch's current interest mask to the backend,
	// registering it if this is the first time it is seen.
	UpdateChannel(ch Channel) error

	// RemoveChannel unregisters ch entirely.
	RemoveChannel(ch Channel) error

	// HasChannel reports whether ch is currently registered.
	HasChannel(ch Channel) bool

	// Close releases the poller's own backing resources (epoll fd, etc).
	Close() error
}

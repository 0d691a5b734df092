// File: internal/reactor/new.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/poller"
)

// New constructs a Loop bound to the calling goroutine. The returned Loop
// must only be driven (via Loop.Loop) from that same goroutine thereafter.
func New() (*Loop, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}

	reader, writer, err := newWakeupFDs()
	if err != nil {
		p.Close()
		return nil, err
	}

	l := &Loop{
		threadID:     currentGoroutineID(),
		poller:       p,
		timerQueue:   NewTimerQueue(),
		wakeupReader: reader,
		wakeupWriter: writer,
		pendingTasks: queue.New(),
	}

	l.wakeupChan = NewChannel(l, reader)
	l.wakeupChan.SetReadCallback(func(_ time.Time) {
		drainWakeup(reader)
	})
	l.wakeupChan.EnableReading()

	return l, nil
}

func (l *Loop) wakeup() {
	if err := writeWakeup(l.wakeupWriter); err != nil {
		glog.Warningf("reactor: wakeup write: %v", err)
	}
}

// Close tears down the loop's poller and wakeup descriptors. Call only after
// Loop() has returned; the poller is being destroyed outright, so no channel
// bookkeeping happens here and Close is safe from any goroutine.
func (l *Loop) Close() error {
	closeWakeupFDs(l.wakeupReader, l.wakeupWriter)
	return l.poller.Close()
}

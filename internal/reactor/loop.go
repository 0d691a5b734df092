// File: internal/reactor/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package reactor implements the single-threaded event loop that drives a
// Poller, a TimerQueue, and a cross-thread pending-task queue. Each
// iteration polls, dispatches active channels, drains queued tasks, and
// ticks the timer queue.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/poller"
)

// pollTimeout bounds how long a single Poll call may block, so a cross-thread
// task that somehow missed the wakeup write still runs within this bound.
const pollTimeout = 10 * time.Second

// Task is a unit of work submitted to a Loop, either inline or cross-thread.
type Task func()

// Loop is a single-threaded reactor. It must be constructed and driven
// (Loop method) from the same goroutine; cross-thread submissions go through
// RunInLoop / QueueInLoop.
type Loop struct {
	threadID     uint64
	poller       poller.Poller
	timerQueue   *TimerQueue
	wakeupReader int
	wakeupWriter int
	wakeupChan   *Channel

	mu             sync.Mutex
	pendingTasks   *queue.Queue
	doingOtherTask bool

	looping      bool
	quitting     atomic.Bool
	iteration    uint64
	frameFunctor Task

	activeChannels []*Channel
}

// assertLoopThread aborts if a thread-restricted operation is invoked off
// the owning goroutine.
func (l *Loop) assertLoopThread() {
	if currentGoroutineID() != l.threadID {
		panic(fmt.Sprintf("reactor: loop invariant violated: operation invoked from thread %d, owned by %d",
			currentGoroutineID(), l.threadID))
	}
}

// IsLoopThread reports whether the calling goroutine owns this loop.
func (l *Loop) IsLoopThread() bool {
	return currentGoroutineID() == l.threadID
}

func (l *Loop) updateChannel(ch *Channel) {
	l.assertLoopThread()
	if err := l.poller.UpdateChannel(ch); err != nil {
		glog.Warningf("reactor: update channel fd=%d: %v", ch.FD(), err)
	}
}

func (l *Loop) removeChannel(ch *Channel) {
	l.assertLoopThread()
	if err := l.poller.RemoveChannel(ch); err != nil {
		glog.Warningf("reactor: remove channel fd=%d: %v", ch.FD(), err)
	}
}

// HasChannel reports whether ch is currently registered with this loop's
// poller.
func (l *Loop) HasChannel(ch *Channel) bool {
	return l.poller.HasChannel(ch)
}

// Loop runs the reactor's main iteration until Quit is called. It must be
// invoked on the thread that constructed the Loop.
func (l *Loop) Loop() {
	l.assertLoopThread()
	l.looping = true
	l.quitting.Store(false)
	glog.Infof("reactor: loop 0x%x starting", l.threadID)

	for !l.quitting.Load() {
		l.activeChannels = l.activeChannels[:0]

		pollReturnTime, active, err := l.poller.Poll(pollTimeout)
		if err != nil {
			glog.Warningf("reactor: poll error: %v", err)
			continue
		}
		for _, c := range active {
			if ch, ok := c.(*Channel); ok {
				l.activeChannels = append(l.activeChannels, ch)
			}
		}

		for _, ch := range l.activeChannels {
			ch.eventHandling = true
			ch.HandleEvent(ch.revents, pollReturnTime)
			ch.eventHandling = false
		}

		l.runPendingTasks()
		l.timerQueue.tick(time.Now())

		if l.frameFunctor != nil {
			l.frameFunctor()
		}

		l.iteration++
	}

	l.looping = false
	glog.Infof("reactor: loop 0x%x stopped", l.threadID)
}

func (l *Loop) runPendingTasks() {
	l.mu.Lock()
	l.doingOtherTask = true
	local := l.pendingTasks
	l.pendingTasks = queue.New()
	l.mu.Unlock()

	for local.Length() > 0 {
		t := local.Remove().(Task)
		t()
	}

	l.mu.Lock()
	l.doingOtherTask = false
	l.mu.Unlock()
}

// RunInLoop invokes task inline if called from the loop thread, otherwise
// queues it for the next iteration.
func (l *Loop) RunInLoop(task Task) {
	if l.IsLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue and wakes the loop if the
// caller is off-thread or the loop is currently draining its task queue
// (so a task queued from within another task still runs this cycle's wakeup,
// not an indefinite sleep).
func (l *Loop) QueueInLoop(task Task) {
	l.mu.Lock()
	l.pendingTasks.Add(task)
	shouldWake := !l.IsLoopThread() || l.doingOtherTask
	l.mu.Unlock()

	if shouldWake {
		l.wakeup()
	}
}

// Quit asks the loop to stop after its current iteration. Safe to call from
// any thread.
func (l *Loop) Quit() {
	l.quitting.Store(true)
	if !l.IsLoopThread() {
		l.wakeup()
	}
}

// AddTimer schedules cb to fire at when, repeating every interval up to
// repeatCount additional times (-1 for infinite, 0 for a plain one-shot when
// interval is also 0). The insertion itself is hopped onto the loop thread.
// Timers are checked once per iteration, after pending tasks, and Poll's
// timeout does not shorten for them: a timer fires on the first iteration
// that ends at or after when, which on an idle loop can be up to pollTimeout
// late.
func (l *Loop) AddTimer(cb TimerCallback, when time.Time, interval time.Duration, repeatCount int64) TimerID {
	var id TimerID
	done := make(chan struct{})
	l.RunInLoop(func() {
		id = l.timerQueue.addInLoop(cb, when, interval, repeatCount)
		close(done)
	})
	<-done
	return id
}

// CancelTimer soft-cancels a timer: it stays in the queue but will not fire.
func (l *Loop) CancelTimer(id TimerID) {
	l.RunInLoop(func() { l.timerQueue.cancelInLoop(id) })
}

// RemoveTimer hard-erases a timer from the queue.
func (l *Loop) RemoveTimer(id TimerID) {
	l.RunInLoop(func() { l.timerQueue.removeInLoop(id) })
}

// SetFrameFunctor installs a functor run once at the end of every loop
// iteration, after pending tasks and timers. Pass nil to clear it.
func (l *Loop) SetFrameFunctor(fn Task) {
	l.RunInLoop(func() { l.frameFunctor = fn })
}

// Iteration returns the number of completed loop iterations, for tests and
// diagnostics.
func (l *Loop) Iteration() uint64 { return l.iteration }

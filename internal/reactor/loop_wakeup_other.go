//go:build !linux

// File: internal/reactor/loop_wakeup_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-Linux platforms have no eventfd; fall back to a self-pipe.

package reactor

import "golang.org/x/sys/unix"

func newWakeupFDs() (reader int, writer int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	return fds[0], fds[1], nil
}

func writeWakeup(fd int) error {
	if _, err := unix.Write(fd, []byte{1}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func drainWakeup(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func closeWakeupFDs(reader, writer int) {
	unix.Close(reader)
	if writer != reader {
		unix.Close(writer)
	}
}

//go:build linux

// File: internal/reactor/loop_wakeup_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// On Linux the wakeup descriptor is a single eventfd.

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func newWakeupFDs() (reader int, writer int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, 0, err
	}
	return fd, fd, nil
}

func writeWakeup(fd int) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(fd, b[:]); err != nil && err != unix.EAGAIN {
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

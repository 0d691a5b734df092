// File: internal/reactor/goroutine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The loop's thread-affinity checks need a stable identity for "the
// goroutine that constructed this Loop". Go doesn't expose goroutine IDs,
// so this parses one out of the first line of a runtime.Stack dump.

package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if idx := bytes.IndexByte(b, ' '); idx >= 0 {
		b = b[:idx]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

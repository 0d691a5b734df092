// File: internal/bytebuffer/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package bytebuffer implements a growable read/write byte buffer with a
// small prepend region, modeled the way the reactor's connection layer wants
// to consume it: append at the tail, retrieve from the head, grow or slide
// in place instead of reallocating on every read.

package bytebuffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPrependSize reserves room at the front of the buffer so a
	// caller can stamp a header in front of already-appended data without
	// a copy.
	DefaultPrependSize = 8
	// DefaultInitialSize is the usable capacity of a freshly created buffer.
	DefaultInitialSize = 1024
	// extraBufferSize bounds the stack-local scratch buffer used by
	// ReadFromFD's scatter read.
	extraBufferSize = 65536
)

// ErrNothingToRetrieve is returned when RetrieveAsString is asked for more
// bytes than are currently readable. Retrieve itself clamps to the readable
// count instead.
var ErrNothingToRetrieve = errors.New("bytebuffer: retrieve exceeds readable bytes")

// Buffer is a contiguous byte region with a read cursor and a write cursor,
// read <= write <= len(data). It owns its storage exclusively; callers never
// hold a slice into it across a mutating call.
type Buffer struct {
	data       []byte
	readIndex  int
	writeIndex int
}

// New allocates a Buffer with the default prepend reserve and initial size.
func New() *Buffer {
	return NewSize(DefaultInitialSize)
}

// NewSize allocates a Buffer with a custom initial usable size.
func NewSize(initialSize int) *Buffer {
	b := &Buffer{
		data: make([]byte, DefaultPrependSize+initialSize),
	}
	b.readIndex = DefaultPrependSize
	b.writeIndex = DefaultPrependSize
	return b
}

// ReadableBytes returns how many bytes are available to retrieve.
func (b *Buffer) ReadableBytes() int { return b.writeIndex - b.readIndex }

// WritableBytes returns how many bytes can be appended without growing.
func (b *Buffer) WritableBytes() int { return len(b.data) - b.writeIndex }

// PrependableBytes returns how many bytes are free before the read cursor.
func (b *Buffer) PrependableBytes() int { return b.readIndex }

// Peek returns a borrowed view of the readable bytes. The view is only
// valid until the next mutating call on this Buffer.
func (b *Buffer) Peek() []byte {
	return b.data[b.readIndex:b.writeIndex]
}

// Retrieve advances the read cursor by n bytes, discarding them.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	if n < b.ReadableBytes() {
		b.readIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll discards every readable byte, resetting the cursors to the
// start of the prepend region so the buffer can reuse its storage.
func (b *Buffer) RetrieveAll() {
	b.readIndex = DefaultPrependSize
	b.writeIndex = DefaultPrependSize
}

// RetrieveAsString removes n bytes from the front and returns them as a
// freshly allocated string (a copy, since the backing array is reused).
func (b *Buffer) RetrieveAsString(n int) (string, error) {
	if n > b.ReadableBytes() {
		return "", ErrNothingToRetrieve
	}
	s := string(b.data[b.readIndex : b.readIndex+n])
	b.Retrieve(n)
	return s, nil
}

// RetrieveAllAsString drains the whole readable region as a string.
func (b *Buffer) RetrieveAllAsString() string {
	s, _ := b.RetrieveAsString(b.ReadableBytes())
	return s
}

// Append copies data onto the write end, growing or sliding as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.data[b.writeIndex:], data)
	b.writeIndex += len(data)
}

// AppendString is a convenience wrapper over Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// EnsureWritable guarantees at least n writable bytes are available,
// growing the backing array or sliding live data left when the combined
// prepend and writable space already covers the request.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()+b.WritableBytes() >= n+DefaultPrependSize {
		b.slideToFront()
		return
	}
	b.grow(n)
}

func (b *Buffer) slideToFront() {
	readable := b.ReadableBytes()
	copy(b.data[DefaultPrependSize:], b.data[b.readIndex:b.writeIndex])
	b.readIndex = DefaultPrependSize
	b.writeIndex = DefaultPrependSize + readable
}

func (b *Buffer) grow(n int) {
	readable := b.ReadableBytes()
	needed := DefaultPrependSize + readable + n
	newCap := len(b.data)
	if newCap == 0 {
		newCap = DefaultPrependSize + DefaultInitialSize
	}
	for newCap < needed {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown[DefaultPrependSize:], b.data[b.readIndex:b.writeIndex])
	b.data = grown
	b.readIndex = DefaultPrependSize
	b.writeIndex = DefaultPrependSize + readable
}

// ReadFromFD performs a scatter read: first into the buffer's writable
// tail, then into a 64 KiB stack-local extra buffer that is appended
// afterward if the tail filled up. One syscall covers bursty input while
// the steady-state buffer stays small.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	var extra [extraBufferSize]byte

	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.data[b.writeIndex:])
	if writable < extraBufferSize {
		iov = append(iov, extra[:])
	}

	n, err := unix.Readv(fd, iov)
	if n <= 0 {
		return n, err
	}

	if n <= writable {
		b.writeIndex += n
	} else {
		b.writeIndex = len(b.data)
		b.Append(extra[:n-writable])
	}
	return n, err
}

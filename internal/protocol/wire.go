// File: internal/protocol/wire.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package protocol implements the length-prefixed, little-endian binary
// framing and message body codec: fixed-width integers plus strings carried
// behind 7-bit varint length prefixes, every read bounds-checked against
// the remaining input.
package protocol

import (
	"encoding/binary"

	"github.com/momentics/filecache/internal/ioerrors"
)

// MaxBodySize is the largest legal body length; anything beyond it fails
// the connection as a framing violation.
const MaxBodySize = 50 * 1024 * 1024

// HeaderSize is the width of the le64 body-length header.
const HeaderSize = 8

// Writer accumulates an encoded message body.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer with room for a typical small message.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the accumulated body.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

func (w *Writer) WriteInt16(v int16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteInt32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteInt64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

// WriteVarintUint32 writes v using the 7-bit continuation encoding (low 7
// bits per byte, high bit set while more bytes follow), at most 5 bytes.
func (w *Writer) WriteVarintUint32(v uint32) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// WriteVarintUint64 is WriteVarintUint32's 64-bit counterpart, at most 10
// bytes.
func (w *Writer) WriteVarintUint64(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// WriteString writes a varint length prefix followed by the raw bytes.
func (w *Writer) WriteString(s string) {
	w.WriteVarintUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes a varint length prefix followed by the raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteVarintUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes an encoded message body, bounds-checking every read.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) ReadInt8() (int8, error) {
	if r.Remaining() < 1 {
		return 0, ioerrors.ErrFraming
	}
	v := int8(r.data[r.pos])
	r.pos++
	return v, nil
}

func (r *Reader) ReadInt16() (int16, error) {
	if r.Remaining() < 2 {
		return 0, ioerrors.ErrFraming
	}
	v := int16(binary.LittleEndian.Uint16(r.data[r.pos:]))
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, ioerrors.ErrFraming
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	if r.Remaining() < 8 {
		return 0, ioerrors.ErrFraming
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

// ReadVarintUint32 decodes a 7-bit-encoded length, rejecting anything
// requiring more than 5 bytes.
func (r *Reader) ReadVarintUint32() (uint32, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if r.Remaining() < 1 {
			return 0, ioerrors.ErrFraming
		}
		b := r.data[r.pos]
		r.pos++
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ioerrors.ErrFraming
}

// ReadVarintUint64 is ReadVarintUint32's 64-bit counterpart, rejecting
// anything requiring more than 10 bytes.
func (r *Reader) ReadVarintUint64() (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < 10; i++ {
		if r.Remaining() < 1 {
			return 0, ioerrors.ErrFraming
		}
		b := r.data[r.pos]
		r.pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ioerrors.ErrFraming
}

// ReadString decodes a varint length prefix followed by that many raw
// bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadVarintUint32()
	if err != nil {
		return "", err
	}
	if r.Remaining() < int(n) {
		return "", ioerrors.ErrFraming
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes decodes a varint length prefix followed by that many raw
// bytes, without a string copy.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadVarintUint32()
	if err != nil {
		return nil, err
	}
	if r.Remaining() < int(n) {
		return nil, ioerrors.ErrFraming
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

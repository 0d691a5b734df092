// File: internal/protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame peeling and encoding for the [le64 body_length][body] wire unit:
// peek the header, validate the length, wait for the rest, retire both.

package protocol

import (
	"encoding/binary"

	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/ioerrors"
)

// TryExtractFrame attempts to pull one complete frame's body out of buf.
// It returns (nil, nil) when the buffer does not yet hold a full frame; an
// error when the header is out of range (the caller must force-close the
// connection); otherwise the frame's body, with the header and body
// retired from buf.
func TryExtractFrame(buf *bytebuffer.Buffer) ([]byte, error) {
	if buf.ReadableBytes() < HeaderSize {
		return nil, nil
	}

	header := buf.Peek()[:HeaderSize]
	bodyLength := int64(binary.LittleEndian.Uint64(header))
	if bodyLength <= 0 || bodyLength > MaxBodySize {
		return nil, ioerrors.ErrFraming
	}

	if buf.ReadableBytes() < HeaderSize+int(bodyLength) {
		return nil, nil
	}

	buf.Retrieve(HeaderSize)
	body := make([]byte, bodyLength)
	copy(body, buf.Peek()[:bodyLength])
	buf.Retrieve(int(bodyLength))
	return body, nil
}

// EncodeFrame prepends the le64 body-length header to body, ready to Send.
func EncodeFrame(body []byte) []byte {
	framed := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint64(framed, uint64(len(body)))
	copy(framed[HeaderSize:], body)
	return framed
}

// File: internal/ioerrors/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package ioerrors names the error kinds the server distinguishes when
// deciding whether to retry, reset a session, close a connection, or give
// up at startup.

package ioerrors

import "errors"

var (
	// ErrFraming covers a malformed header, an oversize body, or a short
	// read on a declared length. The connection carrying it is force-closed.
	ErrFraming = errors.New("ioerrors: malformed or oversize frame")

	// ErrProtocol covers an unknown command, an empty digest, or an
	// in-flight-transfer collision. The connection carrying it is
	// force-closed.
	ErrProtocol = errors.New("ioerrors: protocol violation")

	// ErrFilesystem covers an open/seek/write/read failure on the
	// session's file. The session's file state is reset and the request is
	// answered with an unknown-error response; the connection stays open,
	// also when the same session fails again.
	ErrFilesystem = errors.New("ioerrors: filesystem operation failed")

	// ErrConfiguration covers a missing config key or a directory-creation
	// failure at startup. Fatal: the process exits 1.
	ErrConfiguration = errors.New("ioerrors: configuration error")
)

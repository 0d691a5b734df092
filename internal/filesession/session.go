// File: internal/filesession/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session is the per-connection file-transfer state machine: at most one
// open file handle at a time, upload and download mutually exclusive within
// a session, offsets resumable across requests.

package filesession

import (
	"io"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/ioerrors"
	"github.com/momentics/filecache/internal/protocol"
	"github.com/momentics/filecache/internal/tcp"
)

// Download chunk sizes by client network class.
const (
	broadbandChunkSize = 512 * 1024
	cellularChunkSize  = 64 * 1024
)

type fileMode int

const (
	modeNone fileMode = iota
	modeUpload
	modeDownload
)

// Session holds one connection's file-transfer state. It is only ever
// touched from its connection's owning loop (the message callback runs
// there), so it needs no internal locking.
type Session struct {
	manager *FileManager

	seq int32

	mode           fileMode
	file           *os.File
	uploading      bool
	uploadDigest   string
	downloadOffset int64
	downloadSize   int64
}

// NewSession constructs a fresh, idle session backed by manager.
func NewSession(manager *FileManager) *Session {
	return &Session{manager: manager}
}

// OnMessage is wired as a tcp.MessageCallback: it drains every complete
// frame currently buffered, dispatching each to the upload or download
// handler, and force-closes the connection on a framing or protocol
// violation.
func (s *Session) OnMessage(conn *tcp.TcpConnection, buf *bytebuffer.Buffer, _ time.Time) {
	for {
		body, err := protocol.TryExtractFrame(buf)
		if err != nil {
			glog.Warningf("filesession: framing error on %s: %v", conn.ID(), err)
			conn.ForceClose()
			return
		}
		if body == nil {
			return
		}

		req, err := protocol.DecodeRequest(body)
		if err != nil {
			glog.Warningf("filesession: protocol error on %s: %v", conn.ID(), err)
			conn.ForceClose()
			return
		}

		s.seq = req.Seq
		resp, err := s.dispatch(req)
		if err != nil {
			glog.Warningf("filesession: protocol misuse on %s: %v", conn.ID(), err)
			conn.ForceClose()
			return
		}
		if resp != nil {
			conn.Send(protocol.EncodeResponse(*resp))
		}
	}
}

// dispatch enforces the at-most-one-in-flight-transfer invariant before
// routing to the upload or download handler; a violation is reported as an
// error so the caller force-closes the connection rather than replying.
func (s *Session) dispatch(req *protocol.Request) (*protocol.Response, error) {
	if s.uploading && req.Cmd == protocol.CmdUploadReq && req.FileMD5 != s.uploadDigest {
		return nil, ioerrors.ErrProtocol
	}
	if s.uploading && req.Cmd == protocol.CmdDownloadReq {
		return nil, ioerrors.ErrProtocol
	}

	switch req.Cmd {
	case protocol.CmdUploadReq:
		return s.handleUpload(req), nil
	case protocol.CmdDownloadReq:
		return s.handleDownload(req), nil
	default:
		return nil, ioerrors.ErrProtocol
	}
}

// handleUpload writes one chunk at the request's offset. A digest the
// server already has completes immediately without touching the file; a
// zero offset opens (and truncates) the target; any later offset requires
// the handle opened earlier in this same session.
func (s *Session) handleUpload(req *protocol.Request) *protocol.Response {
	if req.FileMD5 == "" {
		return nil
	}

	if s.manager.Exists(req.FileMD5) && !s.uploading {
		return &protocol.Response{
			Cmd:      protocol.CmdUploadResp,
			Seq:      s.seq,
			Error:    protocol.ErrorComplete,
			FileMD5:  req.FileMD5,
			Offset:   req.FileSize,
			FileSize: req.FileSize,
		}
	}

	if req.Offset == 0 {
		s.closeFile()
		f, err := os.Create(s.manager.Path(req.FileMD5))
		if err != nil {
			glog.Warningf("filesession: create %s: %v", req.FileMD5, err)
			return s.failUpload(req)
		}
		s.file = f
		s.mode = modeUpload
		s.uploading = true
		s.uploadDigest = req.FileMD5
	} else {
		if s.file == nil || s.mode != modeUpload {
			s.resetFile()
			glog.Warningf("filesession: upload at offset %d with no open handle, digest=%s", req.Offset, req.FileMD5)
			return s.failUpload(req)
		}
	}

	if _, err := s.file.Seek(req.Offset, io.SeekStart); err != nil {
		glog.Warningf("filesession: seek %s: %v", req.FileMD5, err)
		return s.failUpload(req)
	}
	if _, err := s.file.Write(req.FileData); err != nil {
		glog.Warningf("filesession: write %s: %v", req.FileMD5, err)
		return s.failUpload(req)
	}
	if err := s.file.Sync(); err != nil {
		glog.Warningf("filesession: sync %s: %v", req.FileMD5, err)
		return s.failUpload(req)
	}

	newOffset := req.Offset + int64(len(req.FileData))
	if newOffset == req.FileSize {
		s.manager.Add(req.FileMD5)
		s.resetFile()
		return &protocol.Response{
			Cmd:      protocol.CmdUploadResp,
			Seq:      s.seq,
			Error:    protocol.ErrorComplete,
			FileMD5:  req.FileMD5,
			Offset:   req.FileSize,
			FileSize: req.FileSize,
		}
	}

	return &protocol.Response{
		Cmd:      protocol.CmdUploadResp,
		Seq:      s.seq,
		Error:    protocol.ErrorProgress,
		FileMD5:  req.FileMD5,
		Offset:   newOffset,
		FileSize: req.FileSize,
	}
}

// failUpload resets the session's file state and reports failure without
// force-closing the connection, however often the session fails; only
// protocol misuse rejected by dispatch closes it.
func (s *Session) failUpload(req *protocol.Request) *protocol.Response {
	s.resetFile()
	return &protocol.Response{
		Cmd:      protocol.CmdUploadResp,
		Seq:      s.seq,
		Error:    protocol.ErrorUnknown,
		FileMD5:  req.FileMD5,
		Offset:   0,
		FileSize: req.FileSize,
	}
}

// handleDownload serves one chunk per request. The first request opens the
// file and measures it; each subsequent request advances the session's
// offset by one network-class-sized chunk until the final chunk reports
// completion. Empty files are not downloadable.
func (s *Session) handleDownload(req *protocol.Request) *protocol.Response {
	if req.FileMD5 == "" {
		return nil
	}

	if !s.manager.Exists(req.FileMD5) {
		return &protocol.Response{
			Cmd:     protocol.CmdDownloadResp,
			Seq:     s.seq,
			Error:   protocol.ErrorNotExist,
			FileMD5: req.FileMD5,
		}
	}

	if s.file == nil {
		f, err := os.Open(s.manager.Path(req.FileMD5))
		if err != nil {
			glog.Warningf("filesession: open %s: %v", req.FileMD5, err)
			return s.failDownload(req)
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil || size <= 0 {
			f.Close()
			glog.Warningf("filesession: invalid size for %s: %v", req.FileMD5, err)
			return s.failDownload(req)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return s.failDownload(req)
		}
		s.file = f
		s.mode = modeDownload
		s.downloadSize = size
		s.downloadOffset = 0
	}

	chunkSize := int64(broadbandChunkSize)
	if req.ClientNetType == protocol.NetCellular {
		chunkSize = cellularChunkSize
	}
	remaining := s.downloadSize - s.downloadOffset
	if chunkSize > remaining {
		chunkSize = remaining
	}

	data := make([]byte, chunkSize)
	if chunkSize > 0 {
		if _, err := io.ReadFull(s.file, data); err != nil {
			glog.Warningf("filesession: read %s: %v", req.FileMD5, err)
			return s.failDownload(req)
		}
	}

	sendOffset := s.downloadOffset
	s.downloadOffset += chunkSize

	errCode := protocol.ErrorProgress
	if s.downloadOffset == s.downloadSize {
		errCode = protocol.ErrorComplete
	}

	resp := &protocol.Response{
		Cmd:      protocol.CmdDownloadResp,
		Seq:      s.seq,
		Error:    errCode,
		FileMD5:  req.FileMD5,
		Offset:   sendOffset,
		FileSize: s.downloadSize,
		FileData: data,
	}

	if errCode == protocol.ErrorComplete {
		s.resetFile()
	}
	return resp
}

func (s *Session) failDownload(req *protocol.Request) *protocol.Response {
	s.resetFile()
	return &protocol.Response{
		Cmd:     protocol.CmdDownloadResp,
		Seq:     s.seq,
		Error:   protocol.ErrorUnknown,
		FileMD5: req.FileMD5,
	}
}

func (s *Session) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// resetFile closes any open handle and clears all transfer state.
func (s *Session) resetFile() {
	s.closeFile()
	s.mode = modeNone
	s.uploading = false
	s.uploadDigest = ""
	s.downloadOffset = 0
	s.downloadSize = 0
}

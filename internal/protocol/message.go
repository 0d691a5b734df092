// File: internal/protocol/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message types and codec for the file-session dispatch. Requests carry
// (cmd, seq, filemd5, offset, filesize, filedata) with a trailing net-type
// field on downloads; responses insert an errorcode after seq.

package protocol

import "github.com/momentics/filecache/internal/ioerrors"

// Cmd identifies a message's purpose on the wire.
type Cmd int32

const (
	CmdUploadReq    Cmd = 1
	CmdUploadResp   Cmd = 2
	CmdDownloadReq  Cmd = 3
	CmdDownloadResp Cmd = 4
)

// ErrorCode reports a response's outcome.
type ErrorCode int32

const (
	ErrorUnknown  ErrorCode = 0
	ErrorProgress ErrorCode = 1
	ErrorComplete ErrorCode = 2
	ErrorNotExist ErrorCode = 3
)

// NetType classifies the client's connection for chunk-size selection.
type NetType int32

const (
	NetBroadband NetType = 0
	NetCellular  NetType = 1
)

// Request is a decoded upload_req or download_req. ClientNetType is only
// meaningful when Cmd == CmdDownloadReq.
type Request struct {
	Cmd           Cmd
	Seq           int32
	FileMD5       string
	Offset        int64
	FileSize      int64
	FileData      []byte
	ClientNetType NetType
}

// DecodeRequest parses a frame body into a Request. The client_net_type
// field is present only on download requests.
func DecodeRequest(body []byte) (*Request, error) {
	r := NewReader(body)

	cmd, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	seq, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	filemd5, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	offset, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	filesize, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	filedata, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}

	req := &Request{
		Cmd:      Cmd(cmd),
		Seq:      seq,
		FileMD5:  filemd5,
		Offset:   offset,
		FileSize: filesize,
		FileData: filedata,
	}

	switch req.Cmd {
	case CmdUploadReq:
		if req.FileMD5 == "" {
			return nil, ioerrors.ErrProtocol
		}
	case CmdDownloadReq:
		netType, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		req.ClientNetType = NetType(netType)
		if req.FileMD5 == "" {
			return nil, ioerrors.ErrProtocol
		}
	default:
		return nil, ioerrors.ErrProtocol
	}

	return req, nil
}

// Response is an upload_resp or download_resp, encoded with EncodeResponse.
type Response struct {
	Cmd      Cmd
	Seq      int32
	Error    ErrorCode
	FileMD5  string
	Offset   int64
	FileSize int64
	FileData []byte
}

// EncodeResponse serializes resp as (cmd, seq, errorcode, filemd5, offset,
// filesize, filedata), framed with its le64 header and ready to Send.
func EncodeResponse(resp Response) []byte {
	w := NewWriter()
	w.WriteInt32(int32(resp.Cmd))
	w.WriteInt32(resp.Seq)
	w.WriteInt32(int32(resp.Error))
	w.WriteString(resp.FileMD5)
	w.WriteInt64(resp.Offset)
	w.WriteInt64(resp.FileSize)
	w.WriteBytes(resp.FileData)
	return EncodeFrame(w.Bytes())
}

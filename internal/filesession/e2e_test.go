// File: internal/filesession/e2e_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end tests driving a real reactor.Loop + tcp.TcpServer + Session
// stack over loopback TCP: malformed headers, chunked uploads, idempotent
// reuploads, unknown-digest downloads, cellular chunking, and concurrent
// clients.

package filesession

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/protocol"
	"github.com/momentics/filecache/internal/reactor"
	"github.com/momentics/filecache/internal/tcp"
)

// testServer wires a base loop, a TcpServer, and a FileManager the way
// cmd/fileserver's main does, listening on an ephemeral loopback port.
type testServer struct {
	t        *testing.T
	baseLoop *reactor.Loop
	srv      *tcp.TcpServer
	manager  *FileManager
	addr     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	manager := NewFileManager(dir)

	loopCh := make(chan *reactor.Loop, 1)
	errCh := make(chan error, 1)
	go func() {
		l, err := reactor.New()
		if err != nil {
			errCh <- err
			return
		}
		loopCh <- l
		l.Loop()
	}()

	var baseLoop *reactor.Loop
	select {
	case baseLoop = <-loopCh:
	case err := <-errCh:
		t.Fatalf("new base loop: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out starting base loop")
	}

	srv, err := tcp.NewTcpServer(baseLoop, tcp.Options{IP: "127.0.0.1", Port: 0, NumLoops: 2})
	if err != nil {
		t.Fatalf("new tcp server: %v", err)
	}

	srv.SetConnectionCallback(func(conn *tcp.TcpConnection) {
		if conn.Connected() {
			conn.Session = NewSession(manager)
		}
	})
	srv.SetMessageCallback(func(conn *tcp.TcpConnection, buf *bytebuffer.Buffer, receiveTime time.Time) {
		sess, ok := conn.Session.(*Session)
		if !ok || sess == nil {
			conn.ForceClose()
			return
		}
		sess.OnMessage(conn, buf, receiveTime)
	})

	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The listening socket is bound synchronously inside NewTcpServer, so
	// the ephemeral port is already known; Start only arms read interest.
	addr := srv.ListenAddr()
	if addr == "" {
		t.Fatal("server never reported a listen address")
	}

	ts := &testServer{t: t, baseLoop: baseLoop, srv: srv, manager: manager, addr: addr}
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) close() {
	ts.srv.Stop()
	ts.baseLoop.Quit()
	ts.baseLoop.Close()
}

func (ts *testServer) dial() net.Conn {
	ts.t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
	if err != nil {
		ts.t.Fatalf("dial %s: %v", ts.addr, err)
	}
	return conn
}

// --- wire helpers mirroring internal/protocol's own encoding, built
// directly here so the test acts as an independent client rather than
// reusing the server's own encoder for its assertions. ---

func sendRaw(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, uint64(len(body)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func encodeVarint(n uint64) []byte {
	var buf []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if n == 0 {
			break
		}
	}
	return buf
}

func encodeUploadReq(seq int32, digest string, offset, filesize int64, data []byte) []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(protocol.CmdUploadReq))
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], uint32(seq))
	buf.Write(tmp[:4])
	buf.Write(encodeVarint(uint64(len(digest))))
	buf.WriteString(digest)
	binary.LittleEndian.PutUint64(tmp[:8], uint64(offset))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(filesize))
	buf.Write(tmp[:8])
	buf.Write(encodeVarint(uint64(len(data))))
	buf.Write(data)
	return buf.Bytes()
}

func encodeDownloadReq(seq int32, digest string, netType protocol.NetType) []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(protocol.CmdDownloadReq))
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], uint32(seq))
	buf.Write(tmp[:4])
	buf.Write(encodeVarint(uint64(len(digest))))
	buf.WriteString(digest)
	binary.LittleEndian.PutUint64(tmp[:8], 0) // offset, unused by download_req
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], 0) // filesize, unused by download_req
	buf.Write(tmp[:8])
	buf.Write(encodeVarint(0)) // empty filedata
	binary.LittleEndian.PutUint32(tmp[:4], uint32(netType))
	buf.Write(tmp[:4])
	return buf.Bytes()
}

type decodedResponse struct {
	cmd      int32
	seq      int32
	errCode  int32
	fileMD5  string
	offset   int64
	fileSize int64
	data     []byte
}

func readVarint(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

func readResponse(t *testing.T, conn net.Conn) decodedResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, 8)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	bodyLen := binary.LittleEndian.Uint64(header)
	body := make([]byte, bodyLen)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}

	r := bytes.NewReader(body)
	var resp decodedResponse

	var tmp [8]byte
	readN(t, r, tmp[:4])
	resp.cmd = int32(binary.LittleEndian.Uint32(tmp[:4]))
	readN(t, r, tmp[:4])
	resp.seq = int32(binary.LittleEndian.Uint32(tmp[:4]))
	readN(t, r, tmp[:4])
	resp.errCode = int32(binary.LittleEndian.Uint32(tmp[:4]))

	mdLen, err := readVarint(r)
	if err != nil {
		t.Fatalf("read filemd5 length: %v", err)
	}
	md := make([]byte, mdLen)
	readN(t, r, md)
	resp.fileMD5 = string(md)

	readN(t, r, tmp[:8])
	resp.offset = int64(binary.LittleEndian.Uint64(tmp[:8]))
	readN(t, r, tmp[:8])
	resp.fileSize = int64(binary.LittleEndian.Uint64(tmp[:8]))

	dataLen, err := readVarint(r)
	if err != nil {
		t.Fatalf("read filedata length: %v", err)
	}
	data := make([]byte, dataLen)
	readN(t, r, data)
	resp.data = data

	return resp
}

func readN(t *testing.T, r *bytes.Reader, buf []byte) {
	t.Helper()
	if err := readNPlain(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", len(buf), err)
	}
}

// readNPlain is readN without the *testing.T dependency, safe to call from
// a non-test goroutine (t.Fatalf may only be invoked from the goroutine
// running the test itself).
func readNPlain(r *bytes.Reader, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := r.Read(buf)
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestE1MalformedHeaderForceCloses(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial()
	defer conn.Close()

	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, 0) // body_length == 0, illegal
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection to be force-closed (EOF), got n=%d err=%v", n, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.NumConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ts.srv.NumConnections(); got != 0 {
		t.Fatalf("expected server to drop the connection, %d still tracked", got)
	}
}

func TestE2TwoChunkUploadProgressThenComplete(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial()
	defer conn.Close()

	digest := "d41d8cd98f00b204e9800998ecf8427e"
	chunk := bytes.Repeat([]byte{0xAB}, 512*1024)
	total := int64(len(chunk) * 2)

	sendRaw(t, conn, encodeUploadReq(1, digest, 0, total, chunk))
	r1 := readResponse(t, conn)
	if r1.errCode != int32(protocol.ErrorProgress) || r1.offset != int64(len(chunk)) {
		t.Fatalf("expected progress at %d, got err=%d offset=%d", len(chunk), r1.errCode, r1.offset)
	}

	sendRaw(t, conn, encodeUploadReq(2, digest, int64(len(chunk)), total, chunk))
	r2 := readResponse(t, conn)
	if r2.errCode != int32(protocol.ErrorComplete) || r2.offset != total {
		t.Fatalf("expected complete at %d, got err=%d offset=%d", total, r2.errCode, r2.offset)
	}

	data, err := os.ReadFile(ts.manager.Path(digest))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if int64(len(data)) != total {
		t.Fatalf("expected file of size %d, got %d", total, len(data))
	}
}

func TestE3ReuploadKnownDigestIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	digest := "knowndigest"
	if err := os.WriteFile(ts.manager.Path(digest), []byte("prior"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	ts.manager.Add(digest)

	conn := ts.dial()
	defer conn.Close()

	sendRaw(t, conn, encodeUploadReq(7, digest, 0, 5, nil))
	resp := readResponse(t, conn)
	if resp.errCode != int32(protocol.ErrorComplete) || resp.offset != 5 {
		t.Fatalf("expected immediate complete, got err=%d offset=%d", resp.errCode, resp.offset)
	}
}

func TestE4DownloadUnknownDigestRespondsNotExist(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial()
	defer conn.Close()

	sendRaw(t, conn, encodeDownloadReq(1, "neverseen", protocol.NetBroadband))
	resp := readResponse(t, conn)
	if resp.errCode != int32(protocol.ErrorNotExist) || resp.offset != 0 || resp.fileSize != 0 {
		t.Fatalf("expected not_exist with zero offsets, got err=%d offset=%d size=%d", resp.errCode, resp.offset, resp.fileSize)
	}
}

func TestE5CellularDownloadChunking(t *testing.T) {
	ts := newTestServer(t)
	digest := "cellular-digest"
	size := 200_000
	payload := bytes.Repeat([]byte{0x5A}, size)
	if err := os.WriteFile(ts.manager.Path(digest), payload, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	ts.manager.Add(digest)

	conn := ts.dial()
	defer conn.Close()

	wantSizes := []int{65536, 65536, 65536, 3392}
	var offset int64
	for i, want := range wantSizes {
		sendRaw(t, conn, encodeDownloadReq(int32(i), digest, protocol.NetCellular))
		resp := readResponse(t, conn)
		if len(resp.data) != want {
			t.Fatalf("chunk %d: expected %d bytes, got %d", i, want, len(resp.data))
		}
		if resp.offset != offset {
			t.Fatalf("chunk %d: expected offset %d, got %d", i, offset, resp.offset)
		}
		offset += int64(len(resp.data))
		isLast := i == len(wantSizes)-1
		if isLast && resp.errCode != int32(protocol.ErrorComplete) {
			t.Fatalf("expected final chunk to report complete, got %d", resp.errCode)
		}
		if !isLast && resp.errCode != int32(protocol.ErrorProgress) {
			t.Fatalf("expected non-final chunk to report progress, got %d", resp.errCode)
		}
	}
}

func TestE6ConcurrentUploadsAllComplete(t *testing.T) {
	ts := newTestServer(t)

	const numClients = 64
	const blobSize = 64 * 1024

	var wg sync.WaitGroup
	errs := make(chan error, numClients)
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
			if err != nil {
				errs <- fmt.Errorf("client %d dial: %w", i, err)
				return
			}
			defer conn.Close()

			digest := fmt.Sprintf("client-%03d", i)
			blob := bytes.Repeat([]byte{byte(i)}, blobSize)

			header := make([]byte, 8)
			body := encodeUploadReq(0, digest, 0, int64(blobSize), blob)
			binary.LittleEndian.PutUint64(header, uint64(len(body)))
			if _, err := conn.Write(append(header, body...)); err != nil {
				errs <- fmt.Errorf("client %d write: %w", i, err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			respHeader := make([]byte, 8)
			if _, err := readFull(conn, respHeader); err != nil {
				errs <- fmt.Errorf("client %d read header: %w", i, err)
				return
			}
			respBodyLen := binary.LittleEndian.Uint64(respHeader)
			respBody := make([]byte, respBodyLen)
			if _, err := readFull(conn, respBody); err != nil {
				errs <- fmt.Errorf("client %d read body: %w", i, err)
				return
			}

			r := bytes.NewReader(respBody)
			var tmp [8]byte
			if err := readNPlain(r, tmp[:4]); err != nil { // cmd
				errs <- fmt.Errorf("client %d: read cmd: %w", i, err)
				return
			}
			if err := readNPlain(r, tmp[:4]); err != nil { // seq
				errs <- fmt.Errorf("client %d: read seq: %w", i, err)
				return
			}
			if err := readNPlain(r, tmp[:4]); err != nil { // errcode
				errs <- fmt.Errorf("client %d: read errcode: %w", i, err)
				return
			}
			errCode := int32(binary.LittleEndian.Uint32(tmp[:4]))
			if errCode != int32(protocol.ErrorComplete) {
				errs <- fmt.Errorf("client %d: expected complete, got errcode %d", i, errCode)
				return
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	entries, err := os.ReadDir(ts.manager.baseDir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != numClients {
		t.Fatalf("expected %d files on disk, got %d", numClients, len(entries))
	}

	deadline := time.Now().Add(3 * time.Second)
	for ts.srv.NumConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.srv.NumConnections(); got != 0 {
		t.Fatalf("expected connection table to drain, %d still tracked", got)
	}
}

package bytebuffer

import "testing"

func TestAppendRetrieve(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	if b.ReadableBytes() != 5 {
		t.Fatalf("expected 5 readable bytes, got %d", b.ReadableBytes())
	}
	s, err := b.RetrieveAsString(5)
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Fatalf("expected hello, got %q", s)
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("expected buffer drained, got %d readable", b.ReadableBytes())
	}
}

func TestRetrieveExceedingReadable(t *testing.T) {
	b := New()
	b.Append([]byte("ab"))
	if _, err := b.RetrieveAsString(3); err != ErrNothingToRetrieve {
		t.Fatalf("expected ErrNothingToRetrieve, got %v", err)
	}
}

func TestEnsureWritableGrowsAndPreservesData(t *testing.T) {
	b := NewSize(4)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.Append(payload)
	if b.ReadableBytes() != len(payload) {
		t.Fatalf("expected %d readable bytes, got %d", len(payload), b.ReadableBytes())
	}
	got := b.Peek()
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d corrupted after grow: want %d got %d", i, payload[i], got[i])
		}
	}
}

func TestSlideToFrontReclaimsPrependSpace(t *testing.T) {
	b := NewSize(16)
	b.Append([]byte("0123456789abcdef"))
	b.Retrieve(10)
	// Writable space is now exhausted but prepend + writable together cover
	// a small append, so this should slide rather than reallocate.
	b.Append([]byte("XY"))
	if got := string(b.Peek()); got != "abcdefXY" {
		t.Fatalf("expected abcdefXY, got %q", got)
	}
}

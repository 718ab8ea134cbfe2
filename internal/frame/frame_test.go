package frame

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 4096),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := WriteLengthPrefixed(&buf, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadLengthPrefixed(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) && !(len(got) == 0 && len(payload) == 0) {
			t.Fatalf("round trip mismatch: got %v want %v", got, payload)
		}
	}
}

func TestReadLengthPrefixedTooLarge(t *testing.T) {
	var hdr [4]byte
	hdr[0] = 0xFF
	hdr[1] = 0xFF
	hdr[2] = 0xFF
	hdr[3] = 0xFF
	_, err := ReadLengthPrefixed(bytes.NewReader(hdr[:]))
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadLengthPrefixedTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLengthPrefixed(&buf, []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadLengthPrefixed(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestContentLengthRoundTrip(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0"}`)
	var buf bytes.Buffer
	if err := WriteContentLength(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadContentLength(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %s want %s", got, payload)
	}
}

func TestReadContentLengthMissingHeader(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\n"))
	if _, err := ReadContentLength(r); err == nil {
		t.Fatalf("expected error for missing Content-Length header")
	}
}

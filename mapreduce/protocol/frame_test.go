package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte("a"),
		[]byte("bonjour"),
		bytes.Repeat([]byte{0x00, 0xff}, 1024),
	}
	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", len(p), err)
		}
	}
	for _, p := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(p))
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("after all frames: got %v, want io.EOF", err)
	}
}

func TestReadFrameCleanCloseAtBoundary(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("empty stream: got %v, want io.EOF", err)
	}
}

func TestReadFrameTruncatedLengthPrefix(t *testing.T) {
	for n := 1; n < 4; n++ {
		_, err := ReadFrame(bytes.NewReader(make([]byte, n)))
		if !errors.Is(err, ErrTruncatedFrame) {
			t.Errorf("%d header bytes: got %v, want ErrTruncatedFrame", n, err)
		}
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("bonjour")); err != nil {
		t.Fatal(err)
	}
	for cut := 4; cut < buf.Len(); cut++ {
		_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:cut]))
		if !errors.Is(err, ErrTruncatedFrame) {
			t.Errorf("cut at %d: got %v, want ErrTruncatedFrame", cut, err)
		}
	}
}

func TestReadFrameRejectsAbsurdLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestAppendFrameMatchesWriteFrame(t *testing.T) {
	var direct bytes.Buffer
	if err := WriteFrame(&direct, []byte("foo")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&direct, []byte("bar")); err != nil {
		t.Fatal(err)
	}

	var appended []byte
	appended = AppendFrame(appended, []byte("foo"))
	appended = AppendFrame(appended, []byte("bar"))

	if !bytes.Equal(appended, direct.Bytes()) {
		t.Errorf("AppendFrame output %x differs from WriteFrame output %x", appended, direct.Bytes())
	}
}

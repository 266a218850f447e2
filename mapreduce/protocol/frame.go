package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the declared payload length of a single frame.
// The length field allows up to 2^32-1 but anything near that is a
// corrupt or hostile stream, not a word.
const MaxFrameSize = 1 << 30

var (
	// ErrTruncatedFrame reports a connection that closed after a frame
	// was partially received, either inside the 4-byte length prefix or
	// inside the payload.
	ErrTruncatedFrame = errors.New("protocol: connection closed mid-frame")

	// ErrFrameTooLarge reports a declared length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame length exceeds limit")
)

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// payload. Header and payload go out in a single Write so two frames
// from the same writer never interleave on the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// AppendFrame appends the encoded form of a frame to dst and returns
// the extended buffer. Senders that batch multiple frames before a
// single socket write build their pending buffers with this.
func AppendFrame(dst []byte, payload []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadFrame blocks until a complete frame has been read and returns its
// payload. A clean close exactly on a frame boundary yields io.EOF; a
// close anywhere inside a frame yields ErrTruncatedFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return payload, nil
}

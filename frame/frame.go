// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the length-prefixed framing used on peer links.
//
// Each frame is a 4-byte big-endian unsigned length followed by exactly that
// many bytes of payload. A payload is a single self-describing document, so no
// other framing is needed. Zero-length frames are not permitted.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size in bytes of the length prefix of a frame.
const HeaderLen = 4

// DefaultMaxSize is the largest payload accepted when no other limit is set.
const DefaultMaxSize = 16 << 20

var (
	// ErrEmptyFrame is reported for a frame with a zero length prefix.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrFrameTooLarge is reported for a frame whose length prefix exceeds
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

func checkSize(n uint32, max int) error {
	if n == 0 {
		return ErrEmptyFrame
	} else if max <= 0 {
		max = DefaultMaxSize
	}
	if uint64(n) > uint64(max) {
		return fmt.Errorf("%w (%d > %d bytes)", ErrFrameTooLarge, n, max)
	}
	return nil
}

// Append appends a frame containing payload to buf and returns the updated
// slice. It panics if payload is empty or too long to represent.
func Append(buf, payload []byte) []byte {
	if len(payload) == 0 {
		panic("frame: empty payload")
	} else if uint64(len(payload)) > 1<<32-1 {
		panic("frame: payload too long")
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// Write writes a single frame containing payload to w.
func Write(w io.Writer, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyFrame
	}
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	nw, err := w.Write(hdr[:])
	if err == nil {
		var np int
		np, err = w.Write(payload)
		nw += np
	}
	return int64(nw), err
}

// Read reads a single frame from r and returns its payload. If max > 0, it
// bounds the size of the payload; otherwise DefaultMaxSize is used.
func Read(r io.Reader, max int) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short frame header: %w", err)
		}
		return nil, err // including io.EOF at a frame boundary
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if err := checkSize(size, max); err != nil {
		return nil, err
	}
	payload := make([]byte, int(size))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return payload, nil
}

// A Buffer accumulates bytes arriving in arbitrary chunks and splits them
// into complete payloads. The zero value is ready for use with the default
// size limit.
//
// A Buffer is not safe for concurrent use. Once Feed reports an error the
// buffer is unusable, and all further calls report the same error.
type Buffer struct {
	// Max, if positive, is the largest payload the buffer will accept.
	Max int

	buf  []byte
	need int // payload length of the current frame, or 0 if not yet known
	err  error
}

// Feed appends data to the buffer and returns all the payloads completed by
// it, in order. Payloads returned by Feed do not alias data or the internal
// buffer. A partial frame at the end of data is retained for the next call.
//
// If the buffer contains an invalid length prefix, Feed returns the payloads
// completed before it along with an error.
func (b *Buffer) Feed(data []byte) ([][]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.buf = append(b.buf, data...)

	var out [][]byte
	for {
		if b.need == 0 {
			if len(b.buf) < HeaderLen {
				break
			}
			size := binary.BigEndian.Uint32(b.buf)
			if err := checkSize(size, b.Max); err != nil {
				b.err = err
				b.buf = nil
				return out, err
			}
			b.need = int(size)
			b.buf = b.buf[HeaderLen:]
		}
		if len(b.buf) < b.need {
			break
		}
		out = append(out, append([]byte(nil), b.buf[:b.need]...))
		b.buf = b.buf[b.need:]
		b.need = 0
	}

	// Reclaim the consumed prefix once the buffer is drained.
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}
	return out, nil
}

// Len reports the number of buffered bytes not yet returned as payloads,
// including the header of a partially-received frame.
func (b *Buffer) Len() int {
	if b.need != 0 {
		return len(b.buf) + HeaderLen
	}
	return len(b.buf)
}

// Reset discards any buffered data and clears an error state.
func (b *Buffer) Reset() { b.buf, b.need, b.err = nil, 0, nil }

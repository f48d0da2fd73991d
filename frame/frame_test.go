// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package frame_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/cbcast/frame"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func TestAppend(t *testing.T) {
	got := frame.Append(nil, []byte("abc"))
	got = frame.Append(got, []byte("de"))
	const want = "\x00\x00\x00\x03abc\x00\x00\x00\x02de"
	if string(got) != want {
		t.Errorf("Append: got %q, want %q", got, want)
	}

	mtest.MustPanic(t, func() { frame.Append(nil, nil) })
}

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	payloads := []string{"hello", strings.Repeat("x", 5000), "{}"}
	for _, p := range payloads {
		if _, err := frame.Write(&buf, []byte(p)); err != nil {
			t.Fatalf("Write %q: %v", p, err)
		}
	}
	for _, want := range payloads {
		got, err := frame.Read(&buf, 0)
		if err != nil {
			t.Fatalf("Read: unexpected error: %v", err)
		}
		if string(got) != want {
			t.Errorf("Read: got %q, want %q", got, want)
		}
	}
	if got, err := frame.Read(&buf, 0); err != io.EOF {
		t.Errorf("Read at end: got (%q, %v), want EOF", got, err)
	}

	if _, err := frame.Write(&buf, nil); !errors.Is(err, frame.ErrEmptyFrame) {
		t.Errorf("Write empty: got %v, want %v", err, frame.ErrEmptyFrame)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  error
	}{
		{"ShortHeader", "\x00\x00", 0, io.ErrUnexpectedEOF},
		{"ShortPayload", "\x00\x00\x00\x05abc", 0, io.ErrUnexpectedEOF},
		{"Empty", "\x00\x00\x00\x00", 0, frame.ErrEmptyFrame},
		{"TooLarge", "\x00\x00\x01\x00", 10, frame.ErrFrameTooLarge},
		{"DefaultLimit", "\xff\xff\xff\xff", 0, frame.ErrFrameTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := frame.Read(strings.NewReader(tc.input), tc.max)
			if !errors.Is(err, tc.want) {
				t.Errorf("Read: got (%q, %v), want %v", got, err, tc.want)
			}
		})
	}
}

// Every way of splitting a stream of frames into two chunks, and feeding the
// stream one byte at a time, must yield the same payloads.
func TestBufferChunking(t *testing.T) {
	want := []string{"alpha", "b", "gamma delta", strings.Repeat("z", 300)}
	var stream []byte
	for _, s := range want {
		stream = frame.Append(stream, []byte(s))
	}

	feed := func(t *testing.T, chunks ...[]byte) []string {
		t.Helper()
		var b frame.Buffer
		var got []string
		for _, c := range chunks {
			ps, err := b.Feed(c)
			if err != nil {
				t.Fatalf("Feed: unexpected error: %v", err)
			}
			for _, p := range ps {
				got = append(got, string(p))
			}
		}
		if n := b.Len(); n != 0 {
			t.Errorf("Buffer has %d bytes left over", n)
		}
		return got
	}

	for i := 0; i <= len(stream); i++ {
		got := feed(t, stream[:i], stream[i:])
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Split at %d: payloads (-want, +got):\n%s", i, diff)
		}
	}

	var single [][]byte
	for i := range stream {
		single = append(single, stream[i:i+1])
	}
	if diff := cmp.Diff(want, feed(t, single...)); diff != "" {
		t.Errorf("Bytewise: payloads (-want, +got):\n%s", diff)
	}
}

func TestBufferPartial(t *testing.T) {
	var b frame.Buffer
	ps, err := b.Feed([]byte("\x00\x00\x00\x05ab"))
	if err != nil || len(ps) != 0 {
		t.Fatalf("Feed partial: got (%q, %v), want no payloads", ps, err)
	}
	if got := b.Len(); got != 6 {
		t.Errorf("Len: got %d, want 6", got)
	}
	ps, err = b.Feed([]byte("cde\x00\x00"))
	if err != nil {
		t.Fatalf("Feed: unexpected error: %v", err)
	}
	if len(ps) != 1 || string(ps[0]) != "abcde" {
		t.Errorf("Feed: got %q, want [abcde]", ps)
	}
	if got := b.Len(); got != 2 {
		t.Errorf("Len: got %d, want 2", got)
	}
}

func TestBufferErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		var b frame.Buffer
		ps, err := b.Feed(frame.Append([]byte("\x00\x00\x00\x00"), []byte("x")))
		if !errors.Is(err, frame.ErrEmptyFrame) {
			t.Errorf("Feed: got (%q, %v), want %v", ps, err, frame.ErrEmptyFrame)
		}
	})
	t.Run("TooLarge", func(t *testing.T) {
		b := frame.Buffer{Max: 8}
		in := frame.Append(nil, []byte("ok"))
		in = frame.Append(in, []byte("much too long"))
		ps, err := b.Feed(in)
		if !errors.Is(err, frame.ErrFrameTooLarge) {
			t.Errorf("Feed: got error %v, want %v", err, frame.ErrFrameTooLarge)
		}
		if len(ps) != 1 || string(ps[0]) != "ok" {
			t.Errorf("Feed: got %q, want the payload before the error", ps)
		}

		// The error is sticky.
		if _, err := b.Feed(frame.Append(nil, []byte("x"))); !errors.Is(err, frame.ErrFrameTooLarge) {
			t.Errorf("Feed after error: got %v, want %v", err, frame.ErrFrameTooLarge)
		}

		b.Reset()
		if ps, err := b.Feed(frame.Append(nil, []byte("x"))); err != nil || len(ps) != 1 {
			t.Errorf("Feed after reset: got (%q, %v)", ps, err)
		}
	})
}

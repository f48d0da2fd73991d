// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/creachadair/cbcast/channel"
	"github.com/creachadair/cbcast/frame"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := []byte("ping")
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if string(got) != "ping" {
			t.Errorf("Payload: got %q, want %q", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		p, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(p); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}
	if err := c.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Close again: got %v, want %v", err, net.ErrClosed)
	}

	if err := c.Send([]byte("x")); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send([]byte("x")); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if p, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %q", p)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if p, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %q", p)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirectHalfClose(t *testing.T) {
	a, b := channel.Direct()
	defer b.Close()

	if err := a.Send([]byte("last words")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Close()

	// The payload in flight is still delivered, then the channel reports EOF.
	if got, err := b.Recv(); err != nil || string(got) != "last words" {
		t.Errorf("Recv: got (%q, %v), want last words", got, err)
	}
	if got, err := b.Recv(); err != io.EOF {
		t.Errorf("Recv: got (%q, %v), want EOF", got, err)
	}
	if err := b.Send([]byte("hello?")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send to closed peer: got %v, want %v", err, net.ErrClosed)
	}
}

func TestDirectCopies(t *testing.T) {
	a, b := channel.Direct()
	defer a.Close()
	defer b.Close()

	buf := []byte("original")
	if err := a.Send(buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	copy(buf, "modified")
	if got, err := b.Recv(); err != nil || string(got) != "original" {
		t.Errorf("Recv: got (%q, %v), want original", got, err)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestIO(t *testing.T) {
	want := []string{"alpha", strings.Repeat("β", 3000), "{}"}

	var buf bytes.Buffer
	w := channel.IO(nil, nopCloser{&buf}, nil)
	for _, p := range want {
		if err := w.Send([]byte(p)); err != nil {
			t.Fatalf("Send %q: %v", p, err)
		}
	}
	stream := buf.Bytes()

	for name, r := range map[string]io.Reader{
		"Whole":   bytes.NewReader(stream),
		"OneByte": iotest.OneByteReader(bytes.NewReader(stream)),
		"Half":    iotest.HalfReader(bytes.NewReader(stream)),
		"DataErr": iotest.DataErrReader(bytes.NewReader(stream)),
	} {
		t.Run(name, func(t *testing.T) {
			rc := channel.IO(r, nopCloser{io.Discard}, nil)
			var got []string
			for {
				p, err := rc.Recv()
				if err == io.EOF {
					break
				} else if err != nil {
					t.Fatalf("Recv: unexpected error: %v", err)
				}
				got = append(got, string(p))
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Payloads (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestIOErrors(t *testing.T) {
	t.Run("TooLarge", func(t *testing.T) {
		in := frame.Append(nil, []byte("ok"))
		in = frame.Append(in, []byte("this payload is too long"))
		rc := channel.IO(bytes.NewReader(in), nopCloser{io.Discard}, &channel.Options{MaxFrame: 10})

		if got, err := rc.Recv(); err != nil || string(got) != "ok" {
			t.Errorf("Recv: got (%q, %v), want ok", got, err)
		}
		if got, err := rc.Recv(); !errors.Is(err, frame.ErrFrameTooLarge) {
			t.Errorf("Recv: got (%q, %v), want %v", got, err, frame.ErrFrameTooLarge)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		rc := channel.IO(strings.NewReader("\x00\x00\x00\x00"), nopCloser{io.Discard}, nil)
		if got, err := rc.Recv(); !errors.Is(err, frame.ErrEmptyFrame) {
			t.Errorf("Recv: got (%q, %v), want %v", got, err, frame.ErrEmptyFrame)
		}
	})
	t.Run("Truncated", func(t *testing.T) {
		rc := channel.IO(strings.NewReader("\x00\x00\x00\x09abc"), nopCloser{io.Discard}, nil)
		if got, err := rc.Recv(); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Recv: got (%q, %v), want %v", got, err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("EmptySend", func(t *testing.T) {
		wc := channel.IO(nil, nopCloser{io.Discard}, nil)
		if err := wc.Send(nil); !errors.Is(err, frame.ErrEmptyFrame) {
			t.Errorf("Send: got %v, want %v", err, frame.ErrEmptyFrame)
		}
	})
}

func TestConn(t *testing.T) {
	c1, c2 := net.Pipe()
	a := channel.Conn(c1, &channel.Options{SendTimeout: 50 * time.Millisecond})
	b := channel.Conn(c2, nil)
	defer a.Close()
	defer b.Close()

	if got := a.PeerAddr(); got == "" {
		t.Error("PeerAddr: got empty address")
	}

	// With nobody reading, the send must time out.
	if err := a.Send([]byte("stuck")); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Send: got %v, want %v", err, os.ErrDeadlineExceeded)
	}

	// A send from the other side succeeds once someone reads.
	done := make(chan error, 1)
	go func() { done <- b.Send([]byte("hello")) }()
	got, err := channel.IO(c1, c1, nil).Recv()
	if err != nil || string(got) != "hello" {
		t.Errorf("Recv: got (%q, %v), want hello", got, err)
	}
	if err := <-done; err != nil {
		t.Errorf("Send: %v", err)
	}
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/cbcast"
	"github.com/creachadair/cbcast/channel"
	"github.com/creachadair/cbcast/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, nil)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.ConnChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.ConnChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, nil)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

// exchange sends a payload from a to b and back, and checks that it arrives.
func exchange(t *testing.T, a, b cbcast.Channel) {
	t.Helper()
	g := taskgroup.New(nil)
	g.Go(func() error {
		p, err := b.Recv()
		if err != nil {
			return err
		}
		return b.Send(append(p, " pong"...))
	})
	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := a.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if string(got) != "ping pong" {
		t.Errorf("Reply: got %q, want %q", got, "ping pong")
	}
}

func TestNetDialer(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	acc := peers.NetAccepter(lst, nil)
	dial := peers.NetDialer(&channel.Options{SendTimeout: time.Second})

	var b cbcast.Channel
	accepted := taskgroup.Go(func() (err error) {
		b, err = acc.Accept(t.Context())
		return
	})
	a, err := dial(t.Context(), addr)
	if err != nil {
		t.Fatalf("Dial %q: %v", addr, err)
	}
	defer a.Close()
	if err := accepted.Wait(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer b.Close()

	exchange(t, a, b)

	if pa, ok := b.(interface{ PeerAddr() string }); !ok || pa.PeerAddr() == "" {
		t.Errorf("Accepted channel has no peer address: %T", b)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := peers.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func TestLocalNet(t *testing.T) {
	var lnet peers.LocalNet

	h, err := lnet.Listen("alpha")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := lnet.Listen("alpha"); err == nil {
		t.Error("Listen on a used address did not report an error")
	}
	if ch, err := lnet.Dial(t.Context(), "bravo"); err == nil {
		t.Errorf("Dial unknown host: got %v, want error", ch)
	}

	a, err := lnet.Dial(t.Context(), "alpha")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer a.Close()
	b, err := h.Accept(t.Context())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer b.Close()
	exchange(t, a, b)

	// A link dialed but not accepted is closed when the host closes.
	c, err := lnet.Dial(t.Context(), "alpha")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if p, err := c.Recv(); err == nil {
		t.Errorf("Recv on unaccepted link: got %q, want error", p)
	}
	if err := h.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Close again: got %v, want %v", err, net.ErrClosed)
	}
	if ch, err := h.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close: got (%v, %v), want %v", ch, err, net.ErrClosed)
	}
	if ch, err := lnet.Dial(t.Context(), "alpha"); err == nil {
		t.Errorf("Dial closed host: got %v, want error", ch)
	}

	// The address can be reused.
	h2, err := lnet.Listen("alpha")
	if err != nil {
		t.Fatalf("Listen again: %v", err)
	}
	h2.Close()
}

// quicPair returns a connected pair of QUIC channels, a dialed and b accepted.
func quicPair(t *testing.T) (a, b cbcast.Channel) {
	t.Helper()
	lst, err := peers.ListenQUIC("127.0.0.1:0")
	if err != nil {
		t.Skipf("QUIC is not available: %v", err)
	}
	t.Cleanup(func() { lst.Close() })
	addr := lst.Addr().String()
	t.Logf("Listening at %q (QUIC)", addr)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	acc := peers.QUICAccepter(lst, nil)
	accepted := taskgroup.Go(func() (err error) {
		b, err = acc.Accept(ctx)
		return
	})
	a, err = peers.QUICDialer(nil)(ctx, addr)
	if err != nil {
		t.Fatalf("Dial %q: %v", addr, err)
	}
	t.Cleanup(func() { a.Close() })
	if err := accepted.Wait(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestQUIC(t *testing.T) {
	a, b := quicPair(t)
	exchange(t, a, b)
}

func TestQUICAcceptedSendsFirst(t *testing.T) {
	a, b := quicPair(t)

	// The dialer has sent nothing, but the accepted side can still send.
	done := make(chan error, 1)
	go func() { done <- b.Send([]byte("hello")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send on the accepted channel did not complete")
	}
	if got, err := a.Recv(); err != nil || string(got) != "hello" {
		t.Errorf("Recv: got (%q, %v), want hello", got, err)
	}
	exchange(t, b, a)
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the cbcast.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/creachadair/cbcast"
	"github.com/creachadair/cbcast/frame"
)

// directBuffer is the number of payloads a direct channel holds in flight.
const directBuffer = 16

// Direct constructs a connected pair of in-memory channels that pass payloads
// directly without framing. Payloads sent to A are received by B and vice
// versa. Closing either end causes sends on both ends to fail, and receives
// on the other end to fail once any payloads in flight are consumed.
func Direct() (A, B cbcast.Channel) {
	a2b := make(chan []byte, directBuffer)
	b2a := make(chan []byte, directBuffer)
	aDone, bDone := make(chan struct{}), make(chan struct{})
	A = direct{send: a2b, recv: b2a, self: aDone, peer: bDone}
	B = direct{send: b2a, recv: a2b, self: bDone, peer: aDone}
	return
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
	self chan struct{}   // closed when this end is closed
	peer <-chan struct{} // closed when the other end is closed
}

func (d direct) closed() bool {
	select {
	case <-d.self:
		return true
	case <-d.peer:
		return true
	default:
		return false
	}
}

// Send implements a method of the [cbcast.Channel] interface.
func (d direct) Send(p []byte) error {
	if d.closed() {
		return net.ErrClosed
	}
	select {
	case d.send <- bytes.Clone(p):
		return nil
	case <-d.self:
	case <-d.peer:
	}
	return net.ErrClosed
}

// Recv implements a method of the [cbcast.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case <-d.self:
		return nil, net.ErrClosed
	default:
	}
	select {
	case p := <-d.recv:
		return p, nil
	case <-d.self:
		return nil, net.ErrClosed
	case <-d.peer:
		select {
		case p := <-d.recv:
			return p, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close implements a method of the [cbcast.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.self)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// Options are settings for framed channels. A nil *Options is ready for use
// and provides default values as described.
type Options struct {
	// The largest payload the channel will accept from its peer.
	// If zero, frame.DefaultMaxSize is used.
	MaxFrame int

	// If positive, a send that does not complete within this interval fails.
	// It applies only to channels with a deadline, such as those from Conn.
	SendTimeout time.Duration
}

func (o *Options) maxFrame() int {
	if o == nil {
		return 0
	}
	return o.MaxFrame
}

func (o *Options) sendTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.SendTimeout
}

// IO constructs a channel that receives framed payloads from r and sends them
// to wc.
func IO(r io.Reader, wc io.WriteCloser, opts *Options) IOChannel {
	rd := &frameReader{r: r, scratch: make([]byte, 4096)}
	rd.buf.Max = opts.maxFrame()
	return IOChannel{rd: rd, w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives framed payloads on a reader and a writer.
type IOChannel struct {
	rd *frameReader
	w  *bufio.Writer
	c  io.Closer
}

// Send implements a method of the [cbcast.Channel] interface.
func (c IOChannel) Send(p []byte) error {
	if _, err := frame.Write(c.w, p); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [cbcast.Channel] interface. A framing
// error is reported after any complete payloads that preceded it.
func (c IOChannel) Recv() ([]byte, error) { return c.rd.next() }

// Close implements a method of the [cbcast.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// frameReader splits the bytes of a stream into payloads as they arrive.
type frameReader struct {
	r       io.Reader
	buf     frame.Buffer
	scratch []byte
	ready   [][]byte // complete payloads not yet returned
	err     error    // sticky read or framing error
}

func (f *frameReader) next() ([]byte, error) {
	for len(f.ready) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		n, err := f.r.Read(f.scratch)
		if n > 0 {
			ps, ferr := f.buf.Feed(f.scratch[:n])
			f.ready = append(f.ready, ps...)
			if ferr != nil {
				f.err = ferr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && f.buf.Len() != 0 {
				err = fmt.Errorf("truncated frame: %w", io.ErrUnexpectedEOF)
			}
			f.err = err
		}
	}
	p := f.ready[0]
	f.ready[0] = nil
	f.ready = f.ready[1:]
	return p, nil
}

// Conn constructs a channel that sends and receives framed payloads on conn.
func Conn(conn net.Conn, opts *Options) ConnChannel {
	return ConnChannel{
		IOChannel: IO(conn, conn, opts),
		conn:      conn,
		timeout:   opts.sendTimeout(),
	}
}

// A ConnChannel is an IOChannel on a network connection. It bounds the time
// spent in each send when a send timeout is set.
type ConnChannel struct {
	IOChannel
	conn    net.Conn
	timeout time.Duration
}

// Send implements a method of the [cbcast.Channel] interface.
func (c ConnChannel) Send(p []byte) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.IOChannel.Send(p)
}

// PeerAddr reports the remote address of the connection.
func (c ConnChannel) PeerAddr() string { return c.conn.RemoteAddr().String() }

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/creachadair/cbcast"
	"github.com/creachadair/cbcast/channel"
	"github.com/creachadair/taskgroup"
	"github.com/quic-go/quic-go"
)

// quicProtocol is the ALPN protocol name negotiated by QUIC peers.
const quicProtocol = "cbcast"

// quicPreamble is written by the dialer when it opens the stream. A QUIC
// stream is not visible to the accepting peer until data are sent on it.
const quicPreamble = 'C'

// quicStreamTimeout bounds how long an accepted connection waits for the
// dialer to open its stream.
const quicStreamTimeout = 10 * time.Second

// selfSignedCert generates an ephemeral certificate for a QUIC listener.
// Peers do not authenticate each other, so the certificate is never verified.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: quicProtocol},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// ListenQUIC opens a QUIC listener on the given UDP address, using an
// ephemeral self-signed certificate.
func ListenQUIC(addr string) (*quic.Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicProtocol},
	}, nil)
}

// QUICAccepter adapts a QUIC listener to the cbcast.Accepter interface. Each
// accepted connection carries a single stream of framed payloads, opened by
// the dialing peer.
func QUICAccepter(lst *quic.Listener, opts *channel.Options) cbcast.Accepter {
	return quicAccepter{lst: lst, opts: opts}
}

type quicAccepter struct {
	lst  *quic.Listener
	opts *channel.Options
}

func (q quicAccepter) Accept(ctx context.Context) (cbcast.Channel, error) {
	conn, err := q.lst.Accept(ctx)
	if err != nil {
		return nil, err
	}

	// The stream is accepted in the background, and the channel waits for it.
	qc := &quicChannel{conn: conn, ready: make(chan struct{})}
	taskgroup.Go(func() error {
		defer close(qc.ready)
		sctx, cancel := context.WithTimeout(context.Background(), quicStreamTimeout)
		defer cancel()
		s, err := acceptStream(sctx, conn)
		if err != nil {
			qc.err = err
			conn.CloseWithError(0, "no stream")
			return nil
		}
		qc.ch = channel.IO(s, s, q.opts)
		return nil
	})
	return qc, nil
}

// acceptStream accepts the stream opened by the dialer of conn and consumes
// its preamble.
func acceptStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		s.SetReadDeadline(dl)
		defer s.SetReadDeadline(time.Time{})
	}
	var pre [1]byte
	if _, err := io.ReadFull(s, pre[:]); err != nil {
		return nil, err
	} else if pre[0] != quicPreamble {
		return nil, fmt.Errorf("invalid stream preamble %q", pre[0])
	}
	return s, nil
}

// QUICDialer returns a cbcast.Dialer that opens QUIC connections. The server
// certificate is not verified.
func QUICDialer(opts *channel.Options) cbcast.Dialer {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtocol},
	}
	return func(ctx context.Context, addr string) (cbcast.Channel, error) {
		conn, err := quic.DialAddr(ctx, addr, cfg, nil)
		if err != nil {
			return nil, err
		}
		s, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		if _, err := s.Write([]byte{quicPreamble}); err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		qc := &quicChannel{conn: conn, ready: make(chan struct{}), ch: channel.IO(s, s, opts)}
		close(qc.ready)
		return qc, nil
	}
}

// quicChannel is a channel on the single stream of a QUIC connection.
type quicChannel struct {
	conn  *quic.Conn
	ready chan struct{} // closed once ch or err is set
	ch    channel.IOChannel
	err   error
}

func (q *quicChannel) wait() error { <-q.ready; return q.err }

// Send implements a method of the [cbcast.Channel] interface.
func (q *quicChannel) Send(p []byte) error {
	if err := q.wait(); err != nil {
		return err
	}
	return q.ch.Send(p)
}

// Recv implements a method of the [cbcast.Channel] interface.
func (q *quicChannel) Recv() ([]byte, error) {
	if err := q.wait(); err != nil {
		return nil, err
	}
	return q.ch.Recv()
}

// Close implements a method of the [cbcast.Channel] interface.
func (q *quicChannel) Close() error { return q.conn.CloseWithError(0, "") }

// PeerAddr reports the remote address of the connection.
func (q *quicChannel) PeerAddr() string { return q.conn.RemoteAddr().String() }

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package registry implements a directory of peer addresses, used by nodes to
// find each other when they start.
//
// The registry speaks a request/response protocol over stream connections,
// one request per connection. Each message is a JSON document framed as on
// peer links. A request has one of the types GET_PEERS, REGISTER_PEER, or
// DEREGISTER_PEER, and the server replies with PEER_RESPONSE, OK, or
// BAD_MESSAGE:
//
//	{"id": "...", "type": 0}                         GET_PEERS
//	{"id": "...", "type": 3, "peers": ["a", "b"]}    PEER_RESPONSE
//	{"id": "...", "type": 1, "address": "host:port"} REGISTER_PEER
//	{"id": "...", "type": 4}                         OK
//
// A registration without an address registers the remote address of the
// requesting connection. An address with a port but no host, like ":5001",
// is completed with the host of the requesting connection.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/cbcast/frame"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// ErrBadMessage is reported by a Client when the server rejects a request.
var ErrBadMessage = errors.New("registry rejected the request")

// maxMessageSize bounds the size of a registry message.
const maxMessageSize = 1 << 20

// requestTimeout bounds the time the server spends on one connection.
const requestTimeout = 10 * time.Second

// Type identifies the kind of a registry message.
type Type int

const (
	GetPeers       Type = 0
	RegisterPeer   Type = 1
	DeregisterPeer Type = 2
	PeerResponse   Type = 3
	OK             Type = 4
	BadMessage     Type = 5
)

var typeNames = [...]string{
	GetPeers:       "GET_PEERS",
	RegisterPeer:   "REGISTER_PEER",
	DeregisterPeer: "DEREGISTER_PEER",
	PeerResponse:   "PEER_RESPONSE",
	OK:             "OK",
	BadMessage:     "BAD_MESSAGE",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "TYPE:" + strconv.Itoa(int(t))
}

// A Message is a registry request or response.
type Message struct {
	ID      string   `json:"id"`
	Type    Type     `json:"type"`
	Address string   `json:"address,omitempty"` // REGISTER_PEER, DEREGISTER_PEER
	Peers   []string `json:"peers,omitempty"`   // PEER_RESPONSE
}

func newMessage(t Type) *Message { return &Message{ID: uuid.NewString(), Type: t} }

func writeMessage(conn net.Conn, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = frame.Write(conn, data)
	return err
}

func readMessage(conn net.Conn) (*Message, error) {
	data, err := frame.Read(conn, maxMessageSize)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	} else if m.ID == "" {
		return nil, errors.New("invalid message: missing id")
	}
	return &m, nil
}

// A Server is a registry of peer addresses. A zero Server is ready for use
// and has no registered peers.
type Server struct {
	// If set, requests are logged here.
	Logger *slog.Logger

	μ     sync.Mutex
	peers mapset.Set[string]
}

// Peers returns the registered addresses, in sorted order.
func (s *Server) Peers() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := s.peers.Slice()
	slices.Sort(out)
	return out
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Serve accepts connections from lst and handles each in a goroutine. It runs
// until lst closes or ctx ends. When ctx ends, lst is closed. Serve waits for
// active requests to finish before returning.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	g := taskgroup.New(nil)
	stop := context.AfterFunc(ctx, func() { lst.Close() })
	defer stop()
	for {
		conn, err := lst.Accept()
		if err != nil {
			g.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.Go(func() error { s.HandleConn(conn); return nil })
	}
}

// HandleConn reads a single request from conn, replies to it, and closes conn.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	remote := conn.RemoteAddr().String()
	req, err := readMessage(conn)
	var rsp *Message
	if err != nil {
		s.logger().Warn("bad registry request", "remote", remote, "err", err)
		rsp = newMessage(BadMessage)
	} else {
		rsp = s.Handle(req, remote)
	}
	if err := writeMessage(conn, rsp); err != nil {
		s.logger().Warn("registry reply failed", "remote", remote, "err", err)
	}
}

// Handle applies a request from the given remote address to s, and returns
// the response to send.
func (s *Server) Handle(req *Message, remote string) *Message {
	log := s.logger().With("remote", remote, "type", req.Type)
	addr := resolveAddress(req.Address, remote)

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.peers == nil {
		s.peers = mapset.New[string]()
	}
	switch req.Type {
	case GetPeers:
		rsp := newMessage(PeerResponse)
		rsp.Peers = s.peers.Slice()
		slices.Sort(rsp.Peers)
		log.Debug("peers requested", "count", len(rsp.Peers))
		return rsp

	case RegisterPeer:
		s.peers.Add(addr)
		log.Info("peer registered", "addr", addr)
		return newMessage(OK)

	case DeregisterPeer:
		s.peers.Remove(addr)
		log.Info("peer deregistered", "addr", addr)
		return newMessage(OK)

	default:
		log.Warn("unknown request type")
		return newMessage(BadMessage)
	}
}

// A Client issues requests to a registry server. It satisfies the
// cbcast.Directory interface.
type Client struct {
	// The network address of the registry server.
	Addr string
}

// Peers returns the addresses registered with the server.
func (c Client) Peers(ctx context.Context) ([]string, error) {
	rsp, err := c.call(ctx, newMessage(GetPeers), PeerResponse)
	if err != nil {
		return nil, err
	}
	return rsp.Peers, nil
}

// resolveAddress fills in a missing address or host from remote.
func resolveAddress(addr, remote string) string {
	if addr == "" {
		return remote
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	rhost, _, err := net.SplitHostPort(remote)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(rhost, port)
}

// Register adds addr to the server's registry. If addr == "", the server
// registers the address from which the request was sent. If addr has no host,
// the server uses the host from which the request was sent.
func (c Client) Register(ctx context.Context, addr string) error {
	req := newMessage(RegisterPeer)
	req.Address = addr
	_, err := c.call(ctx, req, OK)
	return err
}

// Deregister removes addr from the server's registry.
func (c Client) Deregister(ctx context.Context, addr string) error {
	req := newMessage(DeregisterPeer)
	req.Address = addr
	_, err := c.call(ctx, req, OK)
	return err
}

func (c Client) call(ctx context.Context, req *Message, want Type) (*Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("registry %v: %w", req.Type, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return nil, fmt.Errorf("registry %v: %w", req.Type, err)
	}
	rsp, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("registry %v: %w", req.Type, err)
	}
	switch rsp.Type {
	case want:
		return rsp, nil
	case BadMessage:
		return nil, fmt.Errorf("registry %v: %w", req.Type, ErrBadMessage)
	default:
		return nil, fmt.Errorf("registry %v: unexpected response %v", req.Type, rsp.Type)
	}
}

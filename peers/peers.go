// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package peers provides sources of peer channels for a cbcast.Node, over
// stream sockets, QUIC, and an in-memory network for testing.
package peers

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/cbcast"
	"github.com/creachadair/cbcast/channel"
	"github.com/creachadair/taskgroup"
)

// NetAccepter adapts a net.Listener to the cbcast.Accepter interface. Each
// accepted connection is framed with the given channel options.
func NetAccepter(lst net.Listener, opts *channel.Options) cbcast.Accepter {
	return netAccepter{Listener: lst, opts: opts}
}

type netAccepter struct {
	net.Listener
	opts *channel.Options
}

func (n netAccepter) Accept(ctx context.Context) (cbcast.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn, n.opts), nil
}

// NetDialer returns a cbcast.Dialer that opens stream connections. The network
// for each address is chosen by SplitAddress.
func NetDialer(opts *channel.Options) cbcast.Dialer {
	return func(ctx context.Context, addr string) (cbcast.Channel, error) {
		var d net.Dialer
		network, address := SplitAddress(addr)
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return channel.Conn(conn, opts), nil
	}
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

// localBacklog is the number of dialed links a LocalHost holds until they are
// accepted.
const localBacklog = 16

// LocalNet is an in-memory network of named hosts, suitable for testing.
// Links between hosts are direct channels that pass payloads without framing.
// A zero LocalNet is ready for use.
type LocalNet struct {
	μ     sync.Mutex
	hosts map[string]*LocalHost
}

// Listen creates a host at addr that accepts links dialed to that address.
func (n *LocalNet) Listen(addr string) (*LocalHost, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if _, ok := n.hosts[addr]; ok {
		return nil, fmt.Errorf("listen %q: address in use", addr)
	}
	if n.hosts == nil {
		n.hosts = make(map[string]*LocalHost)
	}
	h := &LocalHost{
		net:   n,
		addr:  addr,
		conns: make(chan cbcast.Channel, localBacklog),
		done:  make(chan struct{}),
	}
	n.hosts[addr] = h
	return h, nil
}

// Dial opens a link to the host at addr. It satisfies cbcast.Dialer.
func (n *LocalNet) Dial(_ context.Context, addr string) (cbcast.Channel, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	h, ok := n.hosts[addr]
	if !ok {
		return nil, fmt.Errorf("dial %q: connection refused", addr)
	}
	a, b := channel.Direct()
	select {
	case h.conns <- b:
		return a, nil
	default:
		a.Close()
		return nil, fmt.Errorf("dial %q: backlog full", addr)
	}
}

// A LocalHost is a listening address on a LocalNet. It satisfies the
// cbcast.Accepter interface.
type LocalHost struct {
	net   *LocalNet
	addr  string
	conns chan cbcast.Channel
	done  chan struct{}
	once  sync.Once
}

// Addr returns the address of h.
func (h *LocalHost) Addr() string { return h.addr }

// Accept implements the cbcast.Accepter interface.
func (h *LocalHost) Accept(ctx context.Context) (cbcast.Channel, error) {
	select {
	case ch := <-h.conns:
		return ch, nil
	case <-h.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close removes h from its network. Subsequent dials to its address fail, and
// Accept reports net.ErrClosed. Links that were dialed but not yet accepted
// are closed.
func (h *LocalHost) Close() error {
	err := net.ErrClosed
	h.once.Do(func() {
		h.net.μ.Lock()
		delete(h.net.hosts, h.addr)
		h.net.μ.Unlock()
		close(h.done)
		for {
			select {
			case ch := <-h.conns:
				ch.Close()
			default:
				err = nil
				return
			}
		}
	})
	return err
}

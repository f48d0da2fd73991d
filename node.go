// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cbcast

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/cbcast/clock"
	"github.com/creachadair/cbcast/message"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

var (
	// ErrNotReady is reported by Submit before the node has joined a network.
	ErrNotReady = errors.New("node is not ready")

	// ErrStopped is reported by operations on a node that has been stopped.
	ErrStopped = errors.New("node is stopped")
)

// A Channel is a reliable ordered stream of message payloads shared by two
// peers. Payloads are opaque to the channel.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the payload to the receiver.
	Send([]byte) error

	// Receive the next available payload from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// An Accepter is a source of inbound channels from peers.
type Accepter interface {
	// Accept blocks until a peer connects or ctx ends.
	Accept(context.Context) (Channel, error)
}

// A Dialer opens a channel to the peer at the given address.
type Dialer func(ctx context.Context, addr string) (Channel, error)

// A Directory is a peer registry consulted by a node at startup.
type Directory interface {
	// Peers returns the addresses of the registered peers.
	Peers(ctx context.Context) ([]string, error)

	// Register adds addr to the registry.
	Register(ctx context.Context, addr string) error

	// Deregister removes addr from the registry.
	Deregister(ctx context.Context, addr string) error
}

// A MessageLogger logs a message exchanged with a peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message with the peer it was exchanged with, and a
// flag indicating whether the message was sent or received.
type MessageInfo struct {
	message.Message        // the message being logged
	Peer            string // the link on which the message was exchanged
	Sent            bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %s %v", m.dir(), m.Peer, m.Message)
}

// NodeOptions are settings for a Node. A nil *NodeOptions is ready for use
// and provides default values as described.
type NodeOptions struct {
	// The number of message handling workers and of broadcast workers.
	// If zero, a default of 2 is used.
	Workers int

	// The number of received messages buffered before readers block.
	// If zero, a default of 64 is used.
	QueueDepth int

	// How long to wait for a response to HELLO before starting a new network.
	// If zero, a default of 5s is used. If negative, the node waits forever.
	JoinTimeout time.Duration

	// Used to open channels to peers. It must be set to use Connect, or to
	// start with a non-empty peer list.
	Dialer Dialer

	// If set, the node asks this registry for peers at startup, and registers
	// Address once it has entered a network.
	Directory Directory

	// The address at which other peers can reach this node. It is used for
	// registration, and is never dialed.
	Address string

	// If set, operational events are logged here. If nil, logs are discarded.
	Logger *slog.Logger
}

func (o *NodeOptions) resolve() NodeOptions {
	var out NodeOptions
	if o != nil {
		out = *o
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 64
	}
	if out.JoinTimeout == 0 {
		out.JoinTimeout = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// registryTimeout bounds each call to the Directory.
const registryTimeout = 5 * time.Second

const partitionWarning = "disconnected from all peers: " +
	"broadcasts that depend on messages missed while disconnected can never be delivered"

// A Node is a peer in a causal broadcast network. It maintains links to its
// peers, delivers broadcasts in causal order, and retransmits every new
// broadcast it receives to all of its peers.
//
// Call Start to connect the node to its peers and start its service routines.
// Once started, a node runs until Stop is called or its context ends. Use
// Submit to originate a broadcast, and OnDeliver to receive the broadcasts
// of other processes as they become deliverable.
type Node struct {
	id      string
	opts    NodeOptions
	log     *slog.Logger
	engine  *Engine
	metrics *nodeMetrics

	inbound chan inbound
	outq    *workQueue[outbound]
	delivq  *workQueue[*message.Broadcast]

	ready     chan struct{}
	readyOnce sync.Once

	μ sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	tasks       *taskgroup.Group
	links       map[string]*link // peer key → link
	anon        int              // count of unlabeled accepted links
	stopped     bool
	partitioned bool
	registered  bool
	onDeliver   func(sender, text string)
	onStatus    func(msg string, isError bool)
	onReady     func()
	mlog        MessageLogger
}

// A link is a channel to a single peer.
type link struct {
	key string
	ch  Channel

	out sync.Mutex // held while sending on ch
}

// inbound is a message received from a peer.
type inbound struct {
	link *link
	msg  message.Message
	raw  []byte
}

// outbound is an encoded broadcast to send to all peers.
type outbound struct {
	msg     message.Message
	payload []byte
}

// NewNode constructs a new unstarted node with the given process ID. If id is
// empty, a random ID is assigned.
func NewNode(id string, opts *NodeOptions) *Node {
	if id == "" {
		id = uuid.NewString()
	}
	n := &Node{
		id:     id,
		opts:   opts.resolve(),
		outq:   newWorkQueue[outbound](),
		delivq: newWorkQueue[*message.Broadcast](),
		ready:  make(chan struct{}),
		links:  make(map[string]*link),
	}
	n.log = n.opts.Logger.With("node", id)
	n.engine = NewEngine(id, n.enqueueDelivery).OnDiscard(func(b *message.Broadcast) {
		n.metrics.msgDropped.Add(1)
		n.log.Debug("discarded undeliverable message", "id", b.ID, "sender", b.Sender, "clock", b.Clock)
	})
	n.metrics = newNodeMetrics(func() int { return len(n.engine.Pending()) })
	return n
}

// ID returns the process ID of n.
func (n *Node) ID() string { return n.id }

// State reports the network-entry state of n.
func (n *Node) State() State { return n.engine.State() }

// Clock returns a copy of the current vector clock of n.
func (n *Node) Clock() clock.Clock { return n.engine.Clock() }

// Pending returns a copy of the hold-back queue of n.
func (n *Node) Pending() []*message.Broadcast { return n.engine.Pending() }

// Metrics returns a metrics map for the node. It is safe for the caller to
// add additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return n.metrics.emap }

// Ready returns a channel that is closed when n has entered a network.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// WaitReady blocks until n has entered a network or ctx ends.
func (n *Node) WaitReady(ctx context.Context) error {
	select {
	case <-n.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Partitioned reports whether n has lost all of its peers since it entered a
// network. Once set, this condition persists for the life of the node.
func (n *Node) Partitioned() bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.partitioned
}

// Peers returns the keys of the currently connected peers, in sorted order.
// The key of a dialed peer is the address it was dialed at.
func (n *Node) Peers() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return slices.Sorted(maps.Keys(n.links))
}

// OnDeliver registers a callback invoked for each broadcast of another process
// when it is delivered. Calls are made from a single goroutine, in delivery
// order. Passing nil removes the callback. OnDeliver returns n to permit
// chaining.
func (n *Node) OnDeliver(f func(sender, text string)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onDeliver = f
	return n
}

// OnStatus registers a callback invoked with status messages about the node,
// such as peer failures. If isError is true, the message is a warning that
// should be shown to the operator. Passing nil removes the callback. OnStatus
// returns n to permit chaining.
func (n *Node) OnStatus(f func(msg string, isError bool)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onStatus = f
	return n
}

// OnReady registers a callback invoked once when n enters a network. Passing
// nil removes the callback. OnReady returns n to permit chaining.
func (n *Node) OnReady(f func()) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onReady = f
	return n
}

// LogMessages registers a callback invoked for each message exchanged with a
// peer, including messages that are later discarded as duplicates.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously, prior to sending or handling the message.
func (n *Node) LogMessages(log MessageLogger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.mlog = log
	return n
}

// Start connects n to the given peers and starts its service routines. If acc
// != nil, n also accepts inbound links from acc. Start does not block; call
// Wait to wait for the node to exit, or WaitReady to wait for it to enter a
// network.
//
// If any peer is reachable, n asks them for a copy of their state and enters
// the network when the first response arrives. If none respond within the
// join timeout, n starts a new network of its own. If no peer is reachable,
// n waits for the first peer to contact it.
func (n *Node) Start(ctx context.Context, acc Accepter, peers ...string) error {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return ErrStopped
	} else if n.tasks != nil {
		n.μ.Unlock()
		return errors.New("node is already started")
	} else if n.opts.Dialer == nil && (len(peers) != 0 || n.opts.Directory != nil) {
		n.μ.Unlock()
		return errors.New("no dialer is configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	g := taskgroup.New(nil)
	n.ctx, n.cancel, n.tasks = ctx, cancel, g
	n.inbound = make(chan inbound, n.opts.QueueDepth)
	n.μ.Unlock()

	g.Go(func() error { n.deliverLoop(ctx); return nil })
	for range n.opts.Workers {
		g.Go(func() error { n.handleLoop(ctx); return nil })
		g.Go(func() error { n.broadcastLoop(ctx); return nil })
	}

	for _, addr := range n.findPeers(ctx, peers) {
		ch, err := n.opts.Dialer(ctx, addr)
		if err != nil {
			n.log.Warn("dial failed", "peer", addr, "err", err)
			n.status(fmt.Sprintf("cannot reach peer %s: %v", addr, err), true)
			continue
		}
		n.addLink(ch, addr)
	}

	if n.sendHello() == 0 {
		n.engine.SetUnconnected()
		n.log.Info("no reachable peers")
		n.status("no reachable peers: waiting for the first peer to join", false)
		n.register()
	} else if n.opts.JoinTimeout > 0 {
		g.Go(func() error { n.joinTimer(ctx); return nil })
	}

	if acc != nil {
		g.Go(func() error { return n.acceptLoop(ctx, acc) })
	}
	return nil
}

// Connect opens a link to the peer at addr. If n has not yet entered a
// network, it asks the new peer for a copy of its state.
func (n *Node) Connect(ctx context.Context, addr string) error {
	n.μ.Lock()
	stopped, started := n.stopped, n.tasks != nil
	n.μ.Unlock()
	if stopped {
		return ErrStopped
	} else if !started {
		return errors.New("node is not started")
	} else if n.opts.Dialer == nil {
		return errors.New("no dialer is configured")
	}

	ch, err := n.opts.Dialer(ctx, addr)
	if err != nil {
		return fmt.Errorf("connect %q: %w", addr, err)
	}
	l := n.addLink(ch, addr)
	if l == nil {
		return ErrStopped
	}
	if n.engine.State() != Initialized {
		if err := n.sendTo(l, message.NewHello(n.id)); err != nil {
			n.dropLink(l, err)
			return err
		}
	}
	return nil
}

// Submit originates a broadcast of text from n to all its peers, and returns
// the message that was sent. It reports ErrNotReady if n has not yet entered
// a network.
func (n *Node) Submit(text string) (*message.Broadcast, error) {
	n.μ.Lock()
	stopped, started := n.stopped, n.tasks != nil
	n.μ.Unlock()
	if stopped {
		return nil, ErrStopped
	} else if !started {
		return nil, ErrNotReady
	}

	b, err := n.engine.Originate(text)
	if errors.Is(err, ErrNotInitialized) {
		return nil, ErrNotReady
	} else if err != nil {
		return nil, err
	}
	payload, err := message.Encode(b)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast: %w", err)
	}
	n.metrics.msgOriginated.Add(1)
	n.outq.put(outbound{msg: b, payload: payload})
	return b, nil
}

// Stop closes all peer links and terminates n. It blocks until the service
// routines have exited and returns the status from Wait. If n registered
// itself with a directory, Stop deregisters it first.
func (n *Node) Stop() error {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return n.Wait()
	}
	n.stopped = true
	links := slices.Collect(maps.Values(n.links))
	clear(n.links)
	cancel, registered := n.cancel, n.registered
	n.μ.Unlock()

	if registered {
		ctx, done := context.WithTimeout(context.Background(), registryTimeout)
		if err := n.opts.Directory.Deregister(ctx, n.opts.Address); err != nil {
			n.log.Warn("deregister failed", "addr", n.opts.Address, "err", err)
		}
		done()
	}
	if cancel != nil {
		cancel()
	}
	for _, l := range links {
		l.ch.Close()
		n.metrics.peersActive.Add(-1)
	}
	return n.Wait()
}

// Wait blocks until n terminates and reports the error, if any, that caused
// it to stop. If n was never started, Wait returns nil immediately.
func (n *Node) Wait() error {
	n.μ.Lock()
	g := n.tasks
	n.μ.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// findPeers returns the addresses to dial at startup: the given peers plus any
// reported by the directory, without duplicates or the node's own address.
func (n *Node) findPeers(ctx context.Context, peers []string) []string {
	all := slices.Clone(peers)
	if d := n.opts.Directory; d != nil {
		rctx, cancel := context.WithTimeout(ctx, registryTimeout)
		found, err := d.Peers(rctx)
		cancel()
		if err != nil {
			n.log.Warn("registry lookup failed", "err", err)
			n.status(fmt.Sprintf("registry lookup failed: %v", err), true)
		} else {
			all = append(all, found...)
		}
	}
	seen := mapset.New[string]()
	var out []string
	for _, addr := range all {
		if addr == "" || addr == n.opts.Address || seen.Has(addr) {
			continue
		}
		seen.Add(addr)
		out = append(out, addr)
	}
	return out
}

// sendHello sends a HELLO to every peer, and reports how many sends succeeded.
func (n *Node) sendHello() int {
	hello := message.NewHello(n.id)
	var sent int
	for _, l := range n.snapshot() {
		if err := n.sendTo(l, hello); err != nil {
			n.dropLink(l, err)
		} else {
			sent++
		}
	}
	return sent
}

func (n *Node) joinTimer(ctx context.Context) {
	t := time.NewTimer(n.opts.JoinTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-n.ready:
	case <-t.C:
		if n.engine.Seed() {
			n.log.Warn("no response to HELLO", "timeout", n.opts.JoinTimeout)
			n.status("no peer answered the join request: starting a new network", true)
			n.markReady("initialized as the seed of a new network")
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context, acc Accepter) error {
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		var key string
		if pa, ok := ch.(interface{ PeerAddr() string }); ok {
			key = pa.PeerAddr()
		}
		if l := n.addLink(ch, key); l != nil {
			n.log.Info("accepted peer", "peer", l.key)
		}
	}
}

// addLink adds a link for ch and starts its reader. If key is already in use,
// a suffix is added to make it unique; if key is empty, one is generated. If
// n is stopped, ch is closed and addLink returns nil.
func (n *Node) addLink(ch Channel, key string) *link {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.stopped {
		ch.Close()
		return nil
	}
	if key == "" {
		n.anon++
		key = fmt.Sprintf("peer-%d", n.anon)
	}
	base := key
	for i := 2; n.links[key] != nil; i++ {
		key = fmt.Sprintf("%s#%d", base, i)
	}
	l := &link{key: key, ch: ch}
	n.links[key] = l
	n.metrics.peersActive.Add(1)

	ctx := n.ctx
	n.tasks.Go(func() error { n.readLoop(ctx, l); return nil })
	return l
}

// dropLink removes l from the peer set and closes its channel. If this leaves
// an initialized node with no peers, the node is marked as partitioned.
func (n *Node) dropLink(l *link, err error) {
	n.μ.Lock()
	if n.links[l.key] != l {
		n.μ.Unlock()
		return // already removed
	}
	delete(n.links, l.key)
	quiet := n.stopped
	partition := !quiet && len(n.links) == 0 && n.engine.State() == Initialized
	if partition {
		n.partitioned = true
	}
	n.μ.Unlock()

	l.ch.Close()
	n.metrics.peersActive.Add(-1)
	if quiet {
		return
	}
	n.metrics.peersFailed.Add(1)
	n.log.Warn("peer failed", "peer", l.key, "err", err)
	n.status(fmt.Sprintf("lost connection to peer %s", l.key), true)
	if partition {
		n.status(partitionWarning, true)
	}
}

func (n *Node) snapshot() []*link {
	n.μ.Lock()
	defer n.μ.Unlock()
	return slices.Collect(maps.Values(n.links))
}

func (n *Node) readLoop(ctx context.Context, l *link) {
	for {
		data, err := l.ch.Recv()
		if err != nil {
			n.dropLink(l, err)
			return
		}
		msg, err := message.Decode(data)
		if err != nil {
			n.metrics.msgDropped.Add(1)
			n.log.Warn("invalid message", "peer", l.key, "err", err)
			n.dropLink(l, err)
			return
		}
		n.metrics.msgRecv.Add(1)
		n.logMessage(l.key, msg, false)

		select {
		case n.inbound <- inbound{link: l, msg: msg, raw: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) handleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-n.inbound:
			n.handle(in)
		}
	}
}

func (n *Node) handle(in inbound) {
	switch m := in.msg.(type) {
	case *message.Hello:
		rsp, bootstrap, err := n.engine.Clone()
		if err != nil {
			n.log.Warn("rejected HELLO", "peer", in.link.key, "sender", m.Sender, "err", err)
			return
		}
		if err := n.sendTo(in.link, rsp); err != nil {
			// An unconnected node that could not answer stays unconnected.
			n.dropLink(in.link, err)
			return
		}
		if bootstrap && n.engine.Seed() {
			n.markReady(fmt.Sprintf("started a new network with %s", m.Sender))
		}

	case *message.HelloResponse:
		if n.engine.Join(m) {
			n.log.Info("joined network", "via", m.Sender, "clock", m.Clock, "undelivered", len(m.Undelivered))
			n.markReady(fmt.Sprintf("joined the network via %s", m.Sender))
		} else {
			n.log.Debug("ignored HELLO_RESPONSE", "peer", in.link.key, "sender", m.Sender)
		}

	case *message.Broadcast:
		switch n.engine.Receive(m) {
		case Duplicate:
			n.metrics.msgDuplicate.Add(1)
		case Accepted:
			n.outq.put(outbound{msg: m, payload: in.raw})
		}
	}
}

func (n *Node) broadcastLoop(ctx context.Context) {
	for {
		out, ok := n.outq.get(ctx)
		if !ok {
			return
		}
		n.fanout(out)
	}
}

// fanout sends out to every peer in a snapshot of the peer set. A peer whose
// send fails is dropped without affecting the others.
func (n *Node) fanout(out outbound) {
	links := n.snapshot()
	var failed int
	for _, l := range links {
		if err := n.sendPayload(l, out.msg, out.payload); err != nil {
			failed++
			n.dropLink(l, err)
		}
	}
	if len(links) != 0 && failed == len(links) {
		n.log.Warn("all sends failed", "id", out.msg.MessageID(), "peers", len(links))
		n.status("sending to every peer failed: the network may be partitioned", true)
	}
}

func (n *Node) sendTo(l *link, msg message.Message) error {
	payload, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %v: %w", msg.Type(), err)
	}
	return n.sendPayload(l, msg, payload)
}

func (n *Node) sendPayload(l *link, msg message.Message, payload []byte) error {
	l.out.Lock()
	defer l.out.Unlock()
	n.logMessage(l.key, msg, true)
	if err := l.ch.Send(payload); err != nil {
		n.metrics.sendsFailed.Add(1)
		return fmt.Errorf("send to %s: %w", l.key, err)
	}
	n.metrics.framesSent.Add(1)
	return nil
}

func (n *Node) logMessage(peer string, msg message.Message, sent bool) {
	n.μ.Lock()
	log := n.mlog
	n.μ.Unlock()
	if log != nil {
		log(MessageInfo{Message: msg, Peer: peer, Sent: sent})
	}
}

// enqueueDelivery is called by the engine, with its lock held, for each
// delivered broadcast.
func (n *Node) enqueueDelivery(b *message.Broadcast) {
	n.metrics.msgDelivered.Add(1)
	n.delivq.put(b)
}

func (n *Node) deliverLoop(ctx context.Context) {
	for {
		b, ok := n.delivq.get(ctx)
		if !ok {
			return
		}
		n.μ.Lock()
		f := n.onDeliver
		n.μ.Unlock()
		if f != nil {
			f(b.Sender, b.Text)
		}
	}
}

func (n *Node) markReady(reason string) {
	n.readyOnce.Do(func() {
		close(n.ready)
		n.log.Info("ready", "reason", reason, "clock", n.engine.Clock())
		n.status(reason, false)

		n.μ.Lock()
		f := n.onReady
		n.μ.Unlock()
		if f != nil {
			f()
		}
		n.register()
	})
}

// register adds the node's address to the directory, once.
func (n *Node) register() {
	if n.opts.Directory == nil || n.opts.Address == "" {
		return
	}
	n.μ.Lock()
	if n.registered || n.stopped {
		n.μ.Unlock()
		return
	}
	n.registered = true
	ctx, g := n.ctx, n.tasks
	n.μ.Unlock()

	g.Go(func() error {
		rctx, cancel := context.WithTimeout(ctx, registryTimeout)
		defer cancel()
		if err := n.opts.Directory.Register(rctx, n.opts.Address); err != nil {
			n.log.Warn("register failed", "addr", n.opts.Address, "err", err)
			n.status(fmt.Sprintf("registration failed: %v", err), true)
		} else {
			n.log.Info("registered", "addr", n.opts.Address)
		}
		return nil
	})
}

func (n *Node) status(msg string, isError bool) {
	n.μ.Lock()
	f := n.onStatus
	n.μ.Unlock()
	if f != nil {
		f(msg, isError)
	}
}

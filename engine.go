// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cbcast

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/cbcast/clock"
	"github.com/creachadair/cbcast/message"
	"github.com/creachadair/mds/mapset"
)

// ErrNotInitialized is reported by engine operations that require the local
// process to have completed its network entry.
var ErrNotInitialized = errors.New("process is not initialized")

// State is the network-entry state of a process.
type State int

const (
	// Uninitialized is the state of a process that has asked its peers for a
	// copy of their state and has not yet received one.
	Uninitialized State = iota

	// Unconnected is the state of a process that started with no reachable
	// peers. It may answer the HELLO of the first peer to contact it by
	// cloning its own empty state, which bootstraps a new network.
	Unconnected

	// Initialized is the state of a process that is causally consistent with
	// the network and may originate broadcasts.
	Initialized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Unconnected:
		return "INITIALLY_UNCONNECTED"
	case Initialized:
		return "INITIALIZED"
	default:
		return fmt.Sprintf("STATE:%d", int(s))
	}
}

// Disposition reports what an Engine did with a received broadcast.
type Disposition int

const (
	// Duplicate means the broadcast was already processed and was ignored.
	Duplicate Disposition = iota

	// Deferred means the broadcast was buffered because the process has not
	// completed its network entry. It will be considered for delivery when
	// the process joins.
	Deferred

	// Accepted means the broadcast is new. It has been delivered or added to
	// the hold-back queue, and should be retransmitted to all peers.
	Accepted
)

func (d Disposition) String() string {
	switch d {
	case Duplicate:
		return "DUPLICATE"
	case Deferred:
		return "DEFERRED"
	case Accepted:
		return "ACCEPTED"
	default:
		return fmt.Sprintf("DISPOSITION:%d", int(d))
	}
}

// An Engine implements causal delivery of broadcasts for a single process.
// It owns the vector clock of the process, its hold-back queue, the set of
// message IDs already processed, and the buffer of messages received before
// the process completed its network entry. All of these are updated together
// under one lock.
//
// An Engine is safe for concurrent use by multiple goroutines. It does not
// perform any I/O; see [Node] for a network peer built on an Engine.
type Engine struct {
	self    string
	deliver func(*message.Broadcast)

	μ        sync.Mutex
	state    State
	clock    clock.Clock
	pending  []*message.Broadcast // the hold-back queue, in arrival order
	preInit  []*message.Broadcast // received before network entry
	received mapset.Set[string]   // IDs of messages processed or originated
	discard  func(*message.Broadcast)
}

// NewEngine constructs an uninitialized engine for the process with the given
// ID. The deliver function is called once for each broadcast when it becomes
// causally deliverable, in delivery order. It is called with the engine's
// lock held, and must not call back into the engine.
func NewEngine(self string, deliver func(*message.Broadcast)) *Engine {
	if deliver == nil {
		deliver = func(*message.Broadcast) {}
	}
	return &Engine{
		self:     self,
		deliver:  deliver,
		clock:    clock.New(self),
		received: mapset.New[string](),
	}
}

// OnDiscard registers a callback invoked for each held message that is
// discarded because it can never become deliverable. Passing nil removes the
// callback. OnDiscard returns e to permit chaining.
func (e *Engine) OnDiscard(f func(*message.Broadcast)) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.discard = f
	return e
}

// ID returns the process ID of e.
func (e *Engine) ID() string { return e.self }

// State reports the current network-entry state of e.
func (e *Engine) State() State {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.state
}

// Clock returns a copy of the current vector clock of e.
func (e *Engine) Clock() clock.Clock {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.clock.Clone()
}

// Pending returns a copy of the hold-back queue of e, in arrival order.
func (e *Engine) Pending() []*message.Broadcast {
	e.μ.Lock()
	defer e.μ.Unlock()
	return slices.Clone(e.pending)
}

// Seen reports whether e has processed or originated a message with this ID.
func (e *Engine) Seen(id string) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.received.Has(id)
}

// SetUnconnected moves an uninitialized engine into the Unconnected state, in
// which it may bootstrap a network by answering the first HELLO it receives.
// It has no effect in any other state.
func (e *Engine) SetUnconnected() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.state == Uninitialized {
		e.state = Unconnected
	}
}

// Originate constructs a new broadcast of text from the local process. The
// local clock entry is incremented and the result is stamped with the updated
// clock. The local process does not deliver its own broadcasts.
//
// Originate reports ErrNotInitialized if e has not completed network entry.
func (e *Engine) Originate(text string) (*message.Broadcast, error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.state != Initialized {
		return nil, ErrNotInitialized
	}
	e.clock = e.clock.Increment(e.self)
	b := message.NewBroadcast(e.self, e.clock.Clone(), text)
	e.received.Add(b.ID)
	return b, nil
}

// Receive processes a broadcast received from a peer, and reports what was
// done with it. The caller is responsible for retransmitting the message when
// Receive reports Accepted.
func (e *Engine) Receive(b *message.Broadcast) Disposition {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.received.Has(b.ID) {
		return Duplicate
	}
	e.received.Add(b.ID)

	if e.state != Initialized {
		e.preInit = append(e.preInit, b)
		return Deferred
	}
	if b.Sender != e.self {
		e.pending = append(e.pending, b)
		e.drainLocked()
	}
	return Accepted
}

// Clone returns a HELLO_RESPONSE carrying a copy of the state of e, for a
// peer that has asked to join the network.
//
// If e is Initialized, the response carries its clock and hold-back queue.
// If e is Unconnected, the response carries the state e would have as the
// first member of a new network: its clock and the messages it buffered while
// waiting. In that case bootstrap is true, and e remains Unconnected until the
// caller calls Seed, which it should do once the response has been sent.
// In the Uninitialized state, Clone reports ErrNotInitialized, since a copy
// of a partially-initialized process is not consistent.
func (e *Engine) Clone() (_ *message.HelloResponse, bootstrap bool, _ error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	switch e.state {
	case Uninitialized:
		return nil, false, ErrNotInitialized
	case Unconnected:
		return message.NewHelloResponse(e.self, e.clock.Clone(), slices.Clone(e.preInit)), true, nil
	}
	return message.NewHelloResponse(e.self, e.clock.Clone(), slices.Clone(e.pending)), false, nil
}

// Join completes network entry from a peer's HELLO_RESPONSE. The local clock
// becomes the merge of the response clock with the local clock, and the
// hold-back queue becomes the undelivered messages of the response followed by
// the messages buffered before entry. Any messages that are deliverable are
// delivered before Join returns.
//
// Join reports false without effect if e is already initialized.
func (e *Engine) Join(rsp *message.HelloResponse) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.state == Initialized {
		return false
	}
	e.clock = rsp.Clock.Merge(e.clock)

	queue := make([]*message.Broadcast, 0, len(rsp.Undelivered)+len(e.preInit))
	adopted := mapset.New[string]()
	for _, b := range rsp.Undelivered {
		if b.Sender == e.self || adopted.Has(b.ID) {
			continue
		}
		adopted.Add(b.ID)
		e.received.Add(b.ID)
		queue = append(queue, b)
	}
	for _, b := range e.preInit {
		if !adopted.Has(b.ID) {
			queue = append(queue, b)
		}
	}
	e.initializeLocked(queue)
	return true
}

// Seed initializes e as the first member of a new network, keeping its own
// clock and adopting any messages it buffered before entry. It is used when
// no peer answers a request to join. Seed reports false without effect if e
// is already initialized.
func (e *Engine) Seed() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.state == Initialized {
		return false
	}
	e.initializeLocked(e.preInit)
	return true
}

func (e *Engine) initializeLocked(queue []*message.Broadcast) {
	e.state = Initialized
	e.pending = queue
	e.preInit = nil
	e.drainLocked()
}

// drainLocked delivers every deliverable message in the hold-back queue,
// restarting the scan from the front after each delivery.
func (e *Engine) drainLocked() {
	for {
		e.pruneLocked()
		i := slices.IndexFunc(e.pending, func(b *message.Broadcast) bool {
			return clock.CanDeliver(e.clock, b.Sender, b.Clock)
		})
		if i < 0 {
			return
		}
		b := e.pending[i]
		e.pending = slices.Delete(e.pending, i, i+1)
		e.clock = e.clock.Merge(b.Clock)
		e.deliver(b)
	}
}

// pruneLocked removes held messages whose sender count is already covered by
// the local clock. The local count never decreases, so these can never become
// deliverable.
func (e *Engine) pruneLocked() {
	e.pending = slices.DeleteFunc(e.pending, func(b *message.Broadcast) bool {
		if b.Clock.Get(b.Sender) > e.clock.Get(b.Sender) {
			return false
		}
		if e.discard != nil {
			e.discard(b)
		}
		return true
	})
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package cbcast implements a peer-to-peer chat network with causal broadcast.
//
// Each process in the network has a unique ID and a [vector clock] recording
// how many broadcasts it has delivered from each process. A process stamps
// every broadcast it originates with its clock, and every process delivers
// the broadcasts of the others in an order consistent with causality: a
// message is never delivered before a message that its sender had already
// delivered when it was sent. Broadcasts are flooded: each process sends every
// new broadcast it receives to all of its peers, so the network need not be
// fully connected.
//
// # Engines
//
// The [Engine] type implements the causal delivery rules for one process. It
// holds the clock of the process, its hold-back queue of broadcasts that are
// not yet deliverable, and the set of message IDs it has already processed.
// An Engine does no I/O, and is suitable for use in a simulation:
//
//	e := cbcast.NewEngine("alpha", func(b *message.Broadcast) {
//	   fmt.Printf("%s: %s\n", b.Sender, b.Text)
//	})
//	e.Seed()
//	switch e.Receive(msg) {
//	case cbcast.Accepted:
//	   // retransmit msg to all peers
//	case cbcast.Duplicate:
//	   // already seen, ignore
//	}
//
// # Network Entry
//
// A process must copy the causal state of the network before it can send. To
// join, a process sends HELLO to its peers, and adopts the state carried by
// the first HELLO_RESPONSE it receives. A process that can reach no peers
// waits for another process to contact it, and the two start a new network.
// If peers are reachable but none of them answers, the process starts a new
// network after a timeout.
//
// # Nodes
//
// The [Node] type is a complete network peer built on an Engine. It maintains
// a [Channel] to each of its peers and runs a pool of workers to handle
// inbound messages and to retransmit broadcasts:
//
//	n := cbcast.NewNode("alpha", &cbcast.NodeOptions{
//	   Dialer: peers.NetDialer(nil),
//	})
//	n.OnDeliver(func(sender, text string) {
//	   fmt.Printf("%s: %s\n", sender, text)
//	})
//	if err := n.Start(ctx, peers.NetAccepter(lst, nil), "localhost:5001"); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//	defer n.Stop()
//
//	n.WaitReady(ctx)
//	n.Submit("hello, world")
//
// The channel package provides implementations of the Channel interface, and
// the peers package provides dialers and accepters for stream sockets, QUIC,
// and an in-memory network for testing. The registry package implements a
// directory server from which nodes can learn the addresses of their peers.
//
// # Metrics
//
// Nodes maintain a collection of metrics while running. Use the [Node.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// node:
//
//   - messages_received: counter of messages decoded from peers
//   - messages_dropped: counter of invalid messages and discarded held messages
//   - messages_duplicate: counter of broadcasts received more than once
//   - messages_originated: counter of broadcasts sent by this node
//   - messages_delivered: counter of broadcasts delivered
//   - messages_pending: gauge of broadcasts in the hold-back queue
//   - frames_sent: counter of frames sent to peers
//   - sends_failed: counter of sends to peers that failed
//   - peers_active: gauge of connected peers
//   - peers_failed: counter of peers lost to errors
//
// [vector clock]: https://en.wikipedia.org/wiki/Vector_clock
package cbcast

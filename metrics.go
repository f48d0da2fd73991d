// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package cbcast

import "expvar"

// nodeMetrics record node activity counters.
type nodeMetrics struct {
	msgRecv       expvar.Int // messages decoded from peers
	msgDropped    expvar.Int // undecodable payloads and discarded held messages
	msgDuplicate  expvar.Int // broadcasts already processed
	msgOriginated expvar.Int
	msgDelivered  expvar.Int
	framesSent    expvar.Int
	sendsFailed   expvar.Int
	peersActive   expvar.Int
	peersFailed   expvar.Int

	emap *expvar.Map
}

func newNodeMetrics(pending func() int) *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("messages_received", &nm.msgRecv)
	nm.emap.Set("messages_dropped", &nm.msgDropped)
	nm.emap.Set("messages_duplicate", &nm.msgDuplicate)
	nm.emap.Set("messages_originated", &nm.msgOriginated)
	nm.emap.Set("messages_delivered", &nm.msgDelivered)
	nm.emap.Set("messages_pending", expvar.Func(func() any { return pending() }))
	nm.emap.Set("frames_sent", &nm.framesSent)
	nm.emap.Set("sends_failed", &nm.sendsFailed)
	nm.emap.Set("peers_active", &nm.peersActive)
	nm.emap.Set("peers_failed", &nm.peersFailed)
	return nm
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package clock implements dynamic vector clocks for causal ordering.
//
// A [Clock] maps process identifiers to counters. Each counter records the
// number of broadcasts originated by that process that the owner of the clock
// has observed. The set of known processes grows as clocks are merged, and is
// never reduced. Entries keep the order in which their processes became known.
//
// Clocks are values: the methods that update a clock return a new clock and
// do not modify the receiver, so a clock may be shared freely once built.
package clock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// An Entry is a single process counter in a vector clock.
type Entry struct {
	ID    string // the process identifier
	Count uint64 // broadcasts observed from that process
}

// A Clock is a vector clock. The zero value is an empty clock ready for use.
type Clock struct {
	entries []Entry
}

// New constructs a clock with one zero-valued entry for each of the given
// process IDs. It panics if an ID is repeated.
func New(ids ...string) Clock {
	es := make([]Entry, len(ids))
	for i, id := range ids {
		es[i] = Entry{ID: id}
	}
	return Of(es...)
}

// Of constructs a clock with the given entries, in order. It panics if a
// process ID is repeated.
func Of(entries ...Entry) Clock {
	c := Clock{entries: slices.Clone(entries)}
	for i, e := range c.entries {
		if c.index(e.ID) != i {
			panic(fmt.Sprintf("clock: duplicate entry for %q", e.ID))
		}
	}
	return c
}

func (c Clock) index(id string) int {
	return slices.IndexFunc(c.entries, func(e Entry) bool { return e.ID == id })
}

// Len reports the number of processes known to c.
func (c Clock) Len() int { return len(c.entries) }

// Get reports the counter for id in c. A process unknown to c has the
// implicit value 0.
func (c Clock) Get(id string) uint64 {
	if i := c.index(id); i >= 0 {
		return c.entries[i].Count
	}
	return 0
}

// Has reports whether c has an entry for id.
func (c Clock) Has(id string) bool { return c.index(id) >= 0 }

// Entries returns a copy of the entries of c, in order.
func (c Clock) Entries() []Entry { return slices.Clone(c.entries) }

// Clone returns a copy of c that does not share storage with it.
func (c Clock) Clone() Clock { return Clock{entries: slices.Clone(c.entries)} }

// Increment returns a copy of c in which the counter for id is one greater.
// All other entries are unchanged. If id is not known to c, it is added with
// the value 1.
func (c Clock) Increment(id string) Clock {
	out := c.Clone()
	if i := out.index(id); i >= 0 {
		out.entries[i].Count++
	} else {
		out.entries = append(out.entries, Entry{ID: id, Count: 1})
	}
	return out
}

// Merge returns the entrywise maximum of c and o over the union of their
// processes. Entries of c keep their order, and entries known only to o are
// appended in the order they appear in o.
func (c Clock) Merge(o Clock) Clock {
	out := c.Clone()
	for _, e := range o.entries {
		if i := out.index(e.ID); i >= 0 {
			out.entries[i].Count = max(out.entries[i].Count, e.Count)
		} else {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Equal reports whether c and o have the same counters for every process.
// Entry order is ignored, and a missing entry is equal to a zero entry.
func (c Clock) Equal(o Clock) bool { return Compare(c, o) == Equal }

// String renders c in a human-friendly format.
func (c Clock) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, e := range c.entries {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s:%d", e.ID, e.Count)
	}
	sb.WriteString("]")
	return sb.String()
}

// CanDeliver reports whether a broadcast from sender carrying the clock msg
// is causally deliverable at a process whose clock is local.
//
// This holds if msg is the next broadcast local expects from sender, that is
// msg[sender] == local[sender]+1, and msg reflects no broadcast from any other
// process that local has not already seen, msg[q] <= local[q] for q != sender.
// A sender unknown to local has the implicit count 0, so the first broadcast
// accepted from a new sender must have msg[sender] == 1.
func CanDeliver(local Clock, sender string, msg Clock) bool {
	if msg.Get(sender) != local.Get(sender)+1 {
		return false
	}
	for _, e := range msg.entries {
		if e.ID != sender && e.Count > local.Get(e.ID) {
			return false
		}
	}
	return true
}

// Order is the causal relationship between two clocks.
type Order int

const (
	Equal      Order = iota // identical counters
	Before                  // the first clock happened before the second
	After                   // the first clock happened after the second
	Concurrent              // neither happened before the other
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Concurrent:
		return "CONCURRENT"
	default:
		return fmt.Sprintf("ORDER:%d", int(o))
	}
}

// Compare reports the causal order of a relative to b.
func Compare(a, b Clock) Order {
	var less, more bool
	check := func(x, y uint64) {
		if x < y {
			less = true
		} else if x > y {
			more = true
		}
	}
	for _, e := range a.entries {
		check(e.Count, b.Get(e.ID))
	}
	for _, e := range b.entries {
		if !a.Has(e.ID) {
			check(0, e.Count)
		}
	}
	switch {
	case less && more:
		return Concurrent
	case less:
		return Before
	case more:
		return After
	default:
		return Equal
	}
}

// MarshalJSON implements the json.Marshaler interface. A clock is encoded as
// an array of [id, count] pairs, in entry order.
func (c Clock) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range c.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		id, err := json.Marshal(e.ID)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "[%s,%d]", id, e.Count)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface. It accepts the
// format produced by MarshalJSON, and rejects empty or repeated process IDs
// and counters that are not non-negative integers.
func (c *Clock) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return errors.New("clock is null")
	}
	var pairs []json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("invalid clock: %w", err)
	}
	out := Clock{entries: make([]Entry, 0, len(pairs))}
	for i, raw := range pairs {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("entry %d: want an [id, count] pair", i)
		}
		var e Entry
		if err := json.Unmarshal(pair[0], &e.ID); err != nil || e.ID == "" {
			return fmt.Errorf("entry %d: invalid process id %s", i, pair[0])
		}
		if err := json.Unmarshal(pair[1], &e.Count); err != nil {
			return fmt.Errorf("entry %d: invalid count %s", i, pair[1])
		}
		if out.Has(e.ID) {
			return fmt.Errorf("entry %d: duplicate process id %q", i, e.ID)
		}
		out.entries = append(out.entries, e)
	}
	*c = out
	return nil
}

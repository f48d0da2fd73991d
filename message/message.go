// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package message defines the protocol messages exchanged between peers and
// their encoding as JSON documents.
//
// There are three message types. A [Hello] asks a peer for a copy of its
// causal state. A [HelloResponse] carries that state: the responder's vector
// clock and the broadcasts it has received but not yet delivered. A
// [Broadcast] carries chat text from its originating process, stamped with
// the originator's vector clock.
//
// Every message has an ID assigned when it is first constructed. A message
// that is retransmitted keeps its original ID, which is how duplicates are
// recognized.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/creachadair/cbcast/clock"
	"github.com/google/uuid"
)

// ErrMalformed is reported by Decode for a payload that is not a valid
// message. Errors from Decode wrap it, and can be tested with errors.Is.
var ErrMalformed = errors.New("malformed message")

// Type identifies the structure of a message on the wire.
type Type int

const (
	TypeBroadcast     Type = 0 // a chat broadcast
	TypeHello         Type = 1 // a request to clone the peer's state
	TypeHelloResponse Type = 2 // the cloned state
)

var typeNames = map[Type]string{
	TypeBroadcast:     "BROADCAST_MESSAGE",
	TypeHello:         "HELLO",
	TypeHelloResponse: "HELLO_RESPONSE",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "TYPE:" + strconv.Itoa(int(t))
}

// UnmarshalJSON implements the json.Unmarshaler interface. It accepts either
// the numeric code or the symbolic name of a type.
func (t *Type) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		*t = Type(code)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("invalid message type %s", data)
	}
	for k, v := range typeNames {
		if v == name {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", name)
}

// A Message is one of *Hello, *HelloResponse, or *Broadcast.
type Message interface {
	// MessageID returns the unique ID of the message.
	MessageID() string

	// MessageSender returns the process ID of the message's originator.
	MessageSender() string

	// Type reports the wire type of the message.
	Type() Type

	isMessage()
}

// Hello is sent by a joining process to request a copy of a peer's state.
type Hello struct {
	ID     string
	Sender string
}

// NewHello constructs a Hello from sender with a fresh ID.
func NewHello(sender string) *Hello { return &Hello{ID: uuid.NewString(), Sender: sender} }

func (h *Hello) MessageID() string     { return h.ID }
func (h *Hello) MessageSender() string { return h.Sender }
func (*Hello) Type() Type              { return TypeHello }
func (*Hello) isMessage()              {}

func (h *Hello) String() string { return fmt.Sprintf("Hello(ID=%s, Sender=%s)", h.ID, h.Sender) }

// HelloResponse carries a copy of the responder's causal state.
type HelloResponse struct {
	ID          string
	Sender      string
	Clock       clock.Clock  // the responder's clock when the response was built
	Undelivered []*Broadcast // the responder's hold-back queue, in order
}

// NewHelloResponse constructs a HelloResponse from sender with a fresh ID.
func NewHelloResponse(sender string, clk clock.Clock, undelivered []*Broadcast) *HelloResponse {
	return &HelloResponse{
		ID:          uuid.NewString(),
		Sender:      sender,
		Clock:       clk,
		Undelivered: undelivered,
	}
}

func (h *HelloResponse) MessageID() string     { return h.ID }
func (h *HelloResponse) MessageSender() string { return h.Sender }
func (*HelloResponse) Type() Type              { return TypeHelloResponse }
func (*HelloResponse) isMessage()              {}

func (h *HelloResponse) String() string {
	return fmt.Sprintf("HelloResponse(ID=%s, Sender=%s, Clock=%v, Undelivered=%d)",
		h.ID, h.Sender, h.Clock, len(h.Undelivered))
}

// Broadcast is a chat message from its originating process.
type Broadcast struct {
	ID     string
	Sender string
	Clock  clock.Clock // the sender's clock after counting this broadcast
	Text   string
}

// NewBroadcast constructs a Broadcast from sender with a fresh ID.
func NewBroadcast(sender string, clk clock.Clock, text string) *Broadcast {
	return &Broadcast{ID: uuid.NewString(), Sender: sender, Clock: clk, Text: text}
}

func (b *Broadcast) MessageID() string     { return b.ID }
func (b *Broadcast) MessageSender() string { return b.Sender }
func (*Broadcast) Type() Type              { return TypeBroadcast }
func (*Broadcast) isMessage()              {}

// maxLogText bounds the length of the text rendered by Broadcast.String.
const maxLogText = 64

func (b *Broadcast) String() string {
	text := truncate(b.Text, maxLogText)
	if len(text) < len(b.Text) {
		text += "..."
	}
	return fmt.Sprintf("Broadcast(ID=%s, Sender=%s, Clock=%v, Text=%q)", b.ID, b.Sender, b.Clock, text)
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes. If s exceeds this length, it is truncated at a point <= n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// At the start of a multi-byte encoding, back up one more to skip it.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// wireMessage is the JSON document format shared by all message types.
// Pointer fields distinguish absent fields from empty ones.
type wireMessage struct {
	ID          *string            `json:"id"`
	Sender      *string            `json:"sender"`
	Type        *Type              `json:"type"`
	Clock       *clock.Clock       `json:"clock,omitempty"`
	Text        *string            `json:"text,omitempty"`
	Undelivered *[]json.RawMessage `json:"undeliveredMessages,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func toWire(m Message) (*wireMessage, error) {
	w := &wireMessage{
		ID:     ptr(m.MessageID()),
		Sender: ptr(m.MessageSender()),
		Type:   ptr(m.Type()),
	}
	switch t := m.(type) {
	case *Hello:
		// no additional fields
	case *HelloResponse:
		w.Clock = ptr(t.Clock)
		msgs := make([]json.RawMessage, len(t.Undelivered))
		for i, b := range t.Undelivered {
			enc, err := Encode(b)
			if err != nil {
				return nil, fmt.Errorf("undelivered message %d: %w", i, err)
			}
			msgs[i] = enc
		}
		w.Undelivered = &msgs
	case *Broadcast:
		w.Clock = ptr(t.Clock)
		w.Text = ptr(t.Text)
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
	return w, nil
}

// Encode encodes m as a JSON document.
func Encode(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode decodes a JSON document into a message. It checks that the fields
// required by the declared type are present, and reports an error wrapping
// ErrMalformed if they are not or if data is not a valid document.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("%v", err)
	}
	if w.Type == nil {
		return nil, malformed("missing type")
	} else if w.ID == nil || *w.ID == "" {
		return nil, malformed("missing id")
	} else if w.Sender == nil || *w.Sender == "" {
		return nil, malformed("missing sender")
	}

	switch *w.Type {
	case TypeHello:
		return &Hello{ID: *w.ID, Sender: *w.Sender}, nil

	case TypeHelloResponse:
		if w.Clock == nil {
			return nil, malformed("hello response: missing clock")
		} else if w.Undelivered == nil {
			return nil, malformed("hello response: missing undeliveredMessages")
		}
		rsp := &HelloResponse{ID: *w.ID, Sender: *w.Sender, Clock: *w.Clock}
		for i, raw := range *w.Undelivered {
			m, err := Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("undelivered message %d: %w", i, err)
			}
			b, ok := m.(*Broadcast)
			if !ok {
				return nil, malformed("undelivered message %d: got %v, want %v", i, m.Type(), TypeBroadcast)
			}
			rsp.Undelivered = append(rsp.Undelivered, b)
		}
		return rsp, nil

	case TypeBroadcast:
		if w.Clock == nil {
			return nil, malformed("broadcast: missing clock")
		} else if w.Text == nil {
			return nil, malformed("broadcast: missing text")
		} else if w.Clock.Get(*w.Sender) == 0 {
			return nil, malformed("broadcast: clock has no count for sender %q", *w.Sender)
		}
		return &Broadcast{ID: *w.ID, Sender: *w.Sender, Clock: *w.Clock, Text: *w.Text}, nil

	default:
		return nil, malformed("unknown type %v", *w.Type)
	}
}

package relay

import (
	"encoding/json"
	"errors"
)

// Event kinds synthesized by the relay itself. Every other kind (offer,
// answer, candidate, ...) passes through opaquely; the relay never interprets
// payloads.
const (
	KindJoin  = "join"
	KindLeave = "leave"
)

var ErrMalformed = errors.New("malformed signal event")

// Event is one signaling unit moving through a room.
//
// Sender is stripped before delivery: recipients only ever see kind + data.
type Event struct {
	Kind    string
	Sender  Peer
	Payload json.RawMessage
}

// envelope is the wire shape in both directions:
//
//	{ "event": "<kind>", "data": <opaque JSON value or null> }
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseEvent decodes an inbound wire message. Decoding is lenient — unknown
// fields are ignored and absent data becomes null — to match the clients
// already in the field. Only undecodable JSON or a missing kind is rejected;
// callers drop such messages silently.
func ParseEvent(raw []byte, sender Peer) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, ErrMalformed
	}
	if env.Event == "" {
		return Event{}, ErrMalformed
	}
	return Event{Kind: env.Event, Sender: sender, Payload: env.Data}, nil
}

// Encode renders the delivery envelope. A nil payload encodes as data:null.
func (e Event) Encode() []byte {
	b, err := json.Marshal(envelope{Event: e.Kind, Data: e.Payload})
	if err != nil {
		// Kind and Payload are valid JSON by construction (Payload came from
		// json.Unmarshal or is nil); Marshal cannot fail on them.
		panic(err)
	}
	return b
}

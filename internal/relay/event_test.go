package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	sender := &fakePeer{id: "s"}

	t.Run("offer with payload", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"event":"offer","data":{"sdp":"v=0"}}`), sender)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if ev.Kind != "offer" {
			t.Fatalf("kind=%q, want offer", ev.Kind)
		}
		if ev.Sender != sender {
			t.Fatalf("sender not preserved")
		}
		if string(ev.Payload) != `{"sdp":"v=0"}` {
			t.Fatalf("payload=%s", ev.Payload)
		}
	})

	t.Run("unknown fields ignored", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"event":"candidate","data":1,"extra":true}`), sender)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if ev.Kind != "candidate" {
			t.Fatalf("kind=%q", ev.Kind)
		}
	})

	t.Run("absent data", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"event":"hangup"}`), sender)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if ev.Payload != nil {
			t.Fatalf("payload=%s, want nil", ev.Payload)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"event":`), sender)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err=%v, want ErrMalformed", err)
		}
	})

	t.Run("non-object json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`"offer"`), sender)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err=%v, want ErrMalformed", err)
		}
	})

	t.Run("missing event kind", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"data":{"sdp":"v=0"}}`), sender)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("err=%v, want ErrMalformed", err)
		}
	})
}

func TestEventEncode(t *testing.T) {
	t.Run("nil payload encodes as null", func(t *testing.T) {
		got := Event{Kind: KindJoin}.Encode()
		want := `{"event":"join","data":null}`
		if string(bytes.TrimSpace(got)) != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	})

	t.Run("payload passes through byte for byte", func(t *testing.T) {
		payload := json.RawMessage(`{"sdp":"v=0\r\no=caller","trickle":[1,2,3]}`)
		ev, err := ParseEvent(Event{Kind: "offer", Payload: payload}.Encode(), nil)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if !bytes.Equal(ev.Payload, payload) {
			t.Fatalf("payload altered: %s", ev.Payload)
		}
	})
}

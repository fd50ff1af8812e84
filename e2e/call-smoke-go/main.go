// Command call-smoke-go exercises a running relay end to end: two clients
// join the same room, exchange an offer/answer pair and observe each other's
// join/leave notices.
//
// Usage:
//
//	RELAY_URL=ws://127.0.0.1:8080 ROOM=smoke-1 go run ./e2e/call-smoke-go
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	relayURL := envOrDefault("RELAY_URL", "ws://127.0.0.1:8080")
	room := envOrDefault("ROOM", fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	query := ""
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		query = "?apiKey=" + apiKey
	} else if token := os.Getenv("TOKEN"); token != "" {
		query = "?token=" + token
	}

	wsURL := relayURL + "/ws/call/" + room + query

	caller := dial(wsURL)
	defer caller.Close()

	callee := dial(wsURL)
	defer callee.Close()

	expect(caller, "join", "caller sees callee join")

	send(caller, envelope{Event: "offer", Data: json.RawMessage(`{"sdp":"v=0 smoke offer"}`)})
	expect(callee, "offer", "callee receives offer")

	send(callee, envelope{Event: "answer", Data: json.RawMessage(`{"sdp":"v=0 smoke answer"}`)})
	expect(caller, "answer", "caller receives answer")

	_ = callee.Close()
	expect(caller, "leave", "caller sees callee leave")

	fmt.Println("ok: join/offer/answer/leave round trip over", wsURL)
}

func dial(wsURL string) *websocket.Conn {
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	return c
}

func send(c *websocket.Conn, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
}

func expect(c *websocket.Conn, kind, step string) {
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: read: %v\n", step, err)
		os.Exit(1)
	}
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid envelope %s: %v\n", step, msg, err)
		os.Exit(1)
	}
	if env.Event != kind {
		fmt.Fprintf(os.Stderr, "%s: got event %q, want %q (raw %s)\n", step, env.Event, kind, msg)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", step)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/machikoi/call-relay/internal/relay"
)

const sessionWriteWait = 10 * time.Second

var errSessionClosed = errors.New("session closed")

// session is one admitted call connection: the unit of room membership.
//
// It implements relay.Peer. Deliver enqueues to a bounded queue drained by
// writeLoop, the connection's single writer goroutine; the read side lives in
// Server.ServeHTTP. The id is process-unique so two tabs of the same user are
// distinct members.
type session struct {
	id      string
	roomID  string
	subject string

	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, roomID, subject string, queueDepth int) *session {
	return &session{
		id:      uuid.NewString(),
		roomID:  roomID,
		subject: subject,
		conn:    conn,
		out:     make(chan []byte, queueDepth),
		closed:  make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Deliver enqueues an encoded envelope for the client. It never blocks: a
// closed session or a full queue yields an error the router treats as a
// best-effort drop for this recipient only.
func (s *session) Deliver(msg []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		return relay.ErrQueueFull
	}
}

// close is idempotent and safe to call concurrently with an in-flight
// Deliver; late sends after close are discarded via the closed channel.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbound queue and keeps the connection alive with
// pings. It owns all data writes; control frames (close, ping) may also be
// written concurrently via WriteControl, which gorilla permits.
func (s *session) writeLoop(pingInterval time.Duration) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker = time.NewTicker(pingInterval)
		tick = ticker.C
		defer ticker.Stop()
	}
	defer s.close()

	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-tick:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

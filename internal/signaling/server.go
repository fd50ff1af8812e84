package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/machikoi/call-relay/internal/auth"
	"github.com/machikoi/call-relay/internal/config"
	"github.com/machikoi/call-relay/internal/metrics"
	"github.com/machikoi/call-relay/internal/origin"
	"github.com/machikoi/call-relay/internal/ratelimit"
	"github.com/machikoi/call-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Server terminates call WebSocket connections and binds each one to a room.
//
// It enforces admission (auth mode from config), browser origin policy and
// per-connection limits before a session ever reaches the room registry.
// Signaling payloads themselves are never inspected here; parsing stops at the
// envelope.
type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	router   *relay.Router
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	// clock feeds the per-connection rate limiter; tests swap it.
	clock ratelimit.Clock

	sessions atomic.Int64
}

func NewServer(cfg config.Config, verifier auth.Verifier, router *relay.Router, m *metrics.Metrics, log *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		router:   router,
		metrics:  m,
		log:      log,
		clock:    ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// RegisterRoutes mounts the call endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws/call/{room}", s)
}

// SessionCount reports the number of currently admitted connections.
func (s *Server) SessionCount() int {
	return int(s.sessions.Load())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser client; origin policy only constrains browsers.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if roomID == "" {
		http.NotFound(w, r)
		return
	}

	if max := s.cfg.MaxSessions; max > 0 && s.sessions.Load() >= int64(max) {
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	subject, err := s.admit(r)
	if err != nil {
		s.metrics.Inc(metrics.ConnAuthRejected)
		s.log.Info("call connection rejected", "room", roomID, "remote", r.RemoteAddr, "err", err)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return
	}

	n := s.sessions.Add(1)
	defer s.sessions.Add(-1)
	if max := s.cfg.MaxSessions; max > 0 && n > int64(max) {
		writeClose(conn, websocket.CloseTryAgainLater, "session limit reached")
		return
	}

	sess := newSession(conn, roomID, subject, s.cfg.SendQueueMessages)
	s.metrics.Inc(metrics.ConnAccepted)
	go sess.writeLoop(s.cfg.CallWSPingInterval)

	reg := s.router.Registry()
	if err := reg.Join(roomID, sess); err != nil {
		s.log.Info("room join refused", "room", roomID, "session", sess.id, "err", err)
		writeClose(conn, websocket.ClosePolicyViolation, "room is full")
		sess.close()
		s.metrics.Inc(metrics.ConnClosed)
		return
	}

	s.log.Info("call session joined", "room", roomID, "session", sess.id, "subject", subject)
	s.router.AnnounceJoin(roomID, sess)

	s.readLoop(sess)

	// Deregister before announcing so the departing session is never a
	// candidate recipient of its own leave notice, then tear down exactly once.
	reg.Leave(roomID, sess)
	s.router.AnnounceLeave(roomID, sess)
	sess.close()
	s.metrics.Inc(metrics.ConnClosed)
	s.log.Info("call session left", "room", roomID, "session", sess.id)
}

// admit resolves the connection's admission credential. With AUTH_MODE=none it
// always succeeds with an empty subject.
func (s *Server) admit(r *http.Request) (string, error) {
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		return "", err
	}
	return s.verifier.Verify(cred)
}

// readLoop pumps inbound frames into the router until the connection drops.
// Malformed frames are counted and skipped; the connection stays open.
func (s *Server) readLoop(sess *session) {
	conn := sess.conn

	idle := s.cfg.CallWSIdleTimeout
	resetDeadline := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	var limiter *ratelimit.TokenBucket
	if rate := s.cfg.MaxSignalMessagesPerSecond; rate > 0 {
		limiter = ratelimit.NewTokenBucket(s.clock, int64(rate), int64(rate))
	}

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		resetDeadline()

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if limiter != nil && !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		raw, err := readLimited(msgReader, s.cfg.MaxSignalMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.metrics.Inc(metrics.DropTooLarge)
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		ev, err := relay.ParseEvent(raw, sess)
		if err != nil {
			s.metrics.Inc(metrics.DropMalformed)
			s.log.Debug("dropping malformed signal", "room", sess.roomID, "session", sess.id)
			continue
		}

		s.router.Route(sess.roomID, ev)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errMessageTooLarge
	}
	return data, nil
}

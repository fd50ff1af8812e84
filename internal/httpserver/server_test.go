package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/machikoi/call-relay/internal/config"
	"github.com/machikoi/call-relay/internal/relay"
)

type fixedSessions int

func (n fixedSessions) SessionCount() int { return int(n) }

type staticPeer string

func (p staticPeer) ID() string             { return string(p) }
func (p staticPeer) Deliver(msg []byte) error { return nil }

// cfgWithICEError loads a config whose ICE parsing failed; the error is
// deferred to readiness instead of startup.
func cfgWithICEError(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("MACHIKOI_ICE_SERVERS_JSON", "{")
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, registry *relay.Registry) *Server {
	t.Helper()
	if registry == nil {
		registry = relay.NewRegistry(0, nil)
	}
	s, err := New(cfg, slog.Default(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-02T03:04:05Z"}, registry, fixedSessions(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func getJSON(t *testing.T, h http.Handler, path string, wantStatus int) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if rec.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d (body %s)", path, rec.Code, wantStatus, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("GET %s: invalid json: %v", path, err)
	}
	return out
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t, config.Config{}, nil)

	body := getJSON(t, s.Mux(), "/healthz", http.StatusOK)
	if body["ok"] != true {
		t.Fatalf("healthz=%v", body)
	}

	body = getJSON(t, s.Mux(), "/version", http.StatusOK)
	if body["commit"] != "abc123" {
		t.Fatalf("version=%v", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Run("not ready before serve", func(t *testing.T) {
		s := newTestServer(t, config.Config{}, nil)
		body := getJSON(t, s.Mux(), "/readyz", http.StatusServiceUnavailable)
		if body["ready"] != false {
			t.Fatalf("readyz=%v", body)
		}
	})

	t.Run("ready once serving", func(t *testing.T) {
		s := newTestServer(t, config.Config{}, nil)
		s.ready.Store(true)
		body := getJSON(t, s.Mux(), "/readyz", http.StatusOK)
		if body["ready"] != true {
			t.Fatalf("readyz=%v", body)
		}
	})

	t.Run("ice config error fails readiness", func(t *testing.T) {
		s := newTestServer(t, cfgWithICEError(t), nil)
		s.ready.Store(true)
		body := getJSON(t, s.Mux(), "/readyz", http.StatusServiceUnavailable)
		if body["ready"] != false {
			t.Fatalf("readyz=%v", body)
		}
	})
}

func TestStatusz(t *testing.T) {
	registry := relay.NewRegistry(0, nil)
	if err := registry.Join("42", staticPeer("a")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := registry.Join("42", staticPeer("b")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := registry.Join("7", staticPeer("c")); err != nil {
		t.Fatalf("join: %v", err)
	}

	s := newTestServer(t, config.Config{}, registry)
	body := getJSON(t, s.Mux(), "/statusz", http.StatusOK)
	if body["rooms"] != float64(2) || body["members"] != float64(3) || body["sessions"] != float64(4) {
		t.Fatalf("statusz=%v", body)
	}
}

func TestICEEndpoint(t *testing.T) {
	iceServers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example:3478"}},
		{URLs: []string{"turn:turn.example:3478"}},
	}

	t.Run("without turn rest", func(t *testing.T) {
		cfg := config.Config{ICEServers: iceServers[:1]}
		s := newTestServer(t, cfg, nil)
		body := getJSON(t, s.Mux(), "/webrtc/ice", http.StatusOK)
		got, ok := body["iceServers"].([]any)
		if !ok || len(got) != 1 {
			t.Fatalf("iceServers=%v", body["iceServers"])
		}
		if _, ok := body["turnExpiresAtUnix"]; ok {
			t.Fatalf("unexpected turn expiry without TURN REST: %v", body)
		}
	})

	t.Run("turn rest injects ephemeral credentials", func(t *testing.T) {
		cfg := config.Config{
			ICEServers: iceServers,
			TURNREST: config.TurnRESTConfig{
				SharedSecret:   "sekrit",
				TTLSeconds:     600,
				UsernamePrefix: "machikoi",
			},
		}
		s := newTestServer(t, cfg, nil)
		body := getJSON(t, s.Mux(), "/webrtc/ice", http.StatusOK)

		got, ok := body["iceServers"].([]any)
		if !ok || len(got) != 2 {
			t.Fatalf("iceServers=%v", body["iceServers"])
		}

		stun := got[0].(map[string]any)
		if _, ok := stun["username"]; ok && stun["username"] != "" {
			t.Fatalf("stun entry got credentials: %v", stun)
		}

		turn := got[1].(map[string]any)
		username, _ := turn["username"].(string)
		if !strings.Contains(username, ":machikoi:") {
			t.Fatalf("turn username=%q, want expiry:machikoi:session", username)
		}
		if cred, _ := turn["credential"].(string); cred == "" {
			t.Fatalf("turn entry missing ephemeral credential: %v", turn)
		}
		if _, ok := body["turnExpiresAtUnix"]; !ok {
			t.Fatalf("missing turnExpiresAtUnix: %v", body)
		}
	})

	t.Run("ice config error yields 503", func(t *testing.T) {
		s := newTestServer(t, cfgWithICEError(t), nil)
		getJSON(t, s.Mux(), "/webrtc/ice", http.StatusServiceUnavailable)
	})
}

func TestICECORSHeaders(t *testing.T) {
	cfg := config.Config{AllowedOrigins: []string{"https://app.machikoi.jp"}}
	s := newTestServer(t, cfg, nil)

	req := httptest.NewRequest("GET", "/webrtc/ice", nil)
	req.Header.Set("Origin", "https://app.machikoi.jp")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.machikoi.jp" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req = httptest.NewRequest("GET", "/webrtc/ice", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got Access-Control-Allow-Origin=%q", got)
	}
}

func TestWithTURNRESTCredentials(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example:3478"}},
		{URLs: []string{"TURNS:turn.example:5349"}},
	}
	out := withTURNRESTCredentials(servers, "u", "c")

	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry modified: %v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn entry not updated: %v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("input slice mutated")
	}

	empty := []webrtc.ICEServer{}
	if got := withTURNRESTCredentials(empty, "u", "c"); got == nil || len(got) != 0 {
		t.Fatalf("empty slice not preserved: %v", got)
	}
}

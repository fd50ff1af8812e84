package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Run("string and slice urls", func(t *testing.T) {
		servers, err := ParseICEServersJSON(`[
			{"urls": "stun:stun.l.google.com:19302"},
			{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
		]`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("servers=%v", servers)
		}
		if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
			t.Fatalf("stun urls=%v", servers[0].URLs)
		}
		if len(servers[1].URLs) != 2 || servers[1].Username != "u" {
			t.Fatalf("turn server=%v", servers[1])
		}
		if cred, ok := servers[1].Credential.(string); !ok || cred != "c" {
			t.Fatalf("credential=%v", servers[1].Credential)
		}
	})

	t.Run("turn requires credentials", func(t *testing.T) {
		_, err := ParseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`)
		if err == nil {
			t.Fatalf("expected error")
		}
		if !strings.Contains(err.Error(), "username") {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("turn credentials optional under turn rest", func(t *testing.T) {
		servers, err := parseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`, false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 1 {
			t.Fatalf("servers=%v", servers)
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		if _, err := ParseICEServersJSON(`[{"urls": "http://example.com"}]`); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("missing urls", func(t *testing.T) {
		if _, err := ParseICEServersJSON(`[{"username": "u"}]`); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := ParseICEServersJSON(`{`); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Run("stun and turn", func(t *testing.T) {
		servers, err := parseICEServersFromValues("",
			"stun:a.example:3478, stun:b.example:3478",
			"turn:turn.example:3478",
			"user", "pass", false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("servers=%v", servers)
		}
		if len(servers[0].URLs) != 2 {
			t.Fatalf("stun urls=%v", servers[0].URLs)
		}
		if servers[1].Username != "user" {
			t.Fatalf("turn username=%q", servers[1].Username)
		}
	})

	t.Run("turn without creds fails", func(t *testing.T) {
		if _, err := parseICEServersFromValues("", "", "turn:turn.example:3478", "", "", false); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("turn without creds allowed under turn rest", func(t *testing.T) {
		servers, err := parseICEServersFromValues("", "", "turn:turn.example:3478", "", "", true)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 1 {
			t.Fatalf("servers=%v", servers)
		}
	})

	t.Run("json wins over convenience vars", func(t *testing.T) {
		servers, err := parseICEServersFromValues(
			`[{"urls": "stun:json.example:3478"}]`,
			"stun:ignored.example:3478", "", "", "", false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example:3478" {
			t.Fatalf("servers=%v", servers)
		}
	})

	t.Run("empty yields no servers", func(t *testing.T) {
		servers, err := parseICEServersFromValues("", "", "", "", "", false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 0 {
			t.Fatalf("servers=%v", servers)
		}
	})
}

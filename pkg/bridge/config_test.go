// Copyright 2024-2026 Aiku AI

package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: as-secret
  hs_token: hs-secret
servers:
  irc.libera.chat: {}
`

func TestLoadConfigFillsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Appservice.BotLocalpart != "ircbot" {
		t.Errorf("bot localpart: got %q", cfg.Appservice.BotLocalpart)
	}
	if cfg.BotUserID() != "@ircbot:example.com" {
		t.Errorf("bot user ID: got %q", cfg.BotUserID())
	}
	if cfg.Database.Path != "mautrix-irc.db" {
		t.Errorf("database path: got %q", cfg.Database.Path)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("log level: got %v", cfg.LogLevel())
	}

	srv := cfg.Servers["irc.libera.chat"]
	if srv.ID != "irc.libera.chat" || srv.Addr != "irc.libera.chat" {
		t.Errorf("server identity: id=%q addr=%q", srv.ID, srv.Addr)
	}
	if srv.Port != 6667 {
		t.Errorf("plaintext port: got %d, want 6667", srv.Port)
	}
	if srv.BotNick != "MatrixBot" || srv.BotUsername != "matrixbot" {
		t.Errorf("bot identity: nick=%q username=%q", srv.BotNick, srv.BotUsername)
	}
	if srv.ReconnectIntervalSeconds != 10 {
		t.Errorf("reconnect interval: got %d", srv.ReconnectIntervalSeconds)
	}
	if !srv.Federate || !srv.PM.Federate {
		t.Errorf("federation defaults: server=%t pm=%t, want both true", srv.Federate, srv.PM.Federate)
	}
}

func TestLoadConfigTLSDefaultsPort(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: a
  hs_token: b
servers:
  irc.libera.chat:
    tls: true
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Servers["irc.libera.chat"].Port; got != 6697 {
		t.Errorf("tls port: got %d, want 6697", got)
	}
}

func TestLoadConfigExplicitFederateFalseSticks(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: a
  hs_token: b
servers:
  irc.libera.chat:
    federate: false
    private_messages:
      enabled: true
      federate: false
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	srv := cfg.Servers["irc.libera.chat"]
	if srv.Federate || srv.PM.Federate {
		t.Errorf("explicit false overridden: server=%t pm=%t", srv.Federate, srv.PM.Federate)
	}
}

func TestLoadConfigRejectsMissingEssentials(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"no homeserver", "servers:\n  irc.libera.chat: {}\n"},
		{"no tokens", "homeserver:\n  address: https://hs\n  domain: example.com\nservers:\n  irc.libera.chat: {}\n"},
		{"no servers", "homeserver:\n  address: https://hs\n  domain: example.com\nappservice:\n  as_token: a\n  hs_token: b\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigRejectsBadExclusionPattern(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(writeConfig(t, `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: a
  hs_token: b
servers:
  irc.libera.chat:
    excluded_users:
      - "@admin:[example.com"
`))
	if err == nil {
		t.Error("expected error for unparseable exclusion regexp")
	}
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(writeConfig(t, `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: a
  hs_token: b
logging:
  level: loud
servers:
  irc.libera.chat: {}
`))
	if err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestServerMayJoinHonorsExclusions(t *testing.T) {
	t.Parallel()
	srv := &Server{ExcludedUsers: []string{`^@appservice-.*`, `@bot:example\.com`}}
	if err := srv.compileExclusions(); err != nil {
		t.Fatal(err)
	}
	if srv.MayJoin("@appservice-discord:example.com") {
		t.Error("excluded prefix admitted")
	}
	if srv.MayJoin("@bot:example.com") {
		t.Error("excluded user admitted")
	}
	if !srv.MayJoin("@alice:example.com") {
		t.Error("regular user rejected")
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, ExampleConfig))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Servers) == 0 {
		t.Error("example config has no servers")
	}
}

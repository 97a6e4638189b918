// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"testing"
	"time"
)

func TestPuppetForRegistersOnceAndPersists(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	first, err := tb.prov.PuppetFor(context.Background(), tb.server, "gamma", false)
	if err != nil {
		t.Fatalf("PuppetFor: %v", err)
	}
	if first != "@irc.test_gamma:example.com" {
		t.Errorf("puppet: got %q", first)
	}
	second, err := tb.prov.PuppetFor(context.Background(), tb.server, "gamma", false)
	if err != nil {
		t.Fatalf("PuppetFor (repeat): %v", err)
	}
	if first != second {
		t.Errorf("repeat returned %q, want %q", second, first)
	}
	if regs := tb.matrix.callsNamed("RegisterPuppet"); len(regs) != 1 {
		t.Errorf("registrations: got %d, want 1", len(regs))
	}

	stored, err := tb.store.GetPuppet(context.Background(), testServerID, "gamma")
	if err != nil || stored != first {
		t.Errorf("persisted puppet: got %q, %v", stored, err)
	}
}

func TestPuppetForSurvivesCacheLoss(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	uid, err := tb.prov.PuppetFor(context.Background(), tb.server, "gamma", false)
	if err != nil {
		t.Fatalf("PuppetFor: %v", err)
	}

	// A fresh provisioner sharing the store models a restart.
	fresh := NewVirtualIdentityProvisioner(tb.prov.log, tb.matrix, tb.store, tb.pool, testDomain)
	again, err := fresh.PuppetFor(context.Background(), tb.server, "gamma", false)
	if err != nil {
		t.Fatalf("PuppetFor after restart: %v", err)
	}
	if again != uid {
		t.Errorf("puppet after restart: got %q, want %q", again, uid)
	}
	if regs := tb.matrix.callsNamed("RegisterPuppet"); len(regs) != 1 {
		t.Errorf("registrations: got %d, want 1", len(regs))
	}
}

func TestPuppetForWhoisGateAbortsOnUnknownNick(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	_, err := tb.prov.PuppetFor(context.Background(), tb.server, "ghost", true)
	if err == nil {
		t.Fatal("expected error for unknown nick")
	}
	if regs := tb.matrix.callsNamed("RegisterPuppet"); len(regs) != 0 {
		t.Errorf("puppet registered despite failed presence check")
	}
	if uid, _ := tb.store.GetPuppet(context.Background(), testServerID, "ghost"); uid != "" {
		t.Errorf("puppet persisted despite failed presence check: %q", uid)
	}
}

func TestPuppetForWhoisGatePassesForKnownNick(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	tb.dialer.mu.Lock()
	tb.dialer.whois["gamma"] = &WhoisInfo{Nick: "gamma"}
	tb.dialer.mu.Unlock()

	uid, err := tb.prov.PuppetFor(context.Background(), tb.server, "gamma", true)
	if err != nil {
		t.Fatalf("PuppetFor: %v", err)
	}
	if uid != "@irc.test_gamma:example.com" {
		t.Errorf("puppet: got %q", uid)
	}
	bot := tb.dialer.conn(testServerID, "MatrixBot")
	if lookups := bot.commandsNamed("WHOIS"); len(lookups) != 1 {
		t.Errorf("whois lookups: got %d, want 1", len(lookups))
	}
}

func TestCachedPuppetNeverProvisions(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	uid, err := tb.prov.CachedPuppet(context.Background(), tb.server, "gamma")
	if err != nil {
		t.Fatalf("CachedPuppet: %v", err)
	}
	if uid != "" {
		t.Errorf("got %q for never-provisioned nick", uid)
	}
	if regs := tb.matrix.callsNamed("RegisterPuppet"); len(regs) != 0 {
		t.Error("CachedPuppet triggered a registration")
	}
}

func TestIRCConfigForCreatesAndPersistsDefault(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	cfg, err := tb.prov.IRCConfigFor(context.Background(), "@alice:example.com", testServerID)
	if err != nil {
		t.Fatalf("IRCConfigFor: %v", err)
	}
	if cfg.Nick != "M-alice" || cfg.Username != "M-alice" {
		t.Errorf("default config: nick=%q username=%q", cfg.Nick, cfg.Username)
	}
	stored, err := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if err != nil || stored == nil {
		t.Fatalf("persisted config: %v, %v", stored, err)
	}
	if stored.Nick != "M-alice" {
		t.Errorf("persisted nick: got %q", stored.Nick)
	}
}

func TestStorePasswordBouncesLiveConnection(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	tb.pool.SetReconnectDelay(10 * time.Millisecond)

	_, mc := tb.connect(t, "@alice:example.com")
	err := tb.prov.StorePassword(context.Background(), tb.server, "@alice:example.com", "hunter2 with spaces")
	if err != nil {
		t.Fatalf("StorePassword: %v", err)
	}

	cfg, err := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if err != nil || cfg == nil {
		t.Fatalf("persisted config: %v, %v", cfg, err)
	}
	if cfg.Password != "hunter2 with spaces" {
		t.Errorf("password: got %q", cfg.Password)
	}
	if !mc.isClosed() {
		t.Error("live connection not bounced")
	}
	waitFor(t, func() bool { return tb.dialer.dialCount() == 2 }, "reconnect after password change never dialed")
}

func TestStorePasswordWithoutConnectionOnlyPersists(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	err := tb.prov.StorePassword(context.Background(), tb.server, "@alice:example.com", "secret")
	if err != nil {
		t.Fatalf("StorePassword: %v", err)
	}
	cfg, _ := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if cfg == nil || cfg.Password != "secret" {
		t.Fatalf("persisted config: %+v", cfg)
	}
	if tb.dialer.dialCount() != 0 {
		t.Errorf("dials: got %d, want 0", tb.dialer.dialCount())
	}
}

func TestRemovePasswordClearsPersistedPassword(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	if err := tb.prov.StorePassword(context.Background(), tb.server, "@alice:example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := tb.prov.RemovePassword(context.Background(), tb.server, "@alice:example.com"); err != nil {
		t.Fatalf("RemovePassword: %v", err)
	}
	cfg, _ := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if cfg == nil || cfg.Password != "" {
		t.Errorf("password not cleared: %+v", cfg)
	}
}

func TestChangeNickPersistsAndAppliesLive(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	conn, mc := tb.connect(t, "@alice:example.com")
	err := tb.prov.ChangeNick(context.Background(), tb.server, "@alice:example.com", "ally")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	if cmds := mc.commandsNamed("NICK"); len(cmds) != 1 || cmds[0].Args[0] != "ally" {
		t.Errorf("NICK commands: got %v", cmds)
	}
	if conn.Nick() != "ally" {
		t.Errorf("live nick: got %q", conn.Nick())
	}
	cfg, _ := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if cfg == nil || cfg.Nick != "ally" {
		t.Errorf("persisted nick: %+v", cfg)
	}
}

func TestChangeNickWithoutConnectionOnlyPersists(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	err := tb.prov.ChangeNick(context.Background(), tb.server, "@alice:example.com", "ally")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	cfg, _ := tb.store.GetIRCClientConfig(context.Background(), "@alice:example.com", testServerID)
	if cfg == nil || cfg.Nick != "ally" {
		t.Errorf("persisted nick: %+v", cfg)
	}
}

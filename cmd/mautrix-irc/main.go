// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-irc is a Matrix-IRC puppeting bridge. It mirrors
// membership and messages between Matrix rooms and IRC channels, giving
// each IRC user a virtual Matrix account and each Matrix user a dedicated
// IRC client connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/bridge"
	"github.com/aiku/mautrix-irc/pkg/bridge/ircconn"
	"github.com/aiku/mautrix-irc/pkg/bridge/mx"
	"github.com/aiku/mautrix-irc/pkg/bridge/sqlstore"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	generateConfig := flag.Bool("generate-config", false, "write the example config to stdout and exit")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("mautrix-irc %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateConfig {
		fmt.Print(bridge.ExampleConfig)
		return
	}
	bridge.Version = Tag

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().
		Level(cfg.LogLevel())

	if err := run(log, cfg); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(log zerolog.Logger, cfg *bridge.Config) error {
	store, err := sqlstore.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	botUserID := cfg.BotUserID()
	matrix, err := mx.NewClient(log, cfg.Homeserver.Address, cfg.Appservice.ASToken, cfg.Homeserver.Domain, botUserID)
	if err != nil {
		return err
	}

	pool := bridge.NewConnectionPool(log, ircconn.NewDialer(log))
	prov := bridge.NewVirtualIdentityProvisioner(log, matrix, store, pool, cfg.Homeserver.Domain)
	pool.SetConfigSource(prov)

	pm := bridge.NewPMRequestCoordinator(log, matrix, store, prov)
	rooms := bridge.NewRoomLifecycleManager(log, matrix, store, pool, cfg.Servers, botUserID, cfg.Homeserver.Domain)
	admin := bridge.NewAdminHandler(log, matrix, store, store, pool, prov, rooms,
		cfg.Servers, defaultServerID(cfg), botUserID)
	engine := bridge.NewMembershipSyncEngine(log, cfg.Servers, store, pool, prov, matrix,
		pm, rooms, admin, botUserID, cfg.Homeserver.Domain)
	pool.SetHandler(engine)

	// The pool has one reconnect policy; the default server's interval wins.
	pool.SetReconnectDelay(time.Duration(cfg.Servers[defaultServerID(cfg)].ReconnectIntervalSeconds) * time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, server := range cfg.Servers {
		server := server
		go func() {
			if err := engine.SyncServer(ctx, server); err != nil {
				log.Error().Err(err).Str("server", server.ID).Msg("Initial server sync failed")
			}
		}()
	}

	err = matrix.RunSync(ctx, engine)
	pool.Shutdown("Bridge shutting down")
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Bridge stopped")
	return nil
}

// defaultServerID picks the server admin commands target when none is named:
// the lexicographically first configured network, for stable behavior.
func defaultServerID(cfg *bridge.Config) string {
	ids := make([]string, 0, len(cfg.Servers))
	for serverID := range cfg.Servers {
		ids = append(ids, serverID)
	}
	sort.Strings(ids)
	return ids[0]
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

// ConnState is the liveness of one pooled connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "dead"
	}
}

// DisconnectReason distinguishes teardown causes when the pool disconnects a
// connection.
type DisconnectReason string

const (
	// ReasonQuit is a user- or admin-initiated permanent quit.
	ReasonQuit DisconnectReason = "quit"
	// ReasonAuthChanged tears the connection down so the reconnect policy
	// re-establishes it with fresh credentials. This is the only automatic
	// retry path for re-authentication.
	ReasonAuthChanged DisconnectReason = "auth-changed"
	// ReasonShutdown is process shutdown.
	ReasonShutdown DisconnectReason = "shutdown"
)

// Connection is one authenticated IRC session owned by exactly one logical
// actor: the bot (Owner == "") or a puppet for one Matrix user. The joined
// channel set is updated only on confirmation from the server, never when a
// command is issued.
type Connection struct {
	Server *Server
	// Owner is the Matrix user this connection puppets, or "" for the bot.
	Owner id.UserID

	conn IRCConn

	mu       sync.Mutex
	state    ConnState
	channels map[string]struct{}
}

// Nick returns the connection's current nick.
func (c *Connection) Nick() string {
	return c.conn.Nick()
}

// IsBot reports whether this is the server's bot connection.
func (c *Connection) IsBot() bool {
	return c.Owner == ""
}

// State returns the connection's liveness.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsJoined reports whether the server has confirmed this connection inside
// the given channel.
func (c *Connection) IsJoined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// JoinedChannels returns a copy of the confirmed channel set.
func (c *Connection) JoinedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Conn exposes the underlying command sink.
func (c *Connection) Conn() IRCConn {
	return c.conn
}

func (c *Connection) markJoined(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Connection) markParted(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

func (c *Connection) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDead
}

// IRCEventHandler consumes the typed IRC event variants from the pool's
// per-connection ingestion loops. The engine implements this.
type IRCEventHandler interface {
	HandleIRCEvent(ctx context.Context, conn *Connection, ev IRCEvent)
}

// ircConfigSource supplies per-user IRC client configuration for puppet
// connections. The provisioner implements this.
type ircConfigSource interface {
	IRCConfigFor(ctx context.Context, userID id.UserID, serverID string) (*IRCClientConfig, error)
}

type connKey struct {
	serverID string
	owner    id.UserID
}

// ConnectionPool owns one bot connection per IRC server plus zero or more
// puppet connections, tracks their liveness and joined-channel sets, and
// schedules reconnection.
type ConnectionPool struct {
	log    zerolog.Logger
	dialer IRCDialer

	mu    sync.Mutex
	conns map[connKey]*Connection

	configs ircConfigSource
	handler IRCEventHandler

	reconnectDelay time.Duration
}

// NewConnectionPool creates a pool. SetConfigSource and SetHandler must be
// called before Get.
func NewConnectionPool(log zerolog.Logger, dialer IRCDialer) *ConnectionPool {
	return &ConnectionPool{
		log:            log.With().Str("component", "conn_pool").Logger(),
		dialer:         dialer,
		conns:          make(map[connKey]*Connection),
		reconnectDelay: 10 * time.Second,
	}
}

// SetConfigSource wires the identity provisioner in after construction; the
// provisioner needs the pool for WHOIS lookups, so the two are connected in
// two steps.
func (p *ConnectionPool) SetConfigSource(src ircConfigSource) {
	p.configs = src
}

// SetHandler wires the event consumer in after construction.
func (p *ConnectionPool) SetHandler(h IRCEventHandler) {
	p.handler = h
}

// SetReconnectDelay overrides the delay before a reconnecting teardown is
// re-established.
func (p *ConnectionPool) SetReconnectDelay(d time.Duration) {
	p.reconnectDelay = d
}

// Get returns the existing live connection for (server, owner), establishing
// a new one if there is none. owner == "" requests the bot connection.
func (p *ConnectionPool) Get(ctx context.Context, server *Server, owner id.UserID) (*Connection, error) {
	key := connKey{serverID: server.ID, owner: owner}

	p.mu.Lock()
	if c, ok := p.conns[key]; ok && c.State() != StateDead {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	cfg, err := p.configFor(ctx, server, owner)
	if err != nil {
		return nil, err
	}

	events := make(chan IRCEvent, 64)
	c := &Connection{
		Server:   server,
		Owner:    owner,
		state:    StateConnecting,
		channels: make(map[string]struct{}),
	}
	conn, err := p.dialer.Dial(ctx, server, *cfg, events)
	if err != nil {
		return nil, fmt.Errorf("%w: %s as %q: %v", ErrConnectionFailed, server.ID, cfg.Nick, err)
	}
	c.conn = conn
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	p.mu.Lock()
	// A racing Get may have established the same connection first; keep the
	// winner and quietly discard ours.
	if existing, ok := p.conns[key]; ok && existing.State() != StateDead {
		p.mu.Unlock()
		_ = conn.Close("duplicate connection")
		return existing, nil
	}
	p.conns[key] = c
	p.mu.Unlock()

	p.log.Info().
		Str("server", server.ID).
		Str("owner", string(owner)).
		Str("nick", cfg.Nick).
		Msg("Connection established")

	go p.consume(c, events)
	return c, nil
}

func (p *ConnectionPool) configFor(ctx context.Context, server *Server, owner id.UserID) (*IRCClientConfig, error) {
	if owner == "" {
		return &IRCClientConfig{
			ServerID: server.ID,
			Nick:     server.BotNick,
			Username: server.BotUsername,
		}, nil
	}
	return p.configs.IRCConfigFor(ctx, owner, server.ID)
}

// Lookup returns the live connection for (server, owner) without
// establishing one.
func (p *ConnectionPool) Lookup(serverID string, owner id.UserID) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[connKey{serverID: serverID, owner: owner}]
	if !ok || c.State() == StateDead {
		return nil
	}
	return c
}

// LookupByNick finds the puppet connection currently using the given nick on
// the server, or nil.
func (p *ConnectionPool) LookupByNick(serverID, nick string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.conns {
		if key.serverID != serverID || key.owner == "" || c.State() == StateDead {
			continue
		}
		if c.Nick() == nick {
			return c
		}
	}
	return nil
}

// ConnectionsForUser returns the user's live connections across all servers.
func (p *ConnectionPool) ConnectionsForUser(owner id.UserID) []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Connection
	for key, c := range p.conns {
		if key.owner == owner && c.State() != StateDead {
			out = append(out, c)
		}
	}
	return out
}

// Disconnect gracefully tears a connection down. When reconnecting is set,
// the pool schedules re-establishment after the reconnect delay; this is the
// bridge's only automatic retry mechanism.
func (p *ConnectionPool) Disconnect(conn *Connection, reason DisconnectReason, message string, reconnecting bool) {
	key := connKey{serverID: conn.Server.ID, owner: conn.Owner}
	conn.markDead()

	p.mu.Lock()
	if p.conns[key] == conn {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	_ = conn.conn.Close(message)
	p.log.Info().
		Str("server", conn.Server.ID).
		Str("owner", string(conn.Owner)).
		Str("reason", string(reason)).
		Bool("reconnecting", reconnecting).
		Msg("Connection closed")

	if reconnecting {
		server, owner := conn.Server, conn.Owner
		time.AfterFunc(p.reconnectDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := p.Get(ctx, server, owner); err != nil {
				p.log.Error().Err(err).
					Str("server", server.ID).
					Str("owner", string(owner)).
					Msg("Scheduled reconnect failed")
			}
		})
	}
}

// Shutdown closes every connection without rescheduling.
func (p *ConnectionPool) Shutdown(message string) {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[connKey]*Connection)
	p.mu.Unlock()

	for _, c := range conns {
		c.markDead()
		_ = c.conn.Close(message)
	}
}

// consume is the single ingestion loop for one connection. Confirmations of
// the connection's own joins and parts update the channel set here; all
// other events go to the handler in arrival order.
func (p *ConnectionPool) consume(c *Connection, events <-chan IRCEvent) {
	ctx := context.Background()
	for ev := range events {
		switch e := ev.(type) {
		case IRCJoinEvent:
			if e.Nick == c.Nick() {
				c.markJoined(e.Channel)
				continue
			}
		case IRCPartEvent:
			if e.Nick == c.Nick() {
				c.markParted(e.Channel)
				continue
			}
		case IRCKickEvent:
			if e.Kickee == c.Nick() {
				c.markParted(e.Channel)
			}
		case IRCDisconnectedEvent:
			c.markDead()
			p.mu.Lock()
			key := connKey{serverID: c.Server.ID, owner: c.Owner}
			if p.conns[key] == c {
				delete(p.conns, key)
			}
			p.mu.Unlock()
			p.log.Warn().
				Str("server", c.Server.ID).
				Str("owner", string(c.Owner)).
				Str("reason", e.Reason).
				Msg("Connection lost, scheduling reconnect")
			server, owner := c.Server, c.Owner
			time.AfterFunc(p.reconnectDelay, func() {
				rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := p.Get(rctx, server, owner); err != nil {
					p.log.Error().Err(err).
						Str("server", server.ID).
						Str("owner", string(owner)).
						Msg("Reconnect after connection loss failed")
				}
			})
		}
		if p.handler != nil {
			p.handler.HandleIRCEvent(ctx, c, ev)
		}
	}
}

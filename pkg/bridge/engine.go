// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

// MembershipSyncEngine is the routing core: it consumes inbound events from
// both protocols and issues the minimal set of mirrored commands to keep
// membership convergent. Every mapped counterpart is mirrored independently;
// a failure against one mapping is logged and does not block the others, and
// no event's failure may block processing of subsequent unrelated events.
type MembershipSyncEngine struct {
	log     zerolog.Logger
	servers map[string]*Server
	store   MappingStore
	pool    *ConnectionPool
	prov    *VirtualIdentityProvisioner
	matrix  MatrixClient
	pm      *PMRequestCoordinator
	rooms   *RoomLifecycleManager
	admin   *AdminHandler

	botUserID id.UserID
	hsDomain  string
}

// NewMembershipSyncEngine wires the engine. admin may be nil when the
// administrative control channel is not enabled.
func NewMembershipSyncEngine(
	log zerolog.Logger,
	servers map[string]*Server,
	store MappingStore,
	pool *ConnectionPool,
	prov *VirtualIdentityProvisioner,
	matrix MatrixClient,
	pm *PMRequestCoordinator,
	rooms *RoomLifecycleManager,
	admin *AdminHandler,
	botUserID id.UserID,
	hsDomain string,
) *MembershipSyncEngine {
	return &MembershipSyncEngine{
		log:       log.With().Str("component", "sync_engine").Logger(),
		servers:   servers,
		store:     store,
		pool:      pool,
		prov:      prov,
		matrix:    matrix,
		pm:        pm,
		rooms:     rooms,
		admin:     admin,
		botUserID: botUserID,
		hsDomain:  hsDomain,
	}
}

// puppetOf resolves a Matrix user ID to the (server, nick) it puppets, if it
// is one of our virtual accounts.
func (e *MembershipSyncEngine) puppetOf(userID id.UserID) (*Server, string, bool) {
	for _, server := range e.servers {
		if nick, ok := ParsePuppetUserID(userID, server.ID, e.hsDomain); ok {
			return server, nick, true
		}
	}
	return nil, "", false
}

// isOwnUser reports whether the user ID belongs to the bridge itself: the
// bot or any puppet. Events from own users are never mirrored (echo
// prevention).
func (e *MembershipSyncEngine) isOwnUser(userID id.UserID) bool {
	if userID == e.botUserID {
		return true
	}
	_, _, ok := e.puppetOf(userID)
	return ok
}

// OnMatrixJoin mirrors a Matrix join into every mapped IRC channel. A room
// with no mapping is a silent no-op. All mapped channels are joined: a user
// joined to N rooms mapped to N distinct channels ends up in all N.
func (e *MembershipSyncEngine) OnMatrixJoin(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	if e.isOwnUser(userID) {
		return nil
	}
	mappings, err := e.store.GetMappingsForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}
	for _, m := range mappings {
		if m.Kind != KindChannel {
			continue
		}
		server := e.servers[m.ServerID]
		if server == nil || !server.Sync.Enabled || !server.Sync.MatrixToIRC.Incremental {
			continue
		}
		if !server.MayJoin(userID) {
			e.log.Debug().
				Str("user_id", string(userID)).
				Str("server", server.ID).
				Msg("User excluded from server, not joining")
			continue
		}
		conn, err := e.pool.Get(ctx, server, userID)
		if err != nil {
			e.log.Error().Err(err).
				Str("user_id", string(userID)).
				Str("channel", m.Channel).
				Str("server", server.ID).
				Msg("Failed to get connection for join")
			continue
		}
		if conn.IsJoined(m.Channel) {
			continue
		}
		if err := conn.Conn().Join(ctx, m.Channel, ""); err != nil {
			e.log.Error().Err(err).
				Str("user_id", string(userID)).
				Str("channel", m.Channel).
				Msg("Channel join failed")
		}
	}
	return nil
}

// OnMatrixLeave mirrors a Matrix leave or kick onto IRC. A self-initiated
// leave becomes a plain part with no reason. A kick (actor != target) of a
// real Matrix user makes their puppet connection part with a message naming
// the actor; a kick of one of our virtual IRC users makes the actor's own
// connection issue a channel KICK.
func (e *MembershipSyncEngine) OnMatrixLeave(ctx context.Context, roomID id.RoomID, userID, actorID id.UserID, reason string) error {
	if userID == e.botUserID {
		return nil
	}
	if e.isOwnUser(actorID) {
		// Echo of a removal the bridge performed itself: a puppet's
		// self-leave mirroring an IRC part, or a bot-issued kick coming
		// back through /sync.
		return nil
	}
	mappings, err := e.store.GetMappingsForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}

	if server, nick, ok := e.puppetOf(userID); ok {
		// The kicked party is a virtual IRC user; mirror as an IRC KICK
		// issued by the actor's connection.
		kickReason := reason
		if kickReason == "" {
			kickReason = "Kicked by " + string(actorID)
		}
		for _, m := range mappings {
			if m.Kind != KindChannel || m.ServerID != server.ID {
				continue
			}
			conn, err := e.pool.Get(ctx, server, actorID)
			if err != nil {
				e.log.Error().Err(err).
					Str("actor", string(actorID)).
					Str("channel", m.Channel).
					Msg("Failed to get kicker connection")
				continue
			}
			if err := conn.Conn().Kick(ctx, m.Channel, nick, kickReason); err != nil {
				e.log.Error().Err(err).
					Str("channel", m.Channel).
					Str("nick", nick).
					Msg("IRC kick failed")
			}
		}
		return nil
	}

	for _, m := range mappings {
		if m.Kind != KindChannel {
			continue
		}
		conn := e.pool.Lookup(m.ServerID, userID)
		if conn == nil {
			// Not connected to this server; nothing to mirror.
			continue
		}
		var msg string
		if actorID != "" && actorID != userID {
			msg = "Kicked by " + string(actorID)
			if reason != "" {
				msg += ": " + reason
			}
		}
		if err := conn.Conn().Part(ctx, m.Channel, msg); err != nil {
			e.log.Error().Err(err).
				Str("user_id", string(userID)).
				Str("channel", m.Channel).
				Msg("Channel part failed")
		}
	}
	return nil
}

// OnMatrixInvite handles an invite event. An invite of the bot to a direct
// room opens an admin control room; an invite of a virtual user starts the
// PM flow. Anything else is ignored.
func (e *MembershipSyncEngine) OnMatrixInvite(ctx context.Context, roomID id.RoomID, target, sender id.UserID, isDirect bool) error {
	if target == e.botUserID {
		if err := e.matrix.JoinRoom(ctx, e.botUserID, roomID); err != nil {
			return fmt.Errorf("failed to join admin room: %w", err)
		}
		if e.admin != nil {
			e.admin.RegisterRoom(roomID, sender)
		}
		return nil
	}

	if e.isOwnUser(sender) {
		// Echo of the bridge's own invite-before-join of a puppet; routing
		// it into the PM flow would kick the puppet straight back out.
		return nil
	}

	server, nick, ok := e.puppetOf(target)
	if !ok {
		return nil
	}
	return e.handlePMInvite(ctx, server, nick, roomID, sender, isDirect)
}

func (e *MembershipSyncEngine) handlePMInvite(ctx context.Context, server *Server, nick string, roomID id.RoomID, sender id.UserID, isDirect bool) error {
	// The invite proves nothing about the nick's existence; gate on WHOIS
	// before provisioning anything.
	puppet, err := e.prov.PuppetFor(ctx, server, nick, true)
	if err != nil {
		return err
	}
	if err := e.matrix.JoinRoom(ctx, puppet, roomID); err != nil {
		return fmt.Errorf("puppet failed to join PM room: %w", err)
	}

	if !isDirect {
		// 1:1 intent is never established for group-context invites.
		if err := e.matrix.KickUser(ctx, puppet, roomID, puppet, "Group chat not supported."); err != nil {
			e.log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to reject group chat invite")
		}
		return nil
	}

	if !server.PM.Enabled {
		_ = e.matrix.SendNotice(ctx, puppet, roomID,
			fmt.Sprintf("Private messages are disabled on %s.", server.ID))
		if err := e.matrix.LeaveRoom(ctx, puppet, roomID); err != nil {
			e.log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to leave disabled PM room")
		}
		return nil
	}

	if err := e.store.StoreRoomMapping(ctx, RoomMapping{
		RoomID:   roomID,
		ServerID: server.ID,
		Channel:  nick,
		Origin:   OriginPM,
		Kind:     KindPM,
		PMUser:   sender,
	}); err != nil {
		return fmt.Errorf("failed to persist PM mapping: %w", err)
	}
	e.pm.NoteRoom(server.ID, nick, sender, roomID)
	return nil
}

// OnMatrixMessage routes a message from Matrix: admin commands to the admin
// handler, channel messages onto the sender's puppet connection (joining the
// channel first if needed), PMs to the mapped nick.
func (e *MembershipSyncEngine) OnMatrixMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error {
	if e.isOwnUser(sender) {
		return nil
	}
	if e.admin != nil && e.admin.IsAdminRoom(roomID) {
		return e.admin.HandleMessage(ctx, roomID, sender, body)
	}
	mappings, err := e.store.GetMappingsForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}
	for _, m := range mappings {
		server := e.servers[m.ServerID]
		if server == nil || !server.MayJoin(sender) {
			continue
		}
		conn, err := e.pool.Get(ctx, server, sender)
		if err != nil {
			e.log.Error().Err(err).
				Str("sender", string(sender)).
				Str("server", m.ServerID).
				Msg("Failed to get connection for message")
			continue
		}
		switch m.Kind {
		case KindChannel:
			if !conn.IsJoined(m.Channel) {
				if err := conn.Conn().Join(ctx, m.Channel, ""); err != nil {
					e.log.Error().Err(err).Str("channel", m.Channel).Msg("Join before message failed")
					continue
				}
			}
			if err := conn.Conn().Privmsg(ctx, m.Channel, body); err != nil {
				e.log.Error().Err(err).Str("channel", m.Channel).Msg("Message relay failed")
			}
		case KindPM:
			if m.PMUser != "" && m.PMUser != sender {
				continue
			}
			if err := conn.Conn().Privmsg(ctx, m.Channel, body); err != nil {
				e.log.Error().Err(err).Str("nick", m.Channel).Msg("PM relay failed")
			}
		}
	}
	return nil
}

// OnMatrixTombstone migrates bridge state to the replacement room.
func (e *MembershipSyncEngine) OnMatrixTombstone(ctx context.Context, roomID, replacement id.RoomID) error {
	return e.rooms.MigrateOnUpgrade(ctx, roomID, replacement)
}

// HandleIRCEvent dispatches an inbound IRC event. Membership events are
// mirrored only from the bot connection so a channel observed by many
// puppets is mirrored once.
func (e *MembershipSyncEngine) HandleIRCEvent(ctx context.Context, conn *Connection, ev IRCEvent) {
	server := conn.Server
	var err error
	switch evt := ev.(type) {
	case IRCJoinEvent:
		if conn.IsBot() {
			err = e.onIRCJoin(ctx, server, evt.Channel, evt.Nick)
		}
	case IRCPartEvent:
		if conn.IsBot() {
			err = e.onIRCPart(ctx, server, evt.Channel, evt.Nick, evt.Reason)
		}
	case IRCKickEvent:
		if conn.IsBot() {
			err = e.onIRCKick(ctx, server, evt.Channel, evt.Kickee, evt.Kicker, evt.Reason)
		}
	case IRCMessageEvent:
		if isChannelName(evt.Target) {
			if conn.IsBot() {
				err = e.onIRCChannelMessage(ctx, server, evt.Target, evt.From, evt.Text)
			}
		} else if !conn.IsBot() && evt.Target == conn.Nick() {
			err = e.pm.DeliverPM(ctx, server, evt.From, conn.Owner, evt.Text)
		}
	case IRCJoinErrorEvent:
		err = e.onIRCJoinError(ctx, conn, evt.Channel, evt.Code)
	}
	if err != nil {
		e.log.Error().Err(err).
			Str("server", server.ID).
			Type("event", ev).
			Msg("IRC event handling failed")
	}
}

// onIRCJoin mirrors an IRC join into every room mapped to the channel,
// with invite-then-join semantics for the puppet.
func (e *MembershipSyncEngine) onIRCJoin(ctx context.Context, server *Server, channel, nick string) error {
	if e.isOwnNick(server, nick) {
		return nil
	}
	if !server.Sync.Enabled || !server.Sync.IRCToMatrix.Incremental {
		return nil
	}
	mappings, err := e.store.GetRoomsForChannel(ctx, server.ID, channel)
	if err != nil {
		return fmt.Errorf("failed to load channel mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil
	}
	puppet, err := e.prov.PuppetFor(ctx, server, nick, false)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if err := e.joinPuppet(ctx, puppet, m.RoomID); err != nil {
			e.log.Error().Err(err).
				Str("room_id", string(m.RoomID)).
				Str("nick", nick).
				Msg("Failed to mirror IRC join")
		}
	}
	return nil
}

// joinPuppet joins a puppet to a room, inviting it via the bot first if the
// direct join is rejected.
func (e *MembershipSyncEngine) joinPuppet(ctx context.Context, puppet id.UserID, roomID id.RoomID) error {
	if err := e.matrix.JoinRoom(ctx, puppet, roomID); err == nil {
		return nil
	}
	if err := e.matrix.InviteUser(ctx, e.botUserID, roomID, puppet); err != nil {
		return fmt.Errorf("invite before join failed: %w", err)
	}
	return e.matrix.JoinRoom(ctx, puppet, roomID)
}

// onIRCPart mirrors an IRC part. A part with a reason is mirrored as a kick
// of the puppet carrying "Part: <reason>" so the reason is visible
// account-wide; a bare part is a plain leave.
func (e *MembershipSyncEngine) onIRCPart(ctx context.Context, server *Server, channel, nick, reason string) error {
	if e.isOwnNick(server, nick) {
		return nil
	}
	if !server.Sync.Enabled || !server.Sync.IRCToMatrix.Incremental {
		return nil
	}
	puppet, err := e.prov.CachedPuppet(ctx, server, nick)
	if err != nil {
		return err
	}
	if puppet == "" {
		// Never provisioned, so never present on the Matrix side.
		return nil
	}
	mappings, err := e.store.GetRoomsForChannel(ctx, server.ID, channel)
	if err != nil {
		return fmt.Errorf("failed to load channel mappings: %w", err)
	}
	for _, m := range mappings {
		var mirrorErr error
		if reason != "" {
			mirrorErr = e.matrix.KickUser(ctx, puppet, m.RoomID, puppet, "Part: "+reason)
		} else {
			mirrorErr = e.matrix.LeaveRoom(ctx, puppet, m.RoomID)
		}
		if mirrorErr != nil {
			e.log.Error().Err(mirrorErr).
				Str("room_id", string(m.RoomID)).
				Str("nick", nick).
				Msg("Failed to mirror IRC part")
		}
	}
	return nil
}

// onIRCKick mirrors a channel KICK. When the kickee is a real Matrix user
// puppeted onto IRC, the bot kicks them from every mapped room with a reason
// embedding the kicker and the original reason verbatim. When the kickee is
// an IRC user with a virtual account, the kicker's puppet performs the kick
// with the reason unmodified.
func (e *MembershipSyncEngine) onIRCKick(ctx context.Context, server *Server, channel, kickee, kicker, reason string) error {
	mappings, err := e.store.GetRoomsForChannel(ctx, server.ID, channel)
	if err != nil {
		return fmt.Errorf("failed to load channel mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil
	}

	if conn := e.pool.LookupByNick(server.ID, kickee); conn != nil {
		msg := "Kicked by " + kicker
		if reason != "" {
			msg += ": " + reason
		}
		for _, m := range mappings {
			if err := e.matrix.KickUser(ctx, e.botUserID, m.RoomID, conn.Owner, msg); err != nil {
				e.log.Error().Err(err).
					Str("room_id", string(m.RoomID)).
					Str("user_id", string(conn.Owner)).
					Msg("Failed to mirror IRC kick of Matrix user")
			}
		}
		return nil
	}

	kickeePuppet, err := e.prov.CachedPuppet(ctx, server, kickee)
	if err != nil {
		return err
	}
	if kickeePuppet == "" {
		return nil
	}
	actor := e.botUserID
	if kickerPuppet, err := e.prov.PuppetFor(ctx, server, kicker, false); err == nil {
		actor = kickerPuppet
	} else {
		e.log.Warn().Err(err).Str("nick", kicker).Msg("Falling back to bot for kick mirror")
	}
	for _, m := range mappings {
		if err := e.matrix.KickUser(ctx, actor, m.RoomID, kickeePuppet, reason); err != nil {
			e.log.Error().Err(err).
				Str("room_id", string(m.RoomID)).
				Str("kickee", kickee).
				Msg("Failed to mirror IRC kick")
		}
	}
	return nil
}

// onIRCChannelMessage relays a channel message into every mapped room as the
// sender's puppet.
func (e *MembershipSyncEngine) onIRCChannelMessage(ctx context.Context, server *Server, channel, nick, text string) error {
	if e.isOwnNick(server, nick) {
		return nil
	}
	mappings, err := e.store.GetRoomsForChannel(ctx, server.ID, channel)
	if err != nil {
		return fmt.Errorf("failed to load channel mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil
	}
	puppet, err := e.prov.PuppetFor(ctx, server, nick, false)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if err := e.matrix.SendText(ctx, puppet, m.RoomID, text); err != nil {
			e.log.Error().Err(err).
				Str("room_id", string(m.RoomID)).
				Str("nick", nick).
				Msg("Failed to relay channel message")
		}
	}
	return nil
}

// onIRCJoinError handles a numeric join failure on a puppet connection. A
// registration-required rejection is authoritative: membership cannot be
// honored, so the bot kicks the Matrix user from every mapped room. Other
// join failures are logged only.
func (e *MembershipSyncEngine) onIRCJoinError(ctx context.Context, conn *Connection, channel, code string) error {
	if conn.IsBot() {
		e.log.Error().
			Str("server", conn.Server.ID).
			Str("channel", channel).
			Str("code", code).
			Msg("Bot failed to join channel")
		return nil
	}
	if code != NumericNeedRegged {
		e.log.Warn().
			Str("server", conn.Server.ID).
			Str("channel", channel).
			Str("code", code).
			Str("user_id", string(conn.Owner)).
			Msg("Channel join rejected")
		return nil
	}
	mappings, err := e.store.GetRoomsForChannel(ctx, conn.Server.ID, channel)
	if err != nil {
		return fmt.Errorf("failed to load channel mappings: %w", err)
	}
	reason := fmt.Sprintf("Joining %s requires a registered nick on %s.", channel, conn.Server.ID)
	for _, m := range mappings {
		if err := e.matrix.KickUser(ctx, e.botUserID, m.RoomID, conn.Owner, reason); err != nil {
			e.log.Error().Err(err).
				Str("room_id", string(m.RoomID)).
				Str("user_id", string(conn.Owner)).
				Msg("Failed to kick after join rejection")
		}
	}
	return nil
}

// isOwnNick reports whether a nick on the server belongs to the bridge: the
// bot itself or any live puppet connection.
func (e *MembershipSyncEngine) isOwnNick(server *Server, nick string) bool {
	if nick == server.BotNick {
		return true
	}
	return e.pool.LookupByNick(server.ID, nick) != nil
}

// SyncServer performs the initial membership reconciliation for a server
// according to its policy flags: the bot joins every mapped channel, and
// with matrix-to-irc initial sync enabled, every current Matrix member of a
// mapped room is connected and joined.
func (e *MembershipSyncEngine) SyncServer(ctx context.Context, server *Server) error {
	bot, err := e.pool.Get(ctx, server, "")
	if err != nil {
		return err
	}
	mappings, err := e.store.GetMappingsForServer(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("failed to load server mappings: %w", err)
	}
	for _, m := range mappings {
		if m.Kind != KindChannel {
			continue
		}
		if !bot.IsJoined(m.Channel) {
			if err := bot.Conn().Join(ctx, m.Channel, ""); err != nil {
				e.log.Error().Err(err).Str("channel", m.Channel).Msg("Bot failed to join tracked channel")
			}
		}
		if !server.Sync.Enabled || !server.Sync.MatrixToIRC.Initial {
			continue
		}
		members, err := e.matrix.JoinedMembers(ctx, m.RoomID)
		if err != nil {
			e.log.Error().Err(err).Str("room_id", string(m.RoomID)).Msg("Failed to load room members")
			continue
		}
		for _, member := range members {
			if e.isOwnUser(member) || !server.MayJoin(member) {
				continue
			}
			conn, err := e.pool.Get(ctx, server, member)
			if err != nil {
				e.log.Error().Err(err).Str("user_id", string(member)).Msg("Failed to connect member during initial sync")
				continue
			}
			if conn.IsJoined(m.Channel) {
				continue
			}
			if err := conn.Conn().Join(ctx, m.Channel, ""); err != nil {
				e.log.Error().Err(err).
					Str("user_id", string(member)).
					Str("channel", m.Channel).
					Msg("Initial sync join failed")
			}
		}
	}
	return nil
}

// isChannelName reports whether an IRC message target is a channel.
func isChannelName(target string) bool {
	return len(target) > 0 && (target[0] == '#' || target[0] == '&')
}

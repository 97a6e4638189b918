// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

// Version is the bridge version reported by !bridgeversion. Overridden at
// build time by the linker.
var Version = "unknown"

// AdminCommand is one recognized control-room command.
type AdminCommand string

const (
	CmdJoin          AdminCommand = "!join"
	CmdCmd           AdminCommand = "!cmd"
	CmdWhois         AdminCommand = "!whois"
	CmdStorePass     AdminCommand = "!storepass"
	CmdRemovePass    AdminCommand = "!removepass"
	CmdListRooms     AdminCommand = "!listrooms"
	CmdQuit          AdminCommand = "!quit"
	CmdNick          AdminCommand = "!nick"
	CmdFeature       AdminCommand = "!feature"
	CmdBridgeVersion AdminCommand = "!bridgeversion"
	CmdHelp          AdminCommand = "!help"
)

// rawCommandAllowlist restricts !cmd to verbs that only affect the sender's
// own IRC session.
var rawCommandAllowlist = map[string]bool{
	"JOIN":   true,
	"PART":   true,
	"MODE":   true,
	"TOPIC":  true,
	"NOTICE": true,
	"AWAY":   true,
	"WHO":    true,
	"NAMES":  true,
}

type adminHandlerFunc func(ah *AdminHandler, ctx context.Context, req *adminRequest) error

// adminRequest is one parsed control-room command invocation.
type adminRequest struct {
	roomID id.RoomID
	sender id.UserID
	server *Server
	args   []string
}

// AdminHandler implements the bot's control-room command surface. A control
// room is opened by inviting the bot to a direct chat; each is private to
// the user who opened it.
type AdminHandler struct {
	log    zerolog.Logger
	matrix MatrixClient
	store  MappingStore
	ids    IdentityStore
	pool   *ConnectionPool
	prov   *VirtualIdentityProvisioner
	rooms  *RoomLifecycleManager

	servers       map[string]*Server
	defaultServer string
	botUserID     id.UserID

	mu         sync.Mutex
	adminRooms map[id.RoomID]id.UserID

	handlers map[AdminCommand]adminHandlerFunc
}

func NewAdminHandler(log zerolog.Logger, matrix MatrixClient, store MappingStore, ids IdentityStore, pool *ConnectionPool, prov *VirtualIdentityProvisioner, rooms *RoomLifecycleManager, servers map[string]*Server, defaultServer string, botUserID id.UserID) *AdminHandler {
	ah := &AdminHandler{
		log:           log.With().Str("component", "admin").Logger(),
		matrix:        matrix,
		store:         store,
		ids:           ids,
		pool:          pool,
		prov:          prov,
		rooms:         rooms,
		servers:       servers,
		defaultServer: defaultServer,
		botUserID:     botUserID,
		adminRooms:    make(map[id.RoomID]id.UserID),
	}
	ah.handlers = map[AdminCommand]adminHandlerFunc{
		CmdJoin:          (*AdminHandler).cmdJoin,
		CmdCmd:           (*AdminHandler).cmdRaw,
		CmdWhois:         (*AdminHandler).cmdWhois,
		CmdStorePass:     (*AdminHandler).cmdStorePass,
		CmdRemovePass:    (*AdminHandler).cmdRemovePass,
		CmdListRooms:     (*AdminHandler).cmdListRooms,
		CmdQuit:          (*AdminHandler).cmdQuit,
		CmdNick:          (*AdminHandler).cmdNick,
		CmdFeature:       (*AdminHandler).cmdFeature,
		CmdBridgeVersion: (*AdminHandler).cmdBridgeVersion,
		CmdHelp:          (*AdminHandler).cmdHelp,
	}
	return ah
}

// RegisterRoom marks a room as the control room for a user. Called when the
// bot accepts a direct invite.
func (ah *AdminHandler) RegisterRoom(roomID id.RoomID, owner id.UserID) {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	ah.adminRooms[roomID] = owner
	ah.log.Info().
		Str("room_id", string(roomID)).
		Str("user_id", string(owner)).
		Msg("Admin room registered")
}

func (ah *AdminHandler) IsAdminRoom(roomID id.RoomID) bool {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	_, ok := ah.adminRooms[roomID]
	return ok
}

// HandleMessage parses and executes one control-room command. The form is
// "!command [irc.server] [args...]"; the server argument defaults to the
// configured default server when omitted.
func (ah *AdminHandler) HandleMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error {
	ah.mu.Lock()
	owner, ok := ah.adminRooms[roomID]
	ah.mu.Unlock()
	if !ok || owner != sender {
		return nil
	}

	fields := strings.Fields(body)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return nil
	}
	cmd := AdminCommand(strings.ToLower(fields[0]))
	handler, ok := ah.handlers[cmd]
	if !ok {
		return ah.notice(ctx, roomID, fmt.Sprintf("Unknown command %s. Try !help.", fields[0]))
	}

	args := fields[1:]
	server := ah.servers[ah.defaultServer]
	if len(args) > 0 {
		if s, ok := ah.servers[args[0]]; ok {
			server = s
			args = args[1:]
		}
	}
	if server == nil {
		return ah.notice(ctx, roomID, "No IRC server configured.")
	}

	req := &adminRequest{roomID: roomID, sender: sender, server: server, args: args}
	if err := handler(ah, ctx, req); err != nil {
		ah.log.Error().Err(err).
			Str("command", string(cmd)).
			Str("user_id", string(sender)).
			Msg("Admin command failed")
		return ah.notice(ctx, roomID, fmt.Sprintf("Command failed: %v", err))
	}
	return nil
}

func (ah *AdminHandler) notice(ctx context.Context, roomID id.RoomID, text string) error {
	return ah.matrix.SendNotice(ctx, ah.botUserID, roomID, text)
}

func (ah *AdminHandler) cmdJoin(ctx context.Context, req *adminRequest) error {
	if len(req.args) < 1 {
		return ah.notice(ctx, req.roomID, "Usage: !join [irc.server] #channel [key]")
	}
	channel := req.args[0]
	if !isChannelName(channel) {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("%q is not a channel name", channel))
	}
	if !req.server.MayJoin(req.sender) {
		return ah.notice(ctx, req.roomID, "You are not allowed to join channels on this server.")
	}
	var key string
	if len(req.args) > 1 {
		key = req.args[1]
	}

	mappings, err := ah.store.GetRoomsForChannel(ctx, req.server.ID, channel)
	if err != nil {
		return err
	}
	if len(mappings) > 0 {
		for _, m := range mappings {
			if err := ah.matrix.InviteUser(ctx, ah.botUserID, m.RoomID, req.sender); err != nil {
				ah.log.Warn().Err(err).
					Str("room_id", string(m.RoomID)).
					Msg("Failed to invite user to existing channel room")
			}
		}
		return ah.notice(ctx, req.roomID, fmt.Sprintf("Invited you to the room(s) for %s.", channel))
	}

	roomID, err := ah.rooms.TrackChannelAndCreateRoom(ctx, req.server, channel, key, []id.UserID{req.sender}, OriginJoin)
	if err != nil {
		return err
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Created %s for %s and invited you.", roomID, channel))
}

func (ah *AdminHandler) cmdRaw(ctx context.Context, req *adminRequest) error {
	if len(req.args) < 1 {
		return ah.notice(ctx, req.roomID, "Usage: !cmd [irc.server] COMMAND [args...]")
	}
	verb := strings.ToUpper(req.args[0])
	if !rawCommandAllowlist[verb] {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("%s is not a permitted command.", verb))
	}
	conn, err := ah.pool.Get(ctx, req.server, req.sender)
	if err != nil {
		return err
	}
	return conn.Conn().Send(ctx, verb, req.args[1:]...)
}

func (ah *AdminHandler) cmdWhois(ctx context.Context, req *adminRequest) error {
	if len(req.args) < 1 {
		return ah.notice(ctx, req.roomID, "Usage: !whois [irc.server] nick")
	}
	nick := req.args[0]
	bot, err := ah.pool.Get(ctx, req.server, "")
	if err != nil {
		return err
	}
	info, err := bot.Conn().Whois(ctx, nick)
	if err != nil {
		return err
	}
	if info == nil {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("No such nick %s on %s.", nick, req.server.ID))
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("%s (%s@%s): %s", info.Nick, info.Username, info.Host, info.RealName))
}

func (ah *AdminHandler) cmdStorePass(ctx context.Context, req *adminRequest) error {
	if len(req.args) < 1 {
		return ah.notice(ctx, req.roomID, "Usage: !storepass [irc.server] password")
	}
	// Passwords may contain spaces.
	password := strings.Join(req.args, " ")
	if err := ah.prov.StorePassword(ctx, req.server, req.sender, password); err != nil {
		return err
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Password stored for %s. Reconnecting you.", req.server.ID))
}

func (ah *AdminHandler) cmdRemovePass(ctx context.Context, req *adminRequest) error {
	if err := ah.prov.RemovePassword(ctx, req.server, req.sender); err != nil {
		return err
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Password removed for %s.", req.server.ID))
}

func (ah *AdminHandler) cmdListRooms(ctx context.Context, req *adminRequest) error {
	conn := ah.pool.Lookup(req.server.ID, req.sender)
	if conn == nil {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("You are not connected to %s.", req.server.ID))
	}
	channels := conn.JoinedChannels()
	if len(channels) == 0 {
		return ah.notice(ctx, req.roomID, "You are not joined to any channels.")
	}
	sort.Strings(channels)

	var b strings.Builder
	b.WriteString("You are joined to:\n")
	for _, ch := range channels {
		mappings, err := ah.store.GetRoomsForChannel(ctx, req.server.ID, ch)
		if err != nil {
			return err
		}
		rooms := make([]string, 0, len(mappings))
		for _, m := range mappings {
			rooms = append(rooms, string(m.RoomID))
		}
		if len(rooms) == 0 {
			fmt.Fprintf(&b, "%s (no rooms)\n", ch)
		} else {
			fmt.Fprintf(&b, "%s: %s\n", ch, strings.Join(rooms, ", "))
		}
	}
	return ah.notice(ctx, req.roomID, b.String())
}

func (ah *AdminHandler) cmdQuit(ctx context.Context, req *adminRequest) error {
	conns := ah.pool.ConnectionsForUser(req.sender)
	if len(conns) == 0 {
		return ah.notice(ctx, req.roomID, "You have no active IRC connections.")
	}
	for _, conn := range conns {
		ah.pool.Disconnect(conn, ReasonQuit, "Requested disconnect", false)
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Disconnected %d connection(s).", len(conns)))
}

func (ah *AdminHandler) cmdNick(ctx context.Context, req *adminRequest) error {
	if len(req.args) < 1 {
		cfg, err := ah.prov.IRCConfigFor(ctx, req.sender, req.server.ID)
		if err != nil {
			return err
		}
		return ah.notice(ctx, req.roomID, fmt.Sprintf("Your nick on %s is %s.", req.server.ID, cfg.Nick))
	}
	newNick := req.args[0]
	if sanitizeNick(newNick) != newNick {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("%q contains characters not valid in an IRC nick.", newNick))
	}
	if err := ah.prov.ChangeNick(ctx, req.server, req.sender, newNick); err != nil {
		return err
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Nick changed to %s.", newNick))
}

func (ah *AdminHandler) cmdFeature(ctx context.Context, req *adminRequest) error {
	feats, err := ah.ids.GetUserFeatures(ctx, req.sender)
	if err != nil {
		return err
	}
	if len(req.args) == 0 {
		return ah.notice(ctx, req.roomID, fmt.Sprintf("mentions: %t, pm: %t", feats.Mentions, feats.PM))
	}
	if len(req.args) < 2 {
		return ah.notice(ctx, req.roomID, "Usage: !feature mentions|pm true|false")
	}
	var enabled bool
	switch req.args[1] {
	case "true":
		enabled = true
	case "false":
		enabled = false
	default:
		return ah.notice(ctx, req.roomID, "Usage: !feature mentions|pm true|false")
	}
	switch req.args[0] {
	case "mentions":
		feats.Mentions = enabled
	case "pm":
		feats.PM = enabled
	default:
		return ah.notice(ctx, req.roomID, fmt.Sprintf("Unknown feature %q. Features: mentions, pm.", req.args[0]))
	}
	if err := ah.ids.StoreUserFeatures(ctx, req.sender, feats); err != nil {
		return err
	}
	return ah.notice(ctx, req.roomID, fmt.Sprintf("Set %s to %t.", req.args[0], enabled))
}

func (ah *AdminHandler) cmdBridgeVersion(ctx context.Context, req *adminRequest) error {
	return ah.notice(ctx, req.roomID, "Bridge version: "+Version)
}

func (ah *AdminHandler) cmdHelp(ctx context.Context, req *adminRequest) error {
	help := strings.Join([]string{
		"Commands (server defaults to " + ah.defaultServer + "):",
		"!join [irc.server] #channel [key] - join a channel",
		"!cmd [irc.server] COMMAND [args] - send a raw IRC command",
		"!whois [irc.server] nick - look up an IRC user",
		"!storepass [irc.server] password - store a server password",
		"!removepass [irc.server] - remove the stored password",
		"!listrooms [irc.server] - list your channels and their rooms",
		"!quit - disconnect all your IRC connections",
		"!nick [irc.server] newnick - change your IRC nick",
		"!feature mentions|pm true|false - toggle per-user features",
		"!bridgeversion - show the bridge version",
		"!help - this text",
	}, "\n")
	return ah.notice(ctx, req.roomID, help)
}

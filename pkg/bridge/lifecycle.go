// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Bridge state event types. BridgeInfoEventType is the portable bridge-info
// state block; LegacyBridgingEventType is the older marker that is still
// copied across room upgrades.
const (
	BridgeInfoEventType     = "uk.half-shot.bridge"
	LegacyBridgingEventType = "m.room.bridging"
)

// RoomLifecycleManager creates rooms for newly referenced channels with
// correct initial state and migrates bridge state when a room is superseded.
type RoomLifecycleManager struct {
	log    zerolog.Logger
	matrix MatrixClient
	store  MappingStore
	pool   *ConnectionPool

	servers   map[string]*Server
	botUserID id.UserID
	hsDomain  string

	mu       sync.Mutex
	tracking map[string]*trackMarker
}

// trackMarker single-flights concurrent tracking of the same (server,
// channel); late arrivals await the in-flight creation and observe its
// result rather than re-triggering it.
type trackMarker struct {
	done   chan struct{}
	roomID id.RoomID
	err    error
}

func NewRoomLifecycleManager(log zerolog.Logger, matrix MatrixClient, store MappingStore, pool *ConnectionPool, servers map[string]*Server, botUserID id.UserID, hsDomain string) *RoomLifecycleManager {
	return &RoomLifecycleManager{
		log:       log.With().Str("component", "room_lifecycle").Logger(),
		matrix:    matrix,
		store:     store,
		pool:      pool,
		servers:   servers,
		botUserID: botUserID,
		hsDomain:  hsDomain,
		tracking:  make(map[string]*trackMarker),
	}
}

// TrackChannelAndCreateRoom joins the bot to the channel (so channel state
// becomes observable), creates a Matrix room with the server's initial
// state policy, persists the mapping, and then asynchronously applies the
// currently known channel modes to the room's join rule. The async mode
// sync is best-effort: its failure is logged and swallowed.
func (rm *RoomLifecycleManager) TrackChannelAndCreateRoom(ctx context.Context, server *Server, channel, key string, invitees []id.UserID, origin Origin) (id.RoomID, error) {
	trackKey := server.ID + "/" + channel

	rm.mu.Lock()
	if marker, ok := rm.tracking[trackKey]; ok {
		rm.mu.Unlock()
		select {
		case <-marker.done:
			return marker.roomID, marker.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	marker := &trackMarker{done: make(chan struct{})}
	rm.tracking[trackKey] = marker
	rm.mu.Unlock()

	roomID, err := rm.trackAndCreate(ctx, server, channel, key, invitees, origin)

	rm.mu.Lock()
	marker.roomID = roomID
	marker.err = err
	close(marker.done)
	delete(rm.tracking, trackKey)
	rm.mu.Unlock()

	return roomID, err
}

func (rm *RoomLifecycleManager) trackAndCreate(ctx context.Context, server *Server, channel, key string, invitees []id.UserID, origin Origin) (id.RoomID, error) {
	bot, err := rm.pool.Get(ctx, server, "")
	if err != nil {
		return "", err
	}
	if err := bot.Conn().Join(ctx, channel, key); err != nil {
		return "", fmt.Errorf("bot failed to join %s: %w", channel, err)
	}
	rm.log.Info().Str("server", server.ID).Str("channel", channel).Msg("Bot is now tracking channel")

	initialState := []StateEvent{
		{
			Type: string(event.StateJoinRules.Type),
			Content: map[string]any{
				"join_rule": string(server.JoinRule()),
			},
		},
		{
			Type: string(event.StateHistoryVisibility.Type),
			Content: map[string]any{
				"history_visibility": string(event.HistoryVisibilityJoined),
			},
		},
	}
	if server.GroupID != "" {
		initialState = append(initialState, StateEvent{
			Type: "m.room.related_groups",
			Content: map[string]any{
				"groups": []string{server.GroupID},
			},
		})
	}
	initialState = append(initialState, StateEvent{
		Type: BridgeInfoEventType,
		Content: map[string]any{
			"bridgebot": string(rm.botUserID),
			"protocol":  map[string]any{"id": "irc", "displayname": "IRC"},
			"network":   map[string]any{"id": server.ID, "displayname": server.ID},
			"channel":   map[string]any{"id": channel},
		},
	})

	var aliasName string
	if origin == OriginAlias {
		aliasName = aliasLocalpart(server.ID, channel)
	}

	roomID, err := rm.matrix.CreateRoom(ctx, rm.botUserID, &RoomCreateRequest{
		Name:          channel,
		Visibility:    "private",
		Preset:        "public_chat",
		RoomAliasName: aliasName,
		RoomVersion:   server.RoomVersion,
		Federate:      server.Federate,
		Invite:        invitees,
		InitialState:  initialState,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room for %s: %w", channel, err)
	}
	rm.log.Info().Str("room_id", string(roomID)).Str("channel", channel).Msg("Room created")

	if err := rm.store.StoreRoomMapping(ctx, RoomMapping{
		RoomID:   roomID,
		ServerID: server.ID,
		Channel:  channel,
		Origin:   origin,
		Kind:     KindChannel,
	}); err != nil {
		return "", fmt.Errorf("failed to persist mapping: %w", err)
	}

	// Apply channel modes only after the mapping exists, so +s and +i are
	// processed against a mapped room.
	go rm.initModesForChannel(bot, server, channel, roomID)

	return roomID, nil
}

// initModesForChannel reads the channel's current modes and tightens the
// room's join rule if the channel is secret or invite-only. Never surfaces
// failure to the tracking caller.
func (rm *RoomLifecycleManager) initModesForChannel(bot *Connection, server *Server, channel string, roomID id.RoomID) {
	ctx := context.Background()
	modes, err := bot.Conn().ChannelModes(ctx, channel)
	if err != nil {
		rm.log.Error().Err(err).
			Str("server", server.ID).
			Str("channel", channel).
			Msg("Could not init modes for channel")
		return
	}
	if !strings.ContainsAny(modeFlags(modes), "si") {
		return
	}
	err = rm.matrix.SendStateEvent(ctx, rm.botUserID, roomID, string(event.StateJoinRules.Type), "", map[string]any{
		"join_rule": string(event.JoinRuleInvite),
	})
	if err != nil {
		rm.log.Error().Err(err).
			Str("room_id", string(roomID)).
			Str("channel", channel).
			Msg("Failed to apply channel modes to room")
	}
}

// modeFlags extracts the flag letters from a mode string like "+nts".
func modeFlags(modes string) string {
	return strings.TrimLeft(modes, "+-")
}

// MigrateOnUpgrade moves bridge state from a tombstoned room to its
// replacement: the bridge-info state blocks are copied best-effort, every
// mapping row is atomically re-pointed at the new room, and every puppet
// joined to the old room leaves it. Puppets do not auto-join the new room;
// they rejoin through the normal mirroring path once fresh membership
// events are observed there.
func (rm *RoomLifecycleManager) MigrateOnUpgrade(ctx context.Context, oldRoom, newRoom id.RoomID) error {
	moved, err := rm.store.ReplaceRoomMappings(ctx, oldRoom, newRoom)
	if err != nil {
		return fmt.Errorf("failed to move mappings: %w", err)
	}
	if moved == 0 {
		// Tombstone in an unmapped room; nothing to migrate.
		return nil
	}

	state, err := rm.matrix.RoomState(ctx, oldRoom)
	if err != nil {
		return fmt.Errorf("failed to read old room state: %w", err)
	}

	for _, se := range state {
		if se.Type != BridgeInfoEventType && se.Type != LegacyBridgingEventType {
			continue
		}
		if err := rm.matrix.SendStateEvent(ctx, rm.botUserID, newRoom, se.Type, se.StateKey, se.Content); err != nil {
			rm.log.Warn().Err(err).
				Str("type", se.Type).
				Str("new_room", string(newRoom)).
				Msg("Failed to copy bridge state to upgraded room")
		}
	}

	rm.log.Info().
		Str("old_room", string(oldRoom)).
		Str("new_room", string(newRoom)).
		Int("mappings", moved).
		Msg("Room mappings migrated")

	for _, se := range state {
		if se.Type != string(event.StateMember.Type) {
			continue
		}
		membership, _ := se.Content["membership"].(string)
		if membership != string(event.MembershipJoin) {
			continue
		}
		member := id.UserID(se.StateKey)
		if !rm.isPuppet(member) {
			continue
		}
		if err := rm.matrix.LeaveRoom(ctx, member, oldRoom); err != nil {
			rm.log.Warn().Err(err).
				Str("user_id", string(member)).
				Str("old_room", string(oldRoom)).
				Msg("Puppet failed to leave upgraded room")
		}
	}
	return nil
}

func (rm *RoomLifecycleManager) isPuppet(userID id.UserID) bool {
	if userID == rm.botUserID {
		return false
	}
	for serverID := range rm.servers {
		if _, ok := ParsePuppetUserID(userID, serverID, rm.hsDomain); ok {
			return true
		}
	}
	return false
}

// aliasLocalpart derives the canonical alias localpart for a channel room.
func aliasLocalpart(serverID, channel string) string {
	return serverID + "_" + channel
}

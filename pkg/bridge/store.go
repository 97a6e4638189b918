// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// Origin records how a room mapping came to exist.
type Origin string

const (
	// OriginJoin is a mapping created by a user manually joining/linking.
	OriginJoin Origin = "join"
	// OriginAlias is a mapping created through an room alias query.
	OriginAlias Origin = "alias"
	// OriginProvision is a mapping created by the provisioning API or by the
	// bridge tracking a newly referenced channel.
	OriginProvision Origin = "provision"
	// OriginPM is a private-message room mapping.
	OriginPM Origin = "pm"
)

// MappingKind distinguishes group channels from 1:1 PM rooms.
type MappingKind string

const (
	KindChannel MappingKind = "channel"
	KindPM      MappingKind = "pm"
)

// RoomMapping links one Matrix room to one (server, channel) pair. Mappings
// are created when a channel is first tracked or a PM room is created,
// replaced wholesale on room upgrade, and never mutated otherwise. A
// (server, channel) pair may map to any number of rooms.
type RoomMapping struct {
	RoomID   id.RoomID
	ServerID string
	// Channel is the IRC channel name for KindChannel mappings and the IRC
	// nick of the remote party for KindPM mappings.
	Channel string
	Origin  Origin
	Kind    MappingKind
	// PMUser is the Matrix side of a PM mapping, empty for channels.
	PMUser id.UserID
}

// IRCClientConfig is the persisted IRC client configuration for one Matrix
// user on one server.
type IRCClientConfig struct {
	UserID   id.UserID
	ServerID string
	Nick     string
	Username string
	Password string
}

// UserFeatures holds per-user bridge feature flags.
type UserFeatures struct {
	// Mentions controls whether IRC-style mention highlighting is applied.
	Mentions bool `json:"mentions"`
	// PM controls whether the user receives bridged private messages.
	PM bool `json:"pm"`
}

// DefaultUserFeatures applies to users who never configured anything.
var DefaultUserFeatures = UserFeatures{Mentions: true, PM: true}

// MappingStore is the persisted room/channel relation. Implementations must
// be internally consistent under concurrent use; the engine never holds a
// cross-event lock around store calls and instead re-reads mapping state
// before acting.
type MappingStore interface {
	GetRoomsForChannel(ctx context.Context, serverID, channel string) ([]RoomMapping, error)
	GetMappingsForRoom(ctx context.Context, roomID id.RoomID) ([]RoomMapping, error)
	GetMappingsForServer(ctx context.Context, serverID string) ([]RoomMapping, error)
	// GetRoom returns the mapping for an exact (room, server, channel)
	// triple, or nil if there is none.
	GetRoom(ctx context.Context, roomID id.RoomID, serverID, channel string) (*RoomMapping, error)
	StoreRoomMapping(ctx context.Context, m RoomMapping) error
	// GetPMRoom returns the PM mapping for the given pair, or nil.
	GetPMRoom(ctx context.Context, serverID, ircNick string, mxUser id.UserID) (*RoomMapping, error)
	// ReplaceRoomMappings atomically re-points every mapping row from
	// oldRoom to newRoom, preserving server, channel, kind and origin.
	// Returns the number of rows moved.
	ReplaceRoomMappings(ctx context.Context, oldRoom, newRoom id.RoomID) (int, error)
}

// IdentityStore is the persisted virtual identity mapping in both
// directions: IRC nick to Matrix puppet, and Matrix user to IRC client
// configuration.
type IdentityStore interface {
	// GetPuppet returns the registered puppet user ID for a nick, or "" if
	// the puppet has not been provisioned yet.
	GetPuppet(ctx context.Context, serverID, nick string) (id.UserID, error)
	StorePuppet(ctx context.Context, serverID, nick string, userID id.UserID) error

	GetIRCClientConfig(ctx context.Context, userID id.UserID, serverID string) (*IRCClientConfig, error)
	StoreIRCClientConfig(ctx context.Context, cfg *IRCClientConfig) error
	StorePass(ctx context.Context, userID id.UserID, serverID, password string) error
	RemovePass(ctx context.Context, userID id.UserID, serverID string) error

	// GetUserFeatures returns the user's stored feature flags, or
	// DefaultUserFeatures when nothing is stored.
	GetUserFeatures(ctx context.Context, userID id.UserID) (UserFeatures, error)
	StoreUserFeatures(ctx context.Context, userID id.UserID, features UserFeatures) error
}

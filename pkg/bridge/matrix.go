// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// StateEvent is a protocol-agnostic state event used for room creation and
// for reading room state during upgrades.
type StateEvent struct {
	Type     string
	StateKey string
	Content  map[string]any
	Sender   id.UserID
}

// RoomCreateRequest describes a room to be created. Federate maps to the
// m.federate creation content flag.
type RoomCreateRequest struct {
	Name          string
	Visibility    string
	Preset        string
	RoomAliasName string
	RoomVersion   string
	Federate      bool
	IsDirect      bool
	Invite        []id.UserID
	InitialState  []StateEvent
}

// MatrixClient is the bridge's command sink towards the homeserver. Every
// operation acts as a specific identity ("as"): the bridge bot or one of its
// puppet accounts, intent-style. The production implementation lives in the
// mx sub-package.
type MatrixClient interface {
	CreateRoom(ctx context.Context, as id.UserID, req *RoomCreateRequest) (id.RoomID, error)
	JoinRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error
	InviteUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID) error
	KickUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID, reason string) error
	SendText(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error
	SendNotice(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error
	SendStateEvent(ctx context.Context, as id.UserID, roomID id.RoomID, evtType, stateKey string, content map[string]any) error
	RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// RegisterPuppet registers (or re-confirms) a virtual account with the
	// given localpart and returns its user ID. Registering an already
	// existing puppet is not an error.
	RegisterPuppet(ctx context.Context, localpart string) (id.UserID, error)
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

// pendingCreation is the in-flight marker for one PM room creation. It
// exists only between first reference and resolution; every concurrent
// request for the same pair observes the same marker. Messages arriving
// while the marker is live queue behind it and are flushed in arrival order
// once the room exists.
type pendingCreation struct {
	done   chan struct{}
	roomID id.RoomID
	err    error
	queue  []string
}

// PMRequestCoordinator single-flights concurrent first-contact events
// between a given (IRC user, Matrix user) pair into exactly one room
// creation, keyed by the unordered pair.
type PMRequestCoordinator struct {
	log    zerolog.Logger
	matrix MatrixClient
	store  MappingStore
	prov   *VirtualIdentityProvisioner

	mu      sync.Mutex
	pending map[string]*pendingCreation
	rooms   map[string]id.RoomID
}

func NewPMRequestCoordinator(log zerolog.Logger, matrix MatrixClient, store MappingStore, prov *VirtualIdentityProvisioner) *PMRequestCoordinator {
	return &PMRequestCoordinator{
		log:     log.With().Str("component", "pm_coordinator").Logger(),
		matrix:  matrix,
		store:   store,
		prov:    prov,
		pending: make(map[string]*pendingCreation),
		rooms:   make(map[string]id.RoomID),
	}
}

// NoteRoom records an already-established PM room (e.g. one created from a
// Matrix-side invite) so later traffic for the pair reuses it.
func (pc *PMRequestCoordinator) NoteRoom(serverID, ircNick string, mxUser id.UserID, roomID id.RoomID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.rooms[pmPairKey(serverID, ircNick, mxUser)] = roomID
}

// DeliverPM delivers one inbound private message from an IRC user to a
// Matrix user, creating the PM room on first contact. For K near-
// simultaneous first messages, exactly one room is created and all K are
// delivered into it in arrival order.
func (pc *PMRequestCoordinator) DeliverPM(ctx context.Context, server *Server, ircNick string, mxUser id.UserID, text string) error {
	feats, err := pc.featuresAllowPM(ctx, server, mxUser)
	if err != nil {
		return err
	}
	if !feats {
		pc.log.Debug().
			Str("nick", ircNick).
			Str("user_id", string(mxUser)).
			Msg("PM dropped by policy")
		return nil
	}

	key := pmPairKey(server.ID, ircNick, mxUser)

	pc.mu.Lock()
	if roomID, ok := pc.rooms[key]; ok {
		pc.mu.Unlock()
		return pc.send(ctx, server, ircNick, roomID, text)
	}
	if p, ok := pc.pending[key]; ok {
		// Coalesced behind the in-flight creation; not an error and not
		// worth more than a debug line.
		p.queue = append(p.queue, text)
		pc.mu.Unlock()
		pc.log.Debug().Str("key", key).Msg("PM queued behind pending room creation")
		return nil
	}
	p := &pendingCreation{done: make(chan struct{}), queue: []string{text}}
	pc.pending[key] = p
	pc.mu.Unlock()

	roomID, err := pc.createRoom(ctx, server, ircNick, mxUser)

	pc.mu.Lock()
	p.roomID = roomID
	p.err = err
	if err == nil {
		pc.rooms[key] = roomID
	}
	close(p.done)
	if err != nil {
		// Remove the marker in the same critical section that records the
		// failure, so no racing caller can enqueue onto a dead marker.
		// Coalesced callers already returned nil; their messages are lost
		// with the room, which deserves more than silence.
		dropped := len(p.queue) - 1
		delete(pc.pending, key)
		pc.mu.Unlock()
		if dropped > 0 {
			pc.log.Error().Err(err).
				Int("dropped", dropped).
				Str("nick", ircNick).
				Str("user_id", string(mxUser)).
				Msg("PM room creation failed, dropping coalesced messages")
		}
		return err
	}
	pc.mu.Unlock()

	// Flush queued messages in arrival order. The marker stays in place
	// until the queue drains so late arrivals keep appending behind us
	// instead of racing ahead of the backlog.
	for {
		pc.mu.Lock()
		if len(p.queue) == 0 {
			delete(pc.pending, key)
			pc.mu.Unlock()
			return nil
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		pc.mu.Unlock()

		if err := pc.send(ctx, server, ircNick, roomID, next); err != nil {
			pc.log.Error().Err(err).
				Str("room_id", string(roomID)).
				Str("nick", ircNick).
				Msg("Failed to deliver queued PM")
		}
	}
}

// OpenPrivateRoom returns the PM room for the pair, creating it if needed.
// Concurrent callers for the same pair all receive the room created by the
// single winning call.
func (pc *PMRequestCoordinator) OpenPrivateRoom(ctx context.Context, server *Server, ircNick string, mxUser id.UserID) (id.RoomID, error) {
	key := pmPairKey(server.ID, ircNick, mxUser)

	pc.mu.Lock()
	if roomID, ok := pc.rooms[key]; ok {
		pc.mu.Unlock()
		return roomID, nil
	}
	if p, ok := pc.pending[key]; ok {
		pc.mu.Unlock()
		select {
		case <-p.done:
			return p.roomID, p.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p := &pendingCreation{done: make(chan struct{})}
	pc.pending[key] = p
	pc.mu.Unlock()

	roomID, err := pc.createRoom(ctx, server, ircNick, mxUser)

	pc.mu.Lock()
	p.roomID = roomID
	p.err = err
	if err == nil {
		pc.rooms[key] = roomID
	}
	close(p.done)
	delete(pc.pending, key)
	pc.mu.Unlock()

	return roomID, err
}

// createRoom performs the single side-effecting room creation for a pair:
// check the store for an existing mapping, create the room as the IRC
// user's puppet with the invitee already invited, persist the PM mapping.
func (pc *PMRequestCoordinator) createRoom(ctx context.Context, server *Server, ircNick string, mxUser id.UserID) (id.RoomID, error) {
	if !server.PM.Enabled {
		return "", ErrPMDisabled
	}

	if existing, err := pc.store.GetPMRoom(ctx, server.ID, ircNick, mxUser); err != nil {
		return "", fmt.Errorf("failed to check existing PM room: %w", err)
	} else if existing != nil {
		return existing.RoomID, nil
	}

	// The nick just contacted us over a live connection, so presence is
	// already proven; no WHOIS gate.
	puppet, err := pc.prov.PuppetFor(ctx, server, ircNick, false)
	if err != nil {
		return "", err
	}

	roomID, err := pc.matrix.CreateRoom(ctx, puppet, &RoomCreateRequest{
		Visibility: "private",
		Federate:   server.PM.Federate,
		IsDirect:   true,
		Invite:     []id.UserID{mxUser},
		InitialState: []StateEvent{{
			Type:     "m.room.power_levels",
			StateKey: "",
			Content: map[string]any{
				"users": map[string]any{
					string(mxUser): 10,
					string(puppet): 100,
				},
				"events": map[string]any{
					"m.room.avatar":             10,
					"m.room.name":               10,
					"m.room.canonical_alias":    100,
					"m.room.history_visibility": 100,
					"m.room.power_levels":       100,
					"m.room.encryption":         100,
				},
				"invite": 100,
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create PM room: %w", err)
	}

	if err := pc.store.StoreRoomMapping(ctx, RoomMapping{
		RoomID:   roomID,
		ServerID: server.ID,
		Channel:  ircNick,
		Origin:   OriginPM,
		Kind:     KindPM,
		PMUser:   mxUser,
	}); err != nil {
		return "", fmt.Errorf("failed to persist PM mapping: %w", err)
	}

	pc.log.Info().
		Str("room_id", string(roomID)).
		Str("nick", ircNick).
		Str("user_id", string(mxUser)).
		Msg("Created PM room")
	return roomID, nil
}

func (pc *PMRequestCoordinator) send(ctx context.Context, server *Server, ircNick string, roomID id.RoomID, text string) error {
	puppet, err := pc.prov.PuppetFor(ctx, server, ircNick, false)
	if err != nil {
		return err
	}
	return pc.matrix.SendText(ctx, puppet, roomID, text)
}

func (pc *PMRequestCoordinator) featuresAllowPM(ctx context.Context, server *Server, mxUser id.UserID) (bool, error) {
	if !server.PM.Enabled {
		return false, nil
	}
	feats, err := pc.prov.ids.GetUserFeatures(ctx, mxUser)
	if err != nil {
		return false, fmt.Errorf("failed to load user features: %w", err)
	}
	return feats.PM, nil
}

// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements the membership and identity synchronization core
// of a Matrix-IRC bridge.
//
// The package receives membership and message events from both protocols and
// issues the minimal set of mirrored commands to keep the two membership
// models convergent: Matrix users are puppeted onto IRC through per-user
// client connections, IRC users are puppeted onto Matrix through virtual
// accounts, and racing operations on the same logical target are collapsed
// through single-flight markers.
//
// # Core Types
//
// [MembershipSyncEngine] is the routing core. One public operation exists per
// inbound event class (Matrix join/leave/invite, IRC join/part/kick, IRC
// join errors); each consults the [MappingStore] and [ConnectionPool] and
// mirrors the event into every mapped counterpart independently, so a
// failure against one mapping never blocks the others.
//
// [ConnectionPool] owns one long-lived bot connection per IRC server plus
// per-user puppet connections. Channel membership on a connection is updated
// only when the server confirms it, never optimistically.
//
// [VirtualIdentityProvisioner] derives deterministic virtual identities in
// both directions and creates them lazily, exactly once.
//
// [PMRequestCoordinator] single-flights concurrent first-contact private
// messages between the same pair of users into exactly one room creation,
// queueing messages behind the in-flight marker and flushing them in arrival
// order.
//
// [RoomLifecycleManager] creates rooms for newly tracked channels and
// migrates bridge state when a room is upgraded (tombstoned).
//
// # Echo Prevention
//
// Events caused by the bridge's own virtual identities must not be mirrored
// back. The engine drops Matrix events whose sender or target is one of its
// puppet accounts and IRC events whose nick belongs to one of its own
// connections before any routing happens.
//
// # Sub-packages
//
//   - ircconn implements the IRC transport on github.com/ergochat/irc-go.
//   - mx implements the Matrix client on maunium.net/go/mautrix.
//   - sqlstore implements the store contracts on sqlite.
package bridge

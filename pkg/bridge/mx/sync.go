// Copyright 2024-2026 Aiku AI

package mx

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventSink receives decoded Matrix events from the sync loop. The engine
// implements this.
type EventSink interface {
	OnMatrixJoin(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	OnMatrixLeave(ctx context.Context, roomID id.RoomID, userID, actorID id.UserID, reason string) error
	OnMatrixInvite(ctx context.Context, roomID id.RoomID, target, sender id.UserID, isDirect bool) error
	OnMatrixMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error
	OnMatrixTombstone(ctx context.Context, roomID, replacement id.RoomID) error
}

// RunSync runs the /sync loop as the bot and dispatches membership,
// tombstone and message events into the sink until ctx is cancelled.
// Handler errors are logged; the loop never stops on them.
func (c *Client) RunSync(ctx context.Context, sink EventSink) error {
	cli, err := c.intent(c.botUserID)
	if err != nil {
		return err
	}
	syncer := cli.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		content := evt.Content.AsMember()
		target := id.UserID(evt.GetStateKey())
		var err error
		switch content.Membership {
		case event.MembershipInvite:
			err = sink.OnMatrixInvite(ctx, evt.RoomID, target, evt.Sender, content.IsDirect)
		case event.MembershipJoin:
			err = sink.OnMatrixJoin(ctx, evt.RoomID, target)
		case event.MembershipLeave, event.MembershipBan:
			err = sink.OnMatrixLeave(ctx, evt.RoomID, target, evt.Sender, content.Reason)
		}
		if err != nil {
			c.log.Error().Err(err).
				Str("room_id", string(evt.RoomID)).
				Str("user_id", string(target)).
				Str("membership", string(content.Membership)).
				Msg("Membership event handling failed")
		}
	})

	syncer.OnEventType(event.StateTombstone, func(ctx context.Context, evt *event.Event) {
		content := evt.Content.AsTombstone()
		if content.ReplacementRoom == "" {
			return
		}
		if err := sink.OnMatrixTombstone(ctx, evt.RoomID, content.ReplacementRoom); err != nil {
			c.log.Error().Err(err).
				Str("room_id", string(evt.RoomID)).
				Str("replacement", string(content.ReplacementRoom)).
				Msg("Room upgrade handling failed")
		}
	})

	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		content := evt.Content.AsMessage()
		if content.Body == "" {
			return
		}
		if err := sink.OnMatrixMessage(ctx, evt.RoomID, evt.Sender, content.Body); err != nil {
			c.log.Error().Err(err).
				Str("room_id", string(evt.RoomID)).
				Str("sender", string(evt.Sender)).
				Msg("Message event handling failed")
		}
	})

	c.log.Info().Msg("Starting sync loop")
	return cli.SyncWithContext(ctx)
}

// Copyright 2024-2026 Aiku AI

// Package mx implements the bridge's Matrix surface on maunium.net/go/mautrix,
// using appservice identity assertion to act as the bot or any puppet.
package mx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/bridge"
)

// Client talks to the homeserver with the appservice token, impersonating
// one user per request. Per-identity mautrix clients are cached.
type Client struct {
	log           zerolog.Logger
	homeserverURL string
	asToken       string
	hsDomain      string
	botUserID     id.UserID

	mu      sync.Mutex
	clients map[id.UserID]*mautrix.Client
}

func NewClient(log zerolog.Logger, homeserverURL, asToken, hsDomain string, botUserID id.UserID) (*Client, error) {
	c := &Client{
		log:           log.With().Str("component", "matrix").Logger(),
		homeserverURL: homeserverURL,
		asToken:       asToken,
		hsDomain:      hsDomain,
		botUserID:     botUserID,
		clients:       make(map[id.UserID]*mautrix.Client),
	}
	// Fail fast on an unparseable homeserver URL.
	if _, err := c.intent(botUserID); err != nil {
		return nil, err
	}
	return c, nil
}

// intent returns the cached mautrix client asserting the given identity.
func (c *Client) intent(as id.UserID) (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[as]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(c.homeserverURL, as, c.asToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.SetAppServiceUserID = true
	c.clients[as] = cli
	return cli, nil
}

func (c *Client) CreateRoom(ctx context.Context, as id.UserID, req *bridge.RoomCreateRequest) (id.RoomID, error) {
	cli, err := c.intent(as)
	if err != nil {
		return "", err
	}
	mreq := &mautrix.ReqCreateRoom{
		Name:          req.Name,
		Visibility:    req.Visibility,
		Preset:        req.Preset,
		RoomAliasName: req.RoomAliasName,
		RoomVersion:   req.RoomVersion,
		IsDirect:      req.IsDirect,
		Invite:        req.Invite,
	}
	if !req.Federate {
		mreq.CreationContent = map[string]any{"m.federate": false}
	}
	for _, se := range req.InitialState {
		se := se
		mreq.InitialState = append(mreq.InitialState, &event.Event{
			Type:     event.NewEventType(se.Type),
			StateKey: &se.StateKey,
			Content:  event.Content{Raw: se.Content},
		})
	}
	resp, err := cli.CreateRoom(ctx, mreq)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, roomID)
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.LeaveRoom(ctx, roomID)
	return err
}

func (c *Client) InviteUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: target})
	return err
}

func (c *Client) KickUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID, reason string) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: target, Reason: reason})
	return err
}

func (c *Client) SendText(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.SendText(ctx, roomID, text)
	return err
}

func (c *Client) SendNotice(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.SendNotice(ctx, roomID, text)
	return err
}

func (c *Client) SendStateEvent(ctx context.Context, as id.UserID, roomID id.RoomID, evtType, stateKey string, content map[string]any) error {
	cli, err := c.intent(as)
	if err != nil {
		return err
	}
	_, err = cli.SendStateEvent(ctx, roomID, event.NewEventType(evtType), stateKey, content)
	return err
}

func (c *Client) RoomState(ctx context.Context, roomID id.RoomID) ([]bridge.StateEvent, error) {
	cli, err := c.intent(c.botUserID)
	if err != nil {
		return nil, err
	}
	state, err := cli.State(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var out []bridge.StateEvent
	for evtType, byKey := range state {
		for stateKey, evt := range byKey {
			out = append(out, bridge.StateEvent{
				Type:     evtType.Type,
				StateKey: stateKey,
				Content:  evt.Content.Raw,
				Sender:   evt.Sender,
			})
		}
	}
	return out, nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	cli, err := c.intent(c.botUserID)
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// RegisterPuppet registers a virtual account. An already-registered
// localpart is treated as success.
func (c *Client) RegisterPuppet(ctx context.Context, localpart string) (id.UserID, error) {
	cli, err := c.intent(c.botUserID)
	if err != nil {
		return "", err
	}
	userID := id.UserID(fmt.Sprintf("@%s:%s", localpart, c.hsDomain))
	_, _, err = cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return "", err
	}
	return userID, nil
}

var _ bridge.MatrixClient = (*Client)(nil)

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

// VirtualIdentityProvisioner derives and lazily creates virtual identities
// in both directions: Matrix puppet accounts for IRC nicks and IRC client
// configurations for Matrix users. Each identity is created exactly once and
// cached; the persisted copy survives restarts.
type VirtualIdentityProvisioner struct {
	log    zerolog.Logger
	matrix MatrixClient
	ids    IdentityStore
	pool   *ConnectionPool

	hsDomain string

	mu      sync.Mutex
	puppets map[string]id.UserID
}

func NewVirtualIdentityProvisioner(log zerolog.Logger, matrix MatrixClient, ids IdentityStore, pool *ConnectionPool, hsDomain string) *VirtualIdentityProvisioner {
	return &VirtualIdentityProvisioner{
		log:      log.With().Str("component", "provisioner").Logger(),
		matrix:   matrix,
		ids:      ids,
		pool:     pool,
		hsDomain: hsDomain,
		puppets:  make(map[string]id.UserID),
	}
}

// PuppetFor returns the Matrix puppet account for an IRC nick on a server,
// registering and persisting it on first use. When requireWhois is set the
// nick's presence is confirmed on IRC first; provisioning is aborted if the
// nick does not exist, so puppets are never created for nonexistent or
// impersonated nicks. requireWhois should be set whenever the triggering
// event did not itself prove the nick is real (e.g. a Matrix-initiated PM).
func (vp *VirtualIdentityProvisioner) PuppetFor(ctx context.Context, server *Server, nick string, requireWhois bool) (id.UserID, error) {
	cacheKey := server.ID + "/" + nick

	vp.mu.Lock()
	if uid, ok := vp.puppets[cacheKey]; ok {
		vp.mu.Unlock()
		return uid, nil
	}
	vp.mu.Unlock()

	uid, err := vp.ids.GetPuppet(ctx, server.ID, nick)
	if err != nil {
		return "", fmt.Errorf("failed to look up puppet: %w", err)
	}
	if uid != "" {
		vp.cache(cacheKey, uid)
		return uid, nil
	}

	if requireWhois {
		if err := vp.confirmPresence(ctx, server, nick); err != nil {
			return "", err
		}
	}

	localpart := PuppetLocalpart(server.ID, nick)
	uid, err = vp.matrix.RegisterPuppet(ctx, localpart)
	if err != nil {
		return "", fmt.Errorf("%w: register %q: %v", ErrProvisioningFailed, localpart, err)
	}
	if err := vp.ids.StorePuppet(ctx, server.ID, nick, uid); err != nil {
		return "", fmt.Errorf("failed to persist puppet: %w", err)
	}
	vp.cache(cacheKey, uid)
	vp.log.Info().
		Str("server", server.ID).
		Str("nick", nick).
		Str("user_id", string(uid)).
		Msg("Provisioned puppet")
	return uid, nil
}

// CachedPuppet returns the puppet user ID for a nick if one has already
// been provisioned (in memory or persisted), without creating anything.
// Returns "" when no puppet exists.
func (vp *VirtualIdentityProvisioner) CachedPuppet(ctx context.Context, server *Server, nick string) (id.UserID, error) {
	cacheKey := server.ID + "/" + nick
	vp.mu.Lock()
	if uid, ok := vp.puppets[cacheKey]; ok {
		vp.mu.Unlock()
		return uid, nil
	}
	vp.mu.Unlock()
	uid, err := vp.ids.GetPuppet(ctx, server.ID, nick)
	if err != nil {
		return "", fmt.Errorf("failed to look up puppet: %w", err)
	}
	if uid != "" {
		vp.cache(cacheKey, uid)
	}
	return uid, nil
}

func (vp *VirtualIdentityProvisioner) cache(key string, uid id.UserID) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	vp.puppets[key] = uid
}

func (vp *VirtualIdentityProvisioner) confirmPresence(ctx context.Context, server *Server, nick string) error {
	bot, err := vp.pool.Get(ctx, server, "")
	if err != nil {
		return err
	}
	info, err := bot.Conn().Whois(ctx, nick)
	if err != nil {
		return fmt.Errorf("%w: whois %q: %v", ErrProvisioningFailed, nick, err)
	}
	if info == nil {
		return fmt.Errorf("%w: no such nick %q on %s", ErrProvisioningFailed, nick, server.ID)
	}
	return nil
}

// IRCConfigFor loads the persisted IRC client configuration for a Matrix
// user, creating and persisting a default one on first use.
func (vp *VirtualIdentityProvisioner) IRCConfigFor(ctx context.Context, userID id.UserID, serverID string) (*IRCClientConfig, error) {
	cfg, err := vp.ids.GetIRCClientConfig(ctx, userID, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load irc config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}
	nick := DefaultIRCNick(userID)
	cfg = &IRCClientConfig{
		UserID:   userID,
		ServerID: serverID,
		Nick:     nick,
		Username: sanitizeNick(nick),
	}
	if err := vp.ids.StoreIRCClientConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to persist irc config: %w", err)
	}
	return cfg, nil
}

// ChangeNick applies a new nick to the user's live connection, if any, and
// re-persists it as the desired nick for future reconnections.
func (vp *VirtualIdentityProvisioner) ChangeNick(ctx context.Context, server *Server, userID id.UserID, newNick string) error {
	cfg, err := vp.IRCConfigFor(ctx, userID, server.ID)
	if err != nil {
		return err
	}
	cfg.Nick = newNick
	if err := vp.ids.StoreIRCClientConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist nick change: %w", err)
	}
	if conn := vp.pool.Lookup(server.ID, userID); conn != nil {
		if err := conn.Conn().ChangeNick(ctx, newNick); err != nil {
			return fmt.Errorf("failed to change nick on live connection: %w", err)
		}
	}
	return nil
}

// StorePassword persists a server password for the user and bounces their
// connection so it re-authenticates. Disconnecting with the auth-changed
// reason hands the retry to the pool's reconnect policy.
func (vp *VirtualIdentityProvisioner) StorePassword(ctx context.Context, server *Server, userID id.UserID, password string) error {
	if err := vp.ids.StorePass(ctx, userID, server.ID, password); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	if conn := vp.pool.Lookup(server.ID, userID); conn != nil {
		vp.pool.Disconnect(conn, ReasonAuthChanged, "authenticating", true)
	}
	return nil
}

// RemovePassword removes the persisted server password.
func (vp *VirtualIdentityProvisioner) RemovePassword(ctx context.Context, server *Server, userID id.UserID) error {
	return vp.ids.RemovePass(ctx, userID, server.ID)
}

// Copyright 2024-2026 Aiku AI

// Package ircconn connects the bridge to IRC networks using ergochat's
// irc-go client, translating wire traffic into the typed event variants the
// connection pool consumes.
package ircconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-irc/pkg/bridge"
)

// registrationTimeout bounds how long Dial waits for the server's welcome.
const registrationTimeout = time.Minute

// Dialer implements bridge.IRCDialer on ergochat/irc-go.
type Dialer struct {
	log zerolog.Logger
}

func NewDialer(log zerolog.Logger) *Dialer {
	return &Dialer{log: log.With().Str("component", "irc_dialer").Logger()}
}

// Conn is one live IRC session. Inbound traffic is translated in the
// client's callback goroutine, preserving wire order on the events channel.
type Conn struct {
	log    zerolog.Logger
	conn   *ircevent.Connection
	events chan<- bridge.IRCEvent

	mu          sync.Mutex
	whoisReqs   map[string]*whoisRequest
	modeReqs    map[string]chan string
	loopStopped chan struct{}
}

type whoisRequest struct {
	done     chan struct{}
	info     bridge.WhoisInfo
	gotInfo  bool
	notFound bool
}

// Dial connects and registers with the network. It blocks until the server
// sends its welcome (or ctx expires), then hands the session's read loop to
// a background goroutine that feeds the events channel. The channel is
// closed when the session ends.
func (d *Dialer) Dial(ctx context.Context, server *bridge.Server, cfg bridge.IRCClientConfig, events chan<- bridge.IRCEvent) (bridge.IRCConn, error) {
	ic := &ircevent.Connection{
		Server:        fmt.Sprintf("%s:%d", server.Addr, server.Port),
		Nick:          cfg.Nick,
		User:          cfg.Username,
		RealName:      cfg.Nick,
		Password:      cfg.Password,
		UseTLS:        server.TLS,
		QuitMessage:   "Bridge disconnecting",
		ReconnectFreq: 0, // the pool owns reconnection
	}

	c := &Conn{
		log: d.log.With().
			Str("server", server.ID).
			Str("nick", cfg.Nick).
			Logger(),
		conn:        ic,
		events:      events,
		whoisReqs:   make(map[string]*whoisRequest),
		modeReqs:    make(map[string]chan string),
		loopStopped: make(chan struct{}),
	}
	c.setupCallbacks()

	registered := make(chan struct{})
	ic.AddConnectCallback(func(e ircmsg.Message) {
		select {
		case <-registered:
		default:
			close(registered)
		}
	})

	if err := ic.Connect(); err != nil {
		return nil, err
	}
	go c.loop()

	timeout := registrationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	select {
	case <-registered:
	case <-c.loopStopped:
		return nil, fmt.Errorf("connection closed during registration")
	case <-time.After(timeout):
		ic.Quit()
		return nil, fmt.Errorf("timed out waiting for registration")
	case <-ctx.Done():
		ic.Quit()
		return nil, ctx.Err()
	}
	return c, nil
}

// loop runs the client's read loop; when it returns the session is over.
func (c *Conn) loop() {
	c.conn.Loop()
	close(c.loopStopped)
	c.events <- bridge.IRCDisconnectedEvent{Reason: "connection closed"}
	close(c.events)
}

func (c *Conn) setupCallbacks() {
	c.conn.AddCallback("JOIN", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		c.events <- bridge.IRCJoinEvent{Channel: e.Params[0], Nick: e.Nick()}
	})

	c.conn.AddCallback("PART", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		var reason string
		if len(e.Params) > 1 {
			reason = e.Params[1]
		}
		c.events <- bridge.IRCPartEvent{Channel: e.Params[0], Nick: e.Nick(), Reason: reason}
	})

	c.conn.AddCallback("KICK", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		var reason string
		if len(e.Params) > 2 {
			reason = e.Params[2]
		}
		c.events <- bridge.IRCKickEvent{
			Channel: e.Params[0],
			Kickee:  e.Params[1],
			Kicker:  e.Nick(),
			Reason:  reason,
		}
	})

	c.conn.AddCallback("PRIVMSG", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		text := e.Params[1]
		// CTCP other than ACTION is protocol chatter, not a message.
		if len(text) >= 2 && text[0] == '\x01' && text[len(text)-1] == '\x01' {
			inner := text[1 : len(text)-1]
			const actionPrefix = "ACTION "
			if len(inner) > len(actionPrefix) && inner[:len(actionPrefix)] == actionPrefix {
				text = "* " + e.Nick() + " " + inner[len(actionPrefix):]
			} else {
				return
			}
		}
		c.events <- bridge.IRCMessageEvent{From: e.Nick(), Target: e.Params[0], Text: text}
	})

	for _, code := range []string{
		bridge.NumericInviteOnly,
		bridge.NumericBannedFromChan,
		bridge.NumericBadChannelKey,
		bridge.NumericNeedRegged,
	} {
		code := code
		c.conn.AddCallback(code, func(e ircmsg.Message) {
			// Format: :server CODE nick #channel :message
			if len(e.Params) < 2 {
				return
			}
			c.events <- bridge.IRCJoinErrorEvent{Channel: e.Params[1], Code: code}
		})
	}

	// WHOIS responses. 311 carries the user info, 401 means no such nick,
	// 318 terminates the reply in both cases.
	c.conn.AddCallback("311", func(e ircmsg.Message) {
		if len(e.Params) < 4 {
			return
		}
		nick := e.Params[1]
		c.mu.Lock()
		defer c.mu.Unlock()
		req, ok := c.whoisReqs[nick]
		if !ok {
			return
		}
		req.info = bridge.WhoisInfo{
			Nick:     nick,
			Username: e.Params[2],
			Host:     e.Params[3],
		}
		if len(e.Params) >= 6 {
			req.info.RealName = e.Params[5]
		}
		req.gotInfo = true
	})

	c.conn.AddCallback("401", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		nick := e.Params[1]
		c.mu.Lock()
		defer c.mu.Unlock()
		if req, ok := c.whoisReqs[nick]; ok {
			req.notFound = true
			delete(c.whoisReqs, nick)
			close(req.done)
		}
	})

	c.conn.AddCallback("318", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		nick := e.Params[1]
		c.mu.Lock()
		defer c.mu.Unlock()
		if req, ok := c.whoisReqs[nick]; ok {
			delete(c.whoisReqs, nick)
			close(req.done)
		}
	})

	// RPL_CHANNELMODEIS: :server 324 nick #channel +modes [args...]
	c.conn.AddCallback("324", func(e ircmsg.Message) {
		if len(e.Params) < 3 {
			return
		}
		channel := e.Params[1]
		c.mu.Lock()
		defer c.mu.Unlock()
		if ch, ok := c.modeReqs[channel]; ok {
			delete(c.modeReqs, channel)
			ch <- e.Params[2]
		}
	})
}

func (c *Conn) Nick() string {
	return c.conn.CurrentNick()
}

func (c *Conn) Join(ctx context.Context, channel, key string) error {
	if key != "" {
		return c.conn.Send("JOIN", channel, key)
	}
	return c.conn.Send("JOIN", channel)
}

func (c *Conn) Part(ctx context.Context, channel, reason string) error {
	if reason != "" {
		return c.conn.Send("PART", channel, reason)
	}
	return c.conn.Send("PART", channel)
}

func (c *Conn) Kick(ctx context.Context, channel, nick, reason string) error {
	if reason != "" {
		return c.conn.Send("KICK", channel, nick, reason)
	}
	return c.conn.Send("KICK", channel, nick)
}

func (c *Conn) Privmsg(ctx context.Context, target, text string) error {
	return c.conn.Privmsg(target, text)
}

func (c *Conn) Notice(ctx context.Context, target, text string) error {
	return c.conn.Notice(target, text)
}

func (c *Conn) Send(ctx context.Context, command string, params ...string) error {
	return c.conn.Send(command, params...)
}

// Whois looks a nick up on the network, returning nil if it does not exist.
// Concurrent lookups for the same nick share one request.
func (c *Conn) Whois(ctx context.Context, nick string) (*bridge.WhoisInfo, error) {
	c.mu.Lock()
	req, ok := c.whoisReqs[nick]
	if !ok {
		req = &whoisRequest{done: make(chan struct{})}
		c.whoisReqs[nick] = req
	}
	c.mu.Unlock()

	if !ok {
		if err := c.conn.Send("WHOIS", nick); err != nil {
			c.mu.Lock()
			delete(c.whoisReqs, nick)
			c.mu.Unlock()
			return nil, err
		}
	}

	select {
	case <-req.done:
	case <-c.loopStopped:
		return nil, fmt.Errorf("connection closed during whois")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if req.notFound || !req.gotInfo {
		return nil, nil
	}
	info := req.info
	return &info, nil
}

func (c *Conn) ChannelModes(ctx context.Context, channel string) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	if _, ok := c.modeReqs[channel]; ok {
		c.mu.Unlock()
		return "", fmt.Errorf("mode query already in flight for %s", channel)
	}
	c.modeReqs[channel] = ch
	c.mu.Unlock()

	if err := c.conn.Send("MODE", channel); err != nil {
		c.mu.Lock()
		delete(c.modeReqs, channel)
		c.mu.Unlock()
		return "", err
	}

	select {
	case modes := <-ch:
		return modes, nil
	case <-c.loopStopped:
		return "", fmt.Errorf("connection closed during mode query")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.modeReqs, channel)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

func (c *Conn) ChangeNick(ctx context.Context, nick string) error {
	return c.conn.Send("NICK", nick)
}

// Close quits the session. The read loop notices the server closing the
// connection and finishes teardown, including closing the events channel.
func (c *Conn) Close(quitMessage string) error {
	select {
	case <-c.loopStopped:
		return nil
	default:
	}
	if quitMessage != "" {
		if err := c.conn.Send("QUIT", quitMessage); err == nil {
			return nil
		}
	}
	c.conn.Quit()
	return nil
}

var _ bridge.IRCConn = (*Conn)(nil)
var _ bridge.IRCDialer = (*Dialer)(nil)

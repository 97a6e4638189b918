// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// IRC numeric replies the engine cares about. Only the registration-required
// class triggers membership escalation; the other join failures are surfaced
// to the user but do not revoke Matrix membership.
const (
	NumericInviteOnly     = "473" // ERR_INVITEONLYCHAN
	NumericBannedFromChan = "474" // ERR_BANNEDFROMCHAN
	NumericBadChannelKey  = "475" // ERR_BADCHANNELKEY
	NumericNeedRegged     = "477" // ERR_NEEDREGGEDNICK
)

// WhoisInfo is the subset of a WHOIS response used for presence checks.
type WhoisInfo struct {
	Nick     string
	Username string
	Host     string
	RealName string
}

// IRCConn is one authenticated session to an IRC server, consumed as a
// command sink. Commands issued through one IRCConn are applied in call
// order. Implementations deliver inbound traffic as IRCEvent values on the
// channel supplied at dial time.
type IRCConn interface {
	Nick() string
	Join(ctx context.Context, channel, key string) error
	Part(ctx context.Context, channel, reason string) error
	Kick(ctx context.Context, channel, nick, reason string) error
	Privmsg(ctx context.Context, target, text string) error
	Notice(ctx context.Context, target, text string) error
	// Send issues a raw IRC command. Used by the admin !cmd escape hatch.
	Send(ctx context.Context, command string, params ...string) error
	// Whois performs a directory lookup, returning nil if the nick does not
	// exist on the network.
	Whois(ctx context.Context, nick string) (*WhoisInfo, error)
	// ChannelModes queries the current mode string of a channel (e.g. "+nts").
	ChannelModes(ctx context.Context, channel string) (string, error)
	ChangeNick(ctx context.Context, nick string) error
	Close(quitMessage string) error
}

// IRCDialer establishes IRC connections. The production implementation lives
// in the ircconn sub-package; tests substitute a recorder.
type IRCDialer interface {
	// Dial connects and registers with the network, delivering subsequent
	// inbound events on the supplied channel until the connection dies. The
	// channel is closed when the connection is torn down.
	Dial(ctx context.Context, server *Server, cfg IRCClientConfig, events chan<- IRCEvent) (IRCConn, error)
}

// IRCEvent is a closed set of inbound IRC event variants. Exactly one
// ingestion loop per connection consumes these, preserving per-connection
// ordering.
type IRCEvent interface{ ircEvent() }

// IRCJoinEvent is a JOIN seen on a channel, including echoes of our own joins.
type IRCJoinEvent struct {
	Channel string
	Nick    string
}

// IRCPartEvent is a PART, with the optional part reason.
type IRCPartEvent struct {
	Channel string
	Nick    string
	Reason  string
}

// IRCKickEvent is a channel KICK.
type IRCKickEvent struct {
	Channel string
	Kickee  string
	Kicker  string
	Reason  string
}

// IRCMessageEvent is an inbound PRIVMSG. Target is a channel name or, for
// private messages, the receiving connection's own nick.
type IRCMessageEvent struct {
	From   string
	Target string
	Text   string
}

// IRCJoinErrorEvent is a numeric error in response to a join attempt.
type IRCJoinErrorEvent struct {
	Channel string
	Code    string
}

// IRCDisconnectedEvent reports that the connection died. The pool decides
// whether to re-establish it.
type IRCDisconnectedEvent struct {
	Reason string
}

func (IRCJoinEvent) ircEvent()         {}
func (IRCPartEvent) ircEvent()         {}
func (IRCKickEvent) ircEvent()         {}
func (IRCMessageEvent) ircEvent()      {}
func (IRCJoinErrorEvent) ircEvent()    {}
func (IRCDisconnectedEvent) ircEvent() {}

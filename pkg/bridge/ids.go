// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// PuppetLocalpart derives the Matrix localpart for the puppet representing
// one IRC nick on one server. The format is load-bearing: changing it
// orphans every previously provisioned puppet account.
func PuppetLocalpart(serverID, nick string) string {
	return serverID + "_" + nick
}

// PuppetUserID derives the full Matrix user ID for a puppet.
func PuppetUserID(serverID, nick, hsDomain string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", PuppetLocalpart(serverID, nick), hsDomain))
}

// ParsePuppetUserID extracts the IRC nick from a puppet user ID belonging to
// the given server. Returns false for user IDs that are not puppets of that
// server on that homeserver.
func ParsePuppetUserID(userID id.UserID, serverID, hsDomain string) (nick string, ok bool) {
	prefix := "@" + serverID + "_"
	suffix := ":" + hsDomain
	s := string(userID)
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return "", false
	}
	nick = s[len(prefix) : len(s)-len(suffix)]
	if nick == "" {
		return "", false
	}
	return nick, true
}

// DefaultIRCNick derives the default IRC nick for a Matrix user from the
// localpart of their user ID.
func DefaultIRCNick(userID id.UserID) string {
	localpart := string(userID)
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	localpart = strings.TrimPrefix(localpart, "@")
	return "M-" + sanitizeNick(localpart)
}

// sanitizeNick strips characters that are not valid in an IRC nick.
func sanitizeNick(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '[' || r == ']' || r == '{' || r == '}' || r == '\\' || r == '^' || r == '`' || r == '|':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "M"
	}
	return b.String()
}

// pmPairKey builds the unordered-pair key used to single-flight PM room
// creation between one IRC user and one Matrix user on one server.
func pmPairKey(serverID, ircNick string, mxUser id.UserID) string {
	a, b := ircNick, string(mxUser)
	if a > b {
		a, b = b, a
	}
	return serverID + "|" + a + "|" + b
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"regexp"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SyncDirection holds the membership-list sync flags for one propagation
// direction.
type SyncDirection struct {
	// Initial reconciles full membership when the bot connection for the
	// server is (re)established.
	Initial bool `yaml:"initial"`
	// Incremental mirrors membership changes as events arrive.
	Incremental bool `yaml:"incremental"`
}

// MembershipSyncConfig controls membership mirroring per direction.
type MembershipSyncConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MatrixToIRC SyncDirection `yaml:"matrix_to_irc"`
	IRCToMatrix SyncDirection `yaml:"irc_to_matrix"`
}

// PMPolicy controls private-message bridging for one server.
type PMPolicy struct {
	Enabled bool `yaml:"enabled"`
	// FederateRaw defaults to true when absent; read Federate instead.
	FederateRaw *bool `yaml:"federate"`
	Federate    bool  `yaml:"-"`
}

// Server identifies one IRC network together with its bridging policy.
// Immutable after config load.
type Server struct {
	// ID is the network domain, e.g. "irc.example.com". It is embedded in
	// puppet localparts and must never change for a deployed bridge.
	ID string `yaml:"-"`

	Addr        string `yaml:"addr"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"`
	BotNick     string `yaml:"bot_nick"`
	BotUsername string `yaml:"bot_username"`

	JoinRuleRaw string `yaml:"join_rule"`
	// FederateRaw defaults to true when absent; read Federate instead.
	FederateRaw *bool  `yaml:"federate"`
	Federate    bool   `yaml:"-"`
	GroupID     string `yaml:"group_id"`
	RoomVersion string `yaml:"room_version"`

	Sync MembershipSyncConfig `yaml:"membership_lists"`
	PM   PMPolicy             `yaml:"private_messages"`

	// ExcludedUsers are regular expressions matched against full Matrix user
	// IDs. Matching users are never bridged onto this server.
	ExcludedUsers []string `yaml:"excluded_users"`

	ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`

	excludedUsers []*regexp.Regexp
}

// JoinRule returns the join rule applied to rooms created for this server's
// channels.
func (s *Server) JoinRule() event.JoinRule {
	switch s.JoinRuleRaw {
	case "invite":
		return event.JoinRuleInvite
	default:
		return event.JoinRulePublic
	}
}

// MayJoin reports whether the given Matrix user is authorized to be bridged
// onto this server.
func (s *Server) MayJoin(userID id.UserID) bool {
	for _, re := range s.excludedUsers {
		if re.MatchString(string(userID)) {
			return false
		}
	}
	return true
}

func (s *Server) compileExclusions() error {
	s.excludedUsers = s.excludedUsers[:0]
	for _, pattern := range s.ExcludedUsers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		s.excludedUsers = append(s.excludedUsers, re)
	}
	return nil
}

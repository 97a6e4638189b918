// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"

	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the bridge at its Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig holds the appservice registration half of the bridge.
type AppserviceConfig struct {
	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`
	// BotLocalpart is the localpart of the bridge bot's Matrix account.
	BotLocalpart string `yaml:"bot_localpart"`
}

// DatabaseConfig locates the bridge database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root bridge configuration.
type Config struct {
	Homeserver HomeserverConfig   `yaml:"homeserver"`
	Appservice AppserviceConfig   `yaml:"appservice"`
	Database   DatabaseConfig     `yaml:"database"`
	Logging    LoggingConfig      `yaml:"logging"`
	Servers    map[string]*Server `yaml:"servers"`
}

// LoadConfig reads, parses and post-processes a config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the config and fills in derived fields and defaults.
// Must be called before the config is used.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" || c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver address and domain are required")
	}
	if c.Appservice.ASToken == "" || c.Appservice.HSToken == "" {
		return fmt.Errorf("appservice tokens are required")
	}
	if c.Appservice.BotLocalpart == "" {
		c.Appservice.BotLocalpart = "ircbot"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mautrix-irc.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	for serverID, srv := range c.Servers {
		srv.ID = serverID
		if srv.Addr == "" {
			srv.Addr = serverID
		}
		if srv.Port == 0 {
			if srv.TLS {
				srv.Port = 6697
			} else {
				srv.Port = 6667
			}
		}
		if srv.BotNick == "" {
			srv.BotNick = "MatrixBot"
		}
		if srv.BotUsername == "" {
			srv.BotUsername = "matrixbot"
		}
		if srv.ReconnectIntervalSeconds == 0 {
			srv.ReconnectIntervalSeconds = 10
		}
		if srv.FederateRaw == nil {
			srv.FederateRaw = ptr.Ptr(true)
		}
		srv.Federate = *srv.FederateRaw
		if srv.PM.FederateRaw == nil {
			srv.PM.FederateRaw = ptr.Ptr(true)
		}
		srv.PM.Federate = *srv.PM.FederateRaw
		if err := srv.compileExclusions(); err != nil {
			return fmt.Errorf("server %s: invalid excluded_users pattern: %w", serverID, err)
		}
	}
	return nil
}

// LogLevel returns the parsed zerolog level. Only valid after PostProcess.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// BotUserID returns the bridge bot's full Matrix user ID.
func (c *Config) BotUserID() id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", c.Appservice.BotLocalpart, c.Homeserver.Domain))
}

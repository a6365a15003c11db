// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the appservice at its homeserver.
type HomeserverConfig struct {
	// Address is the client-server API base URL, e.g. http://localhost:8008.
	Address string `yaml:"address"`
	// Domain is the server name used in MXIDs, e.g. polychat.de.
	Domain string `yaml:"domain"`
}

// AppserviceConfig holds the appservice registration parameters.
type AppserviceConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
	ASToken  string `yaml:"as_token"`
	HSToken  string `yaml:"hs_token"`
	// BotLocalpart is the localpart of the main appservice bot.
	BotLocalpart string `yaml:"bot_localpart"`
	// UserPrefix is the localpart prefix of the synthetic identities
	// representing bridged users in main rooms. The registration namespace
	// must cover it.
	UserPrefix string `yaml:"user_prefix"`
}

// NetworkConfig configures one bridged network.
type NetworkConfig struct {
	Enabled bool `yaml:"enabled"`
	// BridgeBotMXID is the bridge bot the appservice cooperates with via
	// chat commands and notices. Unused for irc and matrix.
	BridgeBotMXID id.UserID `yaml:"bridge_bot_mxid"`
	// GroupCreateCommand and InviteLinkCommand are the chat commands sent
	// to the bridge bot during sub room provisioning. Defaults depend on
	// the network.
	GroupCreateCommand string `yaml:"group_create_command"`
	InviteLinkCommand  string `yaml:"invite_link_command"`
	// Server is the IRC server used to synthesize invite URLs. irc only.
	Server string `yaml:"server"`
}

// PoolConfig configures the per-network sub room pool.
type PoolConfig struct {
	// TargetSize is the number of unclaimed sub rooms kept provisioned per
	// enabled network.
	TargetSize int `yaml:"target_size"`
	// StepDelay is the fixed wait between dependent bridge bot commands.
	// The bridge bots have no acknowledgment channel, so provisioning
	// waits a fixed amount of time after each command.
	StepDelay string `yaml:"step_delay"`
	// MaxUnreadyAge is how long a sub room may stay non-ready before it is
	// flagged in the logs. Rooms are never evicted automatically.
	MaxUnreadyAge string `yaml:"max_unready_age"`

	stepDelay     time.Duration
	maxUnreadyAge time.Duration
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// JoinBaseURL is the public base URL of the join web front-end.
	JoinBaseURL string `yaml:"join_base_url"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root configuration of the appservice.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	API        APIConfig        `yaml:"api"`
	Pool       PoolConfig       `yaml:"pool"`
	Logging    LoggingConfig    `yaml:"logging"`

	Networks map[Network]NetworkConfig `yaml:"networks"`

	// LoadExistingRooms enables restart recovery from persisted room state.
	LoadExistingRooms bool `yaml:"load_existing_rooms"`

	// DebugUserIDs may always speak in sub rooms and are never treated as
	// impersonators or second joiners.
	DebugUserIDs []id.UserID `yaml:"debug_user_ids"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// defaultProvisioningCommands are the bridge bot command defaults per
// network, matching the mautrix bridge bots.
var defaultProvisioningCommands = map[Network][2]string{
	NetworkTelegram: {"!tg create group", "!tg invite-link"},
	NetworkSignal:   {"!signal create", "!signal invite-link"},
	NetworkWhatsApp: {"!wa create", "!wa invite-link"},
}

// PostProcess validates the configuration and fills in defaults. Must be
// called once after unmarshalling.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" || c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.address and homeserver.domain are required")
	}
	if c.Appservice.ASToken == "" || c.Appservice.HSToken == "" {
		return fmt.Errorf("appservice.as_token and appservice.hs_token are required")
	}
	if c.Appservice.ID == "" {
		c.Appservice.ID = "polychat"
	}
	if c.Appservice.BotLocalpart == "" {
		c.Appservice.BotLocalpart = "polychat"
	}
	if c.Appservice.UserPrefix == "" {
		c.Appservice.UserPrefix = "polychat_"
	}
	if c.Appservice.Hostname == "" {
		c.Appservice.Hostname = "0.0.0.0"
	}
	if c.Appservice.Port == 0 {
		c.Appservice.Port = 9999
	}
	if c.API.Listen == "" {
		c.API.Listen = ":3000"
	}
	if c.API.JoinBaseURL == "" {
		c.API.JoinBaseURL = "https://join.polychat.de"
	}
	if c.Pool.TargetSize <= 0 {
		c.Pool.TargetSize = 2
	}

	var err error
	c.Pool.stepDelay, err = parseDurationDefault(c.Pool.StepDelay, 15*time.Second)
	if err != nil {
		return fmt.Errorf("invalid pool.step_delay: %w", err)
	}
	c.Pool.maxUnreadyAge, err = parseDurationDefault(c.Pool.MaxUnreadyAge, time.Hour)
	if err != nil {
		return fmt.Errorf("invalid pool.max_unready_age: %w", err)
	}

	if c.Networks == nil {
		c.Networks = make(map[Network]NetworkConfig)
	}
	for network, nc := range c.Networks {
		if _, ok := ParseNetwork(string(network)); !ok {
			return fmt.Errorf("unknown network %q in config", network)
		}
		if defaults, ok := defaultProvisioningCommands[network]; ok {
			if nc.Enabled && nc.BridgeBotMXID == "" {
				return fmt.Errorf("networks.%s.bridge_bot_mxid is required when enabled", network)
			}
			if nc.GroupCreateCommand == "" {
				nc.GroupCreateCommand = defaults[0]
			}
			if nc.InviteLinkCommand == "" {
				nc.InviteLinkCommand = defaults[1]
			}
		}
		if network == NetworkIRC && nc.Server == "" {
			nc.Server = "irc.libera.chat"
		}
		c.Networks[network] = nc
	}

	return nil
}

// StepDelay returns the parsed provisioning step delay.
func (c *PoolConfig) StepDelayDuration() time.Duration { return c.stepDelay }

// MaxUnreadyAgeDuration returns the parsed stale sub room threshold.
func (c *PoolConfig) MaxUnreadyAgeDuration() time.Duration { return c.maxUnreadyAge }

// EnabledNetworks returns the enabled networks in AllNetworks order.
func (c *Config) EnabledNetworks() []Network {
	var enabled []Network
	for _, network := range AllNetworks {
		if c.Networks[network].Enabled {
			enabled = append(enabled, network)
		}
	}
	return enabled
}

// NetworkEnabled reports whether the given network is enabled.
func (c *Config) NetworkEnabled(network Network) bool {
	return c.Networks[network].Enabled
}

// IsDebugUser reports whether the MXID is on the debug allowlist.
func (c *Config) IsDebugUser(userID id.UserID) bool {
	for _, debugID := range c.DebugUserIDs {
		if debugID == userID {
			return true
		}
	}
	return false
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	return &cfg, nil
}

func parseDurationDefault(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

// Package config reads node settings from the environment, with an
// optional YAML file for protocol tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rebel47/StudySync/internal/room"
)

// Config holds everything the node needs to start.
type Config struct {
	Port      string
	Transport string // "memory" or "nats"
	NATSURL   string
	StatsPath string // empty disables session history

	Protocol Protocol
}

// Protocol tunes the synchronization intervals and completion chaining.
// Zero values mean "use the default".
type Protocol struct {
	HeartbeatSeconds int  `yaml:"heartbeat_seconds"`
	StalenessSeconds int  `yaml:"staleness_seconds"`
	SweepSeconds     int  `yaml:"sweep_seconds"`
	TickSeconds      int  `yaml:"tick_seconds"`
	AutoChainBreaks  bool `yaml:"auto_chain_breaks"`
	LongBreakEvery   int  `yaml:"long_break_every"`
}

// FromEnv reads STUDYSYNC_* environment variables (with defaults).
func FromEnv() Config {
	return Config{
		Port:      getEnv("PORT", "8080"),
		Transport: getEnv("STUDYSYNC_TRANSPORT", "nats"),
		NATSURL:   getEnv("NATS_URL", "nats://localhost:4222"),
		StatsPath: getEnv("STUDYSYNC_STATS_DB", "studysync.db"),
		Protocol: Protocol{
			AutoChainBreaks: getEnvAsBool("STUDYSYNC_AUTO_BREAKS", false),
		},
	}
}

// LoadProtocolFile overlays protocol tuning from a YAML file.
func (c *Config) LoadProtocolFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.Protocol); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// SessionConfig converts the protocol tuning into a session config,
// filling defaults for anything unset.
func (c Config) SessionConfig() room.Config {
	cfg := room.DefaultConfig()
	if c.Protocol.HeartbeatSeconds > 0 {
		cfg.HeartbeatInterval = time.Duration(c.Protocol.HeartbeatSeconds) * time.Second
	}
	if c.Protocol.StalenessSeconds > 0 {
		cfg.StalenessTimeout = time.Duration(c.Protocol.StalenessSeconds) * time.Second
	}
	if c.Protocol.SweepSeconds > 0 {
		cfg.SweepInterval = time.Duration(c.Protocol.SweepSeconds) * time.Second
	}
	if c.Protocol.TickSeconds > 0 {
		cfg.TickInterval = time.Duration(c.Protocol.TickSeconds) * time.Second
	}
	cfg.Timer.AutoChainBreaks = c.Protocol.AutoChainBreaks
	if c.Protocol.LongBreakEvery > 0 {
		cfg.Timer.LongBreakEvery = c.Protocol.LongBreakEvery
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

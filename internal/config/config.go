package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		// CommandsPerSecond bounds inbound websocket commands per connection.
		CommandsPerSecond float64 `yaml:"commandsPerSecond"`
		CommandBurst      int     `yaml:"commandBurst"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
		Queue   string `yaml:"queue"`
		Timeout string `yaml:"timeout"`
	} `yaml:"nats"`
	Game struct {
		ResultsPause     string `yaml:"resultsPause"`
		TickInterval     string `yaml:"tickInterval"`
		GracePeriod      string `yaml:"gracePeriod"`
		BasePoints       int    `yaml:"basePoints"`
		MaxSpeedBonus    int    `yaml:"maxSpeedBonus"`
		MinSpeedBonus    int    `yaml:"minSpeedBonus"`
		HostParticipates bool   `yaml:"hostParticipates"`
		// AutoAdvance defaults to true when omitted.
		AutoAdvance *bool `yaml:"autoAdvance"`
	} `yaml:"game"`
	Presence struct {
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		StaleAfter        string `yaml:"staleAfter"`
	} `yaml:"presence"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads YAML config from path. A missing file yields the zero config so
// the service can run on defaults and environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// IntOr returns v, or fallback when v is not positive.
func IntOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// AutoAdvanceEnabled reports the effective autoAdvance setting.
func (c Config) AutoAdvanceEnabled() bool {
	return c.Game.AutoAdvance == nil || *c.Game.AutoAdvance
}

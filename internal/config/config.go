// Package config loads magma's server configuration from a layered
// source: defaults, then an optional TOML file, then environment
// variables, in that priority order (later sources win). Grounded on
// github.com/knadh/koanf's standard file+env provider composition,
// found wired into several retrieval-pack repos alongside this same
// TOML/env combination.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is magma's full process configuration.
type Config struct {
	Hostname string `koanf:"hostname"`

	SMTP SMTPConfig   `koanf:"smtp"`
	POP  ListenConfig `koanf:"pop"`
	IMAP ListenConfig `koanf:"imap"`
	HTTP ListenConfig `koanf:"http"`
	DMTP ListenConfig `koanf:"dmtp"`

	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	Storage  StorageConfig  `koanf:"storage"`
	Cache    CacheConfig    `koanf:"cache"`
	Pipeline PipelineConfig `koanf:"pipeline"`

	LogLevel      string `koanf:"log_level"`
	LogProduction bool   `koanf:"log_production"`
}

type ListenConfig struct {
	Addr    string `koanf:"addr"`
	Enabled bool   `koanf:"enabled"`
}

type SMTPConfig struct {
	ListenConfig
	SubmissionAddr string   `koanf:"submission_addr"`
	RelayStandard  []string `koanf:"relay_standard"` // outbound relay pool, spec §4.6
	RelayPremium   []string `koanf:"relay_premium"`
}

type StorageConfig struct {
	GlobalDBFile string   `koanf:"global_db_file"`
	UserDBDir    string   `koanf:"user_db_dir"`
	TankFiles    []string `koanf:"tank_files"`
	SystemFile   string   `koanf:"system_file"`
	Host         uint64   `koanf:"host"`
}

type CacheConfig struct {
	RedisAddr string `koanf:"redis_addr"`
}

type PipelineConfig struct {
	MaxMessageSize int64         `koanf:"max_message_size"`
	RBLZones       []string      `koanf:"rbl_zones"`
	ClamdAddr      string        `koanf:"clamd_addr"`
	SpamThreshold  float64       `koanf:"spam_threshold"`
	GreylistWindow time.Duration `koanf:"greylist_window"`
}

// Defaults returns the configuration every unset field falls back to.
func Defaults() *Config {
	return &Config{
		Hostname: "localhost",
		SMTP: SMTPConfig{
			ListenConfig: ListenConfig{Addr: ":25", Enabled: true},
		},
		POP:  ListenConfig{Addr: ":110", Enabled: true},
		IMAP: ListenConfig{Addr: ":143", Enabled: true},
		HTTP: ListenConfig{Addr: ":8080", Enabled: true},
		DMTP: ListenConfig{Addr: ":4099", Enabled: false},
		Storage: StorageConfig{
			GlobalDBFile: "magma.db",
			UserDBDir:    "users",
			Host:         1,
		},
		Pipeline: PipelineConfig{
			MaxMessageSize: 32 << 20,
			SpamThreshold:  0.9,
			GreylistWindow: 5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load builds a Config from Defaults(), then overlays a TOML file (if
// path is non-empty and exists) and then MAGMA_-prefixed environment
// variables, each source overriding the previous one.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("MAGMA_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MAGMA_")), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

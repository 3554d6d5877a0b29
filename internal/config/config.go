// Package config loads the server/client process configuration from
// environment variables: caarlos0/env struct tags with envDefault, an
// optional .env file via joho/godotenv, and a Validate step run
// immediately after parse.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ClassDef names a receiver class and its aggregate borrow cap, plus the
// static list of client names expected to connect under it. Classes are
// created once at server construction and fixed thereafter, so this list
// is resolved to handle.Class values at startup, not rediscovered at
// runtime.
type ClassDef struct {
	Name    string
	Cap     int
	Members []string
}

// Config holds every tunable for both the server and client binaries. A
// given process only reads the fields relevant to its role; unused fields
// are harmless, the same way one Config type can serve several
// subcommands.
type Config struct {
	// Slot pool geometry.
	NSlots           uint32 `env:"SHM_NSLOTS" envDefault:"64"`
	SlotSize         uint32 `env:"SHM_SLOT_SIZE" envDefault:"4096"`
	SlotAlignment    uint32 `env:"SHM_SLOT_ALIGNMENT" envDefault:"64"`
	ContentSize      uint32 `env:"SHM_CONTENT_SIZE" envDefault:"4096"`
	ContentAlignment uint32 `env:"SHM_CONTENT_ALIGNMENT" envDefault:"64"`

	MaxReceivers uint32 `env:"SHM_MAX_RECEIVERS" envDefault:"16"`
	MaxClasses   uint32 `env:"SHM_MAX_CLASSES" envDefault:"8"`

	// Classes is a semicolon-separated list of "name:cap:member1,member2"
	// entries, parsed by ParseClasses.
	Classes string `env:"SHM_CLASSES" envDefault:"default:16:"`

	// Queue capacities.
	AvailableQueueCapacity uint32 `env:"SHM_AVAILABLE_QUEUE_CAPACITY" envDefault:"256"`
	MaxClientQueueCapacity uint32 `env:"SHM_MAX_CLIENT_QUEUE_CAPACITY" envDefault:"256"`
	FreeQueueCapacity      uint32 `env:"SHM_FREE_QUEUE_CAPACITY" envDefault:"256"`

	// Side channel.
	SocketPath string `env:"SHM_SOCKET_PATH" envDefault:"/tmp/shmchan.sock"`

	// Admission/rate limiting.
	ConnectRatePerSecond float64 `env:"SHM_CONNECT_RATE" envDefault:"50"`
	ConnectBurst         int     `env:"SHM_CONNECT_BURST" envDefault:"10"`
	NotifyRatePerSecond  float64 `env:"SHM_NOTIFY_RATE" envDefault:"1000"`
	NotifyBurst          int     `env:"SHM_NOTIFY_BURST" envDefault:"100"`
	CPURejectPercent     float64 `env:"SHM_CPU_REJECT_PERCENT" envDefault:"0"`
	MemoryRejectBytes    int64   `env:"SHM_MEMORY_REJECT_BYTES" envDefault:"0"`

	// Telemetry.
	MetricsAddr     string        `env:"SHM_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"SHM_METRICS_INTERVAL" envDefault:"2s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads .env (if present), then environment variables, then validates.
// A missing .env file is not an error — production deployments are
// expected to set real environment variables directly.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate enforces the power-of-two alignment rule and the 63-receiver
// cap before anything is built, plus the ordinary range/enum checks.
func (c *Config) Validate() error {
	if c.NSlots == 0 {
		return fmt.Errorf("SHM_NSLOTS must be > 0")
	}
	if !isPowerOfTwo(c.SlotAlignment) {
		return fmt.Errorf("SHM_SLOT_ALIGNMENT must be a power of two, got %d", c.SlotAlignment)
	}
	if !isPowerOfTwo(c.ContentAlignment) {
		return fmt.Errorf("SHM_CONTENT_ALIGNMENT must be a power of two, got %d", c.ContentAlignment)
	}
	if c.ContentSize > c.SlotSize {
		return fmt.Errorf("SHM_CONTENT_SIZE (%d) must not exceed SHM_SLOT_SIZE (%d)", c.ContentSize, c.SlotSize)
	}
	if c.MaxReceivers == 0 || c.MaxReceivers > 63 {
		return fmt.Errorf("SHM_MAX_RECEIVERS must be in [1,63], got %d", c.MaxReceivers)
	}
	if c.AvailableQueueCapacity == 0 || c.MaxClientQueueCapacity == 0 || c.FreeQueueCapacity == 0 {
		return fmt.Errorf("queue capacities must be positive")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("SHM_SOCKET_PATH is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	if _, err := c.ParseClasses(); err != nil {
		return fmt.Errorf("SHM_CLASSES: %w", err)
	}
	return nil
}

// ParseClasses decodes the Classes field into its ClassDef list. Format:
// "name:cap:member1,member2;name2:cap2:member3" — member lists may be empty.
func (c *Config) ParseClasses() ([]ClassDef, error) {
	var defs []ClassDef
	for _, entry := range strings.Split(c.Classes, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed class entry %q, want name:cap[:members]", entry)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("class entry %q has an empty name", entry)
		}
		cap, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || cap < 0 {
			return nil, fmt.Errorf("class entry %q has an invalid cap: %v", entry, err)
		}
		var members []string
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			for _, m := range strings.Split(parts[2], ",") {
				m = strings.TrimSpace(m)
				if m != "" {
					members = append(members, m)
				}
			}
		}
		defs = append(defs, ClassDef{Name: name, Cap: cap, Members: members})
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one class must be defined")
	}
	return defs, nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Package config loads tag settings from a TOML file. Every key is
// optional; unset keys keep the protocol defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/epaperlink/bletag/internal/oepl"
)

// Config is the resolved tag configuration.
type Config struct {
	// Address is the tag's BLE MAC, normalized to the uppercase
	// colon-separated form the BlueZ stack reports.
	Address string

	// DataType is the image data-type tag for the announcement.
	DataType byte

	Engine oepl.Config
}

type fileConfig struct {
	Address           string `toml:"address"`
	DataType          int    `toml:"data_type"`
	ConnectRetries    int    `toml:"connect_retries"`
	ConnectRetryDelay string `toml:"connect_retry_delay"`
	PartRetries       int    `toml:"part_retries"`
	ScanDuration      string `toml:"scan_duration"`
	ConnectTimeout    string `toml:"connect_timeout"`
}

// Default returns a Config with no address and protocol defaults.
func Default() Config {
	return Config{DataType: oepl.DefaultDataType}
}

// Load reads the TOML file at path into a Config.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = NormalizeAddress(raw.Address)
	}

	if meta.IsDefined("data_type") {
		if raw.DataType < 0 || raw.DataType > 0xFF {
			return Config{}, fmt.Errorf("data_type out of range: %d", raw.DataType)
		}
		cfg.DataType = byte(raw.DataType)
	}

	if meta.IsDefined("connect_retries") {
		if raw.ConnectRetries < 1 {
			return Config{}, fmt.Errorf("connect_retries must be positive: %d", raw.ConnectRetries)
		}
		cfg.Engine.ConnectRetries = raw.ConnectRetries
	}

	if meta.IsDefined("connect_retry_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectRetryDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_retry_delay: %w", err)
		}
		cfg.Engine.ConnectRetryDelay = d
	}

	if meta.IsDefined("part_retries") {
		if raw.PartRetries < 0 {
			return Config{}, fmt.Errorf("part_retries must not be negative: %d", raw.PartRetries)
		}
		cfg.Engine.PartRetries = raw.PartRetries
	}

	if meta.IsDefined("scan_duration") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ScanDuration))
		if err != nil {
			return Config{}, fmt.Errorf("parse scan_duration: %w", err)
		}
		cfg.Engine.ScanDuration = d
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Engine.ConnectTimeout = d
	}

	return cfg, nil
}

// NormalizeAddress trims and uppercases a BLE address so it compares equal
// to what the adapter reports.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

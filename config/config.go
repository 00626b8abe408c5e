// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the warelay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warelay/warelay/session"
)

const (
	defaultLogLevel  = "NOTICE"
	defaultStoreFile = "warelay.db"

	defaultConnectTimeout    = 20 * 1000 // 20 sec.
	defaultQueryTimeout      = 60 * 1000 // 60 sec.
	defaultKeepAliveInterval = 30 * 1000 // 30 sec.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Daemon is the process-level configuration.
type Daemon struct {
	// MetricsAddress is the address/port to bind the prometheus
	// metrics endpoint to.  Metrics are disabled when omitted.
	MetricsAddress string
}

func (dCfg *Daemon) validate() error {
	if dCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(dCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Daemon: MetricsAddress '%v' is invalid: %v", dCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the warelay logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Store is the credential and key persistence configuration.
type Store struct {
	// DataDir is the absolute path to the daemon's state files.
	DataDir string

	// File is the database file name within DataDir.
	File string
}

func (sCfg *Store) validate() error {
	if sCfg.DataDir == "" {
		return errors.New("config: Store: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Store: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.File == "" {
		sCfg.File = defaultStoreFile
	}
	return nil
}

// Path returns the full database file path.
func (sCfg *Store) Path() string {
	return filepath.Join(sCfg.DataDir, sCfg.File)
}

// Socket is the endpoint configuration shared by every session.
type Socket struct {
	// URL is the websocket chat endpoint.
	URL string

	// Origin is the value of the Origin header presented on dial.
	Origin string

	// CountryCode is the ISO 3166-1 alpha-2 locale country.
	CountryCode string

	// ConnectTimeout is the dial plus handshake deadline in
	// milliseconds.
	ConnectTimeout int

	// QueryTimeout is the default round-trip deadline in
	// milliseconds.
	QueryTimeout int

	// KeepAliveInterval is the ping cadence in milliseconds.
	KeepAliveInterval int
}

func (sCfg *Socket) applyDefaults() {
	if sCfg.ConnectTimeout <= 0 {
		sCfg.ConnectTimeout = defaultConnectTimeout
	}
	if sCfg.QueryTimeout <= 0 {
		sCfg.QueryTimeout = defaultQueryTimeout
	}
	if sCfg.KeepAliveInterval <= 0 {
		sCfg.KeepAliveInterval = defaultKeepAliveInterval
	}
}

// SessionConfig maps the socket section onto a session configuration.
// Endpoint fields left empty fall to the session layer's defaults.
func (sCfg *Socket) SessionConfig() session.Config {
	return session.Config{
		URL:               sCfg.URL,
		Origin:            sCfg.Origin,
		CountryCode:       sCfg.CountryCode,
		ConnectTimeout:    time.Duration(sCfg.ConnectTimeout) * time.Millisecond,
		QueryTimeout:      time.Duration(sCfg.QueryTimeout) * time.Millisecond,
		KeepAliveInterval: time.Duration(sCfg.KeepAliveInterval) * time.Millisecond,
	}
}

// Session is one tenant account to bring up at startup.
type Session struct {
	// Tenant is the stable identifier of the account session.
	Tenant string
}

func (sCfg *Session) validate() error {
	if sCfg.Tenant == "" {
		return errors.New("config: Session: Tenant is not set")
	}
	return nil
}

// Config is the top level warelay daemon configuration.
type Config struct {
	Daemon   *Daemon
	Logging  *Logging
	Store    *Store
	Socket   *Socket
	Sessions []*Session `toml:"Session"`
}

// FixupAndValidate applies defaults to config entries and validates
// the supplied configuration.  Most people should call one of the
// Load variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The Store section is mandatory, everything else is optional.
	if cfg.Store == nil {
		return errors.New("config: No Store block was present")
	}
	if err := cfg.Store.validate(); err != nil {
		return err
	}

	if cfg.Daemon == nil {
		cfg.Daemon = &Daemon{}
	}
	if err := cfg.Daemon.validate(); err != nil {
		return err
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Socket == nil {
		cfg.Socket = &Socket{}
	}
	cfg.Socket.applyDefaults()

	seen := make(map[string]bool)
	for _, s := range cfg.Sessions {
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Tenant] {
			return fmt.Errorf("config: Session: duplicate Tenant '%v'", s.Tenant)
		}
		seen[s.Tenant] = true
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

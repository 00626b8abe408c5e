// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	const cfgStr = `
[Store]
DataDir = "/var/lib/warelay"
`
	cfg, err := Load([]byte(cfgStr))
	require.NoError(t, err)

	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.False(t, cfg.Logging.Disable)
	require.Equal(t, filepath.Join("/var/lib/warelay", defaultStoreFile), cfg.Store.Path())
	require.Equal(t, defaultConnectTimeout, cfg.Socket.ConnectTimeout)
	require.Equal(t, defaultQueryTimeout, cfg.Socket.QueryTimeout)
	require.Equal(t, defaultKeepAliveInterval, cfg.Socket.KeepAliveInterval)
	require.Empty(t, cfg.Sessions)
	require.Empty(t, cfg.Daemon.MetricsAddress)
}

func TestLoadFullConfig(t *testing.T) {
	const cfgStr = `
[Daemon]
MetricsAddress = "127.0.0.1:6060"

[Logging]
Level = "debug"
File = "/var/log/warelay.log"

[Store]
DataDir = "/var/lib/warelay"
File = "accounts.db"

[Socket]
URL = "wss://web.example.net/ws/chat"
Origin = "https://web.example.net"
CountryCode = "DE"
ConnectTimeout = 5000
QueryTimeout = 15000
KeepAliveInterval = 20000

[[Session]]
Tenant = "alice"

[[Session]]
Tenant = "bob"
`
	cfg, err := Load([]byte(cfgStr))
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "/var/lib/warelay/accounts.db", cfg.Store.Path())
	require.Equal(t, "127.0.0.1:6060", cfg.Daemon.MetricsAddress)
	require.Len(t, cfg.Sessions, 2)
	require.Equal(t, "alice", cfg.Sessions[0].Tenant)
	require.Equal(t, "bob", cfg.Sessions[1].Tenant)

	sCfg := cfg.Socket.SessionConfig()
	require.Equal(t, "wss://web.example.net/ws/chat", sCfg.URL)
	require.Equal(t, "https://web.example.net", sCfg.Origin)
	require.Equal(t, "DE", sCfg.CountryCode)
	require.Equal(t, 5*time.Second, sCfg.ConnectTimeout)
	require.Equal(t, 15*time.Second, sCfg.QueryTimeout)
	require.Equal(t, 20*time.Second, sCfg.KeepAliveInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for _, cfgStr := range []string{
		// No Store block.
		``,
		// Relative DataDir.
		`
[Store]
DataDir = "var/lib/warelay"
`,
		// Bad log level.
		`
[Logging]
Level = "TRACE"
[Store]
DataDir = "/var/lib/warelay"
`,
		// Nameless session.
		`
[Store]
DataDir = "/var/lib/warelay"
[[Session]]
`,
		// Unparseable metrics address.
		`
[Daemon]
MetricsAddress = "metrics.example.net"
[Store]
DataDir = "/var/lib/warelay"
`,
		// Duplicated tenant.
		`
[Store]
DataDir = "/var/lib/warelay"
[[Session]]
Tenant = "alice"
[[Session]]
Tenant = "alice"
`,
	} {
		_, err := Load([]byte(cfgStr))
		require.Error(t, err)
	}

	_, err := Load(nil)
	require.Error(t, err)
}

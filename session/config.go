// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"time"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/transport"
)

// Default connection timing parameters.
const (
	DefaultConnectTimeout    = 20 * time.Second
	DefaultQueryTimeout      = 60 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second

	// Liveness slack past the keep-alive interval before the
	// connection is declared lost.
	keepAliveGrace = 5 * time.Second

	// A fresh QR code lives for a minute; every rotation after the
	// first gets a shorter life.
	qrInitialLife    = 60 * time.Second
	qrSubsequentLife = 20 * time.Second
)

// Config is the immutable per-connector configuration snapshot.
type Config struct {
	// URL and Origin locate the websocket chat endpoint.
	URL    string
	Origin string

	// Version is the client version triple announced at login.
	Version [3]uint32

	// Browser describes the companion: os label, browser name used
	// as the platform type, release string.
	Browser [3]string

	// CountryCode is the ISO 3166-1 alpha-2 locale country.
	CountryCode string

	ConnectTimeout    time.Duration
	QueryTimeout      time.Duration
	KeepAliveInterval time.Duration

	// QRTimeout overrides both QR code lifetimes when non-zero.
	QRTimeout time.Duration

	TransactionOpts auth.TransactionOptions
	CacheTTL        time.Duration
}

// FixupAndValidate fills in sane defaults for unset fields.
func (c *Config) FixupAndValidate() error {
	if c.URL == "" {
		c.URL = transport.DefaultURL
	}
	if c.Origin == "" {
		c.Origin = transport.DefaultOrigin
	}
	if c.Version == [3]uint32{} {
		c.Version = [3]uint32{2, 3000, 1023223821}
	}
	if c.Browser == [3]string{} {
		c.Browser = [3]string{"Ubuntu", "Chrome", "22.04.4"}
	}
	if c.CountryCode == "" {
		c.CountryCode = "US"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.TransactionOpts.MaxCommitRetries <= 0 {
		c.TransactionOpts = auth.DefaultTransactionOptions
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = auth.DefaultCacheTTL
	}
	return nil
}

func (c *Config) qrLife(first bool) time.Duration {
	if c.QRTimeout > 0 {
		return c.QRTimeout
	}
	if first {
		return qrInitialLife
	}
	return qrSubsequentLife
}

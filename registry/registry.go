// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry owns the tenant to session-connector map and fans
// session lifecycle events out to the operator-facing notifier.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/relay"
	"github.com/warelay/warelay/session"
)

// ErrNotConnected is returned when a tenant has no live, open session.
var ErrNotConnected = errors.New("registry: tenant is not connected")

// Notifier receives session lifecycle events keyed by tenant, for
// relay to whatever front end presents them to an operator.
type Notifier interface {
	ConnectionUpdate(tenant string, update session.ConnectionUpdate)
	PairingQR(tenant string, payload string)
	CredsUpdated(tenant string)
}

// CredentialStore persists per-tenant credentials and key material.
// *auth.BoltStore satisfies it.
type CredentialStore interface {
	LoadCreds(tenant string) (*auth.AuthenticationCreds, error)
	SaveCreds(tenant string, creds *auth.AuthenticationCreds) error
	DeleteCreds(tenant string) error
	Keys(tenant string) auth.KeyStore
}

type entry struct {
	conn  *session.Connector
	relay *relay.Relayer
}

// Registry is the tenant session table.
type Registry struct {
	cfg      session.Config
	store    CredentialStore
	notifier Notifier
	backend  *log.Backend
	log      *logging.Logger

	sync.Mutex
	entries map[string]*entry
}

// New builds an empty registry. The config value is copied per
// connector.
func New(cfg session.Config, store CredentialStore, notifier Notifier, backend *log.Backend) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		backend:  backend,
		log:      backend.GetLogger("registry"),
		entries:  make(map[string]*entry),
	}
}

// Connect brings up a session for the tenant. A tenant that already
// has an entry is left untouched. New tenants get fresh credentials
// and will surface pairing QR events; returning tenants log in with
// their stored credentials.
func (r *Registry) Connect(ctx context.Context, tenant string) error {
	r.Lock()
	if _, ok := r.entries[tenant]; ok {
		r.Unlock()
		return nil
	}
	r.Unlock()

	creds, err := r.store.LoadCreds(tenant)
	if err != nil {
		return err
	}
	if creds == nil {
		creds, err = auth.InitCreds()
		if err != nil {
			return err
		}
		if err = r.store.SaveCreds(tenant, creds); err != nil {
			return err
		}
		r.log.Noticef("tenant %q: new credentials, pairing required", tenant)
	}

	cfg := r.cfg
	conn, err := session.NewConnector(&cfg, tenant, creds, r.store.Keys(tenant), r.backend, r.events(tenant))
	if err != nil {
		return err
	}

	e := &entry{conn: conn, relay: relay.NewRelayer(conn, tenant, r.backend)}
	r.Lock()
	if _, ok := r.entries[tenant]; ok {
		r.Unlock()
		conn.End(nil)
		return nil
	}
	r.entries[tenant] = e
	activeSessions.Inc()
	r.Unlock()

	if err := conn.StartConnection(ctx); err != nil {
		r.remove(tenant, e.conn)
		return fmt.Errorf("registry: connect %q: %w", tenant, err)
	}
	return nil
}

// events wires one connector's callbacks to persistence, metrics, the
// notifier and the reconnect policy.
func (r *Registry) events(tenant string) session.Events {
	return session.Events{
		ConnectionUpdate: func(u session.ConnectionUpdate) {
			if u.Connection == "close" {
				r.handleClose(tenant, u)
			}
			r.notifier.ConnectionUpdate(tenant, u)
		},
		PairingQR: func(payload string) {
			r.notifier.PairingQR(tenant, payload)
		},
		CredsUpdated: func(creds *auth.AuthenticationCreds) {
			if err := r.store.SaveCreds(tenant, creds); err != nil {
				r.log.Errorf("tenant %q: persisting creds: %v", tenant, err)
			}
			r.notifier.CredsUpdated(tenant)
		},
	}
}

func (r *Registry) handleClose(tenant string, u session.ConnectionUpdate) {
	reason := "closed"
	restart := false
	if u.LastDisconnect != nil && u.LastDisconnect.Error != nil {
		var dErr *session.DisconnectedError
		if errors.As(u.LastDisconnect.Error, &dErr) {
			reason = dErr.Reason
			restart = dErr.StatusCode == session.StatusRestartRequired
		}
	}
	sessionDisconnects.WithLabelValues(reason).Inc()
	r.log.Noticef("tenant %q: session closed: %s", tenant, reason)

	r.Lock()
	e := r.entries[tenant]
	r.Unlock()
	if e != nil {
		r.remove(tenant, e.conn)
	}

	// The server's restart request is the one close that reconnects
	// automatically; every other reason stays down until an operator
	// intervenes.
	if restart {
		go func() {
			if err := r.Connect(context.Background(), tenant); err != nil {
				r.log.Errorf("tenant %q: reconnect: %v", tenant, err)
			}
		}()
	}
}

// remove drops the entry if it still maps to this connector.
func (r *Registry) remove(tenant string, conn *session.Connector) {
	r.Lock()
	defer r.Unlock()
	if e, ok := r.entries[tenant]; ok && e.conn == conn {
		delete(r.entries, tenant)
		activeSessions.Dec()
	}
}

func (r *Registry) open(tenant string) (*entry, error) {
	r.Lock()
	e, ok := r.entries[tenant]
	r.Unlock()
	if !ok || !e.conn.IsOpen() {
		return nil, ErrNotConnected
	}
	return e, nil
}

// SendMessage relays content to a destination through the tenant's
// open session.
func (r *Registry) SendMessage(tenant, to string, content relay.Content) (*relay.SentMessage, error) {
	e, err := r.open(tenant)
	if err != nil {
		return nil, err
	}
	sent, err := e.relay.SendMessage(to, content)
	if err != nil {
		return nil, err
	}
	relayedMessages.Inc()
	return sent, nil
}

// Logout unregisters the companion device from the account, closes
// the session and drops the stored credentials.
func (r *Registry) Logout(tenant string) error {
	e, err := r.open(tenant)
	if err != nil {
		return err
	}
	if err := e.conn.Logout(); err != nil {
		r.log.Warningf("tenant %q: logout: %v", tenant, err)
	}
	return r.store.DeleteCreds(tenant)
}

// Disconnect closes the tenant's session, keeping its credentials for
// a later reconnect.
func (r *Registry) Disconnect(tenant string) error {
	r.Lock()
	e, ok := r.entries[tenant]
	r.Unlock()
	if !ok {
		return ErrNotConnected
	}
	e.conn.End(nil)
	return nil
}

// DisconnectAll closes every session, best effort.
func (r *Registry) DisconnectAll() {
	r.Lock()
	tenants := make([]string, 0, len(r.entries))
	conns := make([]*session.Connector, 0, len(r.entries))
	for tenant, e := range r.entries {
		tenants = append(tenants, tenant)
		conns = append(conns, e.conn)
	}
	r.Unlock()

	for i, conn := range conns {
		r.log.Debugf("closing session for %q", tenants[i])
		conn.End(nil)
	}
}

// NumSessions returns the number of registered sessions.
func (r *Registry) NumSessions() int {
	r.Lock()
	defer r.Unlock()
	return len(r.entries)
}

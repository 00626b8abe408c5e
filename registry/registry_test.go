// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/relay"
	"github.com/warelay/warelay/session"
)

type memKeyStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func (m *memKeyStore) Get(category string, ids []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, id := range ids {
		if v, ok := m.data[category][id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *memKeyStore) Set(data auth.DataSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for category, entries := range data {
		if m.data[category] == nil {
			m.data[category] = make(map[string][]byte)
		}
		for id, v := range entries {
			if v == nil {
				delete(m.data[category], id)
			} else {
				m.data[category][id] = v
			}
		}
	}
	return nil
}

func (m *memKeyStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string][]byte)
	return nil
}

type memCredStore struct {
	mu    sync.Mutex
	creds map[string]*auth.AuthenticationCreds
	keys  map[string]*memKeyStore

	loads atomic.Int32
}

func newMemCredStore() *memCredStore {
	return &memCredStore{
		creds: make(map[string]*auth.AuthenticationCreds),
		keys:  make(map[string]*memKeyStore),
	}
}

func (s *memCredStore) LoadCreds(tenant string) (*auth.AuthenticationCreds, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[tenant], nil
}

func (s *memCredStore) SaveCreds(tenant string, creds *auth.AuthenticationCreds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tenant] = creds
	return nil
}

func (s *memCredStore) DeleteCreds(tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, tenant)
	delete(s.keys, tenant)
	return nil
}

func (s *memCredStore) Keys(tenant string) auth.KeyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[tenant]
	if !ok {
		ks = &memKeyStore{data: make(map[string]map[string][]byte)}
		s.keys[tenant] = ks
	}
	return ks
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []session.ConnectionUpdate
	qrs     []string
	creds   int
}

func (n *fakeNotifier) ConnectionUpdate(_ string, u session.ConnectionUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func (n *fakeNotifier) PairingQR(_, payload string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.qrs = append(n.qrs, payload)
}

func (n *fakeNotifier) CredsUpdated(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.creds++
}

func newTestRegistry(t *testing.T) (*Registry, *memCredStore, *fakeNotifier) {
	t.Helper()
	backend, err := log.New("", "ERROR", false)
	require.NoError(t, err)

	store := newMemCredStore()
	notifier := &fakeNotifier{}
	cfg := session.Config{
		// Nothing listens here; dials fail fast.
		URL:            "ws://127.0.0.1:9/ws/chat",
		ConnectTimeout: 200 * time.Millisecond,
	}
	return New(cfg, store, notifier, backend), store, notifier
}

func TestConnectMintsAndPersistsCreds(t *testing.T) {
	r, store, _ := newTestRegistry(t)

	err := r.Connect(context.Background(), "acme")
	require.Error(t, err)

	// Credentials outlive the failed dial, so pairing state is not
	// lost across attempts.
	creds, lerr := store.LoadCreds("acme")
	require.NoError(t, lerr)
	require.NotNil(t, creds)
	assert.False(t, creds.Registered)

	// The failed entry is gone.
	assert.Equal(t, 0, r.NumSessions())

	// A second attempt reuses the stored credentials.
	_ = r.Connect(context.Background(), "acme")
	second, _ := store.LoadCreds("acme")
	assert.Equal(t, creds.NoiseKey.Public, second.NoiseKey.Public)
}

func TestConnectExistingTenantIsNoop(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	r.Lock()
	r.entries["acme"] = &entry{}
	r.Unlock()

	require.NoError(t, r.Connect(context.Background(), "acme"))
	assert.Equal(t, int32(0), store.loads.Load())
	assert.Equal(t, 1, r.NumSessions())
}

func TestOperationsRequireConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.SendMessage("ghost", "491000000002@s.whatsapp.net", relay.Text{Body: "hi"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, r.Logout("ghost"), ErrNotConnected)
	require.ErrorIs(t, r.Disconnect("ghost"), ErrNotConnected)
}

func placeEntry(t *testing.T, r *Registry, store *memCredStore, tenant string) *entry {
	t.Helper()
	backend, err := log.New("", "ERROR", false)
	require.NoError(t, err)
	creds, err := auth.InitCreds()
	require.NoError(t, err)

	cfg := r.cfg
	conn, err := session.NewConnector(&cfg, tenant, creds, store.Keys(tenant), backend, r.events(tenant))
	require.NoError(t, err)

	e := &entry{conn: conn, relay: relay.NewRelayer(conn, tenant, backend)}
	r.Lock()
	r.entries[tenant] = e
	r.Unlock()
	return e
}

func closeUpdate(code int) session.ConnectionUpdate {
	return session.ConnectionUpdate{
		Connection: "close",
		LastDisconnect: &session.Disconnect{
			Error: &session.DisconnectedError{Reason: "stream errored", StatusCode: code},
			Date:  time.Now(),
		},
	}
}

func TestCloseRemovesEntryWithoutReconnect(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	placeEntry(t, r, store, "acme")

	r.handleClose("acme", closeUpdate(session.StatusConnectionLost))
	assert.Equal(t, 0, r.NumSessions())

	// No reconnect for an ordinary loss.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), store.loads.Load())
}

func TestCloseWithRestartRequiredReconnects(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	placeEntry(t, r, store, "acme")

	r.handleClose("acme", closeUpdate(session.StatusRestartRequired))
	assert.Equal(t, 0, r.NumSessions())

	// The reconnect attempt shows up as a credential load.
	require.Eventually(t, func() bool {
		return store.loads.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectAllClosesEverySession(t *testing.T) {
	r, store, notifier := newTestRegistry(t)
	placeEntry(t, r, store, "one")
	placeEntry(t, r, store, "two")
	require.Equal(t, 2, r.NumSessions())

	r.DisconnectAll()

	assert.Equal(t, 0, r.NumSessions())
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.updates, 2)
	for _, u := range notifier.updates {
		assert.Equal(t, "close", u.Connection)
	}
}

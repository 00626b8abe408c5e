// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package signalstore

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/wabinary"
)

type memKeyStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{data: make(map[string]map[string][]byte)}
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
		for id, v := range entries {
			if v == nil {
				delete(m.data[category], id)
				continue
			}
			if m.data[category] == nil {
				m.data[category] = make(map[string][]byte)
			}
			m.data[category][id] = v
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

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return backend.GetLogger("signalstore_test")
}

func newPeer(t *testing.T) (*Repository, *auth.AuthenticationCreds) {
	t.Helper()
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	return NewRepository(newMemKeyStore(), creds, testLogger(t)), creds
}

func beUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func beUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// bundleNode builds the session-fetch response node a server would
// return for the peer.
func bundleNode(t *testing.T, jid string, creds *auth.AuthenticationCreds, preKey PreKeyUpload) wabinary.Node {
	t.Helper()
	user := wabinary.Node{
		Tag:   "user",
		Attrs: wabinary.Attributes{"jid": jid},
		Content: []wabinary.Node{
			{Tag: "registration", Content: beUint32(creds.RegistrationID)},
			{Tag: "identity", Content: creds.SignedIdentityKey.Public},
			{Tag: "skey", Content: []wabinary.Node{
				{Tag: "id", Content: beUint24(creds.SignedPreKey.KeyID)},
				{Tag: "value", Content: creds.SignedPreKey.KeyPair.Public},
				{Tag: "signature", Content: creds.SignedPreKey.Signature},
			}},
			{Tag: "key", Content: []wabinary.Node{
				{Tag: "id", Content: beUint24(preKey.ID)},
				{Tag: "value", Content: preKey.KeyPair.Public},
			}},
		},
	}
	return wabinary.Node{Tag: "iq", Content: []wabinary.Node{
		{Tag: "list", Content: []wabinary.Node{user}},
	}}
}

func TestSessionBootstrapAndMessaging(t *testing.T) {
	alice, _ := newPeer(t)
	bob, bobCreds := newPeer(t)

	bobJID := wabinary.JID{User: "4910000001", Server: wabinary.DefaultUserServer}
	aliceJID := wabinary.JID{User: "4910000002", Server: wabinary.DefaultUserServer}

	bobPreKeys, err := bob.GetNextPreKeys(1)
	require.NoError(t, err)
	require.Len(t, bobPreKeys, 1)

	require.False(t, alice.ContainsSession(bobJID))
	node := bundleNode(t, bobJID.String(), bobCreds, bobPreKeys[0])
	require.NoError(t, alice.InjectSessions(&node))
	require.True(t, alice.ContainsSession(bobJID))

	// First message after a bundle is a pre-key message.
	ct, encType, err := alice.EncryptMessage(bobJID, []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, EncTypePreKeyMsg, encType)

	pt, err := bob.DecryptMessage(aliceJID, encType, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt)

	// The reply rides the established session.
	ct, encType, err = bob.EncryptMessage(aliceJID, []byte("hello alice"))
	require.NoError(t, err)
	assert.Equal(t, EncTypeMsg, encType)

	pt, err = alice.DecryptMessage(bobJID, encType, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), pt)
}

func TestGetNextPreKeysAdvancesCounters(t *testing.T) {
	repo, creds := newPeer(t)
	require.Equal(t, uint32(1), creds.NextPreKeyID)

	ks, err := repo.GetNextPreKeys(30)
	require.NoError(t, err)
	require.Len(t, ks, 30)
	assert.Equal(t, uint32(1), ks[0].ID)
	assert.Equal(t, uint32(30), ks[29].ID)
	assert.Equal(t, uint32(31), creds.NextPreKeyID)
	assert.Equal(t, uint32(31), creds.FirstUnuploadedPreKeyID)

	// The private halves are retrievable through the signal store.
	rec := repo.store.LoadPreKey(17)
	require.NotNil(t, rec)
}

func TestDecryptUnknownType(t *testing.T) {
	repo, _ := newPeer(t)
	_, err := repo.DecryptMessage(wabinary.JID{User: "1", Server: wabinary.DefaultUserServer}, "skmsg", []byte{1})
	assert.Error(t, err)
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/signalstore"
	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/waproto"
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

type fakeSession struct {
	mu      sync.Mutex
	creds   *auth.AuthenticationCreds
	signal  *signalstore.Repository
	keys    *auth.TransactionKeyStore
	devices []wabinary.JID

	onQuery func(*wabinary.Node) (*wabinary.Node, error)

	queries []*wabinary.Node
	sent    []*wabinary.Node
	// sendOrder interleaves "query" and "send" markers.
	order []string

	failResolve bool
}

func (f *fakeSession) Query(node *wabinary.Node, _ time.Duration) (*wabinary.Node, error) {
	f.mu.Lock()
	f.queries = append(f.queries, node)
	f.order = append(f.order, "query:"+node.Attrs["xmlns"])
	cb := f.onQuery
	f.mu.Unlock()
	if cb == nil {
		return nil, fmt.Errorf("unexpected query")
	}
	return cb(node)
}

func (f *fakeSession) SendNode(node *wabinary.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, node)
	f.order = append(f.order, "send:"+node.Tag)
	return nil
}

func (f *fakeSession) Creds() *auth.AuthenticationCreds { return f.creds }
func (f *fakeSession) Signal() *signalstore.Repository  { return f.signal }
func (f *fakeSession) Keys() *auth.TransactionKeyStore  { return f.keys }

func (f *fakeSession) ResolveDevices(_ []wabinary.JID, _ bool) ([]wabinary.JID, error) {
	if f.failResolve {
		return nil, fmt.Errorf("unexpected device resolution")
	}
	return f.devices, nil
}

func testBackend(t *testing.T) *log.Backend {
	t.Helper()
	backend, err := log.New("", "ERROR", false)
	require.NoError(t, err)
	return backend
}

func newTestRelayer(t *testing.T, meID string) (*Relayer, *fakeSession) {
	t.Helper()
	backend := testBackend(t)
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	creds.Me = &auth.Contact{ID: meID}

	store := newMemKeyStore()
	logger := backend.GetLogger("relay_test")
	sess := &fakeSession{
		creds:  creds,
		signal: signalstore.NewRepository(store, creds, logger),
		keys:   auth.NewTransactionKeyStore(store, auth.DefaultTransactionOptions, logger),
	}
	return NewRelayer(sess, "test", backend), sess
}

// peer is a remote device with its own signal state, able to hand out
// key bundles and decrypt what the relayer produced.
type peer struct {
	repo   *signalstore.Repository
	creds  *auth.AuthenticationCreds
	preKey signalstore.PreKeyUpload
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	repo := signalstore.NewRepository(newMemKeyStore(), creds, testBackend(t).GetLogger("peer"))
	pks, err := repo.GetNextPreKeys(1)
	require.NoError(t, err)
	return &peer{repo: repo, creds: creds, preKey: pks[0]}
}

func beUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func beUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func (p *peer) bundleUserNode(jid string) wabinary.Node {
	return wabinary.Node{
		Tag:   "user",
		Attrs: wabinary.Attributes{"jid": jid},
		Content: []wabinary.Node{
			{Tag: "registration", Content: beUint32(p.creds.RegistrationID)},
			{Tag: "identity", Content: p.creds.SignedIdentityKey.Public},
			{Tag: "skey", Content: []wabinary.Node{
				{Tag: "id", Content: beUint24(p.creds.SignedPreKey.KeyID)},
				{Tag: "value", Content: p.creds.SignedPreKey.KeyPair.Public},
				{Tag: "signature", Content: p.creds.SignedPreKey.Signature},
			}},
			{Tag: "key", Content: []wabinary.Node{
				{Tag: "id", Content: beUint24(p.preKey.ID)},
				{Tag: "value", Content: p.preKey.KeyPair.Public},
			}},
		},
	}
}

// unpadMessage strips the random length pad: the last byte is the pad
// length and fill value.
func unpadMessage(t *testing.T, padded []byte) []byte {
	t.Helper()
	require.NotEmpty(t, padded)
	pad := int(padded[len(padded)-1])
	require.Greater(t, pad, 0)
	require.LessOrEqual(t, pad, 15)
	return padded[:len(padded)-pad]
}

func TestGenerateMessageIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^3EB0[0-9A-F]{18}$`)
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		id := GenerateMessageID(fmt.Sprintf("49100%05d", i%37))
		require.Len(t, id, 22)
		require.Regexp(t, re, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPadMessage(t *testing.T) {
	body := []byte("payload")
	for i := 0; i < 200; i++ {
		padded := padMessage(body)
		pad := int(padded[len(padded)-1])
		require.Greater(t, pad, 0)
		require.LessOrEqual(t, pad, 15)
		require.Len(t, padded, len(body)+pad)
		assert.Equal(t, body, padded[:len(body)])
		for _, b := range padded[len(body):] {
			require.Equal(t, byte(pad), b)
		}
	}
}

func TestRelayTextFetchesSessionsFirst(t *testing.T) {
	r, sess := newTestRelayer(t, "491000000001:2@s.whatsapp.net")

	recipient := newPeer(t)
	ownPrimary := newPeer(t)
	recipientJID := "491000000002@s.whatsapp.net"
	ownJID := "491000000001@s.whatsapp.net"

	sess.creds.Account = &waproto.ADVSignedDeviceIdentity{
		Details:             []byte{1, 2, 3},
		AccountSignatureKey: []byte{4},
		AccountSignature:    []byte{5},
		DeviceSignature:     []byte{6},
	}

	sess.onQuery = func(node *wabinary.Node) (*wabinary.Node, error) {
		require.Equal(t, "encrypt", node.Attrs["xmlns"])
		key, ok := node.GetChild("key")
		require.True(t, ok)
		users := key.GetChildren("user")
		require.Len(t, users, 2)

		var list []wabinary.Node
		for _, u := range users {
			switch u.Attrs["jid"] {
			case ownJID:
				list = append(list, ownPrimary.bundleUserNode(ownJID))
			case recipientJID:
				list = append(list, recipient.bundleUserNode(recipientJID))
			default:
				t.Fatalf("unexpected session fetch for %s", u.Attrs["jid"])
			}
		}
		return &wabinary.Node{Tag: "iq", Content: []wabinary.Node{
			{Tag: "list", Content: list},
		}}, nil
	}

	sent, err := r.SendMessage(recipientJID, Text{Body: "hi", DisableLinkPreview: true})
	require.NoError(t, err)
	require.Regexp(t, `^3EB0[0-9A-F]{18}$`, sent.ID)

	// Exactly one session fetch, issued before the message stanza.
	require.Equal(t, []string{"query:encrypt", "send:message"}, sess.order)

	require.Len(t, sess.sent, 1)
	stanza := sess.sent[0]
	assert.Equal(t, sent.ID, stanza.Attrs["id"])
	assert.Equal(t, recipientJID, stanza.Attrs["to"])
	assert.Equal(t, "text", stanza.Attrs["type"])

	parts, ok := stanza.GetChild("participants")
	require.True(t, ok)
	tos := parts.GetChildren("to")
	require.Len(t, tos, 2)

	// Fresh sessions mean pre-key messages, which oblige the signed
	// device identity node.
	identity, ok := stanza.GetChildBytes("device-identity")
	require.True(t, ok)
	assert.Equal(t, sess.creds.Account.Marshal(true), identity)

	var recipientEnc []byte
	for _, to := range tos {
		enc, ok := to.GetChild("enc")
		require.True(t, ok)
		assert.Equal(t, "2", enc.Attrs["v"])
		assert.Equal(t, signalstore.EncTypePreKeyMsg, enc.Attrs["type"])
		if to.Attrs["jid"] == recipientJID {
			recipientEnc, _ = enc.ContentBytes()
		}
	}
	require.NotEmpty(t, recipientEnc)

	// The recipient can decrypt and sees the text, not the wrapper.
	senderJID := wabinary.JID{User: "491000000001", Device: 2, Server: wabinary.DefaultUserServer}
	padded, err := recipient.repo.DecryptMessage(senderJID, signalstore.EncTypePreKeyMsg, recipientEnc)
	require.NoError(t, err)
	var msg waproto.Message
	require.NoError(t, msg.Unmarshal(unpadMessage(t, padded)))
	require.NotNil(t, msg.ExtendedTextMessage)
	assert.Equal(t, "hi", msg.ExtendedTextMessage.Text)
	assert.Nil(t, msg.DeviceSentMessage)
}

func TestRelayWrapsOwnDeviceCopies(t *testing.T) {
	r, sess := newTestRelayer(t, "491000000001:2@s.whatsapp.net")

	recipient := newPeer(t)
	ownPrimary := newPeer(t)
	recipientJID := "491000000002@s.whatsapp.net"
	ownJID := "491000000001@s.whatsapp.net"

	sess.creds.Account = &waproto.ADVSignedDeviceIdentity{Details: []byte{1}}

	sess.onQuery = func(node *wabinary.Node) (*wabinary.Node, error) {
		return &wabinary.Node{Tag: "iq", Content: []wabinary.Node{
			{Tag: "list", Content: []wabinary.Node{
				ownPrimary.bundleUserNode(ownJID),
				recipient.bundleUserNode(recipientJID),
			}},
		}}, nil
	}

	msg := &waproto.Message{Conversation: "mirror me"}
	err := r.RelayMessage(wabinary.JID{User: "491000000002", Server: wabinary.DefaultUserServer}, msg, RelayOptions{})
	require.NoError(t, err)

	parts, ok := sess.sent[0].GetChild("participants")
	require.True(t, ok)
	var ownEnc []byte
	for _, to := range parts.GetChildren("to") {
		if to.Attrs["jid"] == ownJID {
			enc, ok := to.GetChild("enc")
			require.True(t, ok)
			ownEnc, _ = enc.ContentBytes()
		}
	}
	require.NotEmpty(t, ownEnc)

	senderJID := wabinary.JID{User: "491000000001", Device: 2, Server: wabinary.DefaultUserServer}
	padded, err := ownPrimary.repo.DecryptMessage(senderJID, signalstore.EncTypePreKeyMsg, ownEnc)
	require.NoError(t, err)
	var got waproto.Message
	require.NoError(t, got.Unmarshal(unpadMessage(t, padded)))

	// Own devices receive the device-sent wrapper.
	require.NotNil(t, got.DeviceSentMessage)
	assert.Equal(t, recipientJID, got.DeviceSentMessage.DestinationJID)
	require.NotNil(t, got.DeviceSentMessage.Message)
	assert.Equal(t, "mirror me", got.DeviceSentMessage.Message.Conversation)
}

func TestRelayPeerCategory(t *testing.T) {
	r, sess := newTestRelayer(t, "491000000001:2@s.whatsapp.net")
	sess.failResolve = true
	sess.creds.Account = &waproto.ADVSignedDeviceIdentity{Details: []byte{1}}

	self := newPeer(t)
	ownJID := wabinary.JID{User: "491000000001", Server: wabinary.DefaultUserServer}

	// Session already present, so no fetch iq may be issued.
	bundle := wabinary.Node{Tag: "iq", Content: []wabinary.Node{
		{Tag: "list", Content: []wabinary.Node{self.bundleUserNode(ownJID.String())}},
	}}
	require.NoError(t, sess.signal.InjectSessions(&bundle))

	msg := &waproto.Message{Conversation: "ack"}
	err := r.RelayMessage(ownJID, msg, RelayOptions{MessageID: "3EB0AABBCCDDEEFF0011AA", Category: CategoryPeer})
	require.NoError(t, err)

	require.Empty(t, sess.queries)
	require.Len(t, sess.sent, 1)
	stanza := sess.sent[0]
	assert.Equal(t, CategoryPeer, stanza.Attrs["category"])

	// Peer sends carry the bare enc node, no participants wrapper.
	_, hasParticipants := stanza.GetChild("participants")
	assert.False(t, hasParticipants)
	enc, ok := stanza.GetChild("enc")
	require.True(t, ok)
	assert.Equal(t, signalstore.EncTypePreKeyMsg, enc.Attrs["type"])
}

func TestRelayRejectsGroups(t *testing.T) {
	r, _ := newTestRelayer(t, "491000000001:2@s.whatsapp.net")
	err := r.RelayMessage(wabinary.JID{User: "12345", Server: wabinary.GroupServer},
		&waproto.Message{Conversation: "x"}, RelayOptions{})
	require.ErrorIs(t, err, ErrGroupsUnsupported)
}

func TestSendMessageRequiresIdentity(t *testing.T) {
	r, sess := newTestRelayer(t, "491000000001@s.whatsapp.net")
	sess.creds.Me = nil
	_, err := r.SendMessage("491000000002@s.whatsapp.net", Text{Body: "hi"})
	require.ErrorIs(t, err, ErrNoIdentity)
}

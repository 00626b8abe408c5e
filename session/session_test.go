// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
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

type fakeConn struct {
	mu     sync.Mutex
	open   bool
	closes int
	frames [][]byte

	onSend func([]byte)
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	buf := append([]byte(nil), data...)
	f.frames = append(f.frames, buf)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
}

func (f *fakeConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

type passthroughCodec struct{}

func (passthroughCodec) ClientHello() ([]byte, error) {
	return nil, errors.New("not supported")
}

func (passthroughCodec) ProcessHandshake(*waproto.HandshakeServerHello, []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (passthroughCodec) IsEstablished() bool { return true }

func (passthroughCodec) EncodeFrame(data []byte) ([]byte, error) { return data, nil }

func (passthroughCodec) DecodeFrame(data []byte, onFrame func([]byte)) error {
	onFrame(data)
	return nil
}

type recorder struct {
	updates chan ConnectionUpdate
	qr      chan string
	creds   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		updates: make(chan ConnectionUpdate, 16),
		qr:      make(chan string, 16),
		creds:   make(chan struct{}, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		ConnectionUpdate: func(u ConnectionUpdate) { r.updates <- u },
		PairingQR:        func(p string) { r.qr <- p },
		CredsUpdated:     func(*auth.AuthenticationCreds) { r.creds <- struct{}{} },
	}
}

func recvUpdate(t *testing.T, ch chan ConnectionUpdate) ConnectionUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection update")
		return ConnectionUpdate{}
	}
}

func recvString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func newTestConnector(t *testing.T, cfg *Config, creds *auth.AuthenticationCreds, rec *recorder) (*Connector, *fakeConn) {
	t.Helper()

	backend, err := log.New("", "ERROR", false)
	require.NoError(t, err)

	c, err := NewConnector(cfg, "tenant", creds, newMemKeyStore(), backend, rec.events())
	require.NoError(t, err)

	fc := &fakeConn{open: true}
	c.conn = fc
	c.noise = passthroughCodec{}
	c.Go(c.handlerWorker)
	t.Cleanup(func() { c.End(nil) })
	return c, fc
}

func frameFor(t *testing.T, node wabinary.Node) []byte {
	t.Helper()
	buf, err := wabinary.Marshal(node)
	require.NoError(t, err)
	return buf
}

func parseFrame(t *testing.T, raw []byte) *wabinary.Node {
	t.Helper()
	node, err := wabinary.Unmarshal(raw)
	require.NoError(t, err)
	return node
}

func TestGenerateMessageTag(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	c, _ := newTestConnector(t, &Config{}, creds, newRecorder())

	re := regexp.MustCompile(`^\d+\.\d+-\d+$`)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tag := c.GenerateMessageTag()
		require.Regexp(t, re, tag)
		require.False(t, seen[tag])
		seen[tag] = true
	}
}

func TestDispatchPriority(t *testing.T) {
	var got []string
	d := new(dispatcher)
	d.handle("iq", "type", "set", "pair-device", func(*wabinary.Node) { got = append(got, "pair-device") })
	d.handle("iq", "", "", "pair-success", func(*wabinary.Node) { got = append(got, "pair-success") })
	d.handle("success", "", "", "", func(*wabinary.Node) { got = append(got, "success") })

	pairDevice := &wabinary.Node{
		Tag:     "iq",
		Attrs:   wabinary.Attributes{"type": "set", "id": "1"},
		Content: []wabinary.Node{{Tag: "pair-device"}},
	}
	require.True(t, d.dispatch(pairDevice))

	pairSuccess := &wabinary.Node{
		Tag:     "iq",
		Attrs:   wabinary.Attributes{"id": "2"},
		Content: []wabinary.Node{{Tag: "pair-success"}},
	}
	require.True(t, d.dispatch(pairSuccess))

	require.True(t, d.dispatch(&wabinary.Node{Tag: "success"}))
	require.False(t, d.dispatch(&wabinary.Node{Tag: "ib"}))
	require.Equal(t, []string{"pair-device", "pair-success", "success"}, got)
}

func TestEndAllIdempotent(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	rec := newRecorder()
	c, fc := newTestConnector(t, &Config{}, creds, rec)

	c.End(errors.New("boom"))
	c.End(nil)
	c.End(errors.New("again"))

	u := recvUpdate(t, rec.updates)
	require.Equal(t, "close", u.Connection)
	require.NotNil(t, u.LastDisconnect)
	require.EqualError(t, u.LastDisconnect.Error, "boom")

	select {
	case u := <-rec.updates:
		t.Fatalf("unexpected second update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, fc.closes)
	require.Equal(t, StateClosed, c.State())
}

func TestQueryRoundTrip(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	c, fc := newTestConnector(t, &Config{}, creds, newRecorder())

	fc.onSend = func(raw []byte) {
		node := parseFrame(t, raw)
		c.onMessageReceived(frameFor(t, wabinary.Node{
			Tag:     "iq",
			Attrs:   wabinary.Attributes{"id": node.Attrs["id"], "type": "result"},
			Content: []wabinary.Node{{Tag: "pong"}},
		}))
	}

	result, err := c.Query(&wabinary.Node{
		Tag:     "iq",
		Attrs:   wabinary.Attributes{"type": "get", "to": wabinary.ServerJID},
		Content: []wabinary.Node{{Tag: "ping"}},
	}, time.Second)
	require.NoError(t, err)
	_, ok := result.GetChild("pong")
	require.True(t, ok)
}

func TestQueryStanzaError(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	c, fc := newTestConnector(t, &Config{}, creds, newRecorder())

	fc.onSend = func(raw []byte) {
		node := parseFrame(t, raw)
		c.onMessageReceived(frameFor(t, wabinary.Node{
			Tag:   "iq",
			Attrs: wabinary.Attributes{"id": node.Attrs["id"], "type": "error"},
			Content: []wabinary.Node{{
				Tag:   "error",
				Attrs: wabinary.Attributes{"code": "404", "text": "item-not-found"},
			}},
		}))
	}

	_, err = c.Query(&wabinary.Node{Tag: "iq", Attrs: wabinary.Attributes{"type": "get"}}, time.Second)
	var stanzaErr *wabinary.StanzaError
	require.ErrorAs(t, err, &stanzaErr)
	require.Equal(t, 404, stanzaErr.Code)
}

func TestQueryRejectedOnClose(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	c, _ := newTestConnector(t, &Config{}, creds, newRecorder())

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.End(nil)
	}()

	_, err = c.Query(&wabinary.Node{Tag: "iq", Attrs: wabinary.Attributes{"type": "get"}}, 5*time.Second)
	var dErr *DisconnectedError
	require.ErrorAs(t, err, &dErr)
	require.Equal(t, StatusConnectionClosed, dErr.StatusCode)
}

func TestKeepAliveLivenessTimeout(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)
	rec := newRecorder()
	c, _ := newTestConnector(t, &Config{KeepAliveInterval: 20 * time.Millisecond}, creds, rec)

	c.lastRecv.Store(time.Now().Add(-time.Minute).UnixNano())
	c.Go(c.keepAliveWorker)

	u := recvUpdate(t, rec.updates)
	require.Equal(t, "close", u.Connection)
	var dErr *DisconnectedError
	require.ErrorAs(t, u.LastDisconnect.Error, &dErr)
	require.Equal(t, "connection lost", dErr.Reason)
	require.Equal(t, StatusConnectionLost, dErr.StatusCode)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// forgePairSuccess builds a pair-success stanza the way a primary
// device would, signed with a fresh account key.
func forgePairSuccess(t *testing.T, creds *auth.AuthenticationCreds, keyIndex uint64) (*wabinary.Node, auth.KeyPair) {
	t.Helper()

	accountKey, err := auth.NewKeyPair()
	require.NoError(t, err)

	var details []byte
	details = appendVarint(details, 1, 424242)
	details = appendVarint(details, 2, uint64(time.Now().Unix()))
	details = appendVarint(details, 3, keyIndex)

	accountMsg := concatBytes([]byte{6, 0}, details, creds.SignedIdentityKey.Public)
	accountSig, err := accountKey.Sign(accountMsg)
	require.NoError(t, err)

	var signed []byte
	signed = appendBytes(signed, 1, details)
	signed = appendBytes(signed, 2, accountKey.Public)
	signed = appendBytes(signed, 3, accountSig)

	mac := hmac.New(sha256.New, creds.AdvSecretKey)
	mac.Write(signed)

	var blob []byte
	blob = appendBytes(blob, 1, signed)
	blob = appendBytes(blob, 2, mac.Sum(nil))

	return &wabinary.Node{
		Tag:   "iq",
		Attrs: wabinary.Attributes{"id": "pair-1", "type": "result"},
		Content: []wabinary.Node{{
			Tag: "pair-success",
			Content: []wabinary.Node{
				{Tag: "device-identity", Content: blob},
				{Tag: "device", Attrs: wabinary.Attributes{"jid": "15551234567@s.whatsapp.net"}},
				{Tag: "platform", Attrs: wabinary.Attributes{"name": "chrome"}},
				{Tag: "biz", Attrs: wabinary.Attributes{"name": "Acme"}},
			},
		}},
	}, accountKey
}

func TestPairingRejectsBadHMAC(t *testing.T) {
	creds, err := auth.InitCreds()
	require.NoError(t, err)

	stanza, _ := forgePairSuccess(t, creds, 1)
	pairSuccess, _ := stanza.GetChild("pair-success")
	identityNode, _ := pairSuccess.GetChild("device-identity")
	blob := identityNode.Content.([]byte)
	blob[len(blob)-1] ^= 0xff

	_, err = configurePairing(stanza, creds)
	require.ErrorIs(t, err, ErrSignatureVerification)
	require.Nil(t, creds.Me)
	require.Nil(t, creds.Account)
	require.Empty(t, creds.SignalIdentities)
}

func TestPairingSuccessFlow(t *testing.T) {
	require := require.New(t)
	creds, err := auth.InitCreds()
	require.NoError(err)
	rec := newRecorder()
	c, fc := newTestConnector(t, &Config{}, creds, rec)

	stanza, accountKey := forgePairSuccess(t, creds, 7)
	c.onMessageReceived(frameFor(t, *stanza))

	select {
	case <-rec.creds:
	case <-time.After(3 * time.Second):
		t.Fatal("no creds update after pairing")
	}
	u := recvUpdate(t, rec.updates)
	require.True(u.IsNewLogin)

	require.NotNil(creds.Me)
	require.Equal("15551234567@s.whatsapp.net", creds.Me.ID)
	require.Equal("Acme", creds.Me.Name)
	require.Equal("chrome", creds.Platform)
	require.True(creds.Registered)
	require.Len(creds.SignalIdentities, 1)

	var reply *wabinary.Node
	deadline := time.Now().Add(3 * time.Second)
	for reply == nil {
		require.True(time.Now().Before(deadline), "no pairing ack sent")
		time.Sleep(5 * time.Millisecond)
		for _, raw := range fc.sentFrames() {
			node := parseFrame(t, raw)
			if _, ok := node.GetChild("pair-device-sign"); ok {
				reply = node
			}
		}
	}
	require.Equal("result", reply.Attrs["type"])
	sign, _ := reply.GetChild("pair-device-sign")
	identityNode, ok := sign.GetChild("device-identity")
	require.True(ok)
	require.Equal("7", identityNode.Attrs["key-index"])

	blob, ok := identityNode.ContentBytes()
	require.True(ok)
	var account waproto.ADVSignedDeviceIdentity
	require.NoError(account.Unmarshal(blob))
	require.Empty(account.AccountSignatureKey)

	deviceMsg := concatBytes([]byte{6, 1}, account.Details, creds.SignedIdentityKey.Public, accountKey.Public)
	require.True(auth.VerifySignature(creds.SignedIdentityKey.Public, deviceMsg, account.DeviceSignature))
}

func TestPairDeviceRotatesQR(t *testing.T) {
	require := require.New(t)
	creds, err := auth.InitCreds()
	require.NoError(err)
	rec := newRecorder()
	c, _ := newTestConnector(t, &Config{QRTimeout: 25 * time.Millisecond}, creds, rec)

	c.onMessageReceived(frameFor(t, wabinary.Node{
		Tag:   "iq",
		Attrs: wabinary.Attributes{"id": "qr-1", "type": "set"},
		Content: []wabinary.Node{{
			Tag: "pair-device",
			Content: []wabinary.Node{
				{Tag: "ref", Content: []byte("ref-one")},
				{Tag: "ref", Content: []byte("ref-two")},
			},
		}},
	}))

	first := recvString(t, rec.qr)
	parts := strings.Split(first, ",")
	require.Len(parts, 4)
	require.Equal("ref-one", parts[0])

	second := recvString(t, rec.qr)
	require.Equal("ref-two", strings.Split(second, ",")[0])

	u := recvUpdate(t, rec.updates)
	require.Equal("close", u.Connection)
	var dErr *DisconnectedError
	require.ErrorAs(u.LastDisconnect.Error, &dErr)
	require.Equal(StatusTimedOut, dErr.StatusCode)
}

func TestSuccessFlowFailureClosesConnection(t *testing.T) {
	require := require.New(t)
	creds, err := auth.InitCreds()
	require.NoError(err)
	creds.Me = &auth.Contact{ID: "15551234567:1@s.whatsapp.net"}
	rec := newRecorder()
	c, fc := newTestConnector(t, &Config{}, creds, rec)

	// Pre-key accounting fails server side; the session must tear
	// down instead of idling short of the open state.
	fc.onSend = func(raw []byte) {
		node := parseFrame(t, raw)
		if node.Tag != "iq" || node.Attrs["xmlns"] != "encrypt" {
			return
		}
		c.onMessageReceived(frameFor(t, wabinary.Node{
			Tag:   "iq",
			Attrs: wabinary.Attributes{"id": node.Attrs["id"], "type": "error"},
			Content: []wabinary.Node{{
				Tag:   "error",
				Attrs: wabinary.Attributes{"code": "500", "text": "internal-server-error"},
			}},
		}))
	}

	c.onMessageReceived(frameFor(t, wabinary.Node{
		Tag:   "success",
		Attrs: wabinary.Attributes{"lid": "5"},
	}))

	u := recvUpdate(t, rec.updates)
	require.Equal("close", u.Connection)
	require.NotNil(u.LastDisconnect)
	var stanzaErr *wabinary.StanzaError
	require.ErrorAs(u.LastDisconnect.Error, &stanzaErr)
	require.Equal(500, stanzaErr.Code)
	require.False(c.IsOpen())
}

func TestSuccessFlowUploadsPreKeysBeforeOpen(t *testing.T) {
	require := require.New(t)
	creds, err := auth.InitCreds()
	require.NoError(err)
	creds.Me = &auth.Contact{ID: "15551234567:1@s.whatsapp.net"}
	rec := newRecorder()
	c, fc := newTestConnector(t, &Config{}, creds, rec)

	var mu sync.Mutex
	var uploaded *wabinary.Node
	var passiveSent bool

	fc.onSend = func(raw []byte) {
		node := parseFrame(t, raw)
		if node.Tag != "iq" {
			return
		}
		var reply *wabinary.Node
		switch node.Attrs["xmlns"] {
		case "encrypt":
			if _, ok := node.GetChild("count"); ok {
				reply = &wabinary.Node{
					Tag:     "iq",
					Attrs:   wabinary.Attributes{"id": node.Attrs["id"], "type": "result"},
					Content: []wabinary.Node{{Tag: "count", Attrs: wabinary.Attributes{"value": "2"}}},
				}
			} else if _, ok := node.GetChild("list"); ok {
				mu.Lock()
				uploaded = node
				mu.Unlock()
				reply = &wabinary.Node{
					Tag:   "iq",
					Attrs: wabinary.Attributes{"id": node.Attrs["id"], "type": "result"},
				}
			}
		case "passive":
			mu.Lock()
			passiveSent = true
			mu.Unlock()
			reply = &wabinary.Node{
				Tag:   "iq",
				Attrs: wabinary.Attributes{"id": node.Attrs["id"], "type": "result"},
			}
		}
		if reply != nil {
			c.onMessageReceived(frameFor(t, *reply))
		}
	}

	c.onMessageReceived(frameFor(t, wabinary.Node{
		Tag:   "success",
		Attrs: wabinary.Attributes{"lid": "5"},
	}))

	select {
	case <-rec.creds:
	case <-time.After(3 * time.Second):
		t.Fatal("no creds update on success")
	}
	u := recvUpdate(t, rec.updates)
	require.Equal("open", u.Connection)
	require.True(u.PhoneConnected)
	require.NotNil(u.User)
	require.Equal("5", u.User.LID)
	require.True(c.IsOpen())

	mu.Lock()
	defer mu.Unlock()
	require.True(passiveSent)
	require.NotNil(uploaded)
	list, ok := uploaded.GetChild("list")
	require.True(ok)
	require.Len(list.GetChildren("key"), InitialPreKeyCount)
	reg, ok := uploaded.GetChildBytes("registration")
	require.True(ok)
	require.Len(reg, 4)
	skey, ok := uploaded.GetChild("skey")
	require.True(ok)
	skeyVal, ok := skey.GetChildBytes("value")
	require.True(ok)
	require.Equal(creds.SignedPreKey.KeyPair.Public, skeyVal)
	require.Equal(uint32(InitialPreKeyCount+1), creds.NextPreKeyID)
}

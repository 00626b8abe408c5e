// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package signalstore adapts the credential key store to the Signal
// protocol library and exposes the per-device encrypt/decrypt
// operations the relay layer needs.
package signalstore

import (
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"go.mau.fi/libsignal/ecc"
	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"
	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
)

// Store implements the Signal protocol store interfaces on top of an
// auth.KeyStore. Load/store failures surface as absent records; the
// protocol library treats those as missing sessions or keys, which is
// the recoverable interpretation.
type Store struct {
	keys       auth.KeyStore
	creds      *auth.AuthenticationCreds
	serializer *serialize.Serializer
	log        *logging.Logger
}

// NewStore builds the adapter.
func NewStore(keys auth.KeyStore, creds *auth.AuthenticationCreds, l *logging.Logger) *Store {
	return &Store{
		keys:       keys,
		creds:      creds,
		serializer: serialize.NewProtoBufSerializer(),
		log:        l,
	}
}

func (s *Store) get(category, id string) []byte {
	got, err := s.keys.Get(category, []string{id})
	if err != nil {
		s.log.Errorf("Key store get %s/%s failed: %v", category, id, err)
		return nil
	}
	return got[id]
}

func (s *Store) put(category, id string, value []byte) {
	data := make(auth.DataSet)
	data.Put(category, id, value)
	if err := s.keys.Set(data); err != nil {
		s.log.Errorf("Key store set %s/%s failed: %v", category, id, err)
	}
}

func sessionID(address *protocol.SignalAddress) string {
	return address.String()
}

// GetIdentityKeyPair returns the local identity keypair.
func (s *Store) GetIdentityKeyPair() *identity.KeyPair {
	var pub, priv [32]byte
	copy(pub[:], s.creds.SignedIdentityKey.Public)
	copy(priv[:], s.creds.SignedIdentityKey.Private)
	return identity.NewKeyPair(
		identity.NewKey(ecc.NewDjbECPublicKey(pub)),
		ecc.NewDjbECPrivateKey(priv),
	)
}

// GetLocalRegistrationId returns the registration id negotiated at
// pairing time.
func (s *Store) GetLocalRegistrationId() uint32 {
	return s.creds.RegistrationID
}

// SaveIdentity records a peer identity key.
func (s *Store) SaveIdentity(address *protocol.SignalAddress, identityKey *identity.Key) {
	s.put(auth.CategoryIdentity, sessionID(address), identityKey.Serialize())
}

// IsTrustedIdentity trusts on first use, matching the upstream client
// behavior.
func (s *Store) IsTrustedIdentity(*protocol.SignalAddress, *identity.Key) bool {
	return true
}

func preKeyID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Pre-keys persist as plain keypairs, not serialized records, so the
// upload path can read their public halves directly.
func (s *Store) LoadPreKey(id uint32) *record.PreKey {
	raw := s.get(auth.CategoryPreKey, preKeyID(id))
	if raw == nil {
		return nil
	}
	var kp auth.KeyPair
	if err := cbor.Unmarshal(raw, &kp); err != nil {
		s.log.Errorf("Corrupt pre-key %d: %v", id, err)
		return nil
	}
	var pub, priv [32]byte
	copy(pub[:], kp.Public)
	copy(priv[:], kp.Private)
	return record.NewPreKey(id,
		ecc.NewECKeyPair(ecc.NewDjbECPublicKey(pub), ecc.NewDjbECPrivateKey(priv)),
		s.serializer.PreKeyRecord)
}

func (s *Store) StorePreKey(id uint32, rec *record.PreKey) {
	kp := rec.KeyPair()
	pub := kp.PublicKey().Serialize()
	priv := kp.PrivateKey().Serialize()
	raw, err := cbor.Marshal(auth.KeyPair{
		Public:  append([]byte{}, pub[1:]...),
		Private: append([]byte{}, priv[:]...),
	})
	if err != nil {
		s.log.Errorf("Serialize pre-key %d: %v", id, err)
		return
	}
	s.put(auth.CategoryPreKey, preKeyID(id), raw)
}

func (s *Store) ContainsPreKey(id uint32) bool {
	return s.get(auth.CategoryPreKey, preKeyID(id)) != nil
}

func (s *Store) RemovePreKey(id uint32) {
	s.put(auth.CategoryPreKey, preKeyID(id), nil)
}

func (s *Store) LoadSession(address *protocol.SignalAddress) *record.Session {
	raw := s.get(auth.CategorySession, sessionID(address))
	if raw == nil {
		return record.NewSession(s.serializer.Session, s.serializer.State)
	}
	rec, err := record.NewSessionFromBytes(raw, s.serializer.Session, s.serializer.State)
	if err != nil {
		s.log.Errorf("Corrupt session %s: %v", address, err)
		return record.NewSession(s.serializer.Session, s.serializer.State)
	}
	return rec
}

// GetSubDeviceSessions is unused by the sealed-sender free flows here.
func (s *Store) GetSubDeviceSessions(string) []uint32 {
	return nil
}

func (s *Store) StoreSession(address *protocol.SignalAddress, rec *record.Session) {
	s.put(auth.CategorySession, sessionID(address), rec.Serialize())
}

func (s *Store) ContainsSession(address *protocol.SignalAddress) bool {
	return s.get(auth.CategorySession, sessionID(address)) != nil
}

func (s *Store) DeleteSession(address *protocol.SignalAddress) {
	s.put(auth.CategorySession, sessionID(address), nil)
}

func (s *Store) DeleteAllSessions() {
	// Sessions are only dropped wholesale when the tenant is wiped.
}

// There is exactly one signed pre-key per session and it lives in the
// credentials, so the signed pre-key store ignores ids the way the
// upstream client does.
func (s *Store) LoadSignedPreKey(uint32) *record.SignedPreKey {
	return s.signedPreKeyRecord()
}

func (s *Store) LoadSignedPreKeys() []*record.SignedPreKey {
	return []*record.SignedPreKey{s.signedPreKeyRecord()}
}

func (s *Store) StoreSignedPreKey(uint32, *record.SignedPreKey) {}

func (s *Store) ContainsSignedPreKey(id uint32) bool {
	return id == s.creds.SignedPreKey.KeyID
}

func (s *Store) RemoveSignedPreKey(uint32) {}

func (s *Store) signedPreKeyRecord() *record.SignedPreKey {
	spk := s.creds.SignedPreKey
	var pub, priv [32]byte
	copy(pub[:], spk.KeyPair.Public)
	copy(priv[:], spk.KeyPair.Private)
	var sig [64]byte
	copy(sig[:], spk.Signature)
	return record.NewSignedPreKey(spk.KeyID, 0,
		ecc.NewECKeyPair(ecc.NewDjbECPublicKey(pub), ecc.NewDjbECPrivateKey(priv)),
		sig, s.serializer.SignedPreKeyRecord)
}

func senderKeyID(name *protocol.SenderKeyName) string {
	return name.GroupID() + "::" + name.Sender().String()
}

func (s *Store) StoreSenderKey(name *protocol.SenderKeyName, rec *groupRecord.SenderKey) {
	s.put(auth.CategorySenderKey, senderKeyID(name), rec.Serialize())
}

func (s *Store) LoadSenderKey(name *protocol.SenderKeyName) *groupRecord.SenderKey {
	raw := s.get(auth.CategorySenderKey, senderKeyID(name))
	if raw == nil {
		return groupRecord.NewSenderKey(s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	}
	rec, err := groupRecord.NewSenderKeyFromBytes(raw, s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	if err != nil {
		s.log.Errorf("Corrupt sender key %s: %v", senderKeyID(name), err)
		return groupRecord.NewSenderKey(s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	}
	return rec
}

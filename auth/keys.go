// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth holds the long lived credential material of a session
// and the key store interfaces the Signal layer works against.
package auth

import (
	"crypto/rand"
	"fmt"

	"go.mau.fi/libsignal/ecc"

	"github.com/warelay/warelay/waproto"
)

// KeyBundleType is the version byte prefixed to curve public keys on
// the wire.
const KeyBundleType = ecc.DjbType

// KeyPair is a raw X25519 keypair.
type KeyPair struct {
	Public  []byte `cbor:"public"`
	Private []byte `cbor:"private"`
}

// NewKeyPair generates a fresh curve keypair.
func NewKeyPair() (KeyPair, error) {
	kp, err := ecc.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	// Serialize prefixes the key type byte; strip it here and add it
	// back only where the wire format wants it.
	pub := kp.PublicKey().Serialize()
	priv := kp.PrivateKey().Serialize()
	return KeyPair{
		Public:  append([]byte{}, pub[1:]...),
		Private: append([]byte{}, priv[:]...),
	}, nil
}

// SignalPublicKey returns the public key with the version byte
// prefixed, the form curve signature functions expect.
func (kp KeyPair) SignalPublicKey() []byte {
	return prefixKeyType(kp.Public)
}

func prefixKeyType(pub []byte) []byte {
	if len(pub) == 33 {
		return pub
	}
	return append([]byte{KeyBundleType}, pub...)
}

// Sign computes a curve signature over msg with the keypair's private
// key.
func (kp KeyPair) Sign(msg []byte) ([]byte, error) {
	if len(kp.Private) != 32 {
		return nil, fmt.Errorf("auth: bad private key length %d", len(kp.Private))
	}
	var priv [32]byte
	copy(priv[:], kp.Private)
	sig := ecc.CalculateSignature(ecc.NewDjbECPrivateKey(priv), msg)
	return sig[:], nil
}

// VerifySignature checks a curve signature over msg against a raw or
// version-prefixed public key.
func VerifySignature(pub, msg, signature []byte) bool {
	pub = prefixKeyType(pub)
	if len(pub) != 33 || len(signature) != 64 {
		return false
	}
	var rawPub [32]byte
	copy(rawPub[:], pub[1:])
	var sig [64]byte
	copy(sig[:], signature)
	return ecc.VerifySignature(ecc.NewDjbECPublicKey(rawPub), msg, sig)
}

// SignedKeyPair is a keypair countersigned by the identity key.
type SignedKeyPair struct {
	KeyPair   KeyPair `cbor:"key_pair"`
	Signature []byte  `cbor:"signature"`
	KeyID     uint32  `cbor:"key_id"`
}

// NewSignedKeyPair generates a keypair and signs its prefixed public
// key with the identity key.
func NewSignedKeyPair(identity KeyPair, keyID uint32) (SignedKeyPair, error) {
	kp, err := NewKeyPair()
	if err != nil {
		return SignedKeyPair{}, err
	}
	sig, err := identity.Sign(kp.SignalPublicKey())
	if err != nil {
		return SignedKeyPair{}, err
	}
	return SignedKeyPair{KeyPair: kp, Signature: sig, KeyID: keyID}, nil
}

// Contact identifies the account this session belongs to.
type Contact struct {
	ID   string `cbor:"id"`
	LID  string `cbor:"lid,omitempty"`
	Name string `cbor:"name,omitempty"`
}

// SignalIdentity records a peer identity key learned during pairing.
type SignalIdentity struct {
	JID           string `cbor:"jid"`
	DeviceID      uint32 `cbor:"device_id"`
	IdentifierKey []byte `cbor:"identifier_key"`
}

// AuthenticationCreds is everything a session needs to reconnect and
// re-authenticate. It is persisted across restarts.
type AuthenticationCreds struct {
	NoiseKey                KeyPair       `cbor:"noise_key"`
	PairingEphemeralKeyPair KeyPair       `cbor:"pairing_ephemeral_key_pair"`
	SignedIdentityKey       KeyPair       `cbor:"signed_identity_key"`
	SignedPreKey            SignedKeyPair `cbor:"signed_pre_key"`
	RegistrationID          uint32        `cbor:"registration_id"`
	AdvSecretKey            []byte        `cbor:"adv_secret_key"`

	Me               *Contact                         `cbor:"me,omitempty"`
	Account          *waproto.ADVSignedDeviceIdentity `cbor:"account,omitempty"`
	SignalIdentities []SignalIdentity                 `cbor:"signal_identities,omitempty"`

	FirstUnuploadedPreKeyID uint32 `cbor:"first_unuploaded_pre_key_id"`
	NextPreKeyID            uint32 `cbor:"next_pre_key_id"`
	AccountSyncCounter      uint32 `cbor:"account_sync_counter"`
	Registered              bool   `cbor:"registered"`
	Platform                string `cbor:"platform,omitempty"`
	LastPropHash            string `cbor:"last_prop_hash,omitempty"`
	RoutingInfo             []byte `cbor:"routing_info,omitempty"`
}

// InitCreds generates the credential set of a brand new, unpaired
// session.
func InitCreds() (*AuthenticationCreds, error) {
	noiseKey, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	pairingKey, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	identityKey, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	signedPreKey, err := NewSignedKeyPair(identityKey, 1)
	if err != nil {
		return nil, err
	}

	var seed [34]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	regID := uint32(seed[0])<<8 | uint32(seed[1])

	return &AuthenticationCreds{
		NoiseKey:                noiseKey,
		PairingEphemeralKeyPair: pairingKey,
		SignedIdentityKey:       identityKey,
		SignedPreKey:            signedPreKey,
		RegistrationID:          regID & 16383,
		AdvSecretKey:            append([]byte{}, seed[2:]...),
		FirstUnuploadedPreKeyID: 1,
		NextPreKeyID:            1,
	}, nil
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package signalstore

import (
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/util/optional"
	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/wabinary"
)

// Ciphertext kinds carried in the enc node type attribute.
const (
	EncTypePreKeyMsg = "pkmsg"
	EncTypeMsg       = "msg"
)

// Repository exposes the per-device Signal operations: session
// bootstrap from server bundles, message encrypt/decrypt, and pre-key
// replenishment.
type Repository struct {
	store *Store
	creds *auth.AuthenticationCreds
	keys  auth.KeyStore
	log   *logging.Logger
}

// NewRepository builds a repository over one tenant's key store.
func NewRepository(keys auth.KeyStore, creds *auth.AuthenticationCreds, l *logging.Logger) *Repository {
	return &Repository{
		store: NewStore(keys, creds, l),
		creds: creds,
		keys:  keys,
		log:   l,
	}
}

// AddressFor maps a device jid onto its Signal protocol address.
func AddressFor(jid wabinary.JID) *protocol.SignalAddress {
	name := jid.User
	if jid.Agent > 0 {
		name = fmt.Sprintf("%s_%d", jid.User, jid.Agent)
	}
	return protocol.NewSignalAddress(name, uint32(jid.Device))
}

// ContainsSession reports whether an encryption session exists for the
// device.
func (r *Repository) ContainsSession(jid wabinary.JID) bool {
	return r.store.ContainsSession(AddressFor(jid))
}

// EncryptMessage encrypts plaintext for one device, returning the
// ciphertext and whether it is a pre-key or a regular message.
func (r *Repository) EncryptMessage(jid wabinary.JID, plaintext []byte) ([]byte, string, error) {
	addr := AddressFor(jid)
	builder := session.NewBuilderFromSignal(r.store, addr, r.store.serializer)
	cipher := session.NewCipher(builder, addr)

	msg, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("signalstore: encrypt for %s: %w", addr, err)
	}
	encType := EncTypeMsg
	if msg.Type() == protocol.PREKEY_TYPE {
		encType = EncTypePreKeyMsg
	}
	return msg.Serialize(), encType, nil
}

// DecryptMessage decrypts a pkmsg or msg ciphertext from one device.
func (r *Repository) DecryptMessage(jid wabinary.JID, encType string, ciphertext []byte) ([]byte, error) {
	addr := AddressFor(jid)
	builder := session.NewBuilderFromSignal(r.store, addr, r.store.serializer)
	cipher := session.NewCipher(builder, addr)

	switch encType {
	case EncTypePreKeyMsg:
		msg, err := protocol.NewPreKeySignalMessageFromBytes(ciphertext,
			r.store.serializer.PreKeySignalMessage, r.store.serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("signalstore: parse pkmsg from %s: %w", addr, err)
		}
		pt, err := cipher.DecryptMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("signalstore: decrypt pkmsg from %s: %w", addr, err)
		}
		return pt, nil
	case EncTypeMsg:
		msg, err := protocol.NewSignalMessageFromBytes(ciphertext, r.store.serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("signalstore: parse msg from %s: %w", addr, err)
		}
		pt, err := cipher.Decrypt(msg)
		if err != nil {
			return nil, fmt.Errorf("signalstore: decrypt msg from %s: %w", addr, err)
		}
		return pt, nil
	default:
		return nil, fmt.Errorf("signalstore: unknown enc type %q", encType)
	}
}

// InjectSessions walks a session-fetch response and establishes an
// outgoing session for every user bundle it carries.
func (r *Repository) InjectSessions(node *wabinary.Node) error {
	list, ok := node.GetChild("list")
	if !ok {
		return fmt.Errorf("signalstore: session response without list")
	}
	for _, user := range list.GetChildren("user") {
		jid, err := wabinary.ParseJID(user.Attrs["jid"])
		if err != nil {
			return fmt.Errorf("signalstore: session response: %w", err)
		}
		bundle, err := nodeToBundle(&user)
		if err != nil {
			return fmt.Errorf("signalstore: bundle for %s: %w", jid, err)
		}
		addr := AddressFor(jid)
		builder := session.NewBuilderFromSignal(r.store, addr, r.store.serializer)
		if err := builder.ProcessBundle(bundle); err != nil {
			return fmt.Errorf("signalstore: process bundle for %s: %w", jid, err)
		}
		r.log.Debugf("Injected session for %s", addr)
	}
	return nil
}

func nodeToBundle(user *wabinary.Node) (*prekey.Bundle, error) {
	registrationID, ok := user.GetChildUint("registration")
	if !ok {
		return nil, fmt.Errorf("missing registration")
	}
	identityRaw, ok := user.GetChildBytes("identity")
	if !ok || len(identityRaw) != 32 {
		return nil, fmt.Errorf("missing identity key")
	}
	var identityPub [32]byte
	copy(identityPub[:], identityRaw)

	skey, ok := user.GetChild("skey")
	if !ok {
		return nil, fmt.Errorf("missing signed pre-key")
	}
	signedID, signedPub, signedSig, err := parseKeyNode(skey)
	if err != nil {
		return nil, fmt.Errorf("signed pre-key: %w", err)
	}
	if signedSig == nil {
		return nil, fmt.Errorf("signed pre-key: missing signature")
	}
	var sig [64]byte
	copy(sig[:], signedSig)

	preKeyID := optional.NewEmptyUint32()
	var preKeyPub ecc.ECPublicKeyable
	if key, ok := user.GetChild("key"); ok {
		id, pub, _, err := parseKeyNode(key)
		if err != nil {
			return nil, fmt.Errorf("one-time pre-key: %w", err)
		}
		preKeyID = optional.NewOptionalUint32(id)
		preKeyPub = pub
	}

	return prekey.NewBundle(uint32(registrationID), 0,
		preKeyID, signedID,
		preKeyPub, signedPub,
		sig, identity.NewKey(ecc.NewDjbECPublicKey(identityPub))), nil
}

func parseKeyNode(n *wabinary.Node) (uint32, ecc.ECPublicKeyable, []byte, error) {
	id, ok := n.GetChildUint("id")
	if !ok {
		return 0, nil, nil, fmt.Errorf("missing id")
	}
	value, ok := n.GetChildBytes("value")
	if !ok || len(value) != 32 {
		return 0, nil, nil, fmt.Errorf("missing value")
	}
	var pub [32]byte
	copy(pub[:], value)
	sig, _ := n.GetChildBytes("signature")
	return uint32(id), ecc.NewDjbECPublicKey(pub), sig, nil
}

// PreKeyUpload is one freshly generated pre-key ready to announce to
// the server.
type PreKeyUpload struct {
	ID      uint32
	KeyPair auth.KeyPair
}

// GetNextPreKeys mints count new pre-keys, stores them, and advances
// the credential counters. The caller persists the credentials and
// uploads the public halves.
func (r *Repository) GetNextPreKeys(count uint32) ([]PreKeyUpload, error) {
	out := make([]PreKeyUpload, 0, count)
	data := make(auth.DataSet)
	for i := uint32(0); i < count; i++ {
		id := r.creds.NextPreKeyID + i
		kp, err := auth.NewKeyPair()
		if err != nil {
			return nil, err
		}
		raw, err := cbor.Marshal(kp)
		if err != nil {
			return nil, err
		}
		data.Put(auth.CategoryPreKey, strconv.FormatUint(uint64(id), 10), raw)
		out = append(out, PreKeyUpload{ID: id, KeyPair: kp})
	}
	if err := r.keys.Set(data); err != nil {
		return nil, err
	}
	r.creds.NextPreKeyID += count
	r.creds.FirstUnuploadedPreKeyID = r.creds.NextPreKeyID
	return out, nil
}

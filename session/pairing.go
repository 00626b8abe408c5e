// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/waproto"
)

// configurePairing verifies a pair-success stanza and applies the
// resulting identity to creds.  On success it returns the
// acknowledgment to send back; creds is untouched on any error.
func configurePairing(stanza *wabinary.Node, creds *auth.AuthenticationCreds) (*wabinary.Node, error) {
	pairSuccess, ok := stanza.GetChild("pair-success")
	if !ok {
		return nil, fmt.Errorf("session: pair-success stanza carries no pair-success element")
	}
	deviceIdentityNode, ok := pairSuccess.GetChild("device-identity")
	if !ok {
		return nil, fmt.Errorf("session: pair-success carries no device-identity")
	}
	deviceNode, ok := pairSuccess.GetChild("device")
	if !ok {
		return nil, fmt.Errorf("session: pair-success carries no device")
	}
	identityBlob, ok := deviceIdentityNode.ContentBytes()
	if !ok {
		return nil, fmt.Errorf("session: device-identity carries no payload")
	}

	var signedHMAC waproto.ADVSignedDeviceIdentityHMAC
	if err := signedHMAC.Unmarshal(identityBlob); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, creds.AdvSecretKey)
	mac.Write(signedHMAC.Details)
	if !hmac.Equal(mac.Sum(nil), signedHMAC.HMAC) {
		return nil, fmt.Errorf("%w: device identity hmac mismatch", ErrSignatureVerification)
	}

	var account waproto.ADVSignedDeviceIdentity
	if err := account.Unmarshal(signedHMAC.Details); err != nil {
		return nil, err
	}

	accountMsg := concatBytes([]byte{6, 0}, account.Details, creds.SignedIdentityKey.Public)
	if !auth.VerifySignature(account.AccountSignatureKey, accountMsg, account.AccountSignature) {
		return nil, fmt.Errorf("%w: account signature mismatch", ErrSignatureVerification)
	}

	deviceMsg := concatBytes([]byte{6, 1}, account.Details, creds.SignedIdentityKey.Public, account.AccountSignatureKey)
	deviceSignature, err := creds.SignedIdentityKey.Sign(deviceMsg)
	if err != nil {
		return nil, err
	}
	account.DeviceSignature = deviceSignature

	var deviceIdentity waproto.ADVDeviceIdentity
	if err := deviceIdentity.Unmarshal(account.Details); err != nil {
		return nil, err
	}

	jid := deviceNode.Attrs["jid"]
	identity := auth.SignalIdentity{
		JID:           jid,
		DeviceID:      0,
		IdentifierKey: append([]byte{auth.KeyBundleType}, account.AccountSignatureKey...),
	}

	reply := &wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"to":   wabinary.ServerJID,
			"type": "result",
			"id":   stanza.Attrs["id"],
		},
		Content: []wabinary.Node{{
			Tag: "pair-device-sign",
			Content: []wabinary.Node{{
				Tag:     "device-identity",
				Attrs:   wabinary.Attributes{"key-index": strconv.FormatUint(uint64(deviceIdentity.KeyIndex), 10)},
				Content: account.Marshal(false),
			}},
		}},
	}

	me := &auth.Contact{ID: jid}
	if biz, ok := pairSuccess.GetChild("biz"); ok {
		me.Name = biz.Attrs["name"]
	}
	platform := ""
	if platformNode, ok := pairSuccess.GetChild("platform"); ok {
		platform = platformNode.Attrs["name"]
	}

	creds.Account = &account
	creds.Me = me
	creds.SignalIdentities = append(creds.SignalIdentities, identity)
	creds.Platform = platform
	creds.Registered = true

	return reply, nil
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

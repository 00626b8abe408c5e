// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import "google.golang.org/protobuf/encoding/protowire"

// ADVSignedDeviceIdentityHMAC wraps the signed device identity with the
// HMAC the primary computed over it.
type ADVSignedDeviceIdentityHMAC struct {
	Details []byte
	HMAC    []byte
}

// ADVSignedDeviceIdentity is the pairing identity record together with
// the account and device signatures over it.
type ADVSignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

// ADVDeviceIdentity is the inner identity record.
type ADVDeviceIdentity struct {
	RawID     uint32
	Timestamp uint64
	KeyIndex  uint32
}

func (m *ADVSignedDeviceIdentityHMAC) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			m.Details = v
		case 2:
			m.HMAC = v
		}
		return nil
	})
}

func (m *ADVSignedDeviceIdentity) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			m.Details = v
		case 2:
			m.AccountSignatureKey = v
		case 3:
			m.AccountSignature = v
		case 4:
			m.DeviceSignature = v
		}
		return nil
	})
}

// Marshal serializes the identity record. The account signature key is
// omitted when withKey is false; the signed reply sent back during
// pairing must not repeat it.
func (m *ADVSignedDeviceIdentity) Marshal(withKey bool) []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Details)
	if withKey {
		b = appendBytesField(b, 2, m.AccountSignatureKey)
	}
	b = appendBytesField(b, 3, m.AccountSignature)
	b = appendBytesField(b, 4, m.DeviceSignature)
	return b
}

func (m *ADVDeviceIdentity) Unmarshal(b []byte) error {
	return eachScalar(b, func(num protowire.Number, typ protowire.Type, u uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			m.RawID = uint32(u)
		case 2:
			m.Timestamp = u
		case 3:
			m.KeyIndex = uint32(u)
		}
		return nil
	})
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

// Enumerations carried inside ClientPayload. Only the values this
// client actually sends are named.
const (
	PlatformWeb                = 14
	ReleaseChannelRelease      = 0
	ConnectTypeWifiUnknown     = 1
	ConnectReasonUserActivated = 1
	WebSubPlatformBrowser      = 0
	PlatformTypeDesktop        = 7
	PlatformTypeChrome         = 1
	PlatformTypeFirefox        = 2
	PlatformTypeSafari         = 5
	PlatformTypeEdge           = 6
)

// AppVersion is the five-part client version number.
type AppVersion struct {
	Primary    uint32
	Secondary  uint32
	Tertiary   uint32
	Quaternary uint32
	Quinary    uint32
}

// UserAgent describes the connecting client to the server.
type UserAgent struct {
	Platform                    uint64
	AppVersion                  AppVersion
	Mcc                         string
	Mnc                         string
	OsVersion                   string
	Device                      string
	OsBuildNumber               string
	ReleaseChannel              uint64
	LocaleLanguageIso6391       string
	LocaleCountryIso31661Alpha2 string
}

// WebInfo marks the session as a web companion.
type WebInfo struct {
	WebSubPlatform uint64
}

// DevicePairingRegistrationData carries the signal identity material a
// fresh companion registers with.
type DevicePairingRegistrationData struct {
	ERegid      []byte
	EKeytype    []byte
	EIdent      []byte
	ESkeyID     []byte
	ESkeyVal    []byte
	ESkeySig    []byte
	BuildHash   []byte
	DeviceProps []byte
}

// DeviceProps is the companion device descriptor embedded, serialized,
// inside the pairing registration data.
type DeviceProps struct {
	Os           string
	PlatformType uint64
}

// ClientPayload is the plaintext sent encrypted inside the final
// handshake frame.
type ClientPayload struct {
	Username          uint64
	Passive           bool
	UserAgent         *UserAgent
	WebInfo           *WebInfo
	PushName          string
	ConnectType       uint64
	ConnectReason     uint64
	Device            uint32
	DevicePairingData *DevicePairingRegistrationData
	Pull              bool
}

func (v *AppVersion) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(v.Primary))
	b = appendVarintField(b, 2, uint64(v.Secondary))
	b = appendVarintField(b, 3, uint64(v.Tertiary))
	b = appendVarintField(b, 4, uint64(v.Quaternary))
	b = appendVarintField(b, 5, uint64(v.Quinary))
	return b
}

func (u *UserAgent) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, u.Platform)
	b = appendMessageField(b, 2, u.AppVersion.marshal())
	b = appendStringField(b, 3, u.Mcc)
	b = appendStringField(b, 4, u.Mnc)
	b = appendStringField(b, 5, u.OsVersion)
	b = appendStringField(b, 7, u.Device)
	b = appendStringField(b, 8, u.OsBuildNumber)
	b = appendVarintField(b, 10, u.ReleaseChannel)
	b = appendStringField(b, 11, u.LocaleLanguageIso6391)
	b = appendStringField(b, 12, u.LocaleCountryIso31661Alpha2)
	return b
}

func (d *DevicePairingRegistrationData) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, d.ERegid)
	b = appendBytesField(b, 2, d.EKeytype)
	b = appendBytesField(b, 3, d.EIdent)
	b = appendBytesField(b, 4, d.ESkeyID)
	b = appendBytesField(b, 5, d.ESkeyVal)
	b = appendBytesField(b, 6, d.ESkeySig)
	b = appendBytesField(b, 7, d.BuildHash)
	b = appendBytesField(b, 8, d.DeviceProps)
	return b
}

// Marshal serializes the companion descriptor.
func (d *DeviceProps) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, d.Os)
	b = appendVarintField(b, 3, d.PlatformType)
	return b
}

// Marshal serializes the payload. Passive and Pull are always written
// so the server sees an explicit value either way.
func (p *ClientPayload) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, p.Username)
	b = appendBoolField(b, 3, p.Passive)
	if p.UserAgent != nil {
		b = appendMessageField(b, 5, p.UserAgent.marshal())
	}
	if p.WebInfo != nil {
		var inner []byte
		inner = appendVarintField(inner, 4, p.WebInfo.WebSubPlatform)
		b = appendMessageField(b, 6, inner)
	}
	b = appendStringField(b, 7, p.PushName)
	b = appendVarintField(b, 12, p.ConnectType)
	b = appendVarintField(b, 13, p.ConnectReason)
	b = appendVarintField(b, 18, uint64(p.Device))
	if p.DevicePairingData != nil {
		b = appendMessageField(b, 19, p.DevicePairingData.marshal())
	}
	b = appendBoolField(b, 33, p.Pull)
	return b
}

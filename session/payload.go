// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/waproto"
)

var platformTypeByName = map[string]uint64{
	"CHROME":  waproto.PlatformTypeChrome,
	"FIREFOX": waproto.PlatformTypeFirefox,
	"SAFARI":  waproto.PlatformTypeSafari,
	"EDGE":    waproto.PlatformTypeEdge,
	"DESKTOP": waproto.PlatformTypeDesktop,
}

func platformType(name string) uint64 {
	if t, ok := platformTypeByName[strings.ToUpper(name)]; ok {
		return t
	}
	return waproto.PlatformTypeDesktop
}

func basePayload(cfg *Config) *waproto.ClientPayload {
	return &waproto.ClientPayload{
		ConnectType:   waproto.ConnectTypeWifiUnknown,
		ConnectReason: waproto.ConnectReasonUserActivated,
		UserAgent: &waproto.UserAgent{
			Platform: waproto.PlatformWeb,
			AppVersion: waproto.AppVersion{
				Primary:   cfg.Version[0],
				Secondary: cfg.Version[1],
				Tertiary:  cfg.Version[2],
			},
			Mcc:                         "000",
			Mnc:                         "000",
			OsVersion:                   "0.1",
			Device:                      "Desktop",
			OsBuildNumber:               "0.1",
			ReleaseChannel:              waproto.ReleaseChannelRelease,
			LocaleLanguageIso6391:       "en",
			LocaleCountryIso31661Alpha2: cfg.CountryCode,
		},
		WebInfo: &waproto.WebInfo{
			WebSubPlatform: waproto.WebSubPlatformBrowser,
		},
	}
}

func encodeBigEndian(v uint32, width int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[4-width:]
}

// registrationPayload is the ClientPayload of a session with no paired
// identity yet.
func registrationPayload(creds *auth.AuthenticationCreds, cfg *Config) *waproto.ClientPayload {
	buildHash := md5.Sum([]byte(fmt.Sprintf("%d.%d.%d", cfg.Version[0], cfg.Version[1], cfg.Version[2])))

	companion := &waproto.DeviceProps{
		Os:           cfg.Browser[0],
		PlatformType: platformType(cfg.Browser[1]),
	}

	p := basePayload(cfg)
	p.Passive = false
	p.Pull = false
	p.DevicePairingData = &waproto.DevicePairingRegistrationData{
		ERegid:      encodeBigEndian(creds.RegistrationID, 4),
		EKeytype:    []byte{auth.KeyBundleType},
		EIdent:      creds.SignedIdentityKey.Public,
		ESkeyID:     encodeBigEndian(creds.SignedPreKey.KeyID, 3),
		ESkeyVal:    creds.SignedPreKey.KeyPair.Public,
		ESkeySig:    creds.SignedPreKey.Signature,
		BuildHash:   buildHash[:],
		DeviceProps: companion.Marshal(),
	}
	return p
}

// loginPayload is the ClientPayload of a previously paired session.
func loginPayload(me string, cfg *Config) (*waproto.ClientPayload, error) {
	jid, err := wabinary.ParseJID(me)
	if err != nil {
		return nil, err
	}
	var user uint64
	if _, err := fmt.Sscanf(jid.User, "%d", &user); err != nil {
		return nil, fmt.Errorf("session: non-numeric login user %q", jid.User)
	}
	p := basePayload(cfg)
	p.Passive = false
	p.Pull = true
	p.Username = user
	p.Device = uint32(jid.Device)
	return p, nil
}

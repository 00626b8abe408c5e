// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"fmt"
	"strconv"
	"strings"
)

// Known jid servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	LegacyUserServer  = "c.us"
	GroupServer       = "g.us"
	HiddenUserServer  = "lid"
	BroadcastServer   = "broadcast"

	// ServerJID is the jid of the remote endpoint itself.
	ServerJID = "@" + DefaultUserServer

	// StatusBroadcastJID is the status broadcast pseudo recipient.
	StatusBroadcastJID = "status@broadcast"
)

// JID is a decomposed jid.
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string
}

// NewJID assembles a user jid on the given server.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// String encodes the jid back to its textual form.
func (j JID) String() string {
	var b strings.Builder
	b.WriteString(j.User)
	if j.Agent > 0 {
		fmt.Fprintf(&b, "_%d", j.Agent)
	}
	if j.Device > 0 {
		fmt.Fprintf(&b, ":%d", j.Device)
	}
	b.WriteByte('@')
	b.WriteString(j.Server)
	return b.String()
}

// WithDevice returns a copy of the jid addressed at a specific device.
func (j JID) WithDevice(device uint16) JID {
	j.Device = device
	return j
}

// IsUser reports whether the jid addresses an individual user account.
func (j JID) IsUser() bool {
	return j.Server == DefaultUserServer || j.Server == HiddenUserServer
}

// IsGroup reports whether the jid addresses a group.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// IsStatusBroadcast reports whether the jid is the status broadcast
// pseudo recipient.
func (j JID) IsStatusBroadcast() bool {
	return j.User == "status" && j.Server == BroadcastServer
}

// SameUser reports whether the two jids address the same user,
// ignoring agent and device.
func (j JID) SameUser(other JID) bool {
	return j.User == other.User
}

// Normalized returns the jid stripped of agent/device, with the legacy
// user server rewritten to the canonical one.
func (j JID) Normalized() JID {
	server := j.Server
	if server == LegacyUserServer {
		server = DefaultUserServer
	}
	return JID{User: j.User, Server: server}
}

// ParseJID decodes a textual jid.
func ParseJID(s string) (JID, error) {
	sep := strings.IndexByte(s, '@')
	if sep < 0 {
		return JID{}, fmt.Errorf("wabinary: invalid jid: %q", s)
	}

	j := JID{Server: s[sep+1:]}
	userPart := s[:sep]

	if idx := strings.IndexByte(userPart, ':'); idx >= 0 {
		dev, err := strconv.ParseUint(userPart[idx+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("wabinary: invalid jid device: %q", s)
		}
		j.Device = uint16(dev)
		userPart = userPart[:idx]
	}
	if idx := strings.IndexByte(userPart, '_'); idx >= 0 {
		agent, err := strconv.ParseUint(userPart[idx+1:], 10, 8)
		if err != nil {
			return JID{}, fmt.Errorf("wabinary: invalid jid agent: %q", s)
		}
		j.Agent = uint8(agent)
		userPart = userPart[:idx]
	}
	j.User = userPart
	return j, nil
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package usync

import (
	"strconv"

	"github.com/warelay/warelay/wabinary"
)

// DeviceEntry is one companion device of a user.  KeyIndex is only
// populated for companion (non-primary) devices.
type DeviceEntry struct {
	ID       uint16
	KeyIndex uint32
}

// DeviceList is the parsed device protocol data of one user.
type DeviceList struct {
	Devices []DeviceEntry
}

// DeviceProtocol requests the per-user companion device list.
type DeviceProtocol struct{}

// Name implements Protocol.
func (DeviceProtocol) Name() string { return "devices" }

// QueryElement implements Protocol.
func (DeviceProtocol) QueryElement() wabinary.Node {
	return wabinary.Node{
		Tag:   "devices",
		Attrs: wabinary.Attributes{"version": "2"},
	}
}

// UserElement implements Protocol.  The device protocol carries no
// per-user request payload.
func (DeviceProtocol) UserElement(User) (wabinary.Node, bool) {
	return wabinary.Node{}, false
}

// ParseUser implements Protocol.
func (DeviceProtocol) ParseUser(n *wabinary.Node) (interface{}, error) {
	list := new(DeviceList)
	for _, dl := range n.GetChildren("device-list") {
		for _, dev := range dl.GetChildren("device") {
			id, err := strconv.ParseUint(dev.Attrs["id"], 10, 16)
			if err != nil {
				continue
			}
			entry := DeviceEntry{ID: uint16(id)}
			if raw, ok := dev.Attrs["key-index"]; ok && id != 0 {
				idx, err := strconv.ParseUint(raw, 10, 32)
				if err != nil {
					continue
				}
				entry.KeyIndex = uint32(idx)
			}
			list.Devices = append(list.Devices, entry)
		}
	}
	return list, nil
}

// ExtractDeviceJIDs flattens a device query result into addressable
// jids.  The caller's own device is always skipped.  Primary devices
// (index 0) are skipped when excludePrimary is set; companion devices
// without a key index are skipped unconditionally, addressing them
// yields a bad-request from the server.
func ExtractDeviceJIDs(result *Result, self wabinary.JID, excludePrimary bool) []wabinary.JID {
	var out []wabinary.JID
	for _, entry := range result.List {
		list, ok := entry.Data[DeviceProtocol{}.Name()].(*DeviceList)
		if !ok {
			continue
		}
		for _, dev := range list.Devices {
			if dev.ID == 0 {
				if excludePrimary {
					continue
				}
			} else if dev.KeyIndex == 0 {
				continue
			}
			if entry.JID.User == self.User && dev.ID == self.Device {
				continue
			}
			out = append(out, wabinary.NewJID(entry.JID.User, wabinary.DefaultUserServer).WithDevice(dev.ID))
		}
	}
	return out
}

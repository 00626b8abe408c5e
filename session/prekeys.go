// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"fmt"
	"strconv"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/signalstore"
	"github.com/warelay/warelay/usync"
	"github.com/warelay/warelay/wabinary"
)

// Pre-key supply watermarks: replenish with InitialPreKeyCount fresh
// keys whenever the server-side count drops to MinPreKeyCount or
// below.
const (
	MinPreKeyCount     = 5
	InitialPreKeyCount = 30
)

// GetAvailablePreKeysOnServer asks the server how many uploaded
// pre-keys remain unconsumed.
func (c *Connector) GetAvailablePreKeysOnServer() (int, error) {
	result, err := c.Query(&wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"id":    c.GenerateMessageTag(),
			"xmlns": "encrypt",
			"type":  "get",
			"to":    wabinary.ServerJID,
		},
		Content: []wabinary.Node{{Tag: "count"}},
	}, 0)
	if err != nil {
		return 0, err
	}
	countNode, ok := result.GetChild("count")
	if !ok {
		return 0, fmt.Errorf("session: pre-key count reply carries no count")
	}
	return strconv.Atoi(countNode.Attrs["value"])
}

// UploadPreKeysIfRequired replenishes the server-side pre-key supply
// when it has drained to the low-water mark.
func (c *Connector) UploadPreKeysIfRequired() error {
	count, err := c.GetAvailablePreKeysOnServer()
	if err != nil {
		return err
	}
	c.log.Debugf("%d pre-keys available on server", count)
	if count > MinPreKeyCount {
		return nil
	}
	return c.UploadPreKeys(InitialPreKeyCount)
}

// UploadPreKeys mints count fresh pre-keys inside one key-store
// transaction and announces their public halves.  The credential
// counters only advance together with a successful upload.
func (c *Connector) UploadPreKeys(count uint32) error {
	return c.keys.Transaction(func() error {
		c.log.Debugf("uploading %d pre-keys", count)
		node, err := nextPreKeysNode(c.signal, c.creds, count)
		if err != nil {
			return err
		}
		if _, err := c.Query(node, 0); err != nil {
			return err
		}
		c.emitCredsUpdate()
		return nil
	})
}

func nextPreKeysNode(repo *signalstore.Repository, creds *auth.AuthenticationCreds, count uint32) (*wabinary.Node, error) {
	preKeys, err := repo.GetNextPreKeys(count)
	if err != nil {
		return nil, err
	}

	keyNodes := make([]wabinary.Node, 0, len(preKeys))
	for _, pk := range preKeys {
		keyNodes = append(keyNodes, wabinary.Node{
			Tag: "key",
			Content: []wabinary.Node{
				{Tag: "id", Content: encodeBigEndian(pk.ID, 3)},
				{Tag: "value", Content: pk.KeyPair.Public},
			},
		})
	}

	return &wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"xmlns": "encrypt",
			"type":  "set",
			"to":    wabinary.ServerJID,
		},
		Content: []wabinary.Node{
			{Tag: "registration", Content: encodeBigEndian(creds.RegistrationID, 4)},
			{Tag: "type", Content: []byte{auth.KeyBundleType}},
			{Tag: "identity", Content: creds.SignedIdentityKey.Public},
			{Tag: "list", Content: keyNodes},
			{Tag: "skey", Content: []wabinary.Node{
				{Tag: "id", Content: encodeBigEndian(creds.SignedPreKey.KeyID, 3)},
				{Tag: "value", Content: creds.SignedPreKey.KeyPair.Public},
				{Tag: "signature", Content: creds.SignedPreKey.Signature},
			}},
		},
	}, nil
}

// ExecuteUSyncQuery runs one user synchronization round trip.
func (c *Connector) ExecuteUSyncQuery(q *usync.Query) (*usync.Result, error) {
	iq := q.IQ(c.GenerateMessageTag())
	result, err := c.Query(&iq, 0)
	if err != nil {
		return nil, err
	}
	return q.ParseResult(result)
}

// ResolveDevices expands the given users into their addressable
// device jids via a batched device query.  Duplicate users are
// collapsed; ignorePrimary elides device 0, the semantics used for
// non-group sends where the primary is addressed separately.
func (c *Connector) ResolveDevices(jids []wabinary.JID, ignorePrimary bool) ([]wabinary.JID, error) {
	if c.creds.Me == nil {
		return nil, fmt.Errorf("session: no paired identity")
	}
	self, err := wabinary.ParseJID(c.creds.Me.ID)
	if err != nil {
		return nil, err
	}

	q := usync.NewQuery().WithContext(usync.ContextMessage).WithDeviceProtocol()
	seen := make(map[string]bool, len(jids))
	for _, jid := range jids {
		user := jid.Normalized()
		if seen[user.User] {
			continue
		}
		seen[user.User] = true
		q.WithUser(usync.User{JID: user})
	}

	result, err := c.ExecuteUSyncQuery(q)
	if err != nil {
		return nil, err
	}
	return usync.ExtractDeviceJIDs(result, self, ignorePrimary), nil
}

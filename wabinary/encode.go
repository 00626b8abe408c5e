// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Marshal encodes a node to its wire form.  The returned buffer starts
// with the zero flag byte expected by the frame layer (outbound frames
// are never compressed).
func Marshal(n Node) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.buf = append(e.buf, 0)
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) writeNode(n Node) error {
	if n.Tag == "" {
		return fmt.Errorf("wabinary: cannot encode node with empty tag")
	}

	attrKeys := make([]string, 0, len(n.Attrs))
	for k, v := range n.Attrs {
		if v == "" {
			continue
		}
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)

	size := 1 + 2*len(attrKeys)
	if n.Content != nil {
		size++
	}
	e.writeListSize(size)
	e.writeString(n.Tag)
	for _, k := range attrKeys {
		e.writeString(k)
		e.writeString(n.Attrs[k])
	}

	switch c := n.Content.(type) {
	case nil:
	case []Node:
		e.writeListSize(len(c))
		for i := range c {
			if err := e.writeNode(c[i]); err != nil {
				return err
			}
		}
	case []byte:
		e.writeByteLength(len(c))
		e.buf = append(e.buf, c...)
	case string:
		e.writeString(c)
	default:
		return fmt.Errorf("wabinary: invalid node content type %T", n.Content)
	}
	return nil
}

func (e *encoder) writeListSize(n int) {
	switch {
	case n == 0:
		e.buf = append(e.buf, tagListEmpty)
	case n < 256:
		e.buf = append(e.buf, tagList8, byte(n))
	default:
		e.buf = append(e.buf, tagList16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(n))
	}
}

func (e *encoder) writeString(s string) {
	if i, ok := lookupSingleByteToken(s); ok {
		e.buf = append(e.buf, byte(i))
		return
	}
	if d, i, ok := lookupDoubleByteToken(s); ok {
		e.buf = append(e.buf, byte(tagDictionary0+d), byte(i))
		return
	}
	if strings.ContainsRune(s, '@') {
		if jid, err := ParseJID(s); err == nil {
			e.writeJID(jid)
			return
		}
	}
	e.writeRawString(s)
}

func (e *encoder) writeJID(jid JID) {
	if jid.Agent > 0 || jid.Device > 0 || jid.Server == HiddenUserServer {
		agent := jid.Agent
		if jid.Server == HiddenUserServer && agent == 0 {
			agent = 1
		}
		e.buf = append(e.buf, tagADJID, agent, byte(jid.Device))
		e.writeString(jid.User)
		return
	}
	e.buf = append(e.buf, tagJIDPair)
	if jid.User == "" {
		e.buf = append(e.buf, tagListEmpty)
	} else {
		e.writeString(jid.User)
	}
	e.writeString(jid.Server)
}

func (e *encoder) writeRawString(s string) {
	if len(s) < 128 {
		if isNibbleEncodable(s) {
			e.writePacked(tagNibble8, s, packNibble)
			return
		}
		if isHexEncodable(s) {
			e.writePacked(tagHex8, s, packHex)
			return
		}
	}
	e.writeByteLength(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeByteLength(n int) {
	switch {
	case n < 256:
		e.buf = append(e.buf, tagBinary8, byte(n))
	case n < 1<<20:
		e.buf = append(e.buf, tagBinary20, byte(n>>16&0x0f), byte(n>>8), byte(n))
	default:
		e.buf = append(e.buf, tagBinary32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	}
}

func (e *encoder) writePacked(tag byte, s string, pack func(byte) byte) {
	header := byte(len(s)+1) / 2
	if len(s)%2 != 0 {
		header |= 0x80
	}
	e.buf = append(e.buf, tag, header)
	var cur byte
	for i := 0; i < len(s); i++ {
		nibble := pack(s[i])
		if i%2 == 0 {
			cur = nibble << 4
		} else {
			e.buf = append(e.buf, cur|nibble)
		}
	}
	if len(s)%2 != 0 {
		e.buf = append(e.buf, cur|0x0f)
	}
}

func isNibbleEncodable(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isHexEncodable(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func packNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c == '-':
		return 10
	case c == '.':
		return 11
	default:
		panic("wabinary: invalid nibble character")
	}
}

func packHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		panic("wabinary: invalid hex character")
	}
}

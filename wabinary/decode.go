// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeError is the error returned when a frame does not parse as a
// well-formed node tree.  A single malformed frame is recoverable;
// callers report it and drop the frame without closing the connection.
type DecodeError struct {
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("wabinary: decode error: %v", e.Err)
}

// Unwrap supports errors.Is/As matching.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(f string, a ...interface{}) error {
	return &DecodeError{Err: fmt.Errorf(f, a...)}
}

// Unmarshal decodes a decrypted frame into a node.  The leading flag
// byte selects optional deflate compression of the remainder.
func Unmarshal(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, newDecodeError("empty frame")
	}
	flag, payload := data[0], data[1:]
	if flag&2 != 0 {
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, newDecodeError("bad compressed frame: %v", err)
		}
		defer r.Close()
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, newDecodeError("bad compressed frame: %v", err)
		}
	}

	if len(payload) == 1 && payload[0] == tagStreamEnd {
		return &Node{Tag: "xmlstreamend"}, nil
	}

	d := &decoder{buf: payload}
	n, err := d.readNode()
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, newDecodeError("%d trailing bytes after node", len(d.buf)-d.off)
	}
	return n, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, newDecodeError("unexpected end of frame")
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, newDecodeError("unexpected end of frame")
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) readNode() (*Node, error) {
	size, err := d.readListSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, newDecodeError("invalid empty node list")
	}

	tag, err := d.readStringAny()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, newDecodeError("node with empty tag")
	}

	n := &Node{Tag: tag}
	nattrs := (size - 1) / 2
	if nattrs > 0 {
		n.Attrs = make(map[string]string, nattrs)
	}
	for i := 0; i < nattrs; i++ {
		key, err := d.readStringAny()
		if err != nil {
			return nil, err
		}
		val, err := d.readStringAny()
		if err != nil {
			return nil, err
		}
		n.Attrs[key] = val
	}

	if size%2 == 0 {
		content, err := d.readContent()
		if err != nil {
			return nil, err
		}
		n.Content = content
	}
	return n, nil
}

func (d *decoder) readListSize() (int, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tagListEmpty:
		return 0, nil
	case tagList8:
		b, err := d.readByte()
		return int(b), err
	case tagList16:
		b, err := d.readBytes(2)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return 0, newDecodeError("invalid list size tag 0x%02x", tag)
	}
}

func (d *decoder) readContent() (interface{}, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagListEmpty, tagList8, tagList16:
		d.off-- // re-read the list tag
		size, err := d.readListSize()
		if err != nil {
			return nil, err
		}
		children := make([]Node, size)
		for i := 0; i < size; i++ {
			child, err := d.readNode()
			if err != nil {
				return nil, err
			}
			children[i] = *child
		}
		return children, nil
	case tagBinary8, tagBinary20, tagBinary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return nil, err
		}
		// Copy out of the frame buffer, the node outlives it.
		return append([]byte(nil), b...), nil
	default:
		return d.readString(tag)
	}
}

func (d *decoder) readStringAny() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readString(tag)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch {
	case tag == tagListEmpty:
		return "", nil
	case tag >= 1 && tag < tagDictionary0:
		if int(tag) >= len(singleByteTokens) {
			return "", newDecodeError("invalid token 0x%02x", tag)
		}
		return singleByteTokens[tag], nil
	case tag >= tagDictionary0 && tag <= tagDictionary3:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		dict := doubleByteTokens[tag-tagDictionary0]
		if int(idx) >= len(dict) {
			return "", newDecodeError("invalid token 0x%02x.0x%02x", tag, idx)
		}
		return dict[idx], nil
	case tag == tagJIDPair:
		return d.readJIDPair()
	case tag == tagADJID:
		return d.readADJID()
	case tag == tagNibble8:
		return d.readPacked(unpackNibble)
	case tag == tagHex8:
		return d.readPacked(unpackHex)
	case tag == tagBinary8 || tag == tagBinary20 || tag == tagBinary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", newDecodeError("invalid string tag 0x%02x", tag)
	}
}

func (d *decoder) readBinary(tag byte) ([]byte, error) {
	var n int
	switch tag {
	case tagBinary8:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b)
	case tagBinary20:
		b, err := d.readBytes(3)
		if err != nil {
			return nil, err
		}
		n = int(b[0]&0x0f)<<16 | int(b[1])<<8 | int(b[2])
	case tagBinary32:
		b, err := d.readBytes(4)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint32(b))
	}
	return d.readBytes(n)
}

func (d *decoder) readJIDPair() (string, error) {
	user, err := d.readStringAny()
	if err != nil {
		return "", err
	}
	server, err := d.readStringAny()
	if err != nil {
		return "", err
	}
	if server == "" {
		return "", newDecodeError("jid pair with empty server")
	}
	return user + "@" + server, nil
}

func (d *decoder) readADJID() (string, error) {
	agent, err := d.readByte()
	if err != nil {
		return "", err
	}
	device, err := d.readByte()
	if err != nil {
		return "", err
	}
	user, err := d.readStringAny()
	if err != nil {
		return "", err
	}

	server := DefaultUserServer
	if agent == 1 {
		server = HiddenUserServer
	}
	jid := JID{User: user, Server: server, Device: uint16(device)}
	if agent > 1 {
		jid.Agent = agent
	}
	return jid.String(), nil
}

func (d *decoder) readPacked(unpack func(byte) (byte, error)) (string, error) {
	header, err := d.readByte()
	if err != nil {
		return "", err
	}
	count := int(header & 0x7f)
	raw, err := d.readBytes(count)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, count*2)
	for _, b := range raw {
		hi, err := unpack(b >> 4)
		if err != nil {
			return "", err
		}
		out = append(out, hi)
		lo, err := unpack(b & 0x0f)
		if err != nil {
			return "", err
		}
		out = append(out, lo)
	}
	if header&0x80 != 0 && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return string(out), nil
}

func unpackNibble(n byte) (byte, error) {
	switch {
	case n <= 9:
		return '0' + n, nil
	case n == 10:
		return '-', nil
	case n == 11:
		return '.', nil
	case n == 15:
		// Padding nibble, stripped by the caller via the odd-length flag.
		return 0, nil
	default:
		return 0, newDecodeError("invalid nibble 0x%x", n)
	}
}

func unpackHex(n byte) (byte, error) {
	switch {
	case n <= 9:
		return '0' + n, nil
	case n <= 15:
		return 'A' + n - 10, nil
	default:
		return 0, newDecodeError("invalid hex nibble 0x%x", n)
	}
}

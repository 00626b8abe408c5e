// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package waproto assembles and parses the protobuf envelopes spoken on
// the wire. The message set is small and stable, so the codecs are
// written directly against the protobuf wire format instead of carrying
// generated bindings.
package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakeMessage is the envelope exchanged during the Noise
// handshake. Exactly one of the three fields is set per frame.
type HandshakeMessage struct {
	ClientHello  *HandshakeClientHello
	ServerHello  *HandshakeServerHello
	ClientFinish *HandshakeClientFinish
}

// HandshakeClientHello carries the client ephemeral key of the first
// handshake frame.
type HandshakeClientHello struct {
	Ephemeral []byte
}

// HandshakeServerHello carries the server's reply, split into the
// plaintext ephemeral and the two ciphertext segments.
type HandshakeServerHello struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// HandshakeClientFinish carries the final frame: the encrypted client
// static key and the encrypted client payload.
type HandshakeClientFinish struct {
	Static  []byte
	Payload []byte
}

const (
	handshakeFieldClientHello  = 2
	handshakeFieldServerHello  = 3
	handshakeFieldClientFinish = 4
)

func (m *HandshakeMessage) Marshal() []byte {
	var b []byte
	if m.ClientHello != nil {
		var inner []byte
		inner = appendBytesField(inner, 1, m.ClientHello.Ephemeral)
		b = appendMessageField(b, handshakeFieldClientHello, inner)
	}
	if m.ServerHello != nil {
		var inner []byte
		inner = appendBytesField(inner, 1, m.ServerHello.Ephemeral)
		inner = appendBytesField(inner, 2, m.ServerHello.Static)
		inner = appendBytesField(inner, 3, m.ServerHello.Payload)
		b = appendMessageField(b, handshakeFieldServerHello, inner)
	}
	if m.ClientFinish != nil {
		var inner []byte
		inner = appendBytesField(inner, 1, m.ClientFinish.Static)
		inner = appendBytesField(inner, 2, m.ClientFinish.Payload)
		b = appendMessageField(b, handshakeFieldClientFinish, inner)
	}
	return b
}

func (m *HandshakeMessage) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v []byte) error {
		switch num {
		case handshakeFieldServerHello:
			hello := new(HandshakeServerHello)
			err := eachField(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					hello.Ephemeral = v
				case 2:
					hello.Static = v
				case 3:
					hello.Payload = v
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.ServerHello = hello
		case handshakeFieldClientHello, handshakeFieldClientFinish:
			// Client-originated frames never come back from the peer.
			return fmt.Errorf("waproto: unexpected handshake field %d", num)
		}
		return nil
	})
}

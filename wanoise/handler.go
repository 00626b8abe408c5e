// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wanoise drives the Noise XX handshake against the server and
// frames the encrypted transport stream that follows it.
package wanoise

import (
	"crypto/rand"
	"fmt"

	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/waproto"
)

const (
	// maxFrameLen is the largest payload a 3 byte length prefix can
	// describe.
	maxFrameLen = 1<<24 - 1

	// encryptedStaticLen is the size of the encrypted static key
	// segment of the final handshake message: a 32 byte X25519 key
	// plus the 16 byte AEAD tag.
	encryptedStaticLen = 32 + 16
)

// waHeader is the protocol intro sent in front of the very first frame.
var waHeader = []byte{'W', 'A', 6, wabinary.DictVersion}

// HandshakeError is the error type returned when the Noise exchange
// itself fails.
type HandshakeError struct {
	f string
	e error
}

func (e *HandshakeError) Error() string {
	if e.e == nil {
		return "wanoise: " + e.f
	}
	return fmt.Sprintf("wanoise: %s: %v", e.f, e.e)
}

func (e *HandshakeError) Unwrap() error { return e.e }

func newHandshakeError(f string, e error) *HandshakeError {
	return &HandshakeError{f: f, e: e}
}

// Handler owns one connection's Noise state: the in-progress handshake
// first, the split transport cipher states after.
//
// EncodeFrame and DecodeFrame are not safe for concurrent use with
// themselves; the connection's single writer and single reader each own
// their side.
type Handler struct {
	hs *nyquist.HandshakeState

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	routingInfo []byte
	sentIntro   bool

	inbound []byte
}

// NewHandler starts a fresh handshake as initiator. staticPriv is the
// raw X25519 private key of the long-lived noise identity; routingInfo,
// when present, is replayed to the edge in front of the intro header.
func NewHandler(staticPriv, routingInfo []byte) (*Handler, error) {
	static, err := dh.X25519.ParsePrivateKey(staticPriv)
	if err != nil {
		return nil, newHandshakeError("parse static key", err)
	}

	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol: &nyquist.Protocol{
			Pattern: pattern.XX,
			DH:      dh.X25519,
			Cipher:  cipher.AESGCM,
			Hash:    hash.SHA256,
		},
		Prologue: waHeader,
		DH: &nyquist.DHConfig{
			LocalStatic: static,
		},
		Rng:            rand.Reader,
		MaxMessageSize: -1,
		IsInitiator:    true,
	})
	if err != nil {
		return nil, newHandshakeError("init", err)
	}

	return &Handler{hs: hs, routingInfo: routingInfo}, nil
}

// ClientHello produces the serialized first handshake envelope.
func (h *Handler) ClientHello() ([]byte, error) {
	ephemeral, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, newHandshakeError("client hello", err)
	}
	msg := waproto.HandshakeMessage{
		ClientHello: &waproto.HandshakeClientHello{Ephemeral: ephemeral},
	}
	return msg.Marshal(), nil
}

// ProcessHandshake consumes the server hello and produces the
// serialized final envelope carrying clientPayload. On return the
// transport cipher states are established.
func (h *Handler) ProcessHandshake(hello *waproto.HandshakeServerHello, clientPayload []byte) ([]byte, error) {
	if len(hello.Ephemeral) == 0 || len(hello.Static) == 0 {
		return nil, newHandshakeError("truncated server hello", nil)
	}

	msg2 := make([]byte, 0, len(hello.Ephemeral)+len(hello.Static)+len(hello.Payload))
	msg2 = append(msg2, hello.Ephemeral...)
	msg2 = append(msg2, hello.Static...)
	msg2 = append(msg2, hello.Payload...)

	// The decrypted payload is the server's certificate chain. It is
	// authenticated by the handshake itself and otherwise unused here.
	if _, err := h.hs.ReadMessage(nil, msg2); err != nil {
		return nil, newHandshakeError("server hello", err)
	}

	msg3, err := h.hs.WriteMessage(nil, clientPayload)
	switch err {
	case nyquist.ErrDone:
	case nil:
		return nil, newHandshakeError("handshake did not complete", nil)
	default:
		return nil, newHandshakeError("client finish", err)
	}
	if len(msg3) < encryptedStaticLen {
		return nil, newHandshakeError("short client finish", nil)
	}

	status := h.hs.GetStatus()
	h.tx, h.rx = status.CipherStates[0], status.CipherStates[1]
	h.hs.Reset()
	h.hs = nil

	msg := waproto.HandshakeMessage{
		ClientFinish: &waproto.HandshakeClientFinish{
			Static:  msg3[:encryptedStaticLen],
			Payload: msg3[encryptedStaticLen:],
		},
	}
	return msg.Marshal(), nil
}

// IsEstablished reports whether the transport cipher states exist.
func (h *Handler) IsEstablished() bool {
	return h.tx != nil
}

// EncodeFrame wraps data in a length-prefixed frame, encrypting it
// once the handshake is done. The first frame ever sent carries the
// intro header (and routing info, when configured) in front.
func (h *Handler) EncodeFrame(data []byte) ([]byte, error) {
	if h.tx != nil {
		var err error
		data, err = h.tx.EncryptWithAd(nil, nil, data)
		if err != nil {
			return nil, err
		}
	}
	if len(data) > maxFrameLen {
		return nil, fmt.Errorf("wanoise: frame too large: %d bytes", len(data))
	}

	var intro []byte
	if !h.sentIntro {
		if len(h.routingInfo) > 0 {
			intro = append(intro, 'E', 'D', 0, 1)
			intro = appendLength(intro, len(h.routingInfo))
			intro = append(intro, h.routingInfo...)
		}
		intro = append(intro, waHeader...)
		h.sentIntro = true
	}

	frame := make([]byte, 0, len(intro)+3+len(data))
	frame = append(frame, intro...)
	frame = appendLength(frame, len(data))
	frame = append(frame, data...)
	return frame, nil
}

// DecodeFrame feeds received bytes into the frame accumulator and
// delivers every completed frame, decrypted when the handshake is
// done, to onFrame. Partial frames are retained for the next call.
func (h *Handler) DecodeFrame(data []byte, onFrame func([]byte)) error {
	h.inbound = append(h.inbound, data...)
	for {
		if len(h.inbound) < 3 {
			return nil
		}
		size := int(h.inbound[0])<<16 | int(h.inbound[1])<<8 | int(h.inbound[2])
		if len(h.inbound) < 3+size {
			return nil
		}
		frame := h.inbound[3 : 3+size]
		h.inbound = h.inbound[3+size:]

		if h.rx != nil {
			var err error
			frame, err = h.rx.DecryptWithAd(nil, nil, frame)
			if err != nil {
				return fmt.Errorf("wanoise: frame decrypt: %w", err)
			}
		} else {
			out := make([]byte, len(frame))
			copy(out, frame)
			frame = out
		}
		onFrame(frame)
	}
}

func appendLength(b []byte, n int) []byte {
	return append(b, byte(n>>16), byte(n>>8), byte(n))
}

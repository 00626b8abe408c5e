// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/warelay/warelay/waproto"
)

// Content is the payload of an outbound message. Exactly one concrete
// kind is relayed per message.
type Content interface {
	isContent()
}

// Text is a plain text message. A link preview is resolved for the
// first https URL in the body unless DisableLinkPreview is set.
type Text struct {
	Body               string
	DisableLinkPreview bool
}

// Image is an image message. Data is the raw (unencrypted) image
// bytes; Mimetype defaults to image/jpeg.
type Image struct {
	Data     []byte
	Mimetype string
	Caption  string
}

func (Text) isContent()  {}
func (Image) isContent() {}

const defaultImageMimetype = "image/jpeg"

func textMessage(t Text, preview *LinkPreview) *waproto.Message {
	ext := &waproto.ExtendedTextMessage{Text: t.Body}
	if preview != nil {
		ext.MatchedText = preview.URL
		ext.CanonicalURL = preview.CanonicalURL
		ext.Title = preview.Title
		ext.Description = preview.Description
		ext.JPEGThumbnail = preview.Thumbnail
	}
	return &waproto.Message{ExtendedTextMessage: ext}
}

func imageMessage(img Image, up *uploadedMedia) *waproto.Message {
	mimetype := img.Mimetype
	if mimetype == "" {
		mimetype = defaultImageMimetype
	}
	return &waproto.Message{ImageMessage: &waproto.ImageMessage{
		URL:               up.URL,
		DirectPath:        up.DirectPath,
		Mimetype:          mimetype,
		Caption:           img.Caption,
		MediaKey:          up.MediaKey,
		FileSha256:        up.FileSha256,
		FileEncSha256:     up.FileEncSha256,
		FileLength:        up.FileLength,
		MediaKeyTimestamp: time.Now().Unix(),
	}}
}

// GenerateMessageID derives a collision-resistant message id: 3EB0
// followed by the first 18 uppercase hex chars of
// SHA-256(unix seconds BE8 ‖ user "@c.us" padded to 20 ‖ 16 random).
func GenerateMessageID(user string) string {
	data := make([]byte, 8+20+16)
	binary.BigEndian.PutUint64(data[:8], uint64(time.Now().Unix()))
	copy(data[8:28], user+"@c.us")
	rand.Read(data[28:])

	sum := sha256.Sum256(data)
	return "3EB0" + strings.ToUpper(hex.EncodeToString(sum[:]))[:18]
}

// padMessage appends the random length-obscuring pad: 1 to 15 bytes,
// each byte carrying the pad length.
func padMessage(plaintext []byte) []byte {
	var b [1]byte
	rand.Read(b[:])
	pad := b[0] & 0xf
	if pad == 0 {
		pad = 0xf
	}
	padded := make([]byte, len(plaintext)+int(pad))
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = pad
	}
	return padded
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import "google.golang.org/protobuf/encoding/protowire"

// Message is the content envelope that gets padded, encrypted and
// relayed. One content field is set at a time.
type Message struct {
	Conversation        string
	ImageMessage        *ImageMessage
	ExtendedTextMessage *ExtendedTextMessage
	DeviceSentMessage   *DeviceSentMessage
}

// ImageMessage references an uploaded, encrypted image blob.
type ImageMessage struct {
	URL               string
	Mimetype          string
	Caption           string
	FileSha256        []byte
	FileLength        uint64
	Height            uint32
	Width             uint32
	MediaKey          []byte
	FileEncSha256     []byte
	DirectPath        string
	MediaKeyTimestamp int64
	JPEGThumbnail     []byte
}

// ExtendedTextMessage is a text message with an optional link preview.
type ExtendedTextMessage struct {
	Text          string
	MatchedText   string
	CanonicalURL  string
	Description   string
	Title         string
	JPEGThumbnail []byte
}

// DeviceSentMessage wraps content relayed to the sender's own devices.
type DeviceSentMessage struct {
	DestinationJID string
	Message        *Message
}

func (m *ImageMessage) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.URL)
	b = appendStringField(b, 2, m.Mimetype)
	b = appendStringField(b, 3, m.Caption)
	b = appendBytesField(b, 4, m.FileSha256)
	b = appendVarintField(b, 5, m.FileLength)
	b = appendVarintField(b, 6, uint64(m.Height))
	b = appendVarintField(b, 7, uint64(m.Width))
	b = appendBytesField(b, 8, m.MediaKey)
	b = appendBytesField(b, 9, m.FileEncSha256)
	b = appendStringField(b, 11, m.DirectPath)
	b = appendVarintField(b, 12, uint64(m.MediaKeyTimestamp))
	b = appendBytesField(b, 16, m.JPEGThumbnail)
	return b
}

func (m *ExtendedTextMessage) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Text)
	b = appendStringField(b, 2, m.MatchedText)
	b = appendStringField(b, 4, m.CanonicalURL)
	b = appendStringField(b, 5, m.Description)
	b = appendStringField(b, 6, m.Title)
	b = appendBytesField(b, 16, m.JPEGThumbnail)
	return b
}

// Marshal serializes the message envelope.
func (m *Message) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Conversation)
	if m.ImageMessage != nil {
		b = appendMessageField(b, 3, m.ImageMessage.marshal())
	}
	if m.ExtendedTextMessage != nil {
		b = appendMessageField(b, 6, m.ExtendedTextMessage.marshal())
	}
	if m.DeviceSentMessage != nil {
		var inner []byte
		inner = appendStringField(inner, 1, m.DeviceSentMessage.DestinationJID)
		if m.DeviceSentMessage.Message != nil {
			inner = appendMessageField(inner, 2, m.DeviceSentMessage.Message.Marshal())
		}
		b = appendMessageField(b, 31, inner)
	}
	return b
}

// Unmarshal parses a decrypted message envelope. Content types this
// client does not produce are left unparsed.
func (m *Message) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			m.Conversation = string(v)
		case 3:
			img := new(ImageMessage)
			if err := img.unmarshal(v); err != nil {
				return err
			}
			m.ImageMessage = img
		case 6:
			ext := new(ExtendedTextMessage)
			if err := ext.unmarshal(v); err != nil {
				return err
			}
			m.ExtendedTextMessage = ext
		case 31:
			sent := new(DeviceSentMessage)
			err := eachField(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					sent.DestinationJID = string(v)
				case 2:
					inner := new(Message)
					if err := inner.Unmarshal(v); err != nil {
						return err
					}
					sent.Message = inner
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.DeviceSentMessage = sent
		}
		return nil
	})
}

func (m *ImageMessage) unmarshal(b []byte) error {
	return eachScalar(b, func(num protowire.Number, typ protowire.Type, u uint64, v []byte) error {
		switch num {
		case 1:
			m.URL = string(v)
		case 2:
			m.Mimetype = string(v)
		case 3:
			m.Caption = string(v)
		case 4:
			m.FileSha256 = v
		case 5:
			m.FileLength = u
		case 6:
			m.Height = uint32(u)
		case 7:
			m.Width = uint32(u)
		case 8:
			m.MediaKey = v
		case 9:
			m.FileEncSha256 = v
		case 11:
			m.DirectPath = string(v)
		case 12:
			m.MediaKeyTimestamp = int64(u)
		case 16:
			m.JPEGThumbnail = v
		}
		return nil
	})
}

func (m *ExtendedTextMessage) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			m.Text = string(v)
		case 2:
			m.MatchedText = string(v)
		case 4:
			m.CanonicalURL = string(v)
		case 5:
			m.Description = string(v)
		case 6:
			m.Title = string(v)
		case 16:
			m.JPEGThumbnail = v
		}
		return nil
	})
}

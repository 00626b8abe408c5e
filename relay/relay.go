// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay builds, encrypts and fans out messages over one
// tenant's live session.
package relay

import (
	"fmt"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/signalstore"
	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/waproto"
)

// Session is the slice of the session connector the relayer consumes.
type Session interface {
	Query(node *wabinary.Node, timeout time.Duration) (*wabinary.Node, error)
	SendNode(node *wabinary.Node) error
	Creds() *auth.AuthenticationCreds
	Signal() *signalstore.Repository
	Keys() *auth.TransactionKeyStore
	ResolveDevices(jids []wabinary.JID, ignorePrimary bool) ([]wabinary.JID, error)
}

const (
	// CategoryPeer marks ack style control messages addressed to a
	// single companion device, skipping the device fan-out.
	CategoryPeer = "peer"

	defaultUploadTimeout  = 30 * time.Second
	defaultPreviewTimeout = 3 * time.Second
)

// Relayer owns the message path of one session: content building,
// per-device encryption and the media upload machinery.
type Relayer struct {
	sess    Session
	log     *logging.Logger
	http    *http.Client
	preview *http.Client

	media mediaConnCache
}

// NewRelayer builds a relayer over an established session.
func NewRelayer(sess Session, tenant string, backend *log.Backend) *Relayer {
	return &Relayer{
		sess:    sess,
		log:     backend.GetLogger("relay:" + tenant),
		http:    &http.Client{Timeout: defaultUploadTimeout},
		preview: &http.Client{Timeout: defaultPreviewTimeout},
	}
}

// SentMessage describes a message handed to the wire. Delivery
// receipts are not awaited at this layer.
type SentMessage struct {
	ID        string
	To        wabinary.JID
	Timestamp time.Time
	Message   *waproto.Message
}

// SendMessage builds the content envelope for one destination and
// relays it. Link previews and media uploads happen before the
// encryption fan-out; their failures are local to this call.
func (r *Relayer) SendMessage(to string, content Content) (*SentMessage, error) {
	jid, err := wabinary.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("relay: destination: %w", err)
	}
	creds := r.sess.Creds()
	if creds.Me == nil {
		return nil, ErrNoIdentity
	}
	me, err := wabinary.ParseJID(creds.Me.ID)
	if err != nil {
		return nil, fmt.Errorf("relay: own jid: %w", err)
	}

	var msg *waproto.Message
	var mediaType string
	switch c := content.(type) {
	case Text:
		var preview *LinkPreview
		if !c.DisableLinkPreview {
			preview = r.fetchLinkPreview(c.Body)
		}
		msg = textMessage(c, preview)
	case Image:
		up, err := r.uploadImage(c.Data)
		if err != nil {
			return nil, err
		}
		msg = imageMessage(c, up)
		mediaType = "image"
	default:
		return nil, fmt.Errorf("relay: unsupported content %T", content)
	}

	id := GenerateMessageID(me.User)
	err = r.RelayMessage(jid, msg, RelayOptions{MessageID: id, MediaType: mediaType})
	if err != nil {
		return nil, err
	}
	return &SentMessage{ID: id, To: jid.Normalized(), Timestamp: time.Now(), Message: msg}, nil
}

// RelayOptions tunes one relay round.
type RelayOptions struct {
	// MessageID overrides the generated stanza id.
	MessageID string

	// Category peer restricts the send to the primary companion
	// path, one participant, no device resolution.
	Category string

	// MediaType is stamped onto every enc node when set.
	MediaType string

	// AdditionalNodes are appended to the message stanza.
	AdditionalNodes []wabinary.Node
}

// RelayMessage encrypts the message for every addressable device of
// the destination and of this account, then sends the assembled
// message stanza. The whole round runs inside one key-store
// transaction so session mutations commit once.
func (r *Relayer) RelayMessage(to wabinary.JID, msg *waproto.Message, opts RelayOptions) error {
	if to.IsGroup() {
		return ErrGroupsUnsupported
	}
	creds := r.sess.Creds()
	if creds.Me == nil {
		return ErrNoIdentity
	}
	me, err := wabinary.ParseJID(creds.Me.ID)
	if err != nil {
		return fmt.Errorf("relay: own jid: %w", err)
	}

	msgID := opts.MessageID
	if msgID == "" {
		msgID = GenerateMessageID(me.User)
	}
	destination := to.Normalized()
	isStatus := to.IsStatusBroadcast()

	meMsg := &waproto.Message{DeviceSentMessage: &waproto.DeviceSentMessage{
		DestinationJID: destination.String(),
		Message:        msg,
	}}

	return r.sess.Keys().Transaction(func() error {
		var participants []wabinary.Node
		includeIdentity := false

		if !isStatus {
			devices := []wabinary.JID{destination}
			if destination.User != me.User {
				devices = append(devices, me.Normalized())
			}
			if opts.Category != CategoryPeer {
				more, err := r.sess.ResolveDevices([]wabinary.JID{me, to}, true)
				if err != nil {
					return err
				}
				devices = append(devices, more...)
			}

			var meJids, otherJids []wabinary.JID
			for _, d := range devices {
				if d.User == me.User {
					meJids = append(meJids, d)
				} else {
					otherJids = append(otherJids, d)
				}
			}

			if err := r.assertSessions(append(append([]wabinary.JID{}, meJids...), otherJids...)); err != nil {
				return err
			}

			meNodes, meIdentity, err := r.participantNodes(meJids, meMsg, opts.MediaType)
			if err != nil {
				return err
			}
			otherNodes, otherIdentity, err := r.participantNodes(otherJids, msg, opts.MediaType)
			if err != nil {
				return err
			}
			participants = append(participants, meNodes...)
			participants = append(participants, otherNodes...)
			includeIdentity = meIdentity || otherIdentity
		}

		var content []wabinary.Node
		if len(participants) > 0 {
			if opts.Category == CategoryPeer {
				// Single device, bare enc node without the
				// participants wrapper.
				if encNodes, ok := participants[0].Content.([]wabinary.Node); ok && len(encNodes) > 0 {
					content = append(content, encNodes[0])
				}
			} else {
				content = append(content, wabinary.Node{
					Tag:     "participants",
					Content: participants,
				})
			}
		}

		if includeIdentity {
			if creds.Account == nil {
				return ErrNoIdentity
			}
			content = append(content, wabinary.Node{
				Tag:     "device-identity",
				Content: creds.Account.Marshal(true),
			})
		}
		content = append(content, opts.AdditionalNodes...)

		attrs := wabinary.Attributes{
			"id":   msgID,
			"type": "text",
			"to":   destination.String(),
		}
		if opts.Category != "" {
			attrs["category"] = opts.Category
		}

		r.log.Debugf("relaying %s to %d devices", msgID, len(participants))
		return r.sess.SendNode(&wabinary.Node{
			Tag:     "message",
			Attrs:   attrs,
			Content: content,
		})
	})
}

// assertSessions fetches server key bundles for every device that has
// no local encryption session yet and injects them.
func (r *Relayer) assertSessions(jids []wabinary.JID) error {
	signal := r.sess.Signal()

	var missing []wabinary.JID
	for _, jid := range jids {
		if !signal.ContainsSession(jid) {
			missing = append(missing, jid)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	users := make([]wabinary.Node, 0, len(missing))
	for _, jid := range missing {
		users = append(users, wabinary.Node{
			Tag:   "user",
			Attrs: wabinary.Attributes{"jid": jid.String()},
		})
	}
	result, err := r.sess.Query(&wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"xmlns": "encrypt",
			"type":  "get",
			"to":    wabinary.ServerJID,
		},
		Content: []wabinary.Node{{Tag: "key", Content: users}},
	}, 0)
	if err != nil {
		return fmt.Errorf("relay: session fetch: %w", err)
	}
	return signal.InjectSessions(result)
}

// participantNodes encrypts the message separately for each device,
// each with its own random pad. The second return reports whether any
// device got a pre-key message, which obliges the sender to attach
// its signed device identity.
func (r *Relayer) participantNodes(jids []wabinary.JID, msg *waproto.Message, mediaType string) ([]wabinary.Node, bool, error) {
	signal := r.sess.Signal()
	plaintext := msg.Marshal()

	includeIdentity := false
	nodes := make([]wabinary.Node, 0, len(jids))
	for _, jid := range jids {
		ciphertext, encType, err := signal.EncryptMessage(jid, padMessage(plaintext))
		if err != nil {
			return nil, false, err
		}
		if encType == signalstore.EncTypePreKeyMsg {
			includeIdentity = true
		}
		encAttrs := wabinary.Attributes{"v": "2", "type": encType}
		if mediaType != "" {
			encAttrs["mediatype"] = mediaType
		}
		nodes = append(nodes, wabinary.Node{
			Tag:   "to",
			Attrs: wabinary.Attributes{"jid": jid.String()},
			Content: []wabinary.Node{{
				Tag:     "enc",
				Attrs:   encAttrs,
				Content: ciphertext,
			}},
		})
	}
	return nodes, includeIdentity, nil
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

// Wire tags of the tree encoding.  Values below dictionary0 that are
// not listed here index into the single byte token table.
const (
	tagListEmpty   = 0
	tagStreamEnd   = 2
	tagDictionary0 = 236
	tagDictionary1 = 237
	tagDictionary2 = 238
	tagDictionary3 = 239
	tagADJID       = 247
	tagList8       = 248
	tagList16      = 249
	tagJIDPair     = 250
	tagHex8        = 251
	tagBinary8     = 252
	tagBinary20    = 253
	tagBinary32    = 254
	tagNibble8     = 255
)

// DictVersion is the token dictionary revision advertised in the
// connection header.
const DictVersion = 2

// singleByteTokens is the primary token dictionary.  Index 0 is
// reserved, indices 1 and 2 are the stream delimiters.
var singleByteTokens = [...]string{
	"", "xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "participant",
	"from", "receipt", "id", "broadcast", "status", "unavailable", "notification",
	"notify", "to", "jid", "user", "class", "offline", "g.us", "result", "mediatype",
	"enc", "skmsg", "off_cnt", "xmlns", "presence", "participants", "ack", "t",
	"iq", "device_hash", "get", "error", "all", "creation", "item", "item-id",
	"key", "value", "mute", "error_code", "count", "cookie", "device", "category",
	"profile", "image", "reason", "set", "query", "w:profile:picture", "business",
	"verified_name", "config", "contact", "code", "list", "message", "devices",
	"sender", "recipient", "min", "max", "last", "index", "state", "call-id",
	"retry", "name", "call-creator", "usync", "available", "delivery", "context",
	"mode", "read", "add", "handshake", "remove", "device-identity", "encrypt",
	"success", "failure", "stream:error", "ping", "pong", "active", "passive",
	"w:p", "media_conn", "w:m", "host", "auth", "ttl", "pair-device", "pair-success",
	"ref", "device-list", "registration", "identity", "skey", "signature",
	"pair-device-sign", "key-index", "platform", "biz", "version", "props",
	"prop", "w", "media", "hash", "url", "ib", "edge_routing", "routing_info",
	"dirty", "clean", "timestamp", "picture", "preview", "w:stats", "stat",
	"offline_preview", "xmlstreamstart2", "group", "subject", "body", "invite",
	"admin", "owner", "w:gp2", "member_add_mode", "membership_approval_mode",
	"default_sub_group", "parent_group", "announcement", "locked", "not_announcement",
	"unlocked", "restrict", "created", "delete", "description", "ephemeral",
	"disappearing_mode", "duration", "w:sync:app:state", "collection", "patch",
	"snapshot", "record", "mac", "app_state_sync_key", "keys", "fetch", "request",
	"response", "urn:xmpp:whatsapp:push", "urn:xmpp:ping", "vertical", "companion",
	"md", "remove-companion-device", "user_initiated", "account_sync", "blocklist",
	"privacy", "w:b", "w:biz", "verified_level", "serial", "expiration", "invis",
	"sticker", "pack", "voip_settings", "audio", "video", "document", "gif",
	"ptt", "vcard", "contact_array", "livelocation", "list_response", "order",
	"product", "native_flow_response", "poll", "meta", "polltype", "peer",
	"appdata", "product_catalog", "payment", "1", "2", "true", "false",
}

var singleByteTokenIndex = buildTokenIndex(singleByteTokens[:], 1)

// doubleByteTokens holds the secondary token dictionaries, selected by
// tags dictionary0..dictionary3.
var doubleByteTokens = [4][]string{
	{
		"media-gig2-1.cdn.whatsapp.net", "media-bog1-1.cdn.whatsapp.net",
		"media-mia3-1.cdn.whatsapp.net", "media-mia3-2.cdn.whatsapp.net",
		"media-eze1-1.cdn.whatsapp.net", "read-self", "pay_hash", "super_admin",
		"preacked", "BR", "US", "IN", "MX", "DE", "account-restrictions",
		"fbns", "protocol", "reaction", "sender_timestamp", "sender-timestamp",
		"edit", "notification_settings", "groups", "disable", "enable",
	},
	{}, {}, {},
}

var doubleByteTokenIndex = [4]map[string]int{
	buildTokenIndex(doubleByteTokens[0], 0),
	buildTokenIndex(doubleByteTokens[1], 0),
	buildTokenIndex(doubleByteTokens[2], 0),
	buildTokenIndex(doubleByteTokens[3], 0),
}

func buildTokenIndex(tokens []string, first int) map[string]int {
	m := make(map[string]int, len(tokens))
	for i := first; i < len(tokens); i++ {
		if tokens[i] != "" {
			m[tokens[i]] = i
		}
	}
	return m
}

func lookupSingleByteToken(s string) (int, bool) {
	i, ok := singleByteTokenIndex[s]
	return i, ok
}

func lookupDoubleByteToken(s string) (dict, index int, ok bool) {
	for d := range doubleByteTokenIndex {
		if i, found := doubleByteTokenIndex[d][s]; found {
			return d, i, true
		}
	}
	return 0, 0, false
}

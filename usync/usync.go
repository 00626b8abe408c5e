// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package usync builds batched user synchronization queries and parses
// their results.  A query names a set of target users and a set of
// protocols (queryable per-user attributes); the server answers with
// one result entry per user carrying the data of each requested
// protocol.
package usync

import (
	"fmt"

	"github.com/warelay/warelay/wabinary"
)

// Context values for queries.
const (
	ContextInteractive = "interactive"
	ContextMessage     = "message"
)

// ModeQuery is the only request mode currently issued.
const ModeQuery = "query"

// User is one synchronization target.
type User struct {
	JID wabinary.JID
}

// Protocol is one queryable per-user attribute.  QueryElement is
// placed once in the request's query section; UserElement, when the
// second return is true, is placed inside every user element of the
// request list.
type Protocol interface {
	Name() string
	QueryElement() wabinary.Node
	UserElement(u User) (wabinary.Node, bool)
	ParseUser(n *wabinary.Node) (interface{}, error)
}

// Query accumulates the users and protocols of one request.
type Query struct {
	Context string
	Mode    string

	protocols []Protocol
	users     []User
}

// NewQuery returns an empty query with interactive context.
func NewQuery() *Query {
	return &Query{
		Context: ContextInteractive,
		Mode:    ModeQuery,
	}
}

// WithContext overrides the query context.
func (q *Query) WithContext(context string) *Query {
	q.Context = context
	return q
}

// WithUser adds one synchronization target.
func (q *Query) WithUser(u User) *Query {
	q.users = append(q.users, u)
	return q
}

// WithProtocol adds one protocol to the request.
func (q *Query) WithProtocol(p Protocol) *Query {
	q.protocols = append(q.protocols, p)
	return q
}

// WithDeviceProtocol adds the companion device list protocol.
func (q *Query) WithDeviceProtocol() *Query {
	return q.WithProtocol(DeviceProtocol{})
}

// IQ assembles the request stanza.  sid is the caller's message tag,
// echoed back by the server inside the usync element.
func (q *Query) IQ(sid string) wabinary.Node {
	queryContent := make([]wabinary.Node, 0, len(q.protocols))
	for _, p := range q.protocols {
		queryContent = append(queryContent, p.QueryElement())
	}

	userNodes := make([]wabinary.Node, 0, len(q.users))
	for _, u := range q.users {
		var elems []wabinary.Node
		for _, p := range q.protocols {
			if n, ok := p.UserElement(u); ok {
				elems = append(elems, n)
			}
		}
		userNode := wabinary.Node{
			Tag:   "user",
			Attrs: wabinary.Attributes{"jid": u.JID.String()},
		}
		if len(elems) > 0 {
			userNode.Content = elems
		}
		userNodes = append(userNodes, userNode)
	}

	return wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"to":    wabinary.ServerJID,
			"type":  "get",
			"xmlns": "usync",
		},
		Content: []wabinary.Node{{
			Tag: "usync",
			Attrs: wabinary.Attributes{
				"context": q.Context,
				"mode":    q.Mode,
				"sid":     sid,
				"last":    "true",
				"index":   "0",
			},
			Content: []wabinary.Node{
				{Tag: "query", Content: queryContent},
				{Tag: "list", Content: userNodes},
			},
		}},
	}
}

// UserResult holds the parsed protocol data of one user.  Data is
// keyed by protocol name.
type UserResult struct {
	JID  wabinary.JID
	Data map[string]interface{}
}

// Result is a parsed query response.
type Result struct {
	List []UserResult
}

// ParseResult decodes the iq reply to a query built by this instance.
// Protocol elements with no registered parser are skipped.
func (q *Query) ParseResult(iq *wabinary.Node) (*Result, error) {
	if err := iq.AssertErrorFree(); err != nil {
		return nil, err
	}
	if iq.Attrs["type"] != "result" {
		return nil, fmt.Errorf("usync: unexpected iq type %q", iq.Attrs["type"])
	}

	parsers := make(map[string]Protocol, len(q.protocols))
	for _, p := range q.protocols {
		parsers[p.Name()] = p
	}

	result := new(Result)
	usyncNode, ok := iq.GetChild("usync")
	if !ok {
		return nil, fmt.Errorf("usync: result carries no usync element")
	}
	listNode, ok := usyncNode.GetChild("list")
	if !ok {
		return result, nil
	}
	for _, userNode := range listNode.GetChildren("user") {
		jid, err := wabinary.ParseJID(userNode.Attrs["jid"])
		if err != nil {
			return nil, fmt.Errorf("usync: malformed user jid: %w", err)
		}
		entry := UserResult{JID: jid, Data: make(map[string]interface{})}
		for _, child := range userNode.Children() {
			p, ok := parsers[child.Tag]
			if !ok {
				continue
			}
			child := child
			data, err := p.ParseUser(&child)
			if err != nil {
				return nil, fmt.Errorf("usync: protocol %s: %w", p.Name(), err)
			}
			entry.Data[p.Name()] = data
		}
		result.List = append(result.List, entry)
	}
	return result, nil
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/warelay/warelay/wabinary"
)

// nodeHandler consumes one inbound stanza.
type nodeHandler func(*wabinary.Node)

// dispatchRule matches stanzas against a normalized (tag, attribute
// key, attribute value, first child tag) tuple.  Empty fields are
// wildcards; tag is mandatory.
type dispatchRule struct {
	tag        string
	attrKey    string
	attrValue  string
	firstChild string
	fn         nodeHandler
}

func (r *dispatchRule) matches(n *wabinary.Node, firstChild string) bool {
	if n.Tag != r.tag {
		return false
	}
	if r.attrKey != "" {
		v, ok := n.Attrs[r.attrKey]
		if !ok {
			return false
		}
		if r.attrValue != "" && v != r.attrValue {
			return false
		}
	}
	if r.firstChild != "" && firstChild != r.firstChild {
		return false
	}
	return true
}

// dispatcher routes inbound stanzas through a priority-ordered rule
// list.  Registration order is priority order; the first matching rule
// wins and exactly one handler runs per stanza.
type dispatcher struct {
	rules []dispatchRule
}

func (d *dispatcher) handle(tag, attrKey, attrValue, firstChild string, fn nodeHandler) {
	d.rules = append(d.rules, dispatchRule{
		tag:        tag,
		attrKey:    attrKey,
		attrValue:  attrValue,
		firstChild: firstChild,
		fn:         fn,
	})
}

// dispatch runs the first matching handler, reporting whether any
// rule consumed the stanza.
func (d *dispatcher) dispatch(n *wabinary.Node) bool {
	firstChild := ""
	if children := n.Children(); len(children) > 0 {
		firstChild = children[0].Tag
	}
	for i := range d.rules {
		if d.rules[i].matches(n, firstChild) {
			d.rules[i].fn(n)
			return true
		}
	}
	return false
}

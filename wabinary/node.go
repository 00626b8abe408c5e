// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wabinary implements the compact tag/attribute/content tree
// encoding used as the application layer envelope on the wire.
package wabinary

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one element of the binary tree structure exchanged with the
// remote endpoint.  Content is exactly one of []Node, []byte, string,
// or nil.
type Node struct {
	Tag     string
	Attrs   map[string]string
	Content interface{}
}

// Attributes is a convenience alias for a node attribute map.
type Attributes = map[string]string

// GetChild returns the first child with the given tag, if any.
func (n *Node) GetChild(tag string) (*Node, bool) {
	children, ok := n.Content.([]Node)
	if !ok {
		return nil, false
	}
	for i := range children {
		if children[i].Tag == tag {
			return &children[i], true
		}
	}
	return nil, false
}

// GetChildren returns all children with the given tag.
func (n *Node) GetChildren(tag string) []Node {
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	var out []Node
	for _, c := range children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Children returns all child nodes, or nil when the content is not a
// node list.
func (n *Node) Children() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// ContentBytes returns the node content as raw bytes if it holds any.
func (n *Node) ContentBytes() ([]byte, bool) {
	switch c := n.Content.(type) {
	case []byte:
		return c, true
	case string:
		return []byte(c), true
	default:
		return nil, false
	}
}

// GetChildBytes returns the raw byte content of the first child with
// the given tag.
func (n *Node) GetChildBytes(tag string) ([]byte, bool) {
	child, ok := n.GetChild(tag)
	if !ok {
		return nil, false
	}
	return child.ContentBytes()
}

// GetChildUint returns the big-endian integer content of the first
// child with the given tag.
func (n *Node) GetChildUint(tag string) (uint64, bool) {
	b, ok := n.GetChildBytes(tag)
	if !ok {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, true
}

// StanzaError is the error extracted from an <error> child of a
// response node.
type StanzaError struct {
	Code int
	Text string
}

// Error implements the error interface.
func (e *StanzaError) Error() string {
	return fmt.Sprintf("wabinary: stanza error %d: %s", e.Code, e.Text)
}

// AssertErrorFree returns a StanzaError if the node carries an <error>
// child, nil otherwise.
func (n *Node) AssertErrorFree() error {
	errNode, ok := n.GetChild("error")
	if !ok {
		return nil
	}
	code := 0
	fmt.Sscanf(errNode.Attrs["code"], "%d", &code)
	text := errNode.Attrs["text"]
	if text == "" {
		text = "unknown error"
	}
	return &StanzaError{Code: code, Text: text}
}

// String renders the node as indented pseudo-XML for logging.
func (n *Node) String() string {
	var b strings.Builder
	n.writeIndented(&b, 0)
	return b.String()
}

func (n *Node) writeIndented(b *strings.Builder, depth int) {
	indent := strings.Repeat("\t", depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(n.Tag)

	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, n.Attrs[k])
	}

	switch c := n.Content.(type) {
	case nil:
		b.WriteString("/>")
	case []Node:
		b.WriteString(">\n")
		for i := range c {
			c[i].writeIndented(b, depth+1)
			b.WriteByte('\n')
		}
		b.WriteString(indent)
		fmt.Fprintf(b, "</%s>", n.Tag)
	case string:
		fmt.Fprintf(b, ">%s</%s>", c, n.Tag)
	case []byte:
		fmt.Fprintf(b, ">%x</%s>", c, n.Tag)
	}
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport maintains the websocket link to the server.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/worker"
)

const (
	// DefaultURL is the chat endpoint.
	DefaultURL = "wss://web.whatsapp.com/ws/chat"

	// DefaultOrigin is the origin header expected by the endpoint.
	DefaultOrigin = "https://web.whatsapp.com"

	defaultDialTimeout = 20 * time.Second
)

const (
	stateOpen uint32 = iota
	stateClosing
	stateClosed
)

// ErrClosed is returned by Send once the link is no longer writable.
var ErrClosed = errors.New("transport: connection closed")

// Config holds the parameters for dialing the endpoint.
type Config struct {
	// URL is the websocket endpoint. Defaults to DefaultURL.
	URL string

	// Origin is the origin header value. Defaults to DefaultOrigin.
	Origin string

	// DialTimeout bounds the websocket dial and upgrade.
	DialTimeout time.Duration

	// OnMessage is called from the read worker with every binary
	// message. Required.
	OnMessage func(data []byte)

	// OnClose is called exactly once when the read side terminates,
	// with the read error, or nil on a clean shutdown.  It runs on
	// its own goroutine and may call back into Close.
	OnClose func(err error)
}

func (cfg *Config) fixup() {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
}

// Conn is an open websocket link with a single read worker. Writes are
// serialized internally and safe for concurrent use.
type Conn struct {
	worker.Worker

	log *logging.Logger
	ws  *websocket.Conn

	writeLock sync.Mutex
	state     uint32

	onMessage func([]byte)
	onClose   func(error)
	closeOnce sync.Once
}

// Dial connects to the endpoint and starts the read worker.
func Dial(ctx context.Context, cfg Config, l *logging.Logger) (*Conn, error) {
	cfg.fixup()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
	}
	hdr := http.Header{"Origin": []string{cfg.Origin}}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, hdr)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		log:       l,
		ws:        ws,
		onMessage: cfg.OnMessage,
		onClose:   cfg.OnClose,
	}
	c.Go(c.readWorker)
	return c, nil
}

// Send writes one binary message.
func (c *Conn) Send(data []byte) error {
	if atomic.LoadUint32(&c.state) != stateOpen {
		return ErrClosed
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		c.log.Debugf("Send failed: %v", err)
	}
	return err
}

// IsOpen reports whether the link accepts writes.
func (c *Conn) IsOpen() bool {
	return atomic.LoadUint32(&c.state) == stateOpen
}

// Close tears the link down. It attempts a websocket close frame
// first so the peer sees a clean shutdown, then halts the read worker.
// Safe to call more than once.
func (c *Conn) Close() {
	if !atomic.CompareAndSwapUint32(&c.state, stateOpen, stateClosing) {
		return
	}
	c.writeLock.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(3*time.Second))
	c.writeLock.Unlock()
	if err != nil {
		c.log.Debugf("Close frame failed: %v", err)
	}
	_ = c.ws.Close()
	c.Halt()
	atomic.StoreUint32(&c.state, stateClosed)
}

func (c *Conn) readWorker() {
	defer func() {
		_ = c.ws.Close()
	}()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if atomic.LoadUint32(&c.state) != stateOpen {
				// Shutdown initiated locally.
				err = nil
			}
			c.doClose(err)
			return
		}
		if msgType != websocket.BinaryMessage {
			c.log.Debugf("Ignoring message type %d", msgType)
			continue
		}
		c.onMessage(data)
	}
}

func (c *Conn) doClose(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.log.Debugf("Connection closed: %v", err)
			atomic.StoreUint32(&c.state, stateClosed)
		}
		if c.onClose != nil {
			// Delivered on its own goroutine so the callback may
			// call Close, which joins the read worker.
			go c.onClose(err)
		}
	})
}

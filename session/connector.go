// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the per-tenant connection lifecycle: the
// transport handshake, registration or login, device pairing, the
// keep-alive liveness probe, and stanza dispatch.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/signalstore"
	"github.com/warelay/warelay/transport"
	"github.com/warelay/warelay/wabinary"
	"github.com/warelay/warelay/wanoise"
	"github.com/warelay/warelay/waproto"
	"github.com/warelay/warelay/worker"
)

// State is the connector lifecycle state.
type State uint32

// Connector lifecycle states.
const (
	StateIdle State = iota
	StateHandshaking
	StateAwaitingPairOrLogin
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingPairOrLogin:
		return "awaiting-pair-or-login"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disconnect records why and when a connection ended.
type Disconnect struct {
	Error error
	Date  time.Time
}

// ConnectionUpdate is one lifecycle notification.  Connection is empty
// when the update does not change the connection state.
type ConnectionUpdate struct {
	Connection     string
	LastDisconnect *Disconnect
	IsNewLogin     bool
	PhoneConnected bool
	User           *auth.Contact
}

// Events are the connector's outbound notification callbacks.  Nil
// callbacks are skipped.
type Events struct {
	ConnectionUpdate func(ConnectionUpdate)
	PairingQR        func(payload string)
	CredsUpdated     func(*auth.AuthenticationCreds)
}

// netConn is the transport surface the connector drives.
type netConn interface {
	Send(data []byte) error
	IsOpen() bool
	Close()
}

// frameCodec is the crypto framing surface.
type frameCodec interface {
	ClientHello() ([]byte, error)
	ProcessHandshake(hello *waproto.HandshakeServerHello, clientPayload []byte) ([]byte, error)
	IsEstablished() bool
	EncodeFrame(data []byte) ([]byte, error)
	DecodeFrame(data []byte, onFrame func([]byte)) error
}

// Connector owns one identity's connection.  All inbound stanzas are
// processed on the transport's single read goroutine, in arrival
// order.
type Connector struct {
	worker.Worker

	cfg    *Config
	tenant string
	log    *logging.Logger

	creds  *auth.AuthenticationCreds
	keys   *auth.TransactionKeyStore
	signal *signalstore.Repository
	events Events

	noise frameCodec
	conn  netConn

	handlers dispatcher

	state atomic.Uint32

	tagPrefix  string
	tagCounter atomic.Uint64

	lastRecv atomic.Int64

	handshakeCh chan []byte
	handlerCh   chan inboundStanza

	sendLock sync.Mutex

	waitersLock sync.Mutex
	waiters     map[string]chan *wabinary.Node

	closeOnce sync.Once
	closedCh  chan struct{}

	qrLock sync.Mutex
	qrStop chan struct{}
}

// NewConnector assembles a connector around existing credentials and
// a signal key store.  Call StartConnection to go online.
func NewConnector(cfg *Config, tenant string, creds *auth.AuthenticationCreds, store auth.KeyStore, backend *log.Backend, events Events) (*Connector, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	cached := auth.NewCachedKeyStore(store, cfg.CacheTTL, backend.GetLogger("keys:"+tenant))
	keys := auth.NewTransactionKeyStore(cached, cfg.TransactionOpts, backend.GetLogger("keytx:"+tenant))

	c := &Connector{
		cfg:         cfg,
		tenant:      tenant,
		log:         backend.GetLogger("session:" + tenant),
		creds:       creds,
		keys:        keys,
		signal:      signalstore.NewRepository(keys, creds, backend.GetLogger("signal:"+tenant)),
		events:      events,
		tagPrefix:   generateTagPrefix(),
		handshakeCh: make(chan []byte, 1),
		handlerCh:   make(chan inboundStanza, 32),
		waiters:     make(map[string]chan *wabinary.Node),
		closedCh:    make(chan struct{}),
	}
	c.registerHandlers()
	return c, nil
}

func (c *Connector) registerHandlers() {
	c.handlers.handle("xmlstreamend", "", "", "", c.handleStreamEnd)
	c.handlers.handle("iq", "type", "set", "pair-device", c.handlePairDevice)
	c.handlers.handle("iq", "", "", "pair-success", c.handlePairSuccess)
	c.handlers.handle("success", "", "", "", c.handleSuccess)
	c.handlers.handle("stream:error", "", "", "", c.handleStreamError)
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	c.state.Store(uint32(s))
}

// IsOpen reports whether the connector reached the open state and the
// underlying socket is still up.
func (c *Connector) IsOpen() bool {
	return c.State() == StateOpen && c.conn != nil && c.conn.IsOpen()
}

// Creds exposes the connector-owned credentials.
func (c *Connector) Creds() *auth.AuthenticationCreds {
	return c.creds
}

// Signal exposes the connector's signal repository.
func (c *Connector) Signal() *signalstore.Repository {
	return c.signal
}

// Keys exposes the transaction-capable key store.
func (c *Connector) Keys() *auth.TransactionKeyStore {
	return c.keys
}

// StartConnection dials the endpoint, runs the transport handshake,
// and sends the login or registration payload.  On return the
// connector awaits either a pair-device exchange or a success stanza.
func (c *Connector) StartConnection(ctx context.Context) error {
	c.setState(StateHandshaking)

	noise, err := wanoise.NewHandler(c.creds.NoiseKey.Private, c.creds.RoutingInfo)
	if err != nil {
		return err
	}
	c.noise = noise

	conn, err := transport.Dial(ctx, transport.Config{
		URL:         c.cfg.URL,
		Origin:      c.cfg.Origin,
		DialTimeout: c.cfg.ConnectTimeout,
		OnMessage:   c.onMessageReceived,
		OnClose:     c.onTransportClose,
	}, c.log)
	if err != nil {
		c.setState(StateClosed)
		return err
	}
	c.conn = conn
	c.Go(c.handlerWorker)

	if err := c.validateConnection(); err != nil {
		c.log.Errorf("connection validation failed: %v", err)
		c.endAll(err)
		return err
	}

	c.setState(StateAwaitingPairOrLogin)
	return nil
}

// validateConnection runs the handshake and sends the client payload.
func (c *Connector) validateConnection() error {
	hello, err := c.noise.ClientHello()
	if err != nil {
		return err
	}

	reply, err := c.awaitHandshakeFrame(hello)
	if err != nil {
		return err
	}

	var hs waproto.HandshakeMessage
	if err := hs.Unmarshal(reply); err != nil {
		return err
	}
	if hs.ServerHello == nil {
		return fmt.Errorf("session: handshake reply carries no server hello")
	}

	var payload *waproto.ClientPayload
	if c.creds.Me == nil {
		c.log.Infof("no paired identity, registering")
		payload = registrationPayload(c.creds, c.cfg)
	} else {
		c.log.Infof("logging in as %s", c.creds.Me.ID)
		payload, err = loginPayload(c.creds.Me.ID, c.cfg)
		if err != nil {
			return err
		}
	}

	finish, err := c.noise.ProcessHandshake(hs.ServerHello, payload.Marshal())
	if err != nil {
		return err
	}
	return c.sendRawMessage(finish)
}

func (c *Connector) awaitHandshakeFrame(send []byte) ([]byte, error) {
	if err := c.sendRawMessage(send); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case frame := <-c.handshakeCh:
		return frame, nil
	case <-c.closedCh:
		return nil, newDisconnected("connection closed", StatusConnectionClosed)
	case <-timer.C:
		return nil, newDisconnected("connection timeout", StatusTimedOut)
	}
}

// onMessageReceived is the transport read callback.
func (c *Connector) onMessageReceived(data []byte) {
	if err := c.noise.DecodeFrame(data, c.handleFrame); err != nil {
		c.log.Errorf("frame stream broken: %v", err)
		c.endAll(&DisconnectedError{Reason: "bad frame stream", StatusCode: StatusBadSession, Err: err})
	}
}

func (c *Connector) onTransportClose(err error) {
	c.endAll(&DisconnectedError{Reason: "connection terminated", StatusCode: StatusConnectionClosed, Err: err})
}

func (c *Connector) handleFrame(frame []byte) {
	c.lastRecv.Store(time.Now().UnixNano())

	if !c.noise.IsEstablished() {
		buf := append([]byte(nil), frame...)
		select {
		case c.handshakeCh <- buf:
		default:
			c.log.Warningf("dropping unexpected handshake frame")
		}
		return
	}

	node, err := wabinary.Unmarshal(frame)
	if err != nil {
		// A single malformed frame is reported and dropped; the
		// connection stays up.
		c.log.Warningf("dropping malformed frame: %v", err)
		return
	}
	c.handleNode(node)
}

// inboundStanza is one decoded frame queued for the handler worker.
type inboundStanza struct {
	node      *wabinary.Node
	delivered bool
}

// handleNode resolves response waiters on the read goroutine, then
// queues the stanza for the handler worker.  Handlers run off the read
// goroutine, one at a time in arrival order, so a handler issuing a
// query never starves its own response.
func (c *Connector) handleNode(node *wabinary.Node) {
	c.log.Debugf("recv %s", node.Tag)

	delivered := false
	if id := node.Attrs["id"]; id != "" {
		delivered = c.deliverWaiter(id, node)
	}
	select {
	case c.handlerCh <- inboundStanza{node: node, delivered: delivered}:
	case <-c.closedCh:
	}
}

func (c *Connector) handlerWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.closedCh:
			return
		case in := <-c.handlerCh:
			if !c.handlers.dispatch(in.node) && !in.delivered {
				c.log.Debugf("unhandled stanza %s", in.node.Tag)
			}
		}
	}
}

// GenerateMessageTag returns a fresh stanza id.
func (c *Connector) GenerateMessageTag() string {
	return c.tagPrefix + strconv.FormatUint(c.tagCounter.Add(1), 10)
}

func generateTagPrefix() string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("%d.%d-", binary.BigEndian.Uint16(b[:2]), binary.BigEndian.Uint16(b[2:]))
}

// SendNode serializes and sends one stanza.
func (c *Connector) SendNode(node *wabinary.Node) error {
	buf, err := wabinary.Marshal(*node)
	if err != nil {
		return err
	}
	return c.sendRawMessage(buf)
}

func (c *Connector) sendRawMessage(data []byte) error {
	if c.conn == nil || !c.conn.IsOpen() {
		return newDisconnected("connection closed", StatusConnectionClosed)
	}
	// The frame cipher nonce advances per frame; encrypt and write
	// under one lock so frames hit the wire in nonce order.
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	frame, err := c.noise.EncodeFrame(data)
	if err != nil {
		return err
	}
	return c.conn.Send(frame)
}

func (c *Connector) registerWaiter(id string) chan *wabinary.Node {
	ch := make(chan *wabinary.Node, 1)
	c.waitersLock.Lock()
	c.waiters[id] = ch
	c.waitersLock.Unlock()
	return ch
}

func (c *Connector) removeWaiter(id string) {
	c.waitersLock.Lock()
	delete(c.waiters, id)
	c.waitersLock.Unlock()
}

func (c *Connector) deliverWaiter(id string, node *wabinary.Node) bool {
	c.waitersLock.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.waitersLock.Unlock()
	if ok {
		ch <- node
	}
	return ok
}

// WaitForMessage blocks until a stanza with the given id arrives, the
// timeout elapses, or the connection closes.
func (c *Connector) WaitForMessage(id string, timeout time.Duration) (*wabinary.Node, error) {
	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout
	}
	ch := c.registerWaiter(id)
	defer c.removeWaiter(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case node := <-ch:
		return node, nil
	case <-c.closedCh:
		return nil, newDisconnected("connection closed", StatusConnectionClosed)
	case <-timer.C:
		return nil, ErrQueryTimeout
	}
}

// Query sends a stanza and waits for its response, mapping an <error>
// child of the response to a StanzaError.
func (c *Connector) Query(node *wabinary.Node, timeout time.Duration) (*wabinary.Node, error) {
	if node.Attrs == nil {
		node.Attrs = make(wabinary.Attributes)
	}
	id := node.Attrs["id"]
	if id == "" {
		id = c.GenerateMessageTag()
		node.Attrs["id"] = id
	}

	ch := c.registerWaiter(id)
	defer c.removeWaiter(id)

	if err := c.SendNode(node); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		if err := result.AssertErrorFree(); err != nil {
			return nil, err
		}
		return result, nil
	case <-c.closedCh:
		return nil, newDisconnected("connection closed", StatusConnectionClosed)
	case <-timer.C:
		return nil, ErrQueryTimeout
	}
}

func (c *Connector) startKeepAlive() {
	c.lastRecv.CompareAndSwap(0, time.Now().UnixNano())
	c.Go(c.keepAliveWorker)
}

func (c *Connector) keepAliveWorker() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.closedCh:
			return
		case <-ticker.C:
		}

		last := time.Unix(0, c.lastRecv.Load())
		if time.Since(last) > c.cfg.KeepAliveInterval+keepAliveGrace {
			c.endAll(newDisconnected("connection lost", StatusConnectionLost))
			return
		}
		if c.conn == nil || !c.conn.IsOpen() {
			c.log.Warningf("keep-alive tick with socket down")
			continue
		}
		if _, err := c.Query(&wabinary.Node{
			Tag: "iq",
			Attrs: wabinary.Attributes{
				"id":    c.GenerateMessageTag(),
				"to":    wabinary.ServerJID,
				"type":  "get",
				"xmlns": "w:p",
			},
			Content: []wabinary.Node{{Tag: "ping"}},
		}, 0); err != nil {
			c.log.Errorf("keep-alive failed: %v", err)
		}
	}
}

func (c *Connector) handleStreamEnd(*wabinary.Node) {
	c.endAll(newDisconnected("connection terminated by server", StatusConnectionClosed))
}

func (c *Connector) handleStreamError(node *wabinary.Node) {
	reason, code := streamErrorInfo(node)
	c.endAll(&DisconnectedError{Reason: reason, StatusCode: code})
}

func (c *Connector) handlePairDevice(stanza *wabinary.Node) {
	if err := c.SendNode(&wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"to":   wabinary.ServerJID,
			"type": "result",
			"id":   stanza.Attrs["id"],
		},
	}); err != nil {
		c.log.Errorf("pair-device ack failed: %v", err)
		return
	}

	pairDevice, ok := stanza.GetChild("pair-device")
	if !ok {
		c.log.Warningf("pair-device stanza without pair-device element")
		return
	}
	var refs []string
	for _, refNode := range pairDevice.GetChildren("ref") {
		if raw, ok := refNode.ContentBytes(); ok {
			refs = append(refs, string(raw))
		}
	}

	noiseB64 := base64.StdEncoding.EncodeToString(c.creds.NoiseKey.Public)
	identityB64 := base64.StdEncoding.EncodeToString(c.creds.SignedIdentityKey.Public)
	advB64 := base64.StdEncoding.EncodeToString(c.creds.AdvSecretKey)

	c.qrLock.Lock()
	c.qrStop = make(chan struct{})
	stop := c.qrStop
	c.qrLock.Unlock()

	c.Go(func() {
		first := true
		for _, ref := range refs {
			c.emitPairingQR(ref + "," + noiseB64 + "," + identityB64 + "," + advB64)

			timer := time.NewTimer(c.cfg.qrLife(first))
			first = false
			select {
			case <-timer.C:
			case <-stop:
				timer.Stop()
				return
			case <-c.closedCh:
				timer.Stop()
				return
			case <-c.HaltCh():
				timer.Stop()
				return
			}
		}
		c.endAll(newDisconnected("qr refs exhausted", StatusTimedOut))
	})
}

func (c *Connector) stopQR() {
	c.qrLock.Lock()
	if c.qrStop != nil {
		close(c.qrStop)
		c.qrStop = nil
	}
	c.qrLock.Unlock()
}

func (c *Connector) handlePairSuccess(stanza *wabinary.Node) {
	reply, err := configurePairing(stanza, c.creds)
	if err != nil {
		c.log.Errorf("pairing failed: %v", err)
		c.endAll(err)
		return
	}
	c.log.Infof("paired as %s on %s, expecting restart", c.creds.Me.ID, c.creds.Platform)

	c.emitCredsUpdate()
	c.emitConnectionUpdate(ConnectionUpdate{IsNewLogin: true})

	if err := c.SendNode(reply); err != nil {
		c.endAll(err)
	}
}

func (c *Connector) handleSuccess(node *wabinary.Node) {
	if err := c.UploadPreKeysIfRequired(); err != nil {
		c.log.Errorf("pre-key upload failed: %v", err)
		c.endAll(err)
		return
	}
	if err := c.sendPassiveIq("active"); err != nil {
		c.log.Errorf("active iq failed: %v", err)
		c.endAll(err)
		return
	}

	c.stopQR()

	me := auth.Contact{}
	if c.creds.Me != nil {
		me = *c.creds.Me
	}
	me.LID = node.Attrs["lid"]
	c.creds.Me = &me
	c.emitCredsUpdate()

	c.setState(StateOpen)
	c.startKeepAlive()
	c.log.Infof("connection open")
	c.emitConnectionUpdate(ConnectionUpdate{
		Connection:     "open",
		PhoneConnected: true,
		User:           c.creds.Me,
	})
}

func (c *Connector) sendPassiveIq(tag string) error {
	_, err := c.Query(&wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.Attributes{
			"to":    wabinary.ServerJID,
			"xmlns": "passive",
			"type":  "set",
		},
		Content: []wabinary.Node{{Tag: tag}},
	}, 0)
	return err
}

// Logout removes this companion device from the account and closes the
// connection terminally.
func (c *Connector) Logout() error {
	if c.creds.Me != nil {
		err := c.SendNode(&wabinary.Node{
			Tag: "iq",
			Attrs: wabinary.Attributes{
				"to":    wabinary.ServerJID,
				"type":  "set",
				"id":    c.GenerateMessageTag(),
				"xmlns": "md",
			},
			Content: []wabinary.Node{{
				Tag: "remove-companion-device",
				Attrs: wabinary.Attributes{
					"jid":    c.creds.Me.ID,
					"reason": "user_initiated",
				},
			}},
		})
		if err != nil {
			c.log.Warningf("companion removal failed: %v", err)
		}
	}
	c.End(newDisconnected("logged out", StatusLoggedOut))
	return nil
}

// End closes the connection.  Repeated calls are no-ops; the final
// connection update is emitted exactly once.
func (c *Connector) End(err error) {
	c.endAll(err)
}

func (c *Connector) endAll(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if err != nil {
			c.log.Infof("connection errored: %v", err)
		} else {
			c.log.Infof("connection closed")
		}

		close(c.closedCh)
		c.stopQR()

		if c.conn != nil {
			c.conn.Close()
		}

		c.setState(StateClosed)
		c.emitConnectionUpdate(ConnectionUpdate{
			Connection:     "close",
			LastDisconnect: &Disconnect{Error: err, Date: time.Now()},
		})
	})
}

func (c *Connector) emitConnectionUpdate(u ConnectionUpdate) {
	if c.events.ConnectionUpdate != nil {
		c.events.ConnectionUpdate(u)
	}
}

func (c *Connector) emitPairingQR(payload string) {
	if c.events.PairingQR != nil {
		c.events.PairingQR(payload)
	}
}

func (c *Connector) emitCredsUpdate() {
	if c.events.CredsUpdated != nil {
		c.events.CredsUpdated(c.creds)
	}
}

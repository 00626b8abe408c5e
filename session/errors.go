// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"fmt"

	"github.com/warelay/warelay/wabinary"
)

// Status codes attached to disconnect outcomes.  The remote endpoint
// reuses HTTP-ish numbering; 515 is the only code that warrants an
// automatic reconnect.
const (
	StatusConnectionClosed    = 428
	StatusConnectionLost      = 408
	StatusConnectionReplaced  = 440
	StatusTimedOut            = 408
	StatusLoggedOut           = 401
	StatusBadSession          = 500
	StatusRestartRequired     = 515
	StatusMultideviceMismatch = 411
	StatusForbidden           = 403
	StatusUnavailableService  = 503
)

// DisconnectedError is the normalized terminal outcome of a
// connector.  Every close path, whether a handshake failure, a stream
// error or a liveness timeout, collapses into one of these.
type DisconnectedError struct {
	Reason     string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *DisconnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: disconnected (%s, status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("session: disconnected (%s, status %d)", e.Reason, e.StatusCode)
}

// Unwrap supports errors.Is/As matching.
func (e *DisconnectedError) Unwrap() error { return e.Err }

func newDisconnected(reason string, statusCode int) *DisconnectedError {
	return &DisconnectedError{Reason: reason, StatusCode: statusCode}
}

// ErrSignatureVerification is returned when pairing material fails its
// HMAC or signature check.  Never retried.
var ErrSignatureVerification = errors.New("session: signature verification failed")

// ErrQueryTimeout is returned when a round-trip exceeds its deadline.
// Retryable by the caller; the connection stays open unless the
// timeout happened during the handshake.
var ErrQueryTimeout = errors.New("session: query timed out")

var codeByReason = map[string]int{
	"conflict": StatusConnectionReplaced,
}

// streamErrorInfo extracts the reason and status code of a
// <stream:error> stanza.
func streamErrorInfo(node *wabinary.Node) (string, int) {
	reason := "unknown"
	if children := node.Children(); len(children) > 0 {
		reason = children[0].Tag
	}
	code := 0
	if raw, ok := node.Attrs["code"]; ok {
		fmt.Sscanf(raw, "%d", &code)
	}
	if code == 0 {
		if mapped, ok := codeByReason[reason]; ok {
			code = mapped
		} else {
			code = StatusBadSession
		}
	}
	if code == StatusRestartRequired {
		reason = "restart required"
	}
	return reason, code
}

// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"fmt"
)

// ErrGroupsUnsupported is returned for group destinations; sender-key
// fan-out is not implemented.
var ErrGroupsUnsupported = errors.New("relay: group destinations are not supported")

// ErrNoIdentity is returned when the session has not completed pairing.
var ErrNoIdentity = errors.New("relay: session has no paired identity")

// UploadError is the terminal failure of a media upload: every host
// offered by the media connection was tried and none accepted the blob.
type UploadError struct {
	Hosts   int
	LastErr error
}

func (e *UploadError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("relay: media upload failed on all %d hosts: %v", e.Hosts, e.LastErr)
	}
	return fmt.Sprintf("relay: media upload failed on all %d hosts", e.Hosts)
}

func (e *UploadError) Unwrap() error {
	return e.LastErr
}

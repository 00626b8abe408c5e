// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

// Key store categories. Each category namespaces its own id space.
const (
	CategoryPreKey          = "pre-key"
	CategorySession         = "session"
	CategorySenderKey       = "sender-key"
	CategoryIdentity        = "identity"
	CategorySenderKeyMemory = "sender-key-memory"
)

// DataSet is a batch of mutations keyed by category and id. A nil
// value deletes the entry.
type DataSet map[string]map[string][]byte

// Put records one mutation, allocating the category map as needed.
func (d DataSet) Put(category, id string, value []byte) {
	m := d[category]
	if m == nil {
		m = make(map[string][]byte)
		d[category] = m
	}
	m[id] = value
}

// KeyStore is the persistent store the Signal layer reads and writes.
// Implementations must be safe for concurrent use.
type KeyStore interface {
	// Get fetches the requested ids of one category. Missing ids are
	// absent from the result, not an error.
	Get(category string, ids []string) (map[string][]byte, error)

	// Set applies a batch of mutations atomically.
	Set(data DataSet) error

	// Clear drops everything.
	Clear() error
}

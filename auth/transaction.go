// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"time"

	"gopkg.in/op/go-logging.v1"
)

// TransactionOptions bound the commit retry behavior.
type TransactionOptions struct {
	MaxCommitRetries  int
	DelayBetweenTries time.Duration
}

// DefaultTransactionOptions is the retry policy used when none is
// given.
var DefaultTransactionOptions = TransactionOptions{
	MaxCommitRetries:  10,
	DelayBetweenTries: 3 * time.Second,
}

// TransactionKeyStore batches writes made inside a transaction into a
// single mutation set, committed once when the outermost transaction
// exits. Reads inside a transaction are served from a transaction
// local cache to avoid redundant store round trips. Writers entering
// while a transaction is open join it and share its mutation set.
type TransactionKeyStore struct {
	base KeyStore
	log  *logging.Logger
	opts TransactionOptions

	mu        chan struct{}
	depth     int
	reads     DataSet
	mutations DataSet
	failed    bool
}

// NewTransactionKeyStore wraps base.
func NewTransactionKeyStore(base KeyStore, opts TransactionOptions, l *logging.Logger) *TransactionKeyStore {
	if opts.MaxCommitRetries <= 0 {
		opts = DefaultTransactionOptions
	}
	s := &TransactionKeyStore{
		base: base,
		log:  l,
		opts: opts,
		mu:   make(chan struct{}, 1),
	}
	s.mu <- struct{}{}
	return s
}

func (s *TransactionKeyStore) lock()   { <-s.mu }
func (s *TransactionKeyStore) unlock() { s.mu <- struct{}{} }

// InTransaction reports whether a transaction is currently open.
func (s *TransactionKeyStore) InTransaction() bool {
	s.lock()
	defer s.unlock()
	return s.depth > 0
}

// Transaction runs fn inside a transaction, opening one if none is in
// progress. Mutations are committed when the outermost call returns
// without error; a failed commit is retried a bounded number of times
// with a delay in between.
func (s *TransactionKeyStore) Transaction(fn func() error) error {
	s.lock()
	s.depth++
	if s.depth == 1 {
		s.log.Debugf("Entering key store transaction")
		s.reads = make(DataSet)
		s.mutations = make(DataSet)
		s.failed = false
	}
	s.unlock()

	err := fn()

	s.lock()
	s.depth--
	if err != nil {
		s.failed = true
	}
	if s.depth > 0 {
		s.unlock()
		return err
	}
	mutations := s.mutations
	failed := s.failed
	s.reads = nil
	s.mutations = nil
	s.unlock()

	if failed {
		s.log.Debugf("Discarding transaction after error")
		return err
	}
	if !hasMutations(mutations) {
		s.log.Debugf("No mutations in transaction")
		return nil
	}
	return s.commit(mutations)
}

func (s *TransactionKeyStore) commit(mutations DataSet) error {
	var err error
	for tries := s.opts.MaxCommitRetries; tries > 0; tries-- {
		if err = s.base.Set(mutations); err == nil {
			s.log.Debugf("Committed key store transaction")
			return nil
		}
		s.log.Warningf("Failed to commit %d mutation sets, tries left: %d", len(mutations), tries-1)
		time.Sleep(s.opts.DelayBetweenTries)
	}
	return err
}

func (s *TransactionKeyStore) Get(category string, ids []string) (map[string][]byte, error) {
	s.lock()
	if s.depth == 0 {
		s.unlock()
		return s.base.Get(category, ids)
	}

	cached := s.reads[category]
	var missing []string
	for _, id := range ids {
		if _, ok := cached[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		// Fetch under the transaction lock so a concurrent joiner
		// sees a consistent cache.
		fetched, err := s.base.Get(category, missing)
		if err != nil {
			s.unlock()
			return nil, err
		}
		for id, v := range fetched {
			s.reads.Put(category, id, v)
		}
		cached = s.reads[category]
	}

	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v := cached[id]; v != nil {
			out[id] = v
		}
	}
	s.unlock()
	return out, nil
}

func (s *TransactionKeyStore) Set(data DataSet) error {
	s.lock()
	if s.depth == 0 {
		s.unlock()
		return s.base.Set(data)
	}
	for category, m := range data {
		for id, v := range m {
			s.reads.Put(category, id, v)
			s.mutations.Put(category, id, v)
		}
	}
	s.unlock()
	return nil
}

func (s *TransactionKeyStore) Clear() error {
	return s.base.Clear()
}

func hasMutations(d DataSet) bool {
	for _, m := range d {
		if len(m) > 0 {
			return true
		}
	}
	return false
}

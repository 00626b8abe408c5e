// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	credsBucket = "creds"
	keysBucket  = "keys"
)

// BoltStore persists credentials and signal key material for any
// number of tenants in a single bolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at f.
func NewBoltStore(f string) (*BoltStore, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(credsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// LoadCreds returns the stored credentials of a tenant, or nil when
// the tenant has none yet.
func (s *BoltStore) LoadCreds(tenant string) (*AuthenticationCreds, error) {
	var creds *AuthenticationCreds
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(credsBucket)).Get([]byte(tenant))
		if raw == nil {
			return nil
		}
		creds = new(AuthenticationCreds)
		return cbor.Unmarshal(raw, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("auth: load creds for %q: %w", tenant, err)
	}
	return creds, nil
}

// SaveCreds persists the credentials of a tenant.
func (s *BoltStore) SaveCreds(tenant string, creds *AuthenticationCreds) error {
	raw, err := cbor.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credsBucket)).Put([]byte(tenant), raw)
	})
}

// DeleteCreds removes the credentials and key material of a tenant.
func (s *BoltStore) DeleteCreds(tenant string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(credsBucket)).Delete([]byte(tenant)); err != nil {
			return err
		}
		err := tx.Bucket([]byte(keysBucket)).DeleteBucket([]byte(tenant))
		if err == bolt.ErrBucketNotFound {
			err = nil
		}
		return err
	})
}

// Keys returns the key store view of one tenant.
func (s *BoltStore) Keys(tenant string) KeyStore {
	return &boltKeyStore{db: s.db, tenant: tenant}
}

type boltKeyStore struct {
	db     *bolt.DB
	tenant string
}

func (k *boltKeyStore) Get(category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	err := k.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket)).Bucket([]byte(k.tenant))
		if bkt == nil {
			return nil
		}
		bkt = bkt.Bucket([]byte(category))
		if bkt == nil {
			return nil
		}
		for _, id := range ids {
			if v := bkt.Get([]byte(id)); v != nil {
				out[id] = append([]byte{}, v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *boltKeyStore) Set(data DataSet) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		tenantBkt, err := tx.Bucket([]byte(keysBucket)).CreateBucketIfNotExists([]byte(k.tenant))
		if err != nil {
			return err
		}
		for category, m := range data {
			bkt, err := tenantBkt.CreateBucketIfNotExists([]byte(category))
			if err != nil {
				return err
			}
			for id, v := range m {
				if v == nil {
					if err := bkt.Delete([]byte(id)); err != nil {
						return err
					}
					continue
				}
				if err := bkt.Put([]byte(id), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (k *boltKeyStore) Clear() error {
	return k.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(keysBucket)).DeleteBucket([]byte(k.tenant))
		if err == bolt.ErrBucketNotFound {
			err = nil
		}
		return err
	})
}

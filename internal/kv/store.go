// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv adapts the external key-value store (bbolt) to the minimal
// contract the inode store needs: positioned get/put/delete of
// inode-number-keyed byte values, plus a full ordered scan used to rebuild
// the allocators at mount.
package kv

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("inodes")

// Store is a thin adapter over a bbolt database, keyed by inode number
// encoded as a fixed-width little-endian 8-byte string, as required by
// spec §6.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func key(ino uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ino)
	return b
}

// Get returns the value for ino, or (nil, false) if absent.
func (s *Store) Get(ino uint64) (value []byte, present bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key(ino))
		if v == nil {
			return nil
		}
		present = true
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv: get %d: %w", ino, err)
	}
	return value, present, nil
}

// Put writes value under ino, replacing any prior value.
func (s *Store) Put(ino uint64, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(ino), value)
	})
	if err != nil {
		return fmt.Errorf("kv: put %d: %w", ino, err)
	}
	return nil
}

// Delete removes the entry for ino, if any.
func (s *Store) Delete(ino uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(ino))
	})
	if err != nil {
		return fmt.Errorf("kv: delete %d: %w", ino, err)
	}
	return nil
}

// Scan calls f once for every (ino, value) pair currently stored, in
// ascending key order. It stops and returns f's error if f returns one.
func (s *Store) Scan(f func(ino uint64, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 8 {
				continue
			}
			if err := f(binary.LittleEndian.Uint64(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

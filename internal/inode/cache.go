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

package inode

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/NickCao/cyanfs/internal/logger"
)

// ErrNotFound is returned when the requested inode does not exist, neither
// in the cache nor in the backing store. Callers map this to ENOENT.
var ErrNotFound = errors.New("inode: not found")

// Store is the minimal KV contract the cache needs; *kv.Store satisfies it.
type Store interface {
	Get(ino uint64) (value []byte, present bool, err error)
	Put(ino uint64, value []byte) error
	Delete(ino uint64) error
}

type cacheEntry struct {
	attrs *Attrs
	dirty bool
}

// Cache is a bounded LRU from inode number to Attrs, dirty-tracked, with
// write-back (or delete, for unreferenced inodes) on eviction. Directory
// inodes are additionally written through on every mutation, narrowing the
// crash window for namespace changes.
type Cache struct {
	store    Store
	capacity int

	ll      *list.List // of *list.Element wrapping (ino, *cacheEntry)
	entries map[uint64]*list.Element
}

type listValue struct {
	ino   uint64
	entry *cacheEntry
}

// NewCache builds an inode cache bounded to capacity entries, backed by
// store.
func NewCache(store Store, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		store:    store,
		capacity: capacity,
		ll:       list.New(),
		entries:  make(map[uint64]*list.Element, capacity),
	}
}

// Read calls f with the cached (or freshly loaded) attributes for ino and
// returns its result. It returns ErrNotFound if the inode doesn't exist, or
// a wrapped error on KV/decode failure.
func Read[V any](c *Cache, ino uint64, f func(*Attrs) V) (V, error) {
	var zero V

	if el, ok := c.entries[ino]; ok {
		c.ll.MoveToFront(el)
		return f(el.Value.(*listValue).entry.attrs), nil
	}

	attrs, err := c.load(ino)
	if err != nil {
		return zero, err
	}

	c.put(ino, &cacheEntry{attrs: attrs, dirty: false})
	return f(attrs), nil
}

// Modify calls f with a mutable pointer to the attributes for ino, marks
// the entry dirty, and returns f's result. Directory mutations are written
// through to the store immediately in addition to being cached.
func Modify[V any](c *Cache, ino uint64, f func(*Attrs) V) (V, error) {
	var zero V

	if el, ok := c.entries[ino]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*listValue).entry
		e.dirty = true
		v := f(e.attrs)
		if e.attrs.Kind == Directory {
			if err := c.writeBack(e); err != nil {
				logger.Warnw("inode cache: directory write-through failed", "ino", ino, "error", err)
			}
		}
		return v, nil
	}

	attrs, err := c.load(ino)
	if err != nil {
		return zero, err
	}

	v := f(attrs)
	e := &cacheEntry{attrs: attrs, dirty: true}
	if attrs.Kind == Directory {
		if err := c.writeBack(e); err != nil {
			logger.Warnw("inode cache: directory write-through failed", "ino", ino, "error", err)
		}
	}
	c.put(ino, e)
	return v, nil
}

// Insert places a dirty record under attrs.Ino, replacing any existing
// cached entry. Used when minting a brand-new inode.
func (c *Cache) Insert(attrs *Attrs) {
	e := &cacheEntry{attrs: attrs, dirty: true}
	if attrs.Kind == Directory {
		if err := c.writeBack(e); err != nil {
			logger.Warnw("inode cache: directory write-through failed", "ino", attrs.Ino, "error", err)
		}
	}
	c.put(attrs.Ino, e)
}

// EvictOne removes ino from the cache without further access, writing it
// back (or deleting it, if unreferenced) first if dirty.
func (c *Cache) EvictOne(ino uint64) error {
	el, ok := c.entries[ino]
	if !ok {
		return nil
	}
	return c.remove(el)
}

// Flush writes back (or deletes) every dirty entry and drops the cache.
func (c *Cache) Flush() error {
	var firstErr error
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*listValue).entry
		if e.dirty {
			if err := c.writeBack(e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		el = next
	}
	c.ll.Init()
	c.entries = make(map[uint64]*list.Element, c.capacity)
	return firstErr
}

func (c *Cache) load(ino uint64) (*Attrs, error) {
	data, present, err := c.store.Get(ino)
	if err != nil {
		return nil, fmt.Errorf("inode cache: load %d: %w", ino, err)
	}
	if !present {
		return nil, ErrNotFound
	}
	attrs, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

// writeBack persists e: a put if the inode is still referenced, a delete
// if nlink has reached zero. This is the only place inode deletion is
// persisted.
func (c *Cache) writeBack(e *cacheEntry) error {
	if e.attrs.Nlink > 0 {
		data, err := Encode(e.attrs)
		if err != nil {
			return err
		}
		if err := c.store.Put(e.attrs.Ino, data); err != nil {
			return err
		}
	} else {
		if err := c.store.Delete(e.attrs.Ino); err != nil {
			return err
		}
	}
	e.dirty = false
	return nil
}

func (c *Cache) put(ino uint64, e *cacheEntry) {
	if el, ok := c.entries[ino]; ok {
		el.Value.(*listValue).entry = e
		c.ll.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}

	el := c.ll.PushFront(&listValue{ino: ino, entry: e})
	c.entries[ino] = el
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	if err := c.remove(el); err != nil {
		ino := el.Value.(*listValue).ino
		logger.Warnw("inode cache: write-back failed on eviction", "ino", ino, "error", err)
	}
}

func (c *Cache) remove(el *list.Element) error {
	lv := el.Value.(*listValue)
	var err error
	if lv.entry.dirty {
		err = c.writeBack(lv.entry)
	}
	c.ll.Remove(el)
	delete(c.entries, lv.ino)
	return err
}

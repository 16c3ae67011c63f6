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

package block

import (
	"container/list"

	"github.com/NickCao/cyanfs/internal/logger"
)

type entry struct {
	id     ID
	buf    [Size]byte
	dirty  bool
	elem   *list.Element
}

// Cache is a bounded write-back LRU over a Device. Reads are absorbed on
// miss; writes are absorbed into memory and only reach the device on
// eviction or an explicit Flush/FlushBlock. This is the cache's whole
// reason to exist: coalescing repeated writes to the same block into a
// single device write.
type Cache struct {
	dev      *Device
	capacity int

	ll      *list.List // of *entry, front = most recently used
	entries map[ID]*list.Element
}

// NewCache builds a write-back cache over dev bounded to capacity entries.
func NewCache(dev *Device, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		dev:      dev,
		capacity: capacity,
		ll:       list.New(),
		entries:  make(map[ID]*list.Element, capacity),
	}
}

// ReadBlock copies the contents of block id into out, which must be exactly
// Size bytes. On a cache miss the block is read through from the device and
// inserted as clean.
func (c *Cache) ReadBlock(id ID, out []byte) error {
	if el, ok := c.entries[id]; ok {
		c.ll.MoveToFront(el)
		copy(out, el.Value.(*entry).buf[:])
		return nil
	}

	if err := c.dev.ReadBlock(id, out); err != nil {
		return err
	}

	e := &entry{id: id}
	copy(e.buf[:], out)
	c.insert(e)
	return nil
}

// WriteBlock overwrites block id with in, which must be exactly Size bytes,
// marking it dirty. On a miss the block is inserted dirty with the supplied
// content without reading the prior value from the device.
func (c *Cache) WriteBlock(id ID, in []byte) error {
	if el, ok := c.entries[id]; ok {
		e := el.Value.(*entry)
		copy(e.buf[:], in)
		e.dirty = true
		c.ll.MoveToFront(el)
		return nil
	}

	e := &entry{id: id, dirty: true}
	copy(e.buf[:], in)
	c.insert(e)
	return nil
}

// insert adds a freshly-built entry to the front of the LRU, evicting the
// least-recently-used entry first if the cache is at capacity.
func (c *Cache) insert(e *entry) {
	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	el := c.ll.PushFront(e)
	e.elem = el
	c.entries[e.id] = el
}

// evictOldest removes the least-recently-used entry, writing it back first
// if dirty. A write-back failure here is logged and does not block
// eviction: this is the "best-effort durability outside of explicit flush"
// the cache is specified to provide.
func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.removeElement(el, true)
}

func (c *Cache) removeElement(el *list.Element, writeBackIfDirty bool) {
	e := el.Value.(*entry)
	if writeBackIfDirty && e.dirty {
		if err := c.dev.WriteBlock(e.id, e.buf[:]); err != nil {
			logger.Warnw("block cache: write-back failed on eviction", "block", e.id, "error", err)
		}
	}
	c.ll.Remove(el)
	delete(c.entries, e.id)
}

// FlushBlock writes back block id if present and dirty, then clears its
// dirty flag. It is a no-op if the block isn't cached.
func (c *Cache) FlushBlock(id ID) error {
	el, ok := c.entries[id]
	if !ok {
		return nil
	}

	e := el.Value.(*entry)
	if !e.dirty {
		return nil
	}

	if err := c.dev.WriteBlock(e.id, e.buf[:]); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// Flush writes back every dirty entry and removes all entries from the
// cache.
func (c *Cache) Flush() error {
	var firstErr error
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.dirty {
			if err := c.dev.WriteBlock(e.id, e.buf[:]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.ll.Init()
	c.entries = make(map[ID]*list.Element, c.capacity)
	return firstErr
}

// Package lxfs implements the block-oriented on-disk filesystem engine
// (spec §3.4, §4.2): a write-back block cache over a flat block device, a
// free-block allocator and chain walker, directory and file operations, and
// path resolution: whole on-disk structures are read and rewritten from an
// io.ReaderAt into explicit Go types rather than streamed byte-by-byte,
// generalized from a read-only image format to one LXFS mutates in place.
package lxfs

import (
	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// BlockDevice is the minimal interface lxfs needs from whatever sits below
// it (an SDEV client in production, an in-memory fake in tests).
type BlockDevice interface {
	ReadBlock(block uint64, out []byte) error
	WriteBlock(block uint64, data []byte) error
}

// CacheSlots is the direct-mapped write-back cache's fixed slot count (spec
// §4.2.1: "a 4096-entry direct-mapped write-back block cache").
const CacheSlots = 4096

type cacheSlot struct {
	valid bool
	dirty bool
	tag   uint64
	data  []byte
}

// Cache is a direct-mapped write-back block cache: index = block % slots,
// tag = block / slots. A dirty slot is flushed to the backing device before
// it is evicted by a different block mapping to the same index (spec
// §4.2.1 invariant: "a dirty slot is always flushed before it is reused for
// a different block").
type Cache struct {
	dev       BlockDevice
	blockSize int
	slots     []cacheSlot
}

// NewCache wraps dev with a CacheSlots-entry direct-mapped write-back cache.
func NewCache(dev BlockDevice, blockSize int) *Cache {
	return &Cache{dev: dev, blockSize: blockSize, slots: make([]cacheSlot, CacheSlots)}
}

func (c *Cache) index(block uint64) uint64 { return block % CacheSlots }
func (c *Cache) tag(block uint64) uint64   { return block / CacheSlots }

// Read returns a copy of block's contents, filling the cache on a miss.
func (c *Cache) Read(block uint64) ([]byte, error) {
	idx := c.index(block)
	tag := c.tag(block)
	slot := &c.slots[idx]

	if slot.valid && slot.tag == tag {
		out := make([]byte, len(slot.data))
		copy(out, slot.data)
		return out, nil
	}
	if slot.valid && slot.dirty {
		if err := c.flushSlot(idx); err != nil {
			return nil, err
		}
	}
	data := make([]byte, c.blockSize)
	if err := c.dev.ReadBlock(block, data); err != nil {
		return nil, errno.New("cache.read", "", errno.EIO)
	}
	slot.valid = true
	slot.dirty = false
	slot.tag = tag
	slot.data = data
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write stores data for block in the cache, marking the slot dirty. It does
// not touch the backing device until Flush or a conflicting eviction.
func (c *Cache) Write(block uint64, data []byte) error {
	if len(data) != c.blockSize {
		return errno.New("cache.write", "", errno.EINVAL)
	}
	idx := c.index(block)
	tag := c.tag(block)
	slot := &c.slots[idx]

	if slot.valid && slot.dirty && slot.tag != tag {
		if err := c.flushSlot(idx); err != nil {
			return err
		}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	slot.valid = true
	slot.dirty = true
	slot.tag = tag
	slot.data = buf
	return nil
}

func (c *Cache) flushSlot(idx uint64) error {
	slot := &c.slots[idx]
	if !slot.valid || !slot.dirty {
		return nil
	}
	block := slot.tag*CacheSlots + idx
	if err := c.dev.WriteBlock(block, slot.data); err != nil {
		return errno.New("cache.flush", "", errno.EIO)
	}
	slot.dirty = false
	return nil
}

// Flush writes every dirty slot back to the device (spec §4.2.1: fsync and
// unmount both drain the cache fully).
func (c *Cache) Flush() error {
	for idx := range c.slots {
		if err := c.flushSlot(uint64(idx)); err != nil {
			return err
		}
	}
	return nil
}

// BlockSize reports the block size the cache was configured with.
func (c *Cache) BlockSize() int { return c.blockSize }

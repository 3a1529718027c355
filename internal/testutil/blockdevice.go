// Package testutil supplies small fakes shared by this module's tests: an
// in-memory, block-addressed backing store good enough to build test images
// in memory rather than touching a real disk.
package testutil

import (
	"fmt"
	"sync"
)

// MemBlockDevice is an in-memory block device: a fixed-size, fixed-block
// backing store good enough to exercise a cache, an allocator and the
// filesystem logic above them without a real disk.
type MemBlockDevice struct {
	mu        sync.Mutex
	blockSize int
	blocks    [][]byte
	reads     int
	writes    int
}

// NewMemBlockDevice allocates a zeroed device of the given block size and
// block count.
func NewMemBlockDevice(blockSize int, blockCount uint64) *MemBlockDevice {
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemBlockDevice{blockSize: blockSize, blocks: blocks}
}

func (d *MemBlockDevice) ReadBlock(block uint64, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if block >= uint64(len(d.blocks)) {
		return fmt.Errorf("testutil: read block %d out of range (%d blocks)", block, len(d.blocks))
	}
	if len(out) != d.blockSize {
		return fmt.Errorf("testutil: read buffer size %d != block size %d", len(out), d.blockSize)
	}
	copy(out, d.blocks[block])
	return nil
}

func (d *MemBlockDevice) WriteBlock(block uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if block >= uint64(len(d.blocks)) {
		return fmt.Errorf("testutil: write block %d out of range (%d blocks)", block, len(d.blocks))
	}
	if len(data) != d.blockSize {
		return fmt.Errorf("testutil: write buffer size %d != block size %d", len(data), d.blockSize)
	}
	buf := make([]byte, d.blockSize)
	copy(buf, data)
	d.blocks[block] = buf
	return nil
}

// Stats reports how many ReadBlock/WriteBlock calls have been observed,
// useful for asserting cache behavior (e.g. a hot re-read doesn't reach the
// device).
func (d *MemBlockDevice) Stats() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

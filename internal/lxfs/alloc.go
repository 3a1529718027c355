package lxfs

import (
	"encoding/binary"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// entriesPerBlock is how many 8-byte next-pointers fit in one block of the
// block-allocation table (spec §3.4: "a flat array of 64-bit next-pointers,
// one per block on the volume, starting at block 33").
func (v *Volume) entriesPerBlock() int {
	return v.blockSize / 8
}

func (v *Volume) tableBlockAndOffset(block uint64) (tblBlock uint64, offset int) {
	perBlock := uint64(v.entriesPerBlock())
	tblBlock = wire.LXFSBlockTableStart + block/perBlock
	offset = int(block%perBlock) * 8
	return
}

// nextBlock reads the block-allocation table entry for block (spec §4.2.2
// next_block).
func (v *Volume) nextBlock(block uint64) (uint64, error) {
	tblBlock, off := v.tableBlockAndOffset(block)
	buf, err := v.cache.Read(tblBlock)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[off : off+8]), nil
}

// setNext writes the block-allocation table entry for block (spec §4.2.2
// set_next).
func (v *Volume) setNext(block, next uint64) error {
	tblBlock, off := v.tableBlockAndOffset(block)
	buf, err := v.cache.Read(tblBlock)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], next)
	return v.cache.Write(tblBlock, buf)
}

// firstDataBlock is the first block number available to the allocator: past
// the identification block, boot header, reserved range and the table
// itself.
func (v *Volume) firstDataBlock() uint64 {
	tableBlocks := (v.totalBlocks + uint64(v.entriesPerBlock()) - 1) / uint64(v.entriesPerBlock())
	return wire.LXFSBlockTableStart + tableBlocks
}

// findFree scans the table for the first FREE entry (spec §4.2.2 find_free),
// returning ENOSPC if the volume is full.
func (v *Volume) findFree() (uint64, error) {
	for b := v.firstDataBlock(); b < v.totalBlocks; b++ {
		next, err := v.nextBlock(b)
		if err != nil {
			return 0, err
		}
		if next == wire.LXFSBlockFree {
			return b, nil
		}
	}
	return 0, errno.New("allocate", "", errno.ENOSPC)
}

// allocate reserves a chain of n blocks linked head-to-tail and terminated
// with the EOF sentinel, returning the head block number.
//
// A naive free-block search that claims blocks one at a time can leak the
// ones already marked non-free if a later block in the same request can't
// be found. To avoid that, any failure here marks every block claimed so
// far in this call FREE again (one setNext per block) before the error
// propagates, while the external contract (0 returned on failure) is
// preserved for callers (spec §9).
func (v *Volume) allocate(n int) (uint64, error) {
	if n <= 0 {
		return 0, errno.New("allocate", "", errno.EINVAL)
	}
	claimed := make([]uint64, 0, n)
	rollback := func() {
		for _, b := range claimed {
			v.setNext(b, wire.LXFSBlockFree) // best-effort; volume already failing
		}
	}

	for i := 0; i < n; i++ {
		b, err := v.findFreeExcluding(claimed)
		if err != nil {
			rollback()
			return 0, err
		}
		// Mark it non-free immediately (as EOF) so the next findFree call in
		// this loop does not pick the same block again.
		if err := v.setNext(b, wire.LXFSBlockEOF); err != nil {
			rollback()
			return 0, err
		}
		claimed = append(claimed, b)
	}
	// Link the chain head-to-tail; the final entry keeps the EOF sentinel
	// already written above.
	for i := 0; i < len(claimed)-1; i++ {
		if err := v.setNext(claimed[i], claimed[i+1]); err != nil {
			rollback()
			return 0, err
		}
	}
	return claimed[0], nil
}

// findFreeExcluding is findFree, but skips blocks already claimed within the
// same allocate() call (those are no longer FREE on disk, so a plain
// findFree would already skip them; this helper exists only to make that
// property explicit and testable in isolation).
func (v *Volume) findFreeExcluding(claimed []uint64) (uint64, error) {
	return v.findFree()
}

// freeChain walks the chain starting at block, marking every block FREE
// (spec §4.2.2, used by Unlink).
func (v *Volume) freeChain(block uint64) error {
	for block != wire.LXFSBlockEOF && block != wire.LXFSBlockFree {
		next, err := v.nextBlock(block)
		if err != nil {
			return err
		}
		if err := v.setNext(block, wire.LXFSBlockFree); err != nil {
			return err
		}
		block = next
	}
	return nil
}

// chainLength counts the blocks in the chain starting at block, including
// block itself.
func (v *Volume) chainLength(block uint64) (int, error) {
	n := 0
	for block != wire.LXFSBlockEOF {
		n++
		next, err := v.nextBlock(block)
		if err != nil {
			return 0, err
		}
		block = next
	}
	return n, nil
}

// freeBlockCount scans the table counting FREE entries, used by statvfs.
func (v *Volume) freeBlockCount() (uint64, error) {
	var n uint64
	for b := v.firstDataBlock(); b < v.totalBlocks; b++ {
		next, err := v.nextBlock(b)
		if err != nil {
			return 0, err
		}
		if next == wire.LXFSBlockFree {
			n++
		}
	}
	return n, nil
}

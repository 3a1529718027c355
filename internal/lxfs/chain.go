package lxfs

import "github.com/lux-operating-system/servers-sub000/internal/wire"

// readChain concatenates every block in the chain starting at start into one
// contiguous byte slice (directories and file data are both stored this
// way: a chain of equally-sized blocks with no per-block header, assembled
// whole-structure-at-once rather than exposing block boundaries to callers).
func (v *Volume) readChain(start uint64) ([]byte, error) {
	var out []byte
	block := start
	for block != wire.LXFSBlockEOF {
		buf, err := v.cache.Read(block)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		next, err := v.nextBlock(block)
		if err != nil {
			return nil, err
		}
		block = next
	}
	return out, nil
}

// writeChain stores data across a chain starting at start, growing or
// shrinking the chain as needed and returning the (possibly new) head block.
// Passing start==0 allocates a fresh chain.
func (v *Volume) writeChain(start uint64, data []byte) (uint64, error) {
	need := (len(data) + v.blockSize - 1) / v.blockSize
	if need == 0 {
		need = 1 // every chain owns at least one block, even empty files
	}

	have := 0
	var existing []uint64
	if start != 0 {
		b := start
		for b != wire.LXFSBlockEOF {
			existing = append(existing, b)
			have++
			next, err := v.nextBlock(b)
			if err != nil {
				return 0, err
			}
			b = next
		}
	}

	blocks := existing
	switch {
	case have < need:
		extra, err := v.allocate(need - have)
		if err != nil {
			return 0, err
		}
		if have == 0 {
			blocks = flattenChain(extra, v)
		} else {
			if err := v.setNext(blocks[len(blocks)-1], extra); err != nil {
				return 0, err
			}
			more, err := v.chainBlocks(extra)
			if err != nil {
				return 0, err
			}
			blocks = append(blocks, more...)
		}
	case have > need:
		if err := v.freeChain(blocks[need]); err != nil {
			return 0, err
		}
		blocks = blocks[:need]
		if err := v.setNext(blocks[len(blocks)-1], wire.LXFSBlockEOF); err != nil {
			return 0, err
		}
	}

	for i, b := range blocks {
		lo := i * v.blockSize
		hi := lo + v.blockSize
		chunk := make([]byte, v.blockSize)
		if lo < len(data) {
			end := hi
			if end > len(data) {
				end = len(data)
			}
			copy(chunk, data[lo:end])
		}
		if err := v.cache.Write(b, chunk); err != nil {
			return 0, err
		}
	}
	return blocks[0], nil
}

// chainBlocks returns the block numbers in the chain starting at start.
func (v *Volume) chainBlocks(start uint64) ([]uint64, error) {
	var out []uint64
	b := start
	for b != wire.LXFSBlockEOF {
		out = append(out, b)
		next, err := v.nextBlock(b)
		if err != nil {
			return nil, err
		}
		b = next
	}
	return out, nil
}

func flattenChain(start uint64, v *Volume) []uint64 {
	blocks, _ := v.chainBlocks(start)
	return blocks
}

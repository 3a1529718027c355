package lxfs

import (
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// Volume is one mounted LXFS filesystem: the cache, allocator state and
// parsed identification/boot blocks for a single backing device.
type Volume struct {
	dev         BlockDevice
	cache       *Cache
	blockSize   int
	totalBlocks uint64
	rootBlock   uint64
	id          *wire.Identification
	boot        *wire.BootHeader
	warn        func(string) // optional soft-warning sink; nil is fine
}

// Mount reads the identification and boot header blocks and prepares a
// Volume for use (spec §4.2.1 Mount). A CPU architecture mismatch in the
// boot header is logged through warn (if non-nil) and mounting proceeds
// regardless: per spec §7, an unexpected boot header "logs a warning and
// continues" rather than failing the mount outright — only a bad magic in
// the identification block is a hard failure.
func Mount(dev BlockDevice, warn func(string)) (*Volume, error) {
	// Block size isn't known until the identification block is parsed, so
	// bootstrap with the smallest legal block size to read block 0.
	probe := make([]byte, 512)
	if err := dev.ReadBlock(wire.LXFSIdentificationBlock, probe); err != nil {
		return nil, errno.New("mount", "", errno.EIO)
	}
	id, err := wire.UnmarshalIdentification(probe)
	if err != nil {
		return nil, errno.New("mount", "", errno.EINVAL)
	}

	blockSize := id.BlockSize()
	full := make([]byte, blockSize)
	if err := dev.ReadBlock(wire.LXFSIdentificationBlock, full); err != nil {
		return nil, errno.New("mount", "", errno.EIO)
	}
	id, err = wire.UnmarshalIdentification(full)
	if err != nil {
		return nil, errno.New("mount", "", errno.EINVAL)
	}

	v := &Volume{
		dev:         dev,
		blockSize:   blockSize,
		totalBlocks: id.VolumeSize,
		rootBlock:   id.RootBlock,
		id:          id,
		warn:        warn,
	}
	v.cache = NewCache(dev, blockSize)

	bootBuf, err := v.cache.Read(wire.LXFSBootHeaderBlock)
	if err != nil {
		return nil, err
	}
	boot, err := wire.UnmarshalBootHeader(bootBuf)
	if err == nil {
		v.boot = boot
		if v.warn != nil && boot.CPUArch != 0 && boot.CPUArch != wire.LXFSCPUX86_64 {
			v.warn("mount: boot header CPU architecture tag does not match host; continuing")
		}
	}
	return v, nil
}

// Flush drains the write-back cache to the device (spec §4.2.1: fsync and
// unmount both require a full flush).
func (v *Volume) Flush() error { return v.cache.Flush() }

// BlockSize reports the volume's block size in bytes.
func (v *Volume) BlockSize() int { return v.blockSize }

// RootBlock reports the root directory's block number.
func (v *Volume) RootBlock() uint64 { return v.rootBlock }

// Statvfs reports aggregate volume statistics (spec §4.2.9).
type StatvfsResult struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	VolumeName  string
}

func (v *Volume) Statvfs() (StatvfsResult, error) {
	free, err := v.freeBlockCount()
	if err != nil {
		return StatvfsResult{}, err
	}
	name := ""
	if i := indexByte(v.id.Name[:], 0); i >= 0 {
		name = string(v.id.Name[:i])
	} else {
		name = string(v.id.Name[:])
	}
	return StatvfsResult{
		BlockSize:   uint32(v.blockSize),
		TotalBlocks: v.totalBlocks,
		FreeBlocks:  free,
		VolumeName:  name,
	}, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Format initializes a fresh LXFS volume on dev: identification block, boot
// header, an all-FREE allocation table and an empty root directory. It
// exists for tests and for a future mkfs.lxfs command, building a complete
// image from scratch rather than mutating one in place.
func Format(dev BlockDevice, blockSize int, totalBlocks uint64, volumeName string) (*Volume, error) {
	id := &wire.Identification{
		Identifier: wire.LXFSMagic,
		VolumeSize: totalBlocks,
		Version:    wire.LXFSVersion,
	}
	// parameters encodes sector-size-shift and sectors-per-block; assume one
	// 512-byte sector per block-size/512 sectors.
	sectorShift := uint8(0)
	sectorsPerBlock := uint8(blockSize/512 - 1)
	id.Parameters = (sectorShift << 1) | (sectorsPerBlock << 3)
	copy(id.Name[:], volumeName)

	v := &Volume{
		dev:         dev,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		id:          id,
	}
	v.cache = NewCache(dev, blockSize)

	if err := dev.WriteBlock(wire.LXFSIdentificationBlock, id.Marshal(blockSize)); err != nil {
		return nil, err
	}
	boot := &wire.BootHeader{Identifier: wire.LXFSMagic, CPUArch: wire.LXFSCPUX86_64}
	if err := dev.WriteBlock(wire.LXFSBootHeaderBlock, boot.Marshal(blockSize)); err != nil {
		return nil, err
	}
	v.boot = boot

	for b := uint64(2); b <= wire.LXFSReservedBlocksEnd; b++ {
		if err := dev.WriteBlock(b, make([]byte, blockSize)); err != nil {
			return nil, err
		}
	}

	tableBlocks := (totalBlocks + uint64(v.entriesPerBlock()) - 1) / uint64(v.entriesPerBlock())
	zero := make([]byte, blockSize)
	for i := uint64(0); i < tableBlocks; i++ {
		if err := v.cache.Write(wire.LXFSBlockTableStart+i, zero); err != nil {
			return nil, err
		}
	}
	// Mark the reserved/identification/table blocks themselves as non-free
	// so the allocator never hands them out.
	first := v.firstDataBlock()
	for b := uint64(0); b < first; b++ {
		if err := v.setNext(b, wire.LXFSBlockID); err != nil {
			return nil, err
		}
	}

	root, err := v.allocate(1)
	if err != nil {
		return nil, err
	}
	v.rootBlock = root
	id.RootBlock = root
	if err := dev.WriteBlock(wire.LXFSIdentificationBlock, id.Marshal(blockSize)); err != nil {
		return nil, err
	}

	hdr := &wire.DirectoryHeader{}
	if err := v.writeDirBlock(root, hdr, nil); err != nil {
		return nil, err
	}
	if err := v.cache.Flush(); err != nil {
		return nil, err
	}
	return v, nil
}

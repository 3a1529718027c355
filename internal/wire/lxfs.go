package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LXFS on-disk constants (spec §3.4, §6.3).
const (
	LXFSMagic   uint32 = 0x5346584C // "LXFS", little-endian
	LXFSVersion uint8  = 0x01

	// Reserved block numbers.
	LXFSIdentificationBlock = 0
	LXFSBootHeaderBlock     = 1
	LXFSReservedBlocksEnd   = 32 // blocks 2..32 reserved
	LXFSBlockTableStart     = 33

	// Block-allocation-table sentinels.
	LXFSBlockFree  uint64 = 0x0000000000000000
	LXFSBlockID    uint64 = 0xFFFFFFFFFFFFFFFC
	LXFSBlockBoot  uint64 = 0xFFFFFFFFFFFFFFFD
	LXFSBlockTable uint64 = 0xFFFFFFFFFFFFFFFE
	LXFSBlockEOF   uint64 = 0xFFFFFFFFFFFFFFFF
)

// CPU architecture tags for the boot header (spec §3.4 Block 1).
const (
	LXFSCPUX86    uint32 = 0x00000001
	LXFSCPUX86_64 uint32 = 0x00000002
	LXFSCPUMIPS32 uint32 = 0x00000003
	LXFSCPUMIPS64 uint32 = 0x00000004
)

// Directory-entry flag bits (spec §3.4).
const (
	DirFlagValid     uint16 = 0x0001
	DirTypeShift            = 1
	DirTypeMask      uint16 = 0x03
	DirFlagDeleted   uint16 = 0x1000

	DirTypeFile     uint16 = 0x00
	DirTypeDir      uint16 = 0x01
	DirTypeSoftLink uint16 = 0x02
	DirTypeHardLink uint16 = 0x03
)

// Permission bit layout (nine bits, rwx x {owner,group,other}).
const (
	PermOwnerR uint16 = 0x0001
	PermOwnerW uint16 = 0x0002
	PermOwnerX uint16 = 0x0004
	PermGroupR uint16 = 0x0008
	PermGroupW uint16 = 0x0010
	PermGroupX uint16 = 0x0020
	PermOtherR uint16 = 0x0040
	PermOtherW uint16 = 0x0080
	PermOtherX uint16 = 0x0100
)

// LXFSIdentificationSize is the fixed size of the identification block's
// header portion (the remainder of block 0 is boot code, spec §3.4).
const LXFSIdentificationSize = 4 + 4 + 8 + 8 + 1 + 1 + 16 + 6

// Identification is the bit-exact layout of block 0 (spec §3.4, §6.3).
type Identification struct {
	BootCode1  [4]byte
	Identifier uint32
	VolumeSize uint64
	RootBlock  uint64
	Parameters uint8
	Version    uint8
	Name       [16]byte
	Reserved   [6]byte
}

// SectorSize derives the volume's sector size from Parameters (spec §3.4):
// sector_size = 512 << ((parameters>>1)&3).
func (id *Identification) SectorSize() int {
	return 512 << ((id.Parameters >> 1) & 3)
}

// SectorsPerBlock derives sectors-per-block from Parameters (spec §3.4):
// sectors_per_block = ((parameters>>3)&0x0F)+1.
func (id *Identification) SectorsPerBlock() int {
	return int((id.Parameters>>3)&0x0F) + 1
}

// BlockSize is SectorSize * SectorsPerBlock.
func (id *Identification) BlockSize() int {
	return id.SectorSize() * id.SectorsPerBlock()
}

// Marshal writes the identification block's header into a buffer of size
// blockSize (the remainder is left zeroed boot-code space).
func (id *Identification) Marshal(blockSize int) []byte {
	buf := make([]byte, blockSize)
	copy(buf[0:4], id.BootCode1[:])
	binary.LittleEndian.PutUint32(buf[4:8], id.Identifier)
	binary.LittleEndian.PutUint64(buf[8:16], id.VolumeSize)
	binary.LittleEndian.PutUint64(buf[16:24], id.RootBlock)
	buf[24] = id.Parameters
	buf[25] = id.Version
	copy(buf[26:42], id.Name[:])
	copy(buf[42:48], id.Reserved[:])
	return buf
}

// UnmarshalIdentification parses the identification block's header from a
// raw block buffer.
func UnmarshalIdentification(buf []byte) (*Identification, error) {
	if len(buf) < LXFSIdentificationSize {
		return nil, fmt.Errorf("wire: identification block too short: %d bytes", len(buf))
	}
	id := &Identification{}
	copy(id.BootCode1[:], buf[0:4])
	id.Identifier = binary.LittleEndian.Uint32(buf[4:8])
	id.VolumeSize = binary.LittleEndian.Uint64(buf[8:16])
	id.RootBlock = binary.LittleEndian.Uint64(buf[16:24])
	id.Parameters = buf[24]
	id.Version = buf[25]
	copy(id.Name[:], buf[26:42])
	copy(id.Reserved[:], buf[42:48])
	if id.Identifier != LXFSMagic {
		return nil, fmt.Errorf("wire: bad LXFS magic: got %#x, want %#x", id.Identifier, LXFSMagic)
	}
	return id, nil
}

// BootHeaderSize is the fixed size of block 1 (spec §3.4).
const BootHeaderSize = 4 + 4 + 8 + 32 + 16

// BootHeader is the bit-exact layout of block 1.
type BootHeader struct {
	Identifier  uint32
	CPUArch     uint32
	Timestamp   uint64
	Description [32]byte
	Reserved    [16]byte
}

func (h *BootHeader) Marshal(blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Identifier)
	binary.LittleEndian.PutUint32(buf[4:8], h.CPUArch)
	binary.LittleEndian.PutUint64(buf[8:16], h.Timestamp)
	copy(buf[16:48], h.Description[:])
	copy(buf[48:64], h.Reserved[:])
	return buf
}

func UnmarshalBootHeader(buf []byte) (*BootHeader, error) {
	if len(buf) < BootHeaderSize {
		return nil, fmt.Errorf("wire: boot header block too short: %d bytes", len(buf))
	}
	h := &BootHeader{}
	h.Identifier = binary.LittleEndian.Uint32(buf[0:4])
	h.CPUArch = binary.LittleEndian.Uint32(buf[4:8])
	h.Timestamp = binary.LittleEndian.Uint64(buf[8:16])
	copy(h.Description[:], buf[16:48])
	copy(h.Reserved[:], buf[48:64])
	return h, nil
}

// DirectoryHeaderSize is the fixed 48-byte directory header (spec §3.4).
const DirectoryHeaderSize = 8 * 6

// DirectoryHeader begins every directory's first block.
type DirectoryHeader struct {
	CreateTime  uint64
	ModTime     uint64
	AccessTime  uint64
	SizeEntries uint64
	SizeBytes   uint64
	Reserved    uint64
}

func (h *DirectoryHeader) Marshal() []byte {
	buf := make([]byte, DirectoryHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.CreateTime)
	binary.LittleEndian.PutUint64(buf[8:16], h.ModTime)
	binary.LittleEndian.PutUint64(buf[16:24], h.AccessTime)
	binary.LittleEndian.PutUint64(buf[24:32], h.SizeEntries)
	binary.LittleEndian.PutUint64(buf[32:40], h.SizeBytes)
	binary.LittleEndian.PutUint64(buf[40:48], h.Reserved)
	return buf
}

func UnmarshalDirectoryHeader(buf []byte) (*DirectoryHeader, error) {
	if len(buf) < DirectoryHeaderSize {
		return nil, fmt.Errorf("wire: directory header too short: %d bytes", len(buf))
	}
	h := &DirectoryHeader{}
	h.CreateTime = binary.LittleEndian.Uint64(buf[0:8])
	h.ModTime = binary.LittleEndian.Uint64(buf[8:16])
	h.AccessTime = binary.LittleEndian.Uint64(buf[16:24])
	h.SizeEntries = binary.LittleEndian.Uint64(buf[24:32])
	h.SizeBytes = binary.LittleEndian.Uint64(buf[32:40])
	h.Reserved = binary.LittleEndian.Uint64(buf[40:48])
	return h, nil
}

// DirEntryFixedSize is the fixed portion of a directory entry before the
// null-terminated name (spec §3.4): flags(2) owner(2) group(2) perms(2)
// size(8) createTime(8) modTime(8) accessTime(8) block(8) entrySize(2)
// reserved(14).
const DirEntryFixedSize = 2 + 2 + 2 + 2 + 8 + 8 + 8 + 8 + 8 + 2 + 14

// DirEntryNameCap is the maximum bytes reserved for a directory entry's
// name field (spec §3.4).
const DirEntryNameCap = 512

// DirEntry is the bit-exact layout of one directory entry (spec §3.4).
// EntrySize is the authoritative total length of the record on disk
// (DirEntryFixedSize + len(Name rounded as written) including the NUL
// terminator); it must stay immutable across in-place edits (spec §9).
type DirEntry struct {
	Flags       uint16
	Owner       uint16
	Group       uint16
	Permissions uint16
	Size        uint64
	CreateTime  uint64
	ModTime     uint64
	AccessTime  uint64
	Block       uint64
	EntrySize   uint16
	Name        string // NUL-terminated on disk, up to DirEntryNameCap bytes
}

// Type extracts the entry's type from Flags.
func (e *DirEntry) Type() uint16 {
	return (e.Flags >> DirTypeShift) & DirTypeMask
}

// Valid reports whether DirFlagValid is set.
func (e *DirEntry) Valid() bool {
	return e.Flags&DirFlagValid != 0
}

// Deleted reports whether this entry is a tombstone.
func (e *DirEntry) Deleted() bool {
	return e.Flags&DirFlagDeleted != 0
}

// Marshal serializes the entry into exactly e.EntrySize bytes (the caller
// must have set EntrySize to at least DirEntryFixedSize+len(Name)+1, and
// must never change EntrySize after initial creation, per spec §9's
// in-place-mutation contract).
func (e *DirEntry) Marshal() []byte {
	buf := make([]byte, e.EntrySize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], e.Owner)
	binary.LittleEndian.PutUint16(buf[4:6], e.Group)
	binary.LittleEndian.PutUint16(buf[6:8], e.Permissions)
	binary.LittleEndian.PutUint64(buf[8:16], e.Size)
	binary.LittleEndian.PutUint64(buf[16:24], e.CreateTime)
	binary.LittleEndian.PutUint64(buf[24:32], e.ModTime)
	binary.LittleEndian.PutUint64(buf[32:40], e.AccessTime)
	binary.LittleEndian.PutUint64(buf[40:48], e.Block)
	binary.LittleEndian.PutUint16(buf[48:50], e.EntrySize)
	// bytes 50:64 reserved, left zero
	if int(e.EntrySize) > DirEntryFixedSize {
		name := buf[DirEntryFixedSize:]
		n := copy(name, e.Name)
		if n < len(name) {
			name[n] = 0 // NUL terminator; rest already zero
		}
	}
	return buf
}

// UnmarshalDirEntry parses one directory entry from the front of buf.
// EntrySize==0 signals the end of the directory chain (spec §4.2.4); the
// caller must check that before trusting other fields.
func UnmarshalDirEntry(buf []byte) (*DirEntry, error) {
	if len(buf) < DirEntryFixedSize {
		return nil, fmt.Errorf("wire: directory entry buffer too short: %d bytes", len(buf))
	}
	e := &DirEntry{}
	e.Flags = binary.LittleEndian.Uint16(buf[0:2])
	e.Owner = binary.LittleEndian.Uint16(buf[2:4])
	e.Group = binary.LittleEndian.Uint16(buf[4:6])
	e.Permissions = binary.LittleEndian.Uint16(buf[6:8])
	e.Size = binary.LittleEndian.Uint64(buf[8:16])
	e.CreateTime = binary.LittleEndian.Uint64(buf[16:24])
	e.ModTime = binary.LittleEndian.Uint64(buf[24:32])
	e.AccessTime = binary.LittleEndian.Uint64(buf[32:40])
	e.Block = binary.LittleEndian.Uint64(buf[40:48])
	e.EntrySize = binary.LittleEndian.Uint16(buf[48:50])
	if e.EntrySize == 0 {
		return e, nil
	}
	if int(e.EntrySize) < DirEntryFixedSize {
		return nil, fmt.Errorf("wire: directory entry size %d shorter than fixed header", e.EntrySize)
	}
	if int(e.EntrySize) > DirEntryFixedSize && len(buf) >= int(e.EntrySize) {
		name := buf[DirEntryFixedSize:e.EntrySize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			e.Name = string(name[:i])
		} else {
			e.Name = string(name)
		}
	}
	return e, nil
}

// EntrySizeForName computes the on-disk EntrySize for a given child name
// (fixed header + name + NUL terminator).
func EntrySizeForName(name string) uint16 {
	return uint16(DirEntryFixedSize + len(name) + 1)
}

// FileHeaderSize is the fixed 16-byte file metadata header (spec §3.4).
const FileHeaderSize = 8 + 8

// FileHeader begins a file's data chain (the entry's Block field points at
// it).
type FileHeader struct {
	Size     uint64
	RefCount uint64
}

func (h *FileHeader) Marshal() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.RefCount)
	return buf
}

func UnmarshalFileHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return nil, fmt.Errorf("wire: file header too short: %d bytes", len(buf))
	}
	h := &FileHeader{}
	h.Size = binary.LittleEndian.Uint64(buf[0:8])
	h.RefCount = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}

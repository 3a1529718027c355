package wire

import (
	"encoding/binary"
	"fmt"
)

// Syscall-message payloads: the filesystem-relevant request/response bodies
// that follow a SyscallHeader on the wire (spec §4.1: "each
// filesystem-relevant command follows the same pattern: resolve the path,
// locate the server, send the rewritten message"). Each gets its own
// explicit layout per the §9 "raw struct-over-wire" design note.

// PathRequest is the body shared by every path-only operation that needs no
// caller identity (STAT, UNLINK, READLINK, FSYNC, STATVFS). OPENDIR uses
// OpendirRequest instead, since it checks execute permission against the
// caller.
type PathRequest struct {
	Path string
}

func (m *PathRequest) Marshal() []byte { return putString(nil, m.Path) }
func (m *PathRequest) Unmarshal(buf []byte) error {
	p, _, err := getString(buf)
	if err != nil {
		return err
	}
	m.Path = p
	return nil
}

// OpenRequest carries OPEN's create flag and, when creating, the initial
// ownership/mode.
type OpenRequest struct {
	Path                  string
	Create                bool
	Owner, Group, Perms   uint16
}

func (m *OpenRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 1+2+2+2)
	if m.Create {
		tail[0] = 1
	}
	binary.LittleEndian.PutUint16(tail[1:3], m.Owner)
	binary.LittleEndian.PutUint16(tail[3:5], m.Group)
	binary.LittleEndian.PutUint16(tail[5:7], m.Perms)
	return append(buf, tail...)
}

func (m *OpenRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 7 {
		return fmt.Errorf("wire: open request truncated")
	}
	m.Path = p
	m.Create = rest[0] != 0
	m.Owner = binary.LittleEndian.Uint16(rest[1:3])
	m.Group = binary.LittleEndian.Uint16(rest[3:5])
	m.Perms = binary.LittleEndian.Uint16(rest[5:7])
	return nil
}

// ReadRequest is READ's request body (spec §4.2.6: "read(path, offset,
// length)"). Offset == ^uint64(0) is unused for READ (append is a WRITE-only
// convention, spec §4.2.6).
type ReadRequest struct {
	Path   string
	Offset uint64
	Length int
}

func (m *ReadRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 8+8)
	binary.LittleEndian.PutUint64(tail[0:8], m.Offset)
	binary.LittleEndian.PutUint64(tail[8:16], uint64(m.Length))
	return append(buf, tail...)
}

func (m *ReadRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 16 {
		return fmt.Errorf("wire: read request truncated")
	}
	m.Path = p
	m.Offset = binary.LittleEndian.Uint64(rest[0:8])
	m.Length = int(binary.LittleEndian.Uint64(rest[8:16]))
	return nil
}

// AppendOffset is the O_APPEND sentinel WRITE's offset field carries (spec
// §4.2.6: "Offset -1 means append").
const AppendOffset = ^uint64(0)

// WriteRequest is WRITE's request body.
type WriteRequest struct {
	Path   string
	Offset uint64
	Data   []byte
}

func (m *WriteRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	offBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(offBuf, m.Offset)
	buf = append(buf, offBuf...)
	return append(buf, m.Data...)
}

func (m *WriteRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 8 {
		return fmt.Errorf("wire: write request truncated")
	}
	m.Path = p
	m.Offset = binary.LittleEndian.Uint64(rest[0:8])
	m.Data = append([]byte(nil), rest[8:]...)
	return nil
}

// StatResponse projects lxfs.Stat (or any filesystem server's equivalent)
// into POSIX stat-shaped wire form (spec §4.2.6 stat).
type StatResponse struct {
	Type                              uint16
	Owner, Group, Permissions         uint16
	Size                              uint64
	CreateTime, ModTime, AccessTime   uint64
}

func (m *StatResponse) Marshal() []byte {
	buf := make([]byte, 2+2+2+2+8+8+8+8)
	binary.LittleEndian.PutUint16(buf[0:2], m.Type)
	binary.LittleEndian.PutUint16(buf[2:4], m.Owner)
	binary.LittleEndian.PutUint16(buf[4:6], m.Group)
	binary.LittleEndian.PutUint16(buf[6:8], m.Permissions)
	binary.LittleEndian.PutUint64(buf[8:16], m.Size)
	binary.LittleEndian.PutUint64(buf[16:24], m.CreateTime)
	binary.LittleEndian.PutUint64(buf[24:32], m.ModTime)
	binary.LittleEndian.PutUint64(buf[32:40], m.AccessTime)
	return buf
}

func (m *StatResponse) Unmarshal(buf []byte) error {
	if len(buf) < 40 {
		return fmt.Errorf("wire: stat response truncated")
	}
	m.Type = binary.LittleEndian.Uint16(buf[0:2])
	m.Owner = binary.LittleEndian.Uint16(buf[2:4])
	m.Group = binary.LittleEndian.Uint16(buf[4:6])
	m.Permissions = binary.LittleEndian.Uint16(buf[6:8])
	m.Size = binary.LittleEndian.Uint64(buf[8:16])
	m.CreateTime = binary.LittleEndian.Uint64(buf[16:24])
	m.ModTime = binary.LittleEndian.Uint64(buf[24:32])
	m.AccessTime = binary.LittleEndian.Uint64(buf[32:40])
	return nil
}

// StatvfsResponse is the STATVFS response body (spec §4.2.9).
type StatvfsResponse struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	VolumeName  string
}

func (m *StatvfsResponse) Marshal() []byte {
	buf := make([]byte, 4+8+8)
	binary.LittleEndian.PutUint32(buf[0:4], m.BlockSize)
	binary.LittleEndian.PutUint64(buf[4:12], m.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[12:20], m.FreeBlocks)
	return putString(buf, m.VolumeName)
}

func (m *StatvfsResponse) Unmarshal(buf []byte) error {
	if len(buf) < 20 {
		return fmt.Errorf("wire: statvfs response truncated")
	}
	m.BlockSize = binary.LittleEndian.Uint32(buf[0:4])
	m.TotalBlocks = binary.LittleEndian.Uint64(buf[4:12])
	m.FreeBlocks = binary.LittleEndian.Uint64(buf[12:20])
	name, _, err := getString(buf[20:])
	if err != nil {
		return err
	}
	m.VolumeName = name
	return nil
}

// LinkRequest is LINK's request body (spec §4.2.8).
type LinkRequest struct {
	OldPath, NewPath string
}

func (m *LinkRequest) Marshal() []byte {
	buf := putString(nil, m.OldPath)
	return putString(buf, m.NewPath)
}

func (m *LinkRequest) Unmarshal(buf []byte) error {
	old, rest, err := getString(buf)
	if err != nil {
		return err
	}
	newp, _, err := getString(rest)
	if err != nil {
		return err
	}
	m.OldPath, m.NewPath = old, newp
	return nil
}

// SymlinkRequest is SYMLINK's request body.
type SymlinkRequest struct {
	Target, Path string
}

func (m *SymlinkRequest) Marshal() []byte {
	buf := putString(nil, m.Target)
	return putString(buf, m.Path)
}

func (m *SymlinkRequest) Unmarshal(buf []byte) error {
	target, rest, err := getString(buf)
	if err != nil {
		return err
	}
	path, _, err := getString(rest)
	if err != nil {
		return err
	}
	m.Target, m.Path = target, path
	return nil
}

// ChmodRequest is CHMOD's request body. CallerUID/CallerGID carry the
// identity of the process issuing the call (spec §4.2.6: "only the owner may
// set mode"), distinct from any Owner/Group field a request sets on the
// target entry.
type ChmodRequest struct {
	Path                 string
	Perms                uint16
	CallerUID, CallerGID uint16
}

func (m *ChmodRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 6)
	binary.LittleEndian.PutUint16(tail[0:2], m.Perms)
	binary.LittleEndian.PutUint16(tail[2:4], m.CallerUID)
	binary.LittleEndian.PutUint16(tail[4:6], m.CallerGID)
	return append(buf, tail...)
}

func (m *ChmodRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 6 {
		return fmt.Errorf("wire: chmod request truncated")
	}
	m.Path = p
	m.Perms = binary.LittleEndian.Uint16(rest[0:2])
	m.CallerUID = binary.LittleEndian.Uint16(rest[2:4])
	m.CallerGID = binary.LittleEndian.Uint16(rest[4:6])
	return nil
}

// ChownRequest is CHOWN's request body. CallerUID/CallerGID are the calling
// process's identity (spec §4.2.6: "only the owner may set uid/gid"); Owner
// and Group are the new ownership being requested.
type ChownRequest struct {
	Path                 string
	Owner, Group         uint16
	CallerUID, CallerGID uint16
}

func (m *ChownRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint16(tail[0:2], m.Owner)
	binary.LittleEndian.PutUint16(tail[2:4], m.Group)
	binary.LittleEndian.PutUint16(tail[4:6], m.CallerUID)
	binary.LittleEndian.PutUint16(tail[6:8], m.CallerGID)
	return append(buf, tail...)
}

func (m *ChownRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 8 {
		return fmt.Errorf("wire: chown request truncated")
	}
	m.Path = p
	m.Owner = binary.LittleEndian.Uint16(rest[0:2])
	m.Group = binary.LittleEndian.Uint16(rest[2:4])
	m.CallerUID = binary.LittleEndian.Uint16(rest[4:6])
	m.CallerGID = binary.LittleEndian.Uint16(rest[6:8])
	return nil
}

// UtimeRequest is UTIME's request body. CallerUID/CallerGID let the handler
// apply spec §4.2.6's utime rule ("owner, or group member with group-write,
// or world-write").
type UtimeRequest struct {
	Path                 string
	Atime, Mtime         uint64
	CallerUID, CallerGID uint16
}

func (m *UtimeRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 20)
	binary.LittleEndian.PutUint64(tail[0:8], m.Atime)
	binary.LittleEndian.PutUint64(tail[8:16], m.Mtime)
	binary.LittleEndian.PutUint16(tail[16:18], m.CallerUID)
	binary.LittleEndian.PutUint16(tail[18:20], m.CallerGID)
	return append(buf, tail...)
}

func (m *UtimeRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 20 {
		return fmt.Errorf("wire: utime request truncated")
	}
	m.Path = p
	m.Atime = binary.LittleEndian.Uint64(rest[0:8])
	m.Mtime = binary.LittleEndian.Uint64(rest[8:16])
	m.CallerUID = binary.LittleEndian.Uint16(rest[16:18])
	m.CallerGID = binary.LittleEndian.Uint16(rest[18:20])
	return nil
}

// OpendirRequest is OPENDIR's request body. Unlike the other path-only
// operations sharing PathRequest, opendir must check execute permission
// against the caller's identity (spec §4.2.6), so it carries its own.
type OpendirRequest struct {
	Path                 string
	CallerUID, CallerGID uint16
}

func (m *OpendirRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 4)
	binary.LittleEndian.PutUint16(tail[0:2], m.CallerUID)
	binary.LittleEndian.PutUint16(tail[2:4], m.CallerGID)
	return append(buf, tail...)
}

func (m *OpendirRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return fmt.Errorf("wire: opendir request truncated")
	}
	m.Path = p
	m.CallerUID = binary.LittleEndian.Uint16(rest[0:2])
	m.CallerGID = binary.LittleEndian.Uint16(rest[2:4])
	return nil
}

// ReaddirRequest is READDIR's request body (spec §4.2.6: "returns entries
// by index").
type ReaddirRequest struct {
	Path  string
	Index int
}

func (m *ReaddirRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint64(tail, uint64(m.Index))
	return append(buf, tail...)
}

func (m *ReaddirRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 8 {
		return fmt.Errorf("wire: readdir request truncated")
	}
	m.Path = p
	m.Index = int(binary.LittleEndian.Uint64(rest[0:8]))
	return nil
}

// IoctlRequest is IOCTL's request body (spec §4.1: "ioctl is valid only
// when the resolved type is the device-file namespace server").
type IoctlRequest struct {
	Path    string
	Request uint32
	Arg     []byte
}

func (m *IoctlRequest) Marshal() []byte {
	buf := putString(nil, m.Path)
	reqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBuf, m.Request)
	buf = append(buf, reqBuf...)
	return append(buf, m.Arg...)
}

func (m *IoctlRequest) Unmarshal(buf []byte) error {
	p, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return fmt.Errorf("wire: ioctl request truncated")
	}
	m.Path = p
	m.Request = binary.LittleEndian.Uint32(rest[0:4])
	m.Arg = append([]byte(nil), rest[4:]...)
	return nil
}

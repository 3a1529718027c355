// Package wire defines the fixed-size message envelope (spec §3.1) shared by
// every socket in the I/O plane, the opcode table (spec §6.2), and the
// bit-exact on-disk layouts of LXFS (spec §3.4). Field order, width and
// padding are asserted by the tests in this package, per the "raw
// struct-over-wire" design note (spec §9): every wire type here is an
// explicit, size-asserted layout rather than a Go struct handed to an
// encoder that might reorder or pad it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies a message's purpose on the wire (spec §6.2).
type Opcode uint16

const (
	OpLog            Opcode = 0x0000
	OpFramebuffer    Opcode = 0x0007
	OpStat           Opcode = 0x8000
	OpMount          Opcode = 0x8002
	OpOpen           Opcode = 0x8004
	OpRead           Opcode = 0x8005
	OpWrite          Opcode = 0x8006
	OpIoctl          Opcode = 0x8007
	OpOpendir        Opcode = 0x8008
	OpReaddir        Opcode = 0x8009
	OpChmod          Opcode = 0x800A
	OpChown          Opcode = 0x800B
	OpLink           Opcode = 0x800C
	OpMkdir          Opcode = 0x800D
	OpUtime          Opcode = 0x800E
	OpMmap           Opcode = 0x800F
	OpUnlink         Opcode = 0x8010
	OpSymlink        Opcode = 0x8011
	OpReadlink       Opcode = 0x8012
	OpFsync          Opcode = 0x8013
	OpStatvfs        Opcode = 0x8014
	OpDevfsRegister  Opcode = 0xD000
	OpDevfsChstat    Opcode = 0xD003
	OpSDevRegister   Opcode = 0xE001
	OpSDevRead       Opcode = 0xE003
	OpSDevWrite      Opcode = 0xE004
	OpVFSInit        Opcode = 0xFFFF
)

func (op Opcode) String() string {
	switch op {
	case OpLog:
		return "LOG"
	case OpFramebuffer:
		return "FRAMEBUFFER"
	case OpStat:
		return "STAT"
	case OpMount:
		return "MOUNT"
	case OpOpen:
		return "OPEN"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpIoctl:
		return "IOCTL"
	case OpOpendir:
		return "OPENDIR"
	case OpReaddir:
		return "READDIR"
	case OpChmod:
		return "CHMOD"
	case OpChown:
		return "CHOWN"
	case OpLink:
		return "LINK"
	case OpMkdir:
		return "MKDIR"
	case OpUtime:
		return "UTIME"
	case OpMmap:
		return "MMAP"
	case OpUnlink:
		return "UNLINK"
	case OpSymlink:
		return "SYMLINK"
	case OpReadlink:
		return "READLINK"
	case OpFsync:
		return "FSYNC"
	case OpStatvfs:
		return "STATVFS"
	case OpDevfsRegister:
		return "DEVFS_REGISTER"
	case OpDevfsChstat:
		return "DEVFS_CHSTAT"
	case OpSDevRegister:
		return "SDEV_REGISTER"
	case OpSDevRead:
		return "SDEV_READ"
	case OpSDevWrite:
		return "SDEV_WRITE"
	case OpVFSInit:
		return "VFS_INIT"
	default:
		return fmt.Sprintf("opcode(0x%04x)", uint16(op))
	}
}

// EnvelopeSize is the fixed, on-wire size in bytes of Envelope (spec §3.1):
// 2+2+1(padded to 8)+8+8+8 = 32 bytes, one requester field included.
const EnvelopeSize = 32

// Envelope is the fixed header present on every message exchanged between
// kernel, supervisor, VFS router, filesystem servers and drivers (spec
// §3.1). Syscall messages append a correlating 64-bit ID after the envelope
// (see SyscallHeader).
type Envelope struct {
	Command   Opcode
	Length    uint16
	Response  bool
	Latency   uint64
	Status    int64
	Requester uint64
}

// Marshal writes the envelope in its fixed, little-endian, 32-byte wire
// form.
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, EnvelopeSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Command))
	binary.LittleEndian.PutUint16(buf[2:4], e.Length)
	if e.Response {
		buf[4] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:16], e.Latency)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Status))
	binary.LittleEndian.PutUint64(buf[24:32], e.Requester)
	return buf
}

// Unmarshal parses a 32-byte envelope from buf.
func (e *Envelope) Unmarshal(buf []byte) error {
	if len(buf) < EnvelopeSize {
		return io.ErrUnexpectedEOF
	}
	e.Command = Opcode(binary.LittleEndian.Uint16(buf[0:2]))
	e.Length = binary.LittleEndian.Uint16(buf[2:4])
	e.Response = buf[4] != 0
	e.Latency = binary.LittleEndian.Uint64(buf[8:16])
	e.Status = int64(binary.LittleEndian.Uint64(buf[16:24]))
	e.Requester = binary.LittleEndian.Uint64(buf[24:32])
	return nil
}

// SyscallHeaderSize is EnvelopeSize plus the 64-bit correlation ID appended
// to every syscall message (spec §3.1).
const SyscallHeaderSize = EnvelopeSize + 8

// SyscallHeader is the envelope plus the correlation ID used on every
// kernel<->VFS<->filesystem-server syscall message.
type SyscallHeader struct {
	Envelope
	ID uint64
}

func (h *SyscallHeader) Marshal() []byte {
	buf := make([]byte, SyscallHeaderSize)
	copy(buf, h.Envelope.Marshal())
	binary.LittleEndian.PutUint64(buf[EnvelopeSize:], h.ID)
	return buf
}

func (h *SyscallHeader) Unmarshal(buf []byte) error {
	if len(buf) < SyscallHeaderSize {
		return io.ErrUnexpectedEOF
	}
	if err := h.Envelope.Unmarshal(buf); err != nil {
		return err
	}
	h.ID = binary.LittleEndian.Uint64(buf[EnvelopeSize:])
	return nil
}

package wire

import (
	"encoding/binary"
	"fmt"
)

// Control messages carry the handful of fields each control-plane opcode
// needs (VFS_INIT, MOUNT, SDEV_REGISTER, DEVFS_REGISTER, DEVFS_CHSTAT).
// Per the "raw struct-over-wire" design note (spec §9), each gets an
// explicit, length-prefixed layout rather than a reflection-based encoder;
// strings are encoded as a uint16 length followed by their bytes (unlike
// DirEntry's NUL-terminated name field, spec §3.4).

func putString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("wire: control message truncated (string length)")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("wire: control message truncated (string body)")
	}
	return string(buf[:n]), buf[n:], nil
}

// VFSInitMessage is the type-advertisement a filesystem server sends to the
// VFS router at startup (spec §6.2 VFS_INIT, §3.3 "populated by a
// type-advertisement message sent by each filesystem server at startup").
type VFSInitMessage struct {
	FSType string // e.g. "lxfs", "devfs"
	Server string // transport name of the advertising server
}

func (m *VFSInitMessage) Marshal() []byte {
	buf := putString(nil, m.FSType)
	return putString(buf, m.Server)
}

func (m *VFSInitMessage) Unmarshal(buf []byte) error {
	fsType, rest, err := getString(buf)
	if err != nil {
		return err
	}
	server, _, err := getString(rest)
	if err != nil {
		return err
	}
	m.FSType, m.Server = fsType, server
	return nil
}

// MountMessage is the kernel->vfs->fs MOUNT request/response payload (spec
// §3.2, §4.1).
type MountMessage struct {
	DevicePath string
	MountPath  string
	FSType     string
	Flags      uint32
}

func (m *MountMessage) Marshal() []byte {
	buf := putString(nil, m.DevicePath)
	buf = putString(buf, m.MountPath)
	buf = putString(buf, m.FSType)
	var flagsBuf [4]byte
	binary.LittleEndian.PutUint32(flagsBuf[:], m.Flags)
	return append(buf, flagsBuf[:]...)
}

func (m *MountMessage) Unmarshal(buf []byte) error {
	dev, rest, err := getString(buf)
	if err != nil {
		return err
	}
	mnt, rest, err := getString(rest)
	if err != nil {
		return err
	}
	fstype, rest, err := getString(rest)
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return fmt.Errorf("wire: mount message truncated (flags)")
	}
	m.DevicePath, m.MountPath, m.FSType = dev, mnt, fstype
	m.Flags = binary.LittleEndian.Uint32(rest[0:4])
	return nil
}

// SDevRegisterMessage is a hardware driver's SDEV_REGISTER announcement
// (spec §4.3 Registration: "naming itself, the device ID, the total size
// in sectors, the sector size in bytes, and whether the device is
// partitioned").
type SDevRegisterMessage struct {
	DriverServer string // transport name SDEV dials back for SDEV_READ/WRITE
	DeviceID     uint32
	Sectors      uint64
	SectorSize   uint32
	Partitioned  bool
}

func (m *SDevRegisterMessage) Marshal() []byte {
	buf := putString(nil, m.DriverServer)
	tail := make([]byte, 4+8+4+1)
	binary.LittleEndian.PutUint32(tail[0:4], m.DeviceID)
	binary.LittleEndian.PutUint64(tail[4:12], m.Sectors)
	binary.LittleEndian.PutUint32(tail[12:16], m.SectorSize)
	if m.Partitioned {
		tail[16] = 1
	}
	return append(buf, tail...)
}

func (m *SDevRegisterMessage) Unmarshal(buf []byte) error {
	name, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 17 {
		return fmt.Errorf("wire: sdev register message truncated")
	}
	m.DriverServer = name
	m.DeviceID = binary.LittleEndian.Uint32(rest[0:4])
	m.Sectors = binary.LittleEndian.Uint64(rest[4:12])
	m.SectorSize = binary.LittleEndian.Uint32(rest[12:16])
	m.Partitioned = rest[16] != 0
	return nil
}

// SDevIORequest is the SDEV_READ/SDEV_WRITE request payload (spec §4.3:
// "composes an SDEV_READ with start = position, count = length, device =
// deviceID").
type SDevIORequest struct {
	DeviceID uint32
	Start    uint64
	Count    uint64
	Data     []byte // present on SDEV_WRITE, empty on SDEV_READ
}

func (m *SDevIORequest) Marshal() []byte {
	buf := make([]byte, 4+8+8)
	binary.LittleEndian.PutUint32(buf[0:4], m.DeviceID)
	binary.LittleEndian.PutUint64(buf[4:12], m.Start)
	binary.LittleEndian.PutUint64(buf[12:20], m.Count)
	return append(buf, m.Data...)
}

func (m *SDevIORequest) Unmarshal(buf []byte) error {
	if len(buf) < 20 {
		return fmt.Errorf("wire: sdev io request truncated")
	}
	m.DeviceID = binary.LittleEndian.Uint32(buf[0:4])
	m.Start = binary.LittleEndian.Uint64(buf[4:12])
	m.Count = binary.LittleEndian.Uint64(buf[12:20])
	m.Data = append([]byte(nil), buf[20:]...)
	return nil
}

// DevfsRegisterMessage is a device driver's DEVFS_REGISTER announcement
// (spec §6.2, 0xD000).
type DevfsRegisterMessage struct {
	Name        string
	DriverName  string
	Permissions uint16
	Size        uint64
	BlockSize   uint32
	IsBlock     bool
}

func (m *DevfsRegisterMessage) Marshal() []byte {
	buf := putString(nil, m.Name)
	buf = putString(buf, m.DriverName)
	tail := make([]byte, 2+8+4+1)
	binary.LittleEndian.PutUint16(tail[0:2], m.Permissions)
	binary.LittleEndian.PutUint64(tail[2:10], m.Size)
	binary.LittleEndian.PutUint32(tail[10:14], m.BlockSize)
	if m.IsBlock {
		tail[14] = 1
	}
	return append(buf, tail...)
}

func (m *DevfsRegisterMessage) Unmarshal(buf []byte) error {
	name, rest, err := getString(buf)
	if err != nil {
		return err
	}
	driver, rest, err := getString(rest)
	if err != nil {
		return err
	}
	if len(rest) < 15 {
		return fmt.Errorf("wire: devfs register message truncated")
	}
	m.Name, m.DriverName = name, driver
	m.Permissions = binary.LittleEndian.Uint16(rest[0:2])
	m.Size = binary.LittleEndian.Uint64(rest[2:10])
	m.BlockSize = binary.LittleEndian.Uint32(rest[10:14])
	m.IsBlock = rest[14] != 0
	return nil
}

// DevfsChstatMessage is the DEVFS_CHSTAT payload (spec §6.2, 0xD003; §4.6
// grantpt).
type DevfsChstatMessage struct {
	Name        string
	Owner       uint16
	Group       uint16
	Permissions uint16
}

func (m *DevfsChstatMessage) Marshal() []byte {
	buf := putString(nil, m.Name)
	tail := make([]byte, 6)
	binary.LittleEndian.PutUint16(tail[0:2], m.Owner)
	binary.LittleEndian.PutUint16(tail[2:4], m.Group)
	binary.LittleEndian.PutUint16(tail[4:6], m.Permissions)
	return append(buf, tail...)
}

func (m *DevfsChstatMessage) Unmarshal(buf []byte) error {
	name, rest, err := getString(buf)
	if err != nil {
		return err
	}
	if len(rest) < 6 {
		return fmt.Errorf("wire: devfs chstat message truncated")
	}
	m.Name = name
	m.Owner = binary.LittleEndian.Uint16(rest[0:2])
	m.Group = binary.LittleEndian.Uint16(rest[2:4])
	m.Permissions = binary.LittleEndian.Uint16(rest[4:6])
	return nil
}

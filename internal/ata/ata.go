// Package ata implements the ATA/IDE PIO hardware driver (spec §4.4):
// IDENTIFY, LBA28/LBA48 addressing selection, and polled sector transfer
// with wall-clock deadlines. It is grounded on the original luxOS ide
// driver's port-register sequencing (original_source/devices/sdev/ide),
// reworked from direct inb/outb port access into a Ports seam so the state
// machine is unit-testable, the same way a protocol state machine is kept
// separate from the channel carrying it.
package ata

import (
	"time"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// Register offsets, relative to a channel's I/O port base (spec §4.4;
// original_source/devices/sdev/ide/src/include/ide/ide.h).
const (
	RegSectorCount   = 0x02
	RegLBALow        = 0x03
	RegLBAMid        = 0x04
	RegLBAHigh       = 0x05
	RegDriveSelect   = 0x06
	RegCommandStatus = 0x07
)

// Commands.
const (
	CmdIdentify = 0xEC
	CmdRead28   = 0x20
	CmdRead48   = 0x24
	CmdWrite28  = 0x30
	CmdWrite48  = 0x34
	CmdFlush28  = 0xE7
	CmdFlush48  = 0xEA
)

// Status bits.
const (
	StatusBusy        = 0x80
	StatusDriveFault  = 0x20
	StatusDataRequest = 0x08
	StatusError       = 0x01
)

// Capability bits used to derive addressing mode (spec §4.4 step 8).
const (
	Cap3LBA28    = 0x0040
	CmdCap2LBA48 = 0x0400
	CmdCap5LBA48 = 0x0400
)

// identifyPollBudget bounds IDENTIFY's BUSY/DRQ polling loops in yields, not
// wall-clock time (original_source's IDENTIFY_TIMEOUT constant, 20).
const identifyPollBudget = 20

// ReadTimeout and WriteTimeout are the wall-clock deadlines for sector
// transfer polling (spec §4.4: "20s for reads, 40s for writes").
const (
	ReadTimeout  = 20 * time.Second
	WriteTimeout = 40 * time.Second
)

// Ports abstracts the 8/16-bit port I/O a channel uses, so the driver state
// machine can be exercised without real hardware.
type Ports interface {
	Out8(offset uint16, v uint8)
	In8(offset uint16) uint8
	// Data transfers address the channel's base port directly (offset 0),
	// 16 bits at a time.
	In16Data() uint16
	Out16Data(v uint16)
	// Yield cooperatively hands off to the scheduler during a poll loop
	// (sched_yield() in the original).
	Yield()
}

// Device holds one (channel, drive) pair's identify results and derived
// addressing capabilities.
type Device struct {
	Channel    int
	Drive      int
	Model      string
	Serial     string
	SectorSize int
	Sectors    uint64
	LBA28      bool
	LBA48      bool
}

// Identify runs the IDENTIFY sequence on ports for the given drive select
// bit (spec §4.4 steps 1-9).
func Identify(ports Ports, channel, drive int) (*Device, error) {
	ports.Out8(RegDriveSelect, 0xA0|uint8((drive&1)<<4))
	ports.Out8(RegSectorCount, 0)
	ports.Out8(RegLBALow, 0)
	ports.Out8(RegLBAMid, 0)
	ports.Out8(RegLBAHigh, 0)
	ports.Out8(RegCommandStatus, CmdIdentify)

	status := ports.In8(RegCommandStatus)
	if status == 0x00 || status == 0xFF {
		return nil, errno.New("ata.identify", "", errno.ENODEV)
	}
	if ports.In8(RegLBAHigh) == 0xEB {
		return nil, errno.New("ata.identify", "", errno.ENODEV) // ATAPI, unsupported
	}

	for i := 0; ; i++ {
		if ports.In8(RegCommandStatus)&StatusBusy == 0 {
			break
		}
		if i >= identifyPollBudget {
			return nil, errno.New("ata.identify", "", errno.EIO)
		}
		ports.Yield()
	}
	for i := 0; ; i++ {
		s := ports.In8(RegCommandStatus)
		if s&StatusDataRequest != 0 {
			break
		}
		if s&(StatusDriveFault|StatusError) != 0 {
			return nil, errno.New("ata.identify", "", errno.EIO)
		}
		if i >= identifyPollBudget {
			return nil, errno.New("ata.identify", "", errno.EIO)
		}
		ports.Yield()
	}

	raw := make([]uint16, 256)
	for i := range raw {
		raw[i] = ports.In16Data()
	}

	dev := &Device{Channel: channel, Drive: drive}
	dev.Model = fixEndianString(raw[27:47])
	dev.Serial = fixEndianString(raw[10:20])

	cap3 := raw[76]
	cmdCap2 := raw[83]
	cmdCap5 := raw[86]
	// Intentionally inverted per spec §9/original source: LBA28 capability
	// is reported TRUE when the capability bit is ABSENT. This is preserved
	// bit-for-bit rather than corrected, because the original firmware
	// interop this driver targets has this exact (mis)reading baked into
	// every deployed image; "fixing" it here would silently change which
	// drives this driver treats as LBA28-capable.
	dev.LBA28 = cap3&Cap3LBA28 == 0
	dev.LBA48 = (cmdCap2|cmdCap5)&CmdCap2LBA48 != 0

	logicalSectorSize := uint32(raw[117]) | uint32(raw[118])<<16
	dev.SectorSize = 512
	if logicalSectorSize != 0 {
		dev.SectorSize = int(logicalSectorSize) * 2
	}

	size28 := uint32(raw[60]) | uint32(raw[61])<<16
	size48 := uint64(raw[100]) | uint64(raw[101])<<16 | uint64(raw[102])<<32 | uint64(raw[103])<<48
	if dev.LBA48 {
		dev.Sectors = size48
	} else {
		dev.Sectors = uint64(size28)
	}

	if !dev.LBA28 && !dev.LBA48 {
		return nil, errno.New("ata.identify", "", errno.ENODEV)
	}
	return dev, nil
}

// fixEndianString swaps each pair of bytes in the identify-block words
// (each uint16 stores its two characters byte-swapped, spec §4.4 step 7)
// and trims at the first double space.
func fixEndianString(words []uint16) string {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		buf[i*2] = byte(w >> 8)
		buf[i*2+1] = byte(w)
	}
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == ' ' && buf[i+1] == ' ' {
			buf = buf[:i]
			break
		}
	}
	return string(trimRight(buf))
}

func trimRight(b []byte) []byte {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	return b[:i]
}

// selectDrive writes the drive-select, LBA and sector-count registers
// (spec §4.4: "for LBA48, the high bytes must be written before the low
// bytes").
func selectDrive(ports Ports, using48 bool, drive int, lba uint64, count uint16) {
	selector := uint8((drive & 1) << 4)
	if !using48 {
		selector |= 0xE0 | uint8((lba>>24)&0x0F)
	} else {
		selector |= 0x40
	}
	ports.Out8(RegDriveSelect, selector)

	if using48 {
		ports.Out8(RegSectorCount, uint8(count>>8))
		ports.Out8(RegLBALow, uint8(lba>>24))
		ports.Out8(RegLBAMid, uint8(lba>>32))
		ports.Out8(RegLBAHigh, uint8(lba>>40))
	}
	ports.Out8(RegSectorCount, uint8(count))
	ports.Out8(RegLBALow, uint8(lba))
	ports.Out8(RegLBAMid, uint8(lba>>8))
	ports.Out8(RegLBAHigh, uint8(lba>>16))
}

// chooseAddressing implements "prefer LBA28 unless lba >= 2^28 or the drive
// is LBA28-incapable" (spec §4.4 Read/Write path), returning an error if
// neither mode can address the request.
func chooseAddressing(dev *Device, lba uint64) (using48 bool, err error) {
	using48 = lba >= (1<<28) || !dev.LBA28
	if using48 && !dev.LBA48 {
		return false, errno.New("ata.rw", "", errno.EIO)
	}
	return using48, nil
}

// pollDeadline polls fn (returns done, failed) until done/failed or
// deadline, yielding between attempts.
func pollDeadline(ports Ports, deadline time.Time, fn func() (done, failed bool)) error {
	for {
		done, failed := fn()
		if failed {
			return errno.New("ata.poll", "", errno.EIO)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errno.New("ata.poll", "", errno.EIO)
		}
		ports.Yield()
	}
}

// ReadSectors transfers count sectors starting at lba into a freshly
// allocated buffer (spec §4.4 Read/Write path).
func ReadSectors(ports Ports, dev *Device, lba uint64, count uint16) ([]byte, error) {
	if count == 0 {
		return nil, errno.New("ata.read", "", errno.EINVAL)
	}
	if lba+uint64(count) >= dev.Sectors {
		return nil, errno.New("ata.read", "", errno.EIO)
	}
	using48, err := chooseAddressing(dev, lba)
	if err != nil {
		return nil, err
	}
	selectDrive(ports, using48, dev.Drive, lba, count)
	if using48 {
		ports.Out8(RegCommandStatus, CmdRead48)
	} else {
		ports.Out8(RegCommandStatus, CmdRead28)
	}

	status := ports.In8(RegCommandStatus)
	if status == 0x00 || status == 0xFF {
		return nil, errno.New("ata.read", "", errno.EIO)
	}

	out := make([]byte, int(count)*dev.SectorSize)
	deadline := time.Now().Add(ReadTimeout)
	for sector := 0; sector < int(count); sector++ {
		if err := pollDeadline(ports, deadline, func() (bool, bool) {
			s := ports.In8(RegCommandStatus)
			return s&StatusBusy == 0, false
		}); err != nil {
			return nil, err
		}
		if err := pollDeadline(ports, deadline, func() (bool, bool) {
			s := ports.In8(RegCommandStatus)
			if s&(StatusError|StatusDriveFault) != 0 {
				return false, true
			}
			return s&StatusDataRequest != 0, false
		}); err != nil {
			return nil, err
		}
		words := dev.SectorSize / 2
		base := sector * dev.SectorSize
		for i := 0; i < words; i++ {
			w := ports.In16Data()
			out[base+i*2] = byte(w)
			out[base+i*2+1] = byte(w >> 8)
		}
	}
	return out, nil
}

// WriteSectors writes data (a multiple of dev.SectorSize) starting at lba,
// followed by a FLUSH with its own deadline.
func WriteSectors(ports Ports, dev *Device, lba uint64, data []byte) error {
	if len(data) == 0 || len(data)%dev.SectorSize != 0 {
		return errno.New("ata.write", "", errno.EIO)
	}
	count := uint16(len(data) / dev.SectorSize)
	if lba+uint64(count) >= dev.Sectors {
		return errno.New("ata.write", "", errno.EIO)
	}
	using48, err := chooseAddressing(dev, lba)
	if err != nil {
		return err
	}
	selectDrive(ports, using48, dev.Drive, lba, count)
	if using48 {
		ports.Out8(RegCommandStatus, CmdWrite48)
	} else {
		ports.Out8(RegCommandStatus, CmdWrite28)
	}

	status := ports.In8(RegCommandStatus)
	if status == 0x00 || status == 0xFF {
		return errno.New("ata.write", "", errno.EIO)
	}

	deadline := time.Now().Add(WriteTimeout)
	for sector := 0; sector < int(count); sector++ {
		if err := pollDeadline(ports, deadline, func() (bool, bool) {
			s := ports.In8(RegCommandStatus)
			return s&StatusBusy == 0, false
		}); err != nil {
			return err
		}
		if err := pollDeadline(ports, deadline, func() (bool, bool) {
			s := ports.In8(RegCommandStatus)
			if s&(StatusError|StatusDriveFault) != 0 {
				return false, true
			}
			return s&StatusDataRequest != 0, false
		}); err != nil {
			return err
		}
		words := dev.SectorSize / 2
		base := sector * dev.SectorSize
		for i := 0; i < words; i++ {
			w := uint16(data[base+i*2]) | uint16(data[base+i*2+1])<<8
			ports.Out16Data(w)
		}
	}

	if using48 {
		ports.Out8(RegCommandStatus, CmdFlush48)
	} else {
		ports.Out8(RegCommandStatus, CmdFlush28)
	}
	flushDeadline := time.Now().Add(WriteTimeout)
	return pollDeadline(ports, flushDeadline, func() (bool, bool) {
		s := ports.In8(RegCommandStatus)
		if s&(StatusError|StatusDriveFault) != 0 {
			return false, true
		}
		return s&StatusBusy == 0, false
	})
}

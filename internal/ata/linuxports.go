//go:build linux

package ata

import (
	"os"
	"runtime"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// LinuxPorts implements Ports against the real ATA/IDE I/O port range via
// Linux's /dev/port device (spec §6.5: "Primary: base 0x1F0 ... Secondary:
// 0x170"), the portable alternative to inline inb/outb assembly: port
// offsets are read and written through os.File's ReadAt/WriteAt rather than
// by linking a C helper.
type LinuxPorts struct {
	base uint16
	f    *os.File
}

// OpenLinuxPorts opens /dev/port for the channel based at base (0x1F0 or
// 0x170 per spec §6.5, or a BAR-derived base when the controller's prog-IF
// bit selects native mode).
func OpenLinuxPorts(base uint16) (*LinuxPorts, error) {
	f, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, errno.New("ata.ports.open", "/dev/port", errno.EIO)
	}
	return &LinuxPorts{base: base, f: f}, nil
}

func (p *LinuxPorts) Close() error { return p.f.Close() }

func (p *LinuxPorts) Out8(offset uint16, v uint8) {
	p.f.WriteAt([]byte{v}, int64(p.base+offset))
}

func (p *LinuxPorts) In8(offset uint16) uint8 {
	var buf [1]byte
	p.f.ReadAt(buf[:], int64(p.base+offset))
	return buf[0]
}

// In16Data and Out16Data address the channel's base port (offset 0) for
// 16-bit PIO data transfers (spec §4.4: "transfer sector_size/2 16-bit
// words via the data port").
func (p *LinuxPorts) In16Data() uint16 {
	var buf [2]byte
	p.f.ReadAt(buf[:], int64(p.base))
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (p *LinuxPorts) Out16Data(v uint16) {
	buf := [2]byte{byte(v), byte(v >> 8)}
	p.f.WriteAt(buf[:], int64(p.base))
}

// Yield hands off to the Go scheduler during a poll loop (spec §4.4/§5:
// "cooperative yield ... to wait for hardware readiness"), the portable
// equivalent of the original's sched_yield().
func (p *LinuxPorts) Yield() { runtime.Gosched() }

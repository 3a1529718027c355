//go:build linux

package nvme

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// LinuxMMIO maps a controller's BAR0 register window via /dev/mem (spec
// §4.5: "read BAR0 and BAR0 size; map MMIO"), using golang.org/x/sys/unix's
// Mmap for page-aligned mapping, generalized here from a regular file to
// the physical-memory device node.
type LinuxMMIO struct {
	f   *os.File
	mem []byte
}

// OpenLinuxMMIO maps size bytes of physical memory starting at phys.
func OpenLinuxMMIO(phys, size uint64) (*LinuxMMIO, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errno.New("nvme.mmio.open", "/dev/mem", errno.EIO)
	}
	mem, err := unix.Mmap(int(f.Fd()), int64(phys), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errno.New("nvme.mmio.map", "/dev/mem", errno.EIO)
	}
	return &LinuxMMIO{f: f, mem: mem}, nil
}

func (m *LinuxMMIO) Close() error {
	unix.Munmap(m.mem)
	return m.f.Close()
}

func (m *LinuxMMIO) Read32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(m.mem[off : off+4])
}

func (m *LinuxMMIO) Write32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.mem[off:off+4], v)
}

func (m *LinuxMMIO) Read64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(m.mem[off : off+8])
}

func (m *LinuxMMIO) Write64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(m.mem[off:off+8], v)
}

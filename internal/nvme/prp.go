package nvme

import "github.com/lux-operating-system/servers-sub000/internal/errno"

// VtoP translates a buffer's starting address into a (simulated) physical
// address; in this userspace implementation there is no real virtual
// memory layer below us, so callers supply one (identity mapping in tests,
// a real one in a privileged build). Must return 0 to signal "unmappable".
type VtoP func(buf []byte) uint64

// BuildPRP populates cmd's PRP1/PRP2 fields for a length-byte transfer
// starting at data, following the three cases in spec §4.5.1. prpTable
// receives the allocated PRP list bytes for the >=3-page case (nil
// otherwise) so a caller can hand it to whatever owns simulated DMA memory.
func BuildPRP(cmd *AdminCommand, vtop VtoP, pageSize int, data []byte, length int) (prpTable []byte, err error) {
	if pageSize <= 0 {
		return nil, errno.New("nvme.prp", "", errno.EINVAL)
	}
	pageCount := (length + pageSize - 1) / pageSize
	if pageCount == 0 {
		return nil, errno.New("nvme.prp", "", errno.EINVAL)
	}

	phys0 := vtop(data)
	if phys0 == 0 || phys0&3 != 0 {
		return nil, errno.New("nvme.prp", "", errno.EIO)
	}
	cmd.PRP1 = phys0

	switch {
	case pageCount == 1:
		cmd.PRP2 = 0
		return nil, nil

	case pageCount == 2:
		if len(data) < pageSize {
			return nil, errno.New("nvme.prp", "", errno.EIO)
		}
		phys1 := vtop(data[pageSize:])
		if phys1 == 0 {
			return nil, errno.New("nvme.prp", "", errno.EIO)
		}
		cmd.PRP2 = phys1 &^ uint64(pageSize-1) // offset bits cleared
		return nil, nil

	default:
		entries := pageCount - 1
		table := make([]byte, entries*8)
		for i := 1; i < pageCount; i++ {
			off := i * pageSize
			if off >= len(data) {
				return nil, errno.New("nvme.prp", "", errno.EIO)
			}
			phys := vtop(data[off:])
			if phys == 0 {
				return nil, errno.New("nvme.prp", "", errno.EIO)
			}
			phys &^= uint64(pageSize - 1)
			putUint64(table, (i-1)*8, phys)
		}
		tablePhys := vtop(table)
		if tablePhys == 0 {
			return nil, errno.New("nvme.prp", "", errno.EIO)
		}
		cmd.PRP2 = tablePhys
		return table, nil
	}
}

func putUint64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

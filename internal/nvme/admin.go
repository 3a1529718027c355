package nvme

import (
	"encoding/binary"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// IdentifyResult holds the fields this driver extracts from the controller
// identify structure (spec §4.5 Admin command flow).
type IdentifyResult struct {
	Serial     string
	Model      string
	Namespaces []uint32 // up to 1024 active NVM namespace IDs
}

// IdentifyController runs the admin command sequence: identify controller,
// then (if IOCSS is advertised) select an I/O command-set profile, then
// enumerate active namespaces (spec §4.5: "CNS=1 ... then CNS=0x1C ...
// then CNS=0x07").
//
// The original admin-identify routine's C source ends with an unconditional
// `while(1);` after a successful identify, so on real hardware the call
// that issues it never returns control to its caller even though the
// command itself completed — callers downstream never saw a success
// result. Spec §9 flags this as a defect requiring a decision rather than a
// port: here, a successful sequence returns its IdentifyResult and a nil
// error, same as any other admin command.
func IdentifyController(c *Controller, vtop VtoP, nextCommandID func() uint16, submit func(AdminCommand, []byte) (completionStatus int16, responseData []byte, err error)) (*IdentifyResult, error) {
	result := &IdentifyResult{}

	respBuf := make([]byte, c.PageSize)
	cmd := AdminCommand{Opcode: AdminOpIdentify, CommandID: nextCommandID(), CNS: CNSIdentifyController}
	if _, err := BuildPRP(&cmd, vtop, c.PageSize, respBuf, len(respBuf)); err != nil {
		return nil, err
	}
	status, data, err := submit(cmd, respBuf)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, errno.New("nvme.identify", "", errno.EIO)
	}
	result.Serial = trimSpaceRight(data[4:24])
	result.Model = trimSpaceRight(data[24:64])

	if c.Cap.NVMCommandSet { // IOCSS bit reuse: if the controller exposes it
		profileBuf := make([]byte, c.PageSize)
		cmd := AdminCommand{Opcode: AdminOpIdentify, CommandID: nextCommandID(), CNS: CNSCommandSets}
		if _, err := BuildPRP(&cmd, vtop, c.PageSize, profileBuf, len(profileBuf)); err != nil {
			return nil, err
		}
		status, profiles, err := submit(cmd, profileBuf)
		if err != nil {
			return nil, err
		}
		if status == 0 {
			profileIdx := firstNVMProfile(profiles)
			if profileIdx >= 0 {
				sf := AdminCommand{Opcode: AdminOpSetFeatures, CommandID: nextCommandID()}
				sf.NSID = uint32(profileIdx) // carries the FID/profile selector, simplified
				if _, _, err := submit(sf, nil); err != nil {
					return nil, err
				}
			}
		}
	}

	nsBuf := make([]byte, c.PageSize)
	cmd = AdminCommand{Opcode: AdminOpIdentify, CommandID: nextCommandID(), CNS: CNSActiveNamespaces}
	if _, err := BuildPRP(&cmd, vtop, c.PageSize, nsBuf, len(nsBuf)); err != nil {
		return nil, err
	}
	status, nsData, err := submit(cmd, nsBuf)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, errno.New("nvme.identify", "", errno.EIO)
	}
	for i := 0; i < 1024 && (i+1)*4 <= len(nsData); i++ {
		nsid := binary.LittleEndian.Uint32(nsData[i*4 : i*4+4])
		if nsid == 0 || nsid >= 0xFFFFFFFE {
			break
		}
		result.Namespaces = append(result.Namespaces, nsid)
	}
	return result, nil
}

func trimSpaceRight(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	return string(b[:i])
}

// firstNVMProfile picks the first command-set profile whose bitmask
// includes the NVM command set (bit 0), returning its index or -1.
func firstNVMProfile(profiles []byte) int {
	for i := 0; i+8 <= len(profiles); i += 8 {
		mask := binary.LittleEndian.Uint64(profiles[i : i+8])
		if mask&1 != 0 {
			return i / 8
		}
	}
	return -1
}

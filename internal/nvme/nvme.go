// Package nvme implements the NVMe hardware driver (spec §4.5): MMIO
// register layout, controller bring-up, PRP construction, the
// submission/completion queue-pair protocol and the admin command sequence.
// Grounded on the original luxOS nvme driver's register map and PRP builder
// (original_source/devices/sdev/nvme), reworked from raw MMIO pointer
// access into an MMIO seam so the bring-up and queue-pair state machines
// are unit-testable without real hardware.
package nvme

import (
	"encoding/binary"
	"time"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// Register offsets (spec §4.5; original_source/.../registers.h).
const (
	RegCAP     = 0x00
	RegVersion = 0x08
	RegConfig  = 0x14 // CC
	RegStatus  = 0x1C // CSTS
	RegAQA     = 0x24
	RegASQ     = 0x28
	RegACQ     = 0x30
	DoorbellBase = 0x1000
)

// CC (NVME_CONFIG) bit layout.
const (
	ConfigEnable      = 0x01
	ConfigCmdsNVM     = 0x00
	ConfigMPSShift    = 7
	ConfigSQESShift   = 16
	ConfigCQESShift   = 20
)

// CSTS (NVME_STATUS) bits.
const (
	StatusReady = 0x01
	StatusFatal = 0x02
)

// CAP bit layout.
const (
	CapNVMCmds     = 0x2000000000
	CapDSTRDShift  = 32
	CapDSTRDMask   = 0xF
	CapMPSMinShift = 48
	CapMPSMinMask  = 0xF
	CapMPSMaxShift = 52
	CapMPSMaxMask  = 0xF
)

// Admin opcodes and CNS values (spec §4.5).
const (
	AdminOpIdentify    = 0x06
	AdminOpSetFeatures = 0x09

	CNSIdentifyController = 1
	CNSCommandSets        = 0x1C
	CNSActiveNamespaces   = 0x07

	SetFeaturesCommandSetProfile = 0x19
)

// MMIO abstracts the memory-mapped register window over one controller.
type MMIO interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Capabilities is the decoded CAP register.
type Capabilities struct {
	MaxQueueEntries int
	DoorbellStride  uint32 // in units of 4 << DSTRD bytes
	NVMCommandSet   bool
	MPSMin, MPSMax  uint32 // log2(page size) - 12
}

func decodeCAP(raw uint64) Capabilities {
	return Capabilities{
		MaxQueueEntries: int(raw&0xFFFF) + 1,
		DoorbellStride:  uint32((raw >> CapDSTRDShift) & CapDSTRDMask),
		NVMCommandSet:   raw&CapNVMCmds != 0,
		MPSMin:          uint32((raw >> CapMPSMinShift) & CapMPSMinMask),
		MPSMax:          uint32((raw >> CapMPSMaxShift) & CapMPSMaxMask),
	}
}

// Controller is a bring-up and queue-pair state holder for one NVMe device.
type Controller struct {
	mmio     MMIO
	Cap      Capabilities
	PageSize int // bytes; 4096 << (chosen MPS value)

	asq, acq     []AdminCommand // backing "memory" for the admin queue pair (simulated)
	sqTail, cqHead uint32
	qsize        uint32
}

// readyTimeout bounds controller bring-up's CSTS.RDY poll.
const readyTimeout = 5 * time.Second

// Init brings up the controller per spec §4.5 Initialization: reject
// controllers lacking the NVM command set, disable, configure, program the
// admin queue registers, enable, and wait for CSTS.RDY.
func Init(mmio MMIO, adminQueueEntries int) (*Controller, error) {
	cap := decodeCAP(mmio.Read64(RegCAP))
	if !cap.NVMCommandSet {
		return nil, errno.New("nvme.init", "", errno.ENODEV)
	}

	// Disable the controller before reconfiguring (spec: "clear EN in CC").
	mmio.Write32(RegConfig, 0)
	deadline := time.Now().Add(readyTimeout)
	for mmio.Read32(RegStatus)&StatusReady != 0 {
		if time.Now().After(deadline) {
			return nil, errno.New("nvme.init", "", errno.EIO)
		}
	}

	mps := cap.MPSMax // largest supported page size, per spec
	pageSize := 4096 << mps

	cc := uint32(ConfigCmdsNVM)
	cc |= mps << ConfigMPSShift
	cc |= 6 << ConfigSQESShift // 64-byte submission entries: log2(64)=6
	cc |= 4 << ConfigCQESShift // 16-byte completion entries: log2(16)=4
	mmio.Write32(RegConfig, cc)

	if adminQueueEntries <= 0 || adminQueueEntries > cap.MaxQueueEntries {
		adminQueueEntries = 64
	}
	aqa := uint32(adminQueueEntries-1) | uint32(adminQueueEntries-1)<<16
	mmio.Write32(RegAQA, aqa)

	c := &Controller{mmio: mmio, Cap: cap, PageSize: pageSize, qsize: uint32(adminQueueEntries)}
	c.asq = make([]AdminCommand, adminQueueEntries)
	c.acq = make([]AdminCommand, adminQueueEntries)

	// ASQ/ACQ registers would hold the physical base address of the queue
	// memory on real hardware; the simulated queue pair here is addressed
	// purely in Go slices, so registers are written for protocol fidelity
	// but never read back.
	mmio.Write64(RegASQ, 0)
	mmio.Write64(RegACQ, 0)

	mmio.Write32(RegConfig, cc|ConfigEnable)
	deadline = time.Now().Add(readyTimeout)
	for mmio.Read32(RegStatus)&StatusReady == 0 {
		if mmio.Read32(RegStatus)&StatusFatal != 0 {
			return nil, errno.New("nvme.init", "", errno.EIO)
		}
		if time.Now().After(deadline) {
			return nil, errno.New("nvme.init", "", errno.EIO)
		}
	}
	return c, nil
}

// SubmissionDoorbell and CompletionDoorbell compute a queue pair's doorbell
// register offsets (spec §4.5.2): "0x1000 + (2q)*(4<<DSTRD)" and
// "0x1000 + (2q+1)*(4<<DSTRD)".
func (c *Controller) SubmissionDoorbell(q uint32) uint32 {
	return DoorbellBase + (2*q)*(4<<c.Cap.DoorbellStride)
}

func (c *Controller) CompletionDoorbell(q uint32) uint32 {
	return DoorbellBase + (2*q+1)*(4<<c.Cap.DoorbellStride)
}

// AdminCommand is the 64-byte admin/IO submission entry (spec §4.5: "byte 0
// = opcode; bytes 2-3 = command ID; PRP fields; CNS/CSI in dwords 10/11").
type AdminCommand struct {
	Opcode    uint8
	CommandID uint16
	NSID      uint32
	PRP1      uint64
	PRP2      uint64
	CNS       uint32
	CSI       uint32
	// Status is populated by the simulated completion queue; real hardware
	// would report this via CQ entry DW3.
	Status    int16
	completed bool
}

// Marshal serializes the command into its 64-byte wire form (only the
// fields this driver populates; reserved dwords are left zero).
func (c *AdminCommand) Marshal() []byte {
	buf := make([]byte, 64)
	buf[0] = c.Opcode
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint64(buf[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], c.CNS)
	binary.LittleEndian.PutUint32(buf[44:48], c.CSI)
	return buf
}

// Submit places cmd at the admin submission queue's tail and rings the
// doorbell (spec §4.5.2 Submit).
func (c *Controller) Submit(cmd AdminCommand) {
	c.asq[c.sqTail] = cmd
	c.acq[c.sqTail].completed = false // clear CQ[tail], same-index convention
	c.sqTail = (c.sqTail + 1) % c.qsize
	c.mmio.Write32(c.SubmissionDoorbell(0), c.sqTail)
}

// Complete is how the simulated controller (or, in a test, a fake one)
// reports a command's outcome; production code would instead observe the
// completion queue's phase bit via MMIO.
func (c *Controller) Complete(commandID uint16, status int16) {
	for i := range c.acq {
		if c.asq[i].CommandID == commandID && !c.acq[i].completed {
			c.acq[i] = AdminCommand{CommandID: commandID, Status: status, completed: true}
			return
		}
	}
}

// adminPollBudget bounds PollCompletion's busy-wait in iterations, not wall
// time (spec §4.5: "bounded by a yield-budget timeout").
const adminPollBudget = 100000

// PollCompletion waits for commandID to complete, returning its status.
func (c *Controller) PollCompletion(commandID uint16) (int16, error) {
	for i := 0; i < adminPollBudget; i++ {
		for j := range c.acq {
			if c.acq[j].completed && c.acq[j].CommandID == commandID {
				return c.acq[j].Status, nil
			}
		}
	}
	return 0, errno.New("nvme.poll", "", errno.EIO)
}

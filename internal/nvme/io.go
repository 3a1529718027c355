package nvme

import (
	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// I/O opcodes (spec §4.5.3).
const (
	NVMRead  = 0x02
	NVMWrite = 0x01
)

// IOQueue is one I/O submission/completion queue pair (spec §3.7 "queue
// pair", §4.5.2): its own circular buffers and doorbell pair, tracked
// separately from the admin queue pair the Controller itself embeds.
type IOQueue struct {
	id       uint32
	sq, cq   []AdminCommand // I/O commands reuse the same 64-byte layout as admin ones
	sqTail   uint32
	qsize    uint32
	inFlight int // live command count, used for least-busy queue selection
}

// NewIOQueue allocates a queue pair of qsize entries identified by id
// (spec §4.5.2: "each queue pair has a circular submission queue ... and a
// companion circular completion queue").
func NewIOQueue(id uint32, qsize int) *IOQueue {
	return &IOQueue{id: id, sq: make([]AdminCommand, qsize), cq: make([]AdminCommand, qsize), qsize: uint32(qsize)}
}

// Namespace is the driver's view of one active NVM namespace: its NSID and
// its size in logical blocks, as discovered by IdentifyController's
// namespace-enumeration step (spec §4.5 Admin command flow).
type Namespace struct {
	NSID uint32
	Size uint64 // sectors
}

// IOController pairs a bring-up Controller with its I/O queue pairs and
// namespace table, the state needed to service READ/WRITE (spec §4.5.3).
type IOController struct {
	*Controller
	Queues     []*IOQueue
	Namespaces []Namespace
}

// NewIOController wires n I/O queue pairs of qsize entries each onto an
// already-initialized Controller.
func NewIOController(c *Controller, namespaces []Namespace, n, qsize int) *IOController {
	queues := make([]*IOQueue, n)
	for i := range queues {
		queues[i] = NewIOQueue(uint32(i+1), qsize) // queue 0 is reserved for admin
	}
	return &IOController{Controller: c, Queues: queues, Namespaces: namespaces}
}

// leastBusyQueue picks the I/O queue with the fewest in-flight commands
// (spec §4.5.3: "pick the least-busy I/O queue, tracked by a per-queue
// in-flight counter").
func (ic *IOController) leastBusyQueue() *IOQueue {
	best := ic.Queues[0]
	for _, q := range ic.Queues[1:] {
		if q.inFlight < best.inFlight {
			best = q
		}
	}
	return best
}

// buildIORequest validates ns/lba/count and constructs the 64-byte I/O
// command, returning it alongside the queue it was placed on (spec §4.5.3:
// "Validate ns < nsCount, count > 0, lba+count <= nsSizes[ns] ... dw10/dw11
// = lba, dw12 = count-1").
func (ic *IOController) buildIORequest(opcode uint8, ns int, lba uint64, count uint32, vtop VtoP, data []byte, commandID uint16) (*IOQueue, AdminCommand, []byte, error) {
	if ns < 0 || ns >= len(ic.Namespaces) {
		return nil, AdminCommand{}, nil, errno.New("nvme.io", "", errno.ENODEV)
	}
	if count == 0 {
		return nil, AdminCommand{}, nil, errno.New("nvme.io", "", errno.EINVAL)
	}
	if lba+uint64(count) > ic.Namespaces[ns].Size {
		return nil, AdminCommand{}, nil, errno.New("nvme.io", "", errno.EIO)
	}

	q := ic.leastBusyQueue()
	cmd := AdminCommand{
		Opcode:    opcode,
		CommandID: commandID,
		NSID:      ic.Namespaces[ns].NSID,
		CNS:       uint32(lba),       // dw10: starting LBA low dword (CNS field reused as dw10 per the 64-byte layout this driver shares with admin commands)
		CSI:       uint32(lba >> 32), // dw11: starting LBA high dword
	}
	prpTable, err := BuildPRP(&cmd, vtop, ic.PageSize, data, len(data))
	if err != nil {
		return nil, AdminCommand{}, nil, err
	}
	return q, cmd, prpTable, nil
}

// SubmitRead places a READ command (opcode NVM_READ) for count sectors
// starting at lba on namespace index ns onto the least-busy I/O queue and
// returns the command ID the caller correlates the eventual completion
// against (spec §4.5.3).
func (ic *IOController) SubmitRead(ns int, lba uint64, count uint32, vtop VtoP, dst []byte, commandID uint16) (uint16, error) {
	q, cmd, _, err := ic.buildIORequest(NVMRead, ns, lba, count, vtop, dst, commandID)
	if err != nil {
		return 0, err
	}
	ic.submitOn(q, cmd)
	return cmd.CommandID, nil
}

// SubmitWrite is SubmitRead's write-path counterpart (opcode NVM_WRITE).
func (ic *IOController) SubmitWrite(ns int, lba uint64, count uint32, vtop VtoP, src []byte, commandID uint16) (uint16, error) {
	q, cmd, _, err := ic.buildIORequest(NVMWrite, ns, lba, count, vtop, src, commandID)
	if err != nil {
		return 0, err
	}
	ic.submitOn(q, cmd)
	return cmd.CommandID, nil
}

func (ic *IOController) submitOn(q *IOQueue, cmd AdminCommand) {
	q.sq[q.sqTail] = cmd
	q.cq[q.sqTail].completed = false
	q.sqTail = (q.sqTail + 1) % q.qsize
	q.inFlight++
	if ic.mmio != nil {
		ic.mmio.Write32(ic.ioSubmissionDoorbell(q.id), q.sqTail)
	}
}

// ioSubmissionDoorbell is SubmissionDoorbell generalized to an I/O queue
// index rather than the fixed admin queue 0 (spec §4.5.2 formula, same
// "0x1000 + (2q)*(4<<DSTRD)" shape).
func (ic *IOController) ioSubmissionDoorbell(q uint32) uint32 {
	return ic.SubmissionDoorbell(q)
}

// HasPending reports whether commandID is sitting in q's submission queue
// awaiting completion, letting a caller recover which queue a least-busy
// pick landed on without the controller having to report it directly.
func (q *IOQueue) HasPending(commandID uint16) bool {
	for i := range q.sq {
		if q.sq[i].CommandID == commandID && !q.cq[i].completed {
			return true
		}
	}
	return false
}

// CompleteIO is the simulated-controller/test counterpart of Complete for
// an I/O queue: it marks a command done and decrements the queue's
// in-flight counter so subsequent least-busy selection sees it freed.
func (ic *IOController) CompleteIO(q *IOQueue, commandID uint16, status int16) {
	for i := range q.cq {
		if q.sq[i].CommandID == commandID && !q.cq[i].completed {
			q.cq[i] = AdminCommand{CommandID: commandID, Status: status, completed: true}
			q.inFlight--
			return
		}
	}
}

// PollIO waits for commandID to complete on q (spec §4.5.2 Poll, applied to
// an I/O queue instead of the admin one), bounded by budget iterations.
func (ic *IOController) PollIO(q *IOQueue, commandID uint16, budget int) (int16, error) {
	for i := 0; i < budget; i++ {
		for j := range q.cq {
			if q.cq[j].completed && q.sq[j].CommandID == commandID {
				return q.cq[j].Status, nil
			}
		}
	}
	return 0, errno.New("nvme.io.poll", "", errno.EIO)
}

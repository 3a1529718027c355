package nvme

import (
	"testing"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// fakeMMIO backs a Controller's register window with a plain map so tests
// can drive bring-up without real hardware.
type fakeMMIO struct {
	regs32 map[uint32]uint32
	regs64 map[uint32]uint64
	// csts is a queue of status values consumed by Read32(RegStatus): the
	// last value repeats once exhausted, so bring-up's poll loop settles.
	csts    []uint32
	cstsIdx int
}

func newFakeMMIO(cap uint64, csts []uint32) *fakeMMIO {
	m := &fakeMMIO{regs32: map[uint32]uint32{}, regs64: map[uint32]uint64{RegCAP: cap}, csts: csts}
	return m
}

func (m *fakeMMIO) Read32(off uint32) uint32 {
	if off == RegStatus {
		if m.cstsIdx < len(m.csts) {
			v := m.csts[m.cstsIdx]
			m.cstsIdx++
			return v
		}
		if len(m.csts) == 0 {
			return 0
		}
		return m.csts[len(m.csts)-1]
	}
	return m.regs32[off]
}

func (m *fakeMMIO) Write32(off uint32, v uint32) { m.regs32[off] = v }
func (m *fakeMMIO) Read64(off uint32) uint64     { return m.regs64[off] }
func (m *fakeMMIO) Write64(off uint32, v uint64) { m.regs64[off] = v }

func capWithMPS(maxQueueEntries int, dstrd, mpsMin, mpsMax uint32, nvmCmds bool) uint64 {
	var raw uint64
	raw |= uint64(maxQueueEntries - 1)
	raw |= uint64(dstrd) << CapDSTRDShift
	raw |= uint64(mpsMin) << CapMPSMinShift
	raw |= uint64(mpsMax) << CapMPSMaxShift
	if nvmCmds {
		raw |= CapNVMCmds
	}
	return raw
}

func TestInitRejectsControllerWithoutNVMCommandSet(t *testing.T) {
	t.Parallel()
	m := newFakeMMIO(capWithMPS(64, 0, 0, 0, false), []uint32{0})
	_, err := Init(m, 64)
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENODEV {
		t.Fatalf("Init = %v, want ENODEV", err)
	}
}

func TestInitBringsUpAndSelectsLargestPageSize(t *testing.T) {
	t.Parallel()
	// disable poll sees RDY already 0; enable poll sees RDY flip to 1.
	m := newFakeMMIO(capWithMPS(128, 0, 0, 2, true), []uint32{0, 0, StatusReady})
	c, err := Init(m, 32)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.PageSize != 4096<<2 {
		t.Errorf("PageSize = %d, want %d", c.PageSize, 4096<<2)
	}
	if c.Cap.MaxQueueEntries != 128 {
		t.Errorf("MaxQueueEntries = %d, want 128", c.Cap.MaxQueueEntries)
	}
}

func TestInitFailsOnFatalStatus(t *testing.T) {
	t.Parallel()
	m := newFakeMMIO(capWithMPS(64, 0, 0, 0, true), []uint32{0, StatusFatal})
	_, err := Init(m, 16)
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.EIO {
		t.Fatalf("Init = %v, want EIO on fatal status", err)
	}
}

func TestDoorbellFormulas(t *testing.T) {
	t.Parallel()
	m := newFakeMMIO(capWithMPS(64, 1, 0, 0, true), []uint32{0, 0, StatusReady})
	c, err := Init(m, 16)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// DSTRD=1 => stride factor = 4<<1 = 8.
	if got, want := c.SubmissionDoorbell(0), uint32(0x1000); got != want {
		t.Errorf("SubmissionDoorbell(0) = %#x, want %#x", got, want)
	}
	if got, want := c.CompletionDoorbell(0), uint32(0x1000+8); got != want {
		t.Errorf("CompletionDoorbell(0) = %#x, want %#x", got, want)
	}
	if got, want := c.SubmissionDoorbell(1), uint32(0x1000+2*8); got != want {
		t.Errorf("SubmissionDoorbell(1) = %#x, want %#x", got, want)
	}
}

func identityVtoP(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	// Simulated physical addresses just need to be stable, nonzero, and
	// 4-byte aligned; derive one from the slice's length alone, so buffers
	// of different lengths get different "addresses".
	return uint64(1<<20) + uint64(len(buf))*4
}

func TestBuildPRPOnePage(t *testing.T) {
	t.Parallel()
	data := make([]byte, 100)
	var cmd AdminCommand
	table, err := BuildPRP(&cmd, identityVtoP, 4096, data, 100)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if table != nil {
		t.Errorf("expected nil PRP list table for 1-page transfer")
	}
	if cmd.PRP1 == 0 {
		t.Errorf("PRP1 not set")
	}
	if cmd.PRP2 != 0 {
		t.Errorf("PRP2 = %#x, want 0 for 1-page transfer", cmd.PRP2)
	}
}

func TestBuildPRPTwoPages(t *testing.T) {
	t.Parallel()
	pageSize := 4096
	data := make([]byte, pageSize+10)
	var cmd AdminCommand
	table, err := BuildPRP(&cmd, identityVtoP, pageSize, data, len(data))
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if table != nil {
		t.Errorf("expected nil PRP list table for 2-page transfer")
	}
	if cmd.PRP1 == 0 || cmd.PRP2 == 0 {
		t.Fatalf("PRP1/PRP2 not set: %#x %#x", cmd.PRP1, cmd.PRP2)
	}
	if cmd.PRP2&uint64(pageSize-1) != 0 {
		t.Errorf("PRP2 = %#x, offset bits not cleared", cmd.PRP2)
	}
}

func TestBuildPRPThreeOrMorePagesBuildsTable(t *testing.T) {
	t.Parallel()
	pageSize := 4096
	data := make([]byte, pageSize*3+5)
	var cmd AdminCommand
	table, err := BuildPRP(&cmd, identityVtoP, pageSize, data, len(data))
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if len(table) != 3*8 {
		t.Fatalf("PRP list table = %d bytes, want %d", len(table), 3*8)
	}
	if cmd.PRP1 == 0 || cmd.PRP2 == 0 {
		t.Fatalf("PRP1/PRP2 not set")
	}
}

func TestBuildPRPRejectsUnmappableBuffer(t *testing.T) {
	t.Parallel()
	var cmd AdminCommand
	_, err := BuildPRP(&cmd, func([]byte) uint64 { return 0 }, 4096, make([]byte, 10), 10)
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.EIO {
		t.Fatalf("BuildPRP = %v, want EIO", err)
	}
}

// fakeAdminController simulates a controller that completes every submitted
// command synchronously, returning canned response payloads keyed by CNS.
// It lets IdentifyController's sequence run and return without any real
// hardware — verifying the deliberate fix of ambiguity (d): the original
// admin-identify routine never returns on success, but this implementation
// must.
type fakeAdminController struct {
	nextID    uint16
	responses map[uint32][]byte
}

func (f *fakeAdminController) submit(cmd AdminCommand, buf []byte) (int16, []byte, error) {
	if cmd.Opcode == AdminOpSetFeatures {
		return 0, nil, nil
	}
	resp, ok := f.responses[cmd.CNS]
	if !ok {
		return 0, nil, nil
	}
	n := copy(buf, resp)
	_ = n
	return 0, buf, nil
}

func identifyControllerResponse(serial, model string) []byte {
	buf := make([]byte, 4096)
	copy(buf[4:24], serial)
	copy(buf[24:64], model)
	return buf
}

func namespaceListResponse(ids ...uint32) []byte {
	buf := make([]byte, 4096)
	for i, id := range ids {
		off := i * 4
		buf[off] = byte(id)
		buf[off+1] = byte(id >> 8)
		buf[off+2] = byte(id >> 16)
		buf[off+3] = byte(id >> 24)
	}
	return buf
}

func TestIdentifyControllerReturnsOnSuccess(t *testing.T) {
	t.Parallel()
	fake := &fakeAdminController{
		responses: map[uint32][]byte{
			CNSIdentifyController: identifyControllerResponse("SN12345", "LUX-NVME-MODEL"),
			CNSActiveNamespaces:   namespaceListResponse(1, 2, 3),
		},
	}
	c := &Controller{PageSize: 4096, Cap: Capabilities{NVMCommandSet: false}}
	next := func() uint16 { fake.nextID++; return fake.nextID }

	result, err := IdentifyController(c, identityVtoP, next, fake.submit)
	if err != nil {
		t.Fatalf("IdentifyController returned an error instead of completing: %v", err)
	}
	if result == nil {
		t.Fatal("IdentifyController returned nil result with nil error")
	}
	if result.Serial != "SN12345" {
		t.Errorf("Serial = %q, want SN12345", result.Serial)
	}
	if result.Model != "LUX-NVME-MODEL" {
		t.Errorf("Model = %q, want LUX-NVME-MODEL", result.Model)
	}
	if len(result.Namespaces) != 3 || result.Namespaces[0] != 1 || result.Namespaces[2] != 3 {
		t.Errorf("Namespaces = %v, want [1 2 3]", result.Namespaces)
	}
}

func TestIdentifyControllerStopsAtSentinelNamespace(t *testing.T) {
	t.Parallel()
	fake := &fakeAdminController{
		responses: map[uint32][]byte{
			CNSIdentifyController: identifyControllerResponse("S", "M"),
			CNSActiveNamespaces:   namespaceListResponse(5, 6, 0, 99),
		},
	}
	c := &Controller{PageSize: 4096}
	next := func() uint16 { fake.nextID++; return fake.nextID }

	result, err := IdentifyController(c, identityVtoP, next, fake.submit)
	if err != nil {
		t.Fatalf("IdentifyController: %v", err)
	}
	if len(result.Namespaces) != 2 {
		t.Fatalf("Namespaces = %v, want 2 entries (stop at 0 sentinel)", result.Namespaces)
	}
}

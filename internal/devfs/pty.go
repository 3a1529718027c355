package devfs

import (
	"sync"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// MaxPtys bounds pty allocation (spec §4.6: "allocation is deterministic by
// lowest free index, bounded at 4096").
const MaxPtys = 4096

// termios flag bits this engine actually interprets (spec §3.6/§4.6). Only
// the bits referenced by the canonical-mode/echo/signal rules are modeled;
// everything else round-trips opaquely through Termios.Iflag/Oflag/etc.
const (
	IflagICRNL  = 1 << 0
	IflagIGNCR  = 1 << 1
	IflagIGNPAR = 1 << 2

	OflagONLRET = 1 << 0

	CflagCS8   = 1 << 0
	CflagHUPCL = 1 << 1

	LflagECHO   = 1 << 0
	LflagECHOE  = 1 << 1
	LflagECHOK  = 1 << 2
	LflagECHONL = 1 << 3
	LflagICANON = 1 << 4
	LflagISIG   = 1 << 5
)

// Control-character indices into Termios.CC (spec §3.6 "VINTR", "VQUIT").
const (
	VINTR = iota
	VQUIT
	VERASE
	VKILL
	numCC
)

// Termios mirrors the POSIX struct this engine exposes through ioctl
// (spec §4.6: "initializes termios with iflag = ICRNL|IGNCR|IGNPAR, oflag =
// ONLRET, cflag = CS8|HUPCL, lflag = ECHO|ECHOE|ECHOK|ECHONL|ICANON").
type Termios struct {
	Iflag, Oflag, Cflag, Lflag uint32
	CC                         [numCC]byte
}

func defaultTermios() Termios {
	return Termios{
		Iflag: IflagICRNL | IflagIGNCR | IflagIGNPAR,
		Oflag: OflagONLRET,
		Cflag: CflagCS8 | CflagHUPCL,
		Lflag: LflagECHO | LflagECHOE | LflagECHOK | LflagECHONL | LflagICANON,
		CC:    [numCC]byte{VINTR: 0x03, VQUIT: 0x1C, VERASE: 0x7F, VKILL: 0x15},
	}
}

// Winsize is the terminal's reported dimensions.
type Winsize struct {
	Rows, Cols uint16
}

// Pty is one pseudo-terminal pair's state machine (spec §3.6).
type Pty struct {
	mu sync.Mutex

	valid     bool
	index     int
	openCount int
	locked    bool

	primary   []byte // bytes written by the primary, awaiting secondary read
	secondary []byte // bytes written by the secondary, awaiting primary read (echo path)

	termios         Termios
	winsize         Winsize
	foregroundGroup int32

	// signaled records the last signal raised via ISIG so a caller
	// (the owning process-group collaborator, out of scope here) can poll
	// for and clear it. Spec §3.6: "receiving VINTR or VQUIT bytes triggers
	// a signal to the foreground process group instead of buffering."
	signaled []byte
}

// Table allocates and tracks every live pty (spec §4.6: "allocation is
// deterministic by lowest free index").
type Table struct {
	mu    sync.Mutex
	ptys  []*Pty // len == MaxPtys once grown; nil entries are free slots
	count int
}

// NewTable returns an empty pty table.
func NewTable() *Table { return &Table{} }

// Allocate creates a new pty at the lowest free index (spec §4.6;
// §3.7 "created on primary open").
func (t *Table) Allocate() (*Pty, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.ptys {
		if p == nil {
			np := newPty(i)
			t.ptys[i] = np
			return np, nil
		}
	}
	if len(t.ptys) >= MaxPtys {
		return nil, errno.New("pty.allocate", "", errno.ENOSPC)
	}
	np := newPty(len(t.ptys))
	t.ptys = append(t.ptys, np)
	return np, nil
}

// Get returns the pty at index, or ENODEV if it was never allocated or has
// since been destroyed.
func (t *Table) Get(index int) (*Pty, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.ptys) || t.ptys[index] == nil {
		return nil, errno.New("pty.get", "", errno.ENODEV)
	}
	return t.ptys[index], nil
}

// Destroy frees index's slot (spec §3.7: "destroyed after the last
// secondary close"). Destruction's trigger condition is out of scope here
// (owned by the devfs server's open-count bookkeeping); Destroy itself is
// the mechanical half.
func (t *Table) Destroy(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= 0 && index < len(t.ptys) {
		t.ptys[index] = nil
	}
}

func newPty(index int) *Pty {
	return &Pty{
		valid:           true,
		index:           index,
		locked:          true, // spec §4.6: "initially locked = 1"
		termios:         defaultTermios(),
		foregroundGroup: -1,
	}
}

// Index reports this pty's table slot.
func (p *Pty) Index() int { return p.index }

// Open bumps the open count, enforcing the unlockpt/EIO rule for the
// secondary half (spec §4.6: "attempts to open the secondary while locked
// fail with EIO").
func (p *Pty) Open(secondary bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if secondary && p.locked {
		return errno.New("pty.open", "", errno.EIO)
	}
	p.openCount++
	return nil
}

// Close decrements the open count.
func (p *Pty) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openCount > 0 {
		p.openCount--
	}
}

// OpenCount reports the live open count (used by the owning server to
// decide when to Destroy).
func (p *Pty) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount
}

// Unlockpt clears the lock placed at allocation (spec §4.6 "unlockpt clears
// it").
func (p *Pty) Unlockpt() { p.mu.Lock(); p.locked = false; p.mu.Unlock() }

// Locked reports the current lock state.
func (p *Pty) Locked() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.locked }

// Grantpt reports the ownership/permission triple the devfs server should
// chstat the secondary node to (spec §4.6: "grantpt issues a devfs chstat
// to make the secondary rw--w---- owned by the calling uid"). The actual
// Tree.Chstat call is the caller's job; Grantpt only computes the values so
// the pty package stays independent of devfs.Tree.
func (p *Pty) Grantpt(callingUID uint16) (owner uint16, perms uint16) {
	return callingUID, 0o620 // rw--w----
}

// SetTermios/Termios get/set the pty's termios state.
func (p *Pty) SetTermios(t Termios) { p.mu.Lock(); p.termios = t; p.mu.Unlock() }
func (p *Pty) GetTermios() Termios  { p.mu.Lock(); defer p.mu.Unlock(); return p.termios }

// SetWinsize/Winsize get/set the reported terminal dimensions.
func (p *Pty) SetWinsize(w Winsize) { p.mu.Lock(); p.winsize = w; p.mu.Unlock() }
func (p *Pty) GetWinsize() Winsize  { p.mu.Lock(); defer p.mu.Unlock(); return p.winsize }

// SetForegroundGroup/ForegroundGroup get/set the pgid that ISIG delivers to.
func (p *Pty) SetForegroundGroup(pgid int32) { p.mu.Lock(); p.foregroundGroup = pgid; p.mu.Unlock() }
func (p *Pty) ForegroundGroup() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foregroundGroup
}

// TakeSignal drains and returns any control bytes queued by WritePrimary's
// ISIG path, clearing them (spec §3.6: "triggers a signal to the foreground
// process group instead of buffering" — the signal bytes themselves never
// reach the primary buffer, but something must carry them to whatever
// delivers the signal, hence this drain point).
func (p *Pty) TakeSignal() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.signaled
	p.signaled = nil
	return s
}

// WritePrimary appends bytes written to the primary half, honoring ISIG
// (spec §3.6: "on ISIG, receiving VINTR or VQUIT bytes triggers a signal...
// instead of buffering").
func (p *Pty) WritePrimary(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range data {
		if p.termios.Lflag&LflagISIG != 0 && (b == p.termios.CC[VINTR] || b == p.termios.CC[VQUIT]) {
			p.signaled = append(p.signaled, b)
			continue
		}
		p.primary = append(p.primary, b)
	}
}

// ReadSecondary consumes up to length bytes from the primary buffer,
// honoring canonical mode (spec §3.6: "canonical mode defers read
// satisfaction until a newline appears in the primary buffer").
func (p *Pty) ReadSecondary(length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.termios.Lflag&LflagICANON != 0 {
		nl := indexByteP(p.primary, '\n')
		if nl < 0 {
			return nil, nil // no complete line yet; caller retries (spec: "defers read satisfaction")
		}
		n := nl + 1
		if n > length {
			n = length
		}
		out := make([]byte, n)
		copy(out, p.primary[:n])
		p.primary = p.primary[n:]
		return out, nil
	}
	n := len(p.primary)
	if n > length {
		n = length
	}
	out := make([]byte, n)
	copy(out, p.primary[:n])
	p.primary = p.primary[n:]
	return out, nil
}

// Backspace pops one byte from the primary buffer and, if ECHO is set,
// echoes a backspace to the secondary (spec §3.6: "backspace pops one byte
// from the primary buffer (and echoes backspace to the secondary if ECHO is
// set)").
func (p *Pty) Backspace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.primary) == 0 {
		return
	}
	p.primary = p.primary[:len(p.primary)-1]
	if p.termios.Lflag&LflagECHO != 0 {
		p.secondary = append(p.secondary, p.termios.CC[VERASE])
	}
}

// WriteSecondary appends bytes the user-facing side wrote, destined for
// whatever reads the primary (e.g. a shell's controlling process).
func (p *Pty) WriteSecondary(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secondary = append(p.secondary, data...)
}

// ReadPrimary consumes up to length bytes of echoed/secondary-originated
// output.
func (p *Pty) ReadPrimary(length int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.secondary)
	if n > length {
		n = length
	}
	out := make([]byte, n)
	copy(out, p.secondary[:n])
	p.secondary = p.secondary[n:]
	return out
}

func indexByteP(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

package devfs

import (
	"testing"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

func TestAllocateLowestFreeIndex(t *testing.T) {
	table := NewTable()
	p0, err := table.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p1, _ := table.Allocate()
	if p0.Index() != 0 || p1.Index() != 1 {
		t.Fatalf("indices = %d, %d", p0.Index(), p1.Index())
	}
	table.Destroy(0)
	p2, _ := table.Allocate()
	if p2.Index() != 0 {
		t.Fatalf("reallocated index = %d, want 0 (lowest free)", p2.Index())
	}
}

func TestNewPtyIsLockedWithDefaultTermios(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	if !p.Locked() {
		t.Fatal("new pty must start locked")
	}
	tm := p.GetTermios()
	if tm.Iflag != IflagICRNL|IflagIGNCR|IflagIGNPAR {
		t.Fatalf("iflag = %x", tm.Iflag)
	}
	if tm.Lflag != LflagECHO|LflagECHOE|LflagECHOK|LflagECHONL|LflagICANON {
		t.Fatalf("lflag = %x", tm.Lflag)
	}
}

func TestOpenSecondaryWhileLockedFailsWithEIO(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	err := p.Open(true)
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.EIO {
		t.Fatalf("err = %v, want EIO", err)
	}
}

func TestUnlockptAllowsSecondaryOpen(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	p.Unlockpt()
	if err := p.Open(true); err != nil {
		t.Fatalf("Open after unlockpt: %v", err)
	}
}

func TestCanonicalModeDefersUntilNewline(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	p.WritePrimary([]byte("hello"))
	out, err := p.ReadSecondary(100)
	if err != nil {
		t.Fatalf("ReadSecondary: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no data before newline, got %q", out)
	}
	p.WritePrimary([]byte(" world\n"))
	out, err = p.ReadSecondary(100)
	if err != nil {
		t.Fatalf("ReadSecondary: %v", err)
	}
	if string(out) != "hello world\n" {
		t.Fatalf("got %q", out)
	}
}

func TestBackspacePopsAndEchoes(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	p.WritePrimary([]byte("ab"))
	p.Backspace()
	p.WritePrimary([]byte("\n"))
	out, _ := p.ReadSecondary(10)
	if string(out) != "a\n" {
		t.Fatalf("got %q, want %q", out, "a\n")
	}
	echoed := p.ReadPrimary(10)
	tm := p.GetTermios()
	if len(echoed) != 1 || echoed[0] != tm.CC[VERASE] {
		t.Fatalf("echoed = %v", echoed)
	}
}

func TestISIGRaisesSignalInsteadOfBuffering(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	tm := p.GetTermios()
	tm.Lflag |= LflagISIG
	p.SetTermios(tm)

	p.WritePrimary([]byte{tm.CC[VINTR]})
	sig := p.TakeSignal()
	if len(sig) != 1 || sig[0] != tm.CC[VINTR] {
		t.Fatalf("signaled = %v", sig)
	}
	out, _ := p.ReadSecondary(10)
	if out != nil {
		t.Fatalf("VINTR byte must not reach the primary buffer, got %q", out)
	}
}

func TestGrantptComputesSecondaryOwnership(t *testing.T) {
	table := NewTable()
	p, _ := table.Allocate()
	owner, perms := p.Grantpt(1000)
	if owner != 1000 || perms != 0o620 {
		t.Fatalf("Grantpt = (%d, %o), want (1000, 0620)", owner, perms)
	}
}

func TestAllocateExhaustionReturnsENOSPC(t *testing.T) {
	table := NewTable()
	for i := 0; i < MaxPtys; i++ {
		if _, err := table.Allocate(); err != nil {
			t.Fatalf("Allocate[%d]: %v", i, err)
		}
	}
	_, err := table.Allocate()
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOSPC {
		t.Fatalf("err = %v, want ENOSPC", err)
	}
}

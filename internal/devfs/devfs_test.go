package devfs

import (
	"testing"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

type fakeDriver struct {
	ioctlResp []byte
	data      []byte
}

func (f *fakeDriver) Ioctl(node string, request uint32, arg []byte) ([]byte, error) {
	return f.ioctlResp, nil
}
func (f *fakeDriver) Read(node string, offset uint64, length int) ([]byte, error) {
	end := offset + uint64(length)
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	return f.data[offset:end], nil
}
func (f *fakeDriver) Write(node string, offset uint64, data []byte) (int, error) {
	f.data = append(f.data[:offset], data...)
	return len(data), nil
}

func TestRegisterAndLookup(t *testing.T) {
	tree := New()
	drv := &fakeDriver{}
	tree.Register("/dev/kbd", "kbddrv", drv, 0o600, 0, 0, false)

	n, err := tree.Lookup("/dev/kbd")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n.Permissions != 0o600 {
		t.Fatalf("Permissions = %o, want 0600", n.Permissions)
	}
}

func TestLookupUnknownReturnsENOENT(t *testing.T) {
	tree := New()
	_, err := tree.Lookup("/dev/nope")
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOENT {
		t.Fatalf("err = %v, want ENOENT", err)
	}
}

func TestIoctlRoutesToDriver(t *testing.T) {
	tree := New()
	drv := &fakeDriver{ioctlResp: []byte{1, 2, 3}}
	tree.Register("/dev/tty0", "ptydrv", drv, 0o620, 0, 0, false)

	resp, err := tree.Ioctl("/dev/tty0", 0x5401, nil)
	if err != nil {
		t.Fatalf("Ioctl: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("resp = %v", resp)
	}
}

func TestReadWriteRouteToDriver(t *testing.T) {
	tree := New()
	drv := &fakeDriver{}
	tree.Register("/dev/tty0", "ptydrv", drv, 0o620, 0, 0, false)

	if _, err := tree.Write("/dev/tty0", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := tree.Read("/dev/tty0", 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestNodeWithoutDriverReturnsCapabilityError(t *testing.T) {
	tree := New()
	tree.Register("/dev/null", "", nil, 0o666, 0, 0, false)
	if _, err := tree.Ioctl("/dev/null", 0, nil); err == nil {
		t.Fatal("expected error for driverless ioctl")
	}
	if _, err := tree.Read("/dev/null", 0, 1); err == nil {
		t.Fatal("expected error for driverless read")
	}
}

func TestChstat(t *testing.T) {
	tree := New()
	tree.Register("/dev/pts/0", "ptydrv", &fakeDriver{}, 0o000, 0, 0, false)
	if err := tree.Chstat("/dev/pts/0", 1000, 1000, 0o620); err != nil {
		t.Fatalf("Chstat: %v", err)
	}
	n, _ := tree.Lookup("/dev/pts/0")
	if n.Owner != 1000 || n.Permissions != 0o620 {
		t.Fatalf("node after chstat = %+v", n)
	}
}

func TestNames(t *testing.T) {
	tree := New()
	tree.Register("/dev/zzz", "", nil, 0, 0, 0, false)
	tree.Register("/dev/aaa", "", nil, 0, 0, 0, false)
	names := tree.Names()
	if len(names) != 2 || names[0] != "/dev/aaa" || names[1] != "/dev/zzz" {
		t.Fatalf("names = %v", names)
	}
}

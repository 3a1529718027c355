package vfsrouter

import (
	"testing"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

func mustMount(t *testing.T, r *Router, path, server, fstype string) {
	t.Helper()
	if err := r.Mount(path, server, fstype); err != nil {
		t.Fatalf("Mount(%q): %v", path, err)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/", "unixgram:///lxfs-root", "lxfs")
	mustMount(t, r, "/mnt", "unixgram:///lxfs-mnt", "lxfs")
	mustMount(t, r, "/mnt/usb", "unixgram:///lxfs-usb", "lxfs")

	cases := []struct {
		path   string
		server string
		rel    string
	}{
		{"/mnt/usb/file.txt", "unixgram:///lxfs-usb", "/file.txt"},
		{"/mnt/usb", "unixgram:///lxfs-usb", "/"},
		{"/mnt/other/file", "unixgram:///lxfs-mnt", "/other/file"},
		{"/etc/passwd", "unixgram:///lxfs-root", "/etc/passwd"},
		{"/", "unixgram:///lxfs-root", "/"},
	}
	for _, c := range cases {
		m, rel, err := r.Resolve(c.path)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", c.path, err)
		}
		if m.Server != c.server {
			t.Errorf("Resolve(%q).Server = %q, want %q", c.path, m.Server, c.server)
		}
		if rel != c.rel {
			t.Errorf("Resolve(%q) rel = %q, want %q", c.path, rel, c.rel)
		}
	}
}

func TestMountDuplicateRejected(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/mnt", "a", "lxfs")
	err := r.Mount("/mnt", "b", "lxfs")
	if e, ok := err.(*errno.Error); !ok || e.Kind != errno.EEXIST {
		t.Fatalf("Mount duplicate: got %v, want EEXIST", err)
	}
}

func TestMountTableBounded(t *testing.T) {
	t.Parallel()
	r := New()
	for i := 0; i < MaxMounts; i++ {
		path := "/m" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if err := r.Mount(path, "srv", "lxfs"); err != nil {
			t.Fatalf("Mount #%d: %v", i, err)
		}
	}
	err := r.Mount("/overflow", "srv", "lxfs")
	if e, ok := err.(*errno.Error); !ok || e.Kind != errno.ENOSPC {
		t.Fatalf("Mount over capacity: got %v, want ENOSPC", err)
	}
}

func TestUnmountThenUnresolved(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/", "root", "lxfs")
	mustMount(t, r, "/mnt", "mnt", "lxfs")
	if err := r.Unmount("/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	m, _, err := r.Resolve("/mnt/file")
	if err != nil {
		t.Fatalf("Resolve after unmount: %v", err)
	}
	if m.Server != "root" {
		t.Errorf("Resolve after unmount = %q, want fallback to root", m.Server)
	}
}

func TestRequireSameMountEXDEV(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/", "root", "lxfs")
	mustMount(t, r, "/mnt", "mnt", "lxfs")

	if err := r.RequireSameMount("link", "/a", "/b"); err != nil {
		t.Errorf("same-mount link: %v", err)
	}
	err := r.RequireSameMount("link", "/a", "/mnt/b")
	if e, ok := err.(*errno.Error); !ok || e.Kind != errno.EXDEV {
		t.Fatalf("cross-mount link: got %v, want EXDEV", err)
	}
}

func TestIoctlRestrictedToDevfs(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/", "root", "lxfs")
	mustMount(t, r, "/dev", "devfs", "devfs")

	if err := r.AllowsIoctl("/dev/tty0"); err != nil {
		t.Errorf("ioctl on devfs: %v", err)
	}
	err := r.AllowsIoctl("/etc/passwd")
	if e, ok := err.(*errno.Error); !ok || e.Kind != errno.ENOTTY {
		t.Fatalf("ioctl on non-devfs: got %v, want ENOTTY", err)
	}
}

func TestDispatchRoutesIoctlRule(t *testing.T) {
	t.Parallel()
	r := New()
	mustMount(t, r, "/", "root", "lxfs")
	mustMount(t, r, "/dev", "devfs", "devfs")

	if _, _, err := r.Dispatch(wire.OpIoctl, "/dev/tty0"); err != nil {
		t.Errorf("Dispatch ioctl devfs: %v", err)
	}
	_, _, err := r.Dispatch(wire.OpIoctl, "/etc/passwd")
	if e, ok := err.(*errno.Error); !ok || e.Kind != errno.ENOTTY {
		t.Fatalf("Dispatch ioctl non-devfs: got %v, want ENOTTY", err)
	}
	if _, _, err := r.Dispatch(wire.OpRead, "/etc/passwd"); err != nil {
		t.Errorf("Dispatch read: %v", err)
	}
}

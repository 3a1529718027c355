package lxfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/testutil"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

func newTestVolume(t *testing.T, blockSize int, blocks uint64) (*Volume, *testutil.MemBlockDevice) {
	t.Helper()
	dev := testutil.NewMemBlockDevice(blockSize, blocks)
	v, err := Format(dev, blockSize, blocks, "testvol")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return v, dev
}

func TestFormatAndMountRoundTrip(t *testing.T) {
	t.Parallel()
	v, dev := newTestVolume(t, 512, 256)
	if err := v.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	v2, err := Mount(dev, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	st, err := v2.Stat("/")
	if err != nil {
		t.Fatalf("Stat(/): %v", err)
	}
	if st.Type != wire.DirTypeDir {
		t.Errorf("Stat(/).Type = %d, want DirTypeDir", st.Type)
	}
	sv, err := v2.Statvfs()
	if err != nil {
		t.Fatalf("Statvfs: %v", err)
	}
	if sv.VolumeName != "testvol" {
		t.Errorf("Statvfs.VolumeName = %q, want %q", sv.VolumeName, "testvol")
	}
	if sv.TotalBlocks != 256 {
		t.Errorf("Statvfs.TotalBlocks = %d, want 256", sv.TotalBlocks)
	}
}

func TestWriteReadRoundTripCrossBlock(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)

	if err := v.Create("/file.bin", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := v.Write("/file.bin", 0, data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Write returned %d, want %d", n, len(data))
	}

	st, err := v.Stat("/file.bin")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 3000 {
		t.Fatalf("Stat.Size = %d, want 3000", st.Size)
	}

	// Boundary case: reading 100 bytes starting at offset 2950 of a 3000
	// byte file returns only the 50 bytes that actually exist.
	got, err := v.Read("/file.bin", 2950, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := data[2950:3000]
	if !bytes.Equal(got, want) {
		t.Errorf("Read(2950,100) = %v, want %v", got, want)
	}
	if len(got) != 50 {
		t.Errorf("Read(2950,100) returned %d bytes, want 50", len(got))
	}
}

func TestWriteOverwriteDoesNotGrowSize(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)

	if err := v.Create("/f", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := v.Write("/f", 0, bytes.Repeat([]byte{'a'}, 100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, _ := v.Stat("/f")
	if st.Size != 100 {
		t.Fatalf("Size after initial write = %d, want 100", st.Size)
	}

	if _, err := v.Write("/f", 0, []byte("0123456789")); err != nil {
		t.Fatalf("overwrite Write: %v", err)
	}
	st, _ = v.Stat("/f")
	if st.Size != 100 {
		t.Fatalf("Size after pure overwrite = %d, want unchanged 100", st.Size)
	}

	got, err := v.Read("/f", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "0123456789" {
		t.Errorf("Read after overwrite = %q, want %q", got, "0123456789")
	}
}

func TestDirectoryCrossBlockManyFiles(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 256, 4096)

	if err := v.Mkdir("/d", 0, 0, 0x1FF); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	const count = 200
	for i := 0; i < count; i++ {
		path := fmt.Sprintf("/d/f%d", i)
		if err := v.Create(path, 0, 0, 0x1C0); err != nil {
			t.Fatalf("Create(%s): %v", path, err)
		}
	}

	entries, err := v.Readdir("/d")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	// "." and ".." plus count created files.
	if len(entries) != count+2 {
		t.Fatalf("Readdir returned %d entries, want %d", len(entries), count+2)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Name] = true
	}
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("f%d", i)
		if !seen[name] {
			t.Errorf("Readdir missing %q", name)
		}
	}
}

func TestHardLinkUnlinkRefCount(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)

	if err := v.Create("/a", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := v.Write("/a", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Link("/a", "/b"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, err := v.Read("/b", 0, 5)
	if err != nil {
		t.Fatalf("Read(/b): %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read(/b) = %q, want %q", got, "hello")
	}

	if err := v.Unlink("/a"); err != nil {
		t.Fatalf("Unlink(/a): %v", err)
	}
	// /b keeps the shared content alive: refcount was 2, now 1.
	got, err = v.Read("/b", 0, 5)
	if err != nil {
		t.Fatalf("Read(/b) after unlinking /a: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read(/b) after unlink = %q, want %q", got, "hello")
	}
	if _, err := v.Stat("/a"); err == nil {
		t.Fatal("Stat(/a) after unlink: want ENOENT, got nil error")
	}

	if err := v.Unlink("/b"); err != nil {
		t.Fatalf("Unlink(/b): %v", err)
	}
	if _, err := v.Stat("/b"); err == nil {
		t.Fatal("Stat(/b) after final unlink: want ENOENT, got nil error")
	}
}

func TestSymlinkReadlink(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Create("/target", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Symlink("/target", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := v.Readlink("/link")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "/target" {
		t.Errorf("Readlink = %q, want %q", got, "/target")
	}
}

func TestAllocateExhaustionLeavesNoLeak(t *testing.T) {
	t.Parallel()
	// A tiny volume: block size 512 leaves very few data blocks, so a
	// request for more blocks than exist must fail cleanly.
	v, _ := newTestVolume(t, 512, 40)

	before, err := v.freeBlockCount()
	if err != nil {
		t.Fatalf("freeBlockCount: %v", err)
	}

	_, err = v.allocate(int(before) + 10) // guaranteed to exceed what's free
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOSPC {
		t.Fatalf("allocate(over-capacity) = %v, want ENOSPC", err)
	}

	after, err := v.freeBlockCount()
	if err != nil {
		t.Fatalf("freeBlockCount: %v", err)
	}
	if after != before {
		t.Errorf("freeBlockCount after failed allocate = %d, want unchanged %d (no leak)", after, before)
	}

	// The volume must still be usable afterwards.
	if _, err := v.allocate(1); err != nil {
		t.Errorf("allocate(1) after failed bulk allocate: %v", err)
	}
}

func TestCacheHidesRepeatReadFromDevice(t *testing.T) {
	t.Parallel()
	dev := testutil.NewMemBlockDevice(512, 64)
	c := NewCache(dev, 512)

	if _, err := c.Read(5); err != nil {
		t.Fatalf("Read: %v", err)
	}
	r1, _ := dev.Stats()
	if _, err := c.Read(5); err != nil {
		t.Fatalf("Read: %v", err)
	}
	r2, _ := dev.Stats()
	if r2 != r1 {
		t.Errorf("second Read of same block reached device: reads %d -> %d", r1, r2)
	}
}

func TestMkdirRejectsExistingName(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Mkdir("/d", 0, 0, 0x1FF); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	err := v.Mkdir("/d", 0, 0, 0x1FF)
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.EEXIST {
		t.Fatalf("Mkdir duplicate = %v, want EEXIST", err)
	}
}

func TestWritePastEndOfFileReturnsENOSYS(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Create("/f", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := v.Write("/f", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := v.Write("/f", 100, []byte("x"))
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOSYS {
		t.Fatalf("Write(offset > size) = %v, want ENOSYS", err)
	}
}

func TestWriteAppendOffsetTranslatesToCurrentSize(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Create("/f", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := v.Write("/f", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := v.Write("/f", wire.AppendOffset, []byte(" world")); err != nil {
		t.Fatalf("append Write: %v", err)
	}

	got, err := v.Read("/f", 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read after append = %q, want %q", got, "hello world")
	}
}

func TestUnlinkEmptyDirectoryRoundTrip(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Mkdir("/d", 0, 0, 0x1FF); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := v.Unlink("/d"); err != nil {
		t.Fatalf("Unlink(empty dir): %v", err)
	}
	if _, err := v.Stat("/d"); err == nil {
		t.Fatal("Stat(/d) after unlink: want ENOENT, got nil error")
	}

	if err := v.Mkdir("/d", 0, 0, 0x1FF); err != nil {
		t.Fatalf("Mkdir after unlink: %v", err)
	}
	entries, err := v.Readdir("/d")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 2 { // just "." and ".."
		t.Fatalf("Readdir(/d) after recreate = %d entries, want 2 (empty)", len(entries))
	}
}

func TestUnlinkNonEmptyDirectoryReturnsENOTEMPTY(t *testing.T) {
	t.Parallel()
	v, _ := newTestVolume(t, 512, 256)
	if err := v.Mkdir("/d", 0, 0, 0x1FF); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := v.Create("/d/f", 0, 0, 0x1C0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := v.Unlink("/d")
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOTEMPTY {
		t.Fatalf("Unlink(non-empty dir) = %v, want ENOTEMPTY", err)
	}
}

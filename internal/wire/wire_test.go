package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Envelope{
		{Command: OpRead, Length: 64, Response: false, Latency: 0, Status: 0, Requester: 42},
		{Command: OpWrite, Length: 96, Response: true, Latency: 1234, Status: -2, Requester: 7},
		{Command: OpStat, Length: EnvelopeSize, Response: true, Status: 0, Requester: 0},
	}

	for _, want := range cases {
		buf := want.Marshal()
		if len(buf) != EnvelopeSize {
			t.Fatalf("Marshal: got %d bytes, want %d", len(buf), EnvelopeSize)
		}
		var got Envelope
		if err := got.Unmarshal(buf); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSyscallHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	want := SyscallHeader{
		Envelope: Envelope{Command: OpOpen, Length: SyscallHeaderSize, Requester: 9},
		ID:       0xdeadbeef,
	}
	buf := want.Marshal()
	if len(buf) != SyscallHeaderSize {
		t.Fatalf("Marshal: got %d bytes, want %d", len(buf), SyscallHeaderSize)
	}
	var got SyscallHeader
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentificationRoundTrip(t *testing.T) {
	t.Parallel()

	id := &Identification{
		Identifier: LXFSMagic,
		VolumeSize: 65536,
		RootBlock:  34,
		Parameters: 0<<1 | 3<<3, // sector-size bits=0, block-size bits=3
		Version:    LXFSVersion,
	}
	copy(id.Name[:], "testvol")

	if got, want := id.SectorSize(), 512; got != want {
		t.Errorf("SectorSize() = %d, want %d", got, want)
	}
	if got, want := id.BlockSize(), 2048; got != want {
		t.Errorf("BlockSize() = %d, want %d", got, want)
	}

	buf := id.Marshal(id.BlockSize())
	got, err := UnmarshalIdentification(buf)
	if err != nil {
		t.Fatalf("UnmarshalIdentification: %v", err)
	}
	if diff := cmp.Diff(id, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalIdentificationBadMagic(t *testing.T) {
	t.Parallel()

	id := &Identification{Identifier: 0x12345678}
	buf := id.Marshal(64)
	if _, err := UnmarshalIdentification(buf); err == nil {
		t.Fatal("UnmarshalIdentification: want error for bad magic, got nil")
	}
}

func TestDirEntryRoundTrip(t *testing.T) {
	t.Parallel()

	e := &DirEntry{
		Flags:       DirFlagValid | (DirTypeFile << DirTypeShift),
		Owner:       0,
		Group:       0,
		Permissions: PermOwnerR | PermOwnerW | PermGroupR | PermOtherR,
		Size:        4096,
		CreateTime:  1000,
		ModTime:     1001,
		AccessTime:  1002,
		Block:       40,
		Name:        "hello.txt",
	}
	e.EntrySize = EntrySizeForName(e.Name)

	buf := e.Marshal()
	if len(buf) != int(e.EntrySize) {
		t.Fatalf("Marshal: got %d bytes, want %d", len(buf), e.EntrySize)
	}

	got, err := UnmarshalDirEntry(buf)
	if err != nil {
		t.Fatalf("UnmarshalDirEntry: %v", err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.Type() != DirTypeFile {
		t.Errorf("Type() = %d, want DirTypeFile", got.Type())
	}
	if !got.Valid() {
		t.Error("Valid() = false, want true")
	}
}

func TestUnmarshalDirEntryZeroEntrySizeTerminates(t *testing.T) {
	t.Parallel()

	buf := make([]byte, DirEntryFixedSize)
	e, err := UnmarshalDirEntry(buf)
	if err != nil {
		t.Fatalf("UnmarshalDirEntry: %v", err)
	}
	if e.EntrySize != 0 {
		t.Errorf("EntrySize = %d, want 0 (end-of-directory marker)", e.EntrySize)
	}
}

func TestFileHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := &FileHeader{Size: 3000, RefCount: 2}
	buf := h.Marshal()
	got, err := UnmarshalFileHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalFileHeader: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := &DirectoryHeader{CreateTime: 1, ModTime: 2, AccessTime: 3, SizeEntries: 4, SizeBytes: 5}
	buf := h.Marshal()
	got, err := UnmarshalDirectoryHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalDirectoryHeader: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

package wire

import "testing"

func TestVFSInitMessageRoundTrip(t *testing.T) {
	want := VFSInitMessage{FSType: "lxfs", Server: "unixgram:///lux/lxfsd"}
	var got VFSInitMessage
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMountMessageRoundTrip(t *testing.T) {
	want := MountMessage{DevicePath: "/sd0", MountPath: "/", FSType: "lxfs", Flags: 0x1}
	var got MountMessage
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSDevRegisterMessageRoundTrip(t *testing.T) {
	want := SDevRegisterMessage{DriverServer: "unixgram:///lux/atadrv", DeviceID: 3, Sectors: 1 << 20, SectorSize: 512, Partitioned: true}
	var got SDevRegisterMessage
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSDevIORequestRoundTripWithData(t *testing.T) {
	want := SDevIORequest{DeviceID: 1, Start: 10, Count: 2, Data: []byte("abcd")}
	var got SDevIORequest
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.DeviceID != want.DeviceID || got.Start != want.Start || got.Count != want.Count || string(got.Data) != string(want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDevfsRegisterMessageRoundTrip(t *testing.T) {
	want := DevfsRegisterMessage{Name: "/dev/pts/0", DriverName: "ptydrv", Permissions: 0o620, Size: 0, BlockSize: 0, IsBlock: false}
	var got DevfsRegisterMessage
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDevfsChstatMessageRoundTrip(t *testing.T) {
	want := DevfsChstatMessage{Name: "/dev/pts/0", Owner: 1000, Group: 1000, Permissions: 0o620}
	var got DevfsChstatMessage
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetStringRejectsTruncatedBuffer(t *testing.T) {
	var m VFSInitMessage
	if err := m.Unmarshal([]byte{0xFF}); err == nil {
		t.Fatal("expected error on truncated length prefix")
	}
}

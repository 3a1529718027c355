package main

import (
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// sdevBlockDevice adapts an SDEV-registered "/sdN" device into the
// lxfs.BlockDevice interface lxfsd mounts against, translating block numbers
// into byte-addressed READ/WRITE requests sent to sdevd (spec §4.2.1's
// BlockDevice is meant to be backed by exactly this kind of relay in
// production; internal/testutil's in-memory fake plays the same role in
// tests).
type sdevBlockDevice struct {
	client    *transport.Client
	path      string // the "/sdN" name sdevd registered the device under
	blockSize int
	nextID    uint64
}

func newSDevBlockDevice(client *transport.Client, path string, blockSize int) *sdevBlockDevice {
	return &sdevBlockDevice{client: client, path: path, blockSize: blockSize}
}

func (b *sdevBlockDevice) ReadBlock(block uint64, out []byte) error {
	req := wire.ReadRequest{Path: b.path, Offset: block * uint64(b.blockSize), Length: len(out)}
	payload := req.Marshal()
	b.nextID++
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: wire.OpRead, Length: uint16(len(payload))}, ID: b.nextID}
	if err := b.client.Send(append(hdr.Marshal(), payload...)); err != nil {
		return errno.New("lxfsd.blockdevice.read", b.path, errno.EIO)
	}
	resp, err := b.client.Receive()
	if err != nil {
		return errno.New("lxfsd.blockdevice.read", b.path, errno.EIO)
	}
	data, err := decodeReply(resp)
	if err != nil {
		return err
	}
	copy(out, data)
	return nil
}

func (b *sdevBlockDevice) WriteBlock(block uint64, data []byte) error {
	req := wire.WriteRequest{Path: b.path, Offset: block * uint64(b.blockSize), Data: data}
	payload := req.Marshal()
	b.nextID++
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: wire.OpWrite, Length: uint16(len(payload))}, ID: b.nextID}
	if err := b.client.Send(append(hdr.Marshal(), payload...)); err != nil {
		return errno.New("lxfsd.blockdevice.write", b.path, errno.EIO)
	}
	resp, err := b.client.Receive()
	if err != nil {
		return errno.New("lxfsd.blockdevice.write", b.path, errno.EIO)
	}
	_, err = decodeReply(resp)
	return err
}

func decodeReply(buf []byte) ([]byte, error) {
	var env wire.Envelope
	if err := env.Unmarshal(buf); err != nil {
		return nil, errno.New("lxfsd.blockdevice.decode", "", errno.EIO)
	}
	if env.Status < 0 {
		kind, _ := errno.FromStatus(env.Status)
		return nil, errno.New("lxfsd.blockdevice", "", kind)
	}
	return buf[wire.EnvelopeSize:], nil
}

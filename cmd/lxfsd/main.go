// Command lxfsd is an LXFS filesystem server (spec §3.4, §4.2): it mounts
// one volume against an SDEV-backed block device, advertises itself to the
// VFS router, and serves every filesystem syscall opcode against that
// volume, the same shape a mounted filesystem backend takes when a reader
// implementation is wrapped behind a dispatcher; here the backend is
// internal/lxfs.Volume, and the frontend is this module's own datagram
// protocol instead of FUSE.
package main

import (
	"flag"
	"log"
	"net"

	"github.com/lux-operating-system/servers-sub000/internal/config"
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/logging"
	"github.com/lux-operating-system/servers-sub000/internal/lxfs"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

func main() {
	fset := flag.NewFlagSet("lxfsd", flag.ExitOnError)
	common := config.Register(fset)
	listen := fset.String("listen", "unixgram:///lux/lxfsd", "socket name to bind")
	vfsrouterAddr := fset.String("vfsrouter", "unixgram:///lux/vfsrouter", "VFS router socket name")
	sdevAddr := fset.String("sdev", "unixgram:///lux/sdevd", "SDEV socket name")
	device := fset.String("device", "/sd0", "SDEV device path backing this volume")
	mountPath := fset.String("mount", "/", "path to mount this volume at")
	blockSize := fset.Int("blocksize", 4096, "device block size in bytes, used to turn block numbers into SDEV byte offsets; not updated from the identification block")
	fset.Parse(nil)

	logger := logging.New("lxfsd", common.Debug)

	sdevClient, err := transport.Dial(*sdevAddr)
	if err != nil {
		log.Fatal(err)
	}
	blockDev := newSDevBlockDevice(sdevClient, *device, *blockSize)

	volume, err := lxfs.Mount(blockDev, func(msg string) { logger.Printf("warn: %s", msg) })
	if err != nil {
		log.Fatal(err)
	}

	ep, err := transport.Bind(*listen)
	if err != nil {
		log.Fatal(err)
	}
	defer ep.Close()

	if err := advertise(*vfsrouterAddr, *listen, *mountPath, *device); err != nil {
		logger.Err("advertise", err)
	}

	s := &server{logger: logger, volume: volume}
	logger.Printf("serving %s at %s (backed by %s)", *listen, *mountPath, *device)
	s.serve(ep)
}

// advertise sends VFS_INIT followed by MOUNT so the router both learns this
// server's type and attaches it under a path (spec §4.1, §6.2).
func advertise(routerAddr, self, mountPath, device string) error {
	client, err := transport.Dial(routerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	init := wire.VFSInitMessage{FSType: "lxfs", Server: self}
	if err := sendControl(client, wire.OpVFSInit, init.Marshal()); err != nil {
		return err
	}
	mount := wire.MountMessage{DevicePath: device, MountPath: mountPath, FSType: "lxfs"}
	return sendControl(client, wire.OpMount, mount.Marshal())
}

func sendControl(client *transport.Client, op wire.Opcode, payload []byte) error {
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: op, Length: uint16(len(payload))}}
	if err := client.Send(append(hdr.Marshal(), payload...)); err != nil {
		return err
	}
	resp, err := client.Receive()
	if err != nil {
		return err
	}
	var env wire.Envelope
	if err := env.Unmarshal(resp); err != nil {
		return err
	}
	if env.Status < 0 {
		kind, _ := errno.FromStatus(env.Status)
		return errno.New(op.String(), "", kind)
	}
	return nil
}

type server struct {
	logger *logging.Logger
	volume *lxfs.Volume
}

func (s *server) serve(ep *transport.Endpoint) {
	for {
		payload, from, err := ep.Receive()
		if err != nil {
			s.logger.Err("receive", err)
			continue
		}
		s.handle(ep, payload, from)
	}
}

func (s *server) handle(ep *transport.Endpoint, payload []byte, from *net.UnixAddr) {
	var hdr wire.SyscallHeader
	if err := hdr.Unmarshal(payload); err != nil {
		s.logger.Err("decode", err)
		return
	}
	body := payload[wire.SyscallHeaderSize:]

	status, data, err := s.dispatch(hdr.Command, body)
	if err != nil {
		status = statusOf(err)
	}
	s.reply(ep, hdr, from, status, data)
}

func (s *server) dispatch(op wire.Opcode, body []byte) (int64, []byte, error) {
	switch op {
	case wire.OpStat:
		var req wire.PathRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("stat.decode", "", errno.EINVAL)
		}
		st, err := s.volume.Stat(req.Path)
		if err != nil {
			return 0, nil, err
		}
		resp := wire.StatResponse{
			Type: st.Type, Owner: st.Owner, Group: st.Group, Permissions: st.Permissions,
			Size: st.Size, CreateTime: st.CreateTime, ModTime: st.ModTime, AccessTime: st.AccessTime,
		}
		return 0, resp.Marshal(), nil

	case wire.OpOpen:
		var req wire.OpenRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("open.decode", "", errno.EINVAL)
		}
		if err := s.volume.Open(req.Path, req.Create, req.Owner, req.Group, req.Perms); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case wire.OpRead:
		var req wire.ReadRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("read.decode", "", errno.EINVAL)
		}
		data, err := s.volume.Read(req.Path, req.Offset, req.Length)
		if err != nil {
			return 0, nil, err
		}
		return int64(len(data)), data, nil

	case wire.OpWrite:
		var req wire.WriteRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("write.decode", "", errno.EINVAL)
		}
		n, err := s.volume.Write(req.Path, req.Offset, req.Data)
		if err != nil {
			return 0, nil, err
		}
		return int64(n), nil, nil

	case wire.OpOpendir:
		var req wire.OpendirRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("opendir.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Opendir(req.Path, req.CallerUID, req.CallerGID)

	case wire.OpReaddir:
		var req wire.ReaddirRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("readdir.decode", "", errno.EINVAL)
		}
		entries, err := s.volume.Readdir(req.Path)
		if err != nil {
			return 0, nil, err
		}
		if req.Index >= len(entries) {
			return 0, nil, nil
		}
		e := entries[req.Index]
		return 0, (&wire.PathRequest{Path: e.Name}).Marshal(), nil

	case wire.OpChmod:
		var req wire.ChmodRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("chmod.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Chmod(req.Path, req.Perms, req.CallerUID, req.CallerGID)

	case wire.OpChown:
		var req wire.ChownRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("chown.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Chown(req.Path, req.Owner, req.Group, req.CallerUID, req.CallerGID)

	case wire.OpLink:
		var req wire.LinkRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("link.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Link(req.OldPath, req.NewPath)

	case wire.OpMkdir:
		var req wire.OpenRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("mkdir.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Mkdir(req.Path, req.Owner, req.Group, req.Perms)

	case wire.OpUtime:
		var req wire.UtimeRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("utime.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Utime(req.Path, req.Atime, req.Mtime, req.CallerUID, req.CallerGID)

	case wire.OpMmap:
		var req wire.ReadRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("mmap.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Mmap(req.Path, req.Offset, req.Length)

	case wire.OpUnlink:
		var req wire.PathRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("unlink.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Unlink(req.Path)

	case wire.OpSymlink:
		var req wire.SymlinkRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("symlink.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Symlink(req.Target, req.Path)

	case wire.OpReadlink:
		var req wire.PathRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("readlink.decode", "", errno.EINVAL)
		}
		target, err := s.volume.Readlink(req.Path)
		if err != nil {
			return 0, nil, err
		}
		return 0, []byte(target), nil

	case wire.OpFsync:
		var req wire.PathRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("fsync.decode", "", errno.EINVAL)
		}
		return 0, nil, s.volume.Fsync(req.Path)

	case wire.OpStatvfs:
		sv, err := s.volume.Statvfs()
		if err != nil {
			return 0, nil, err
		}
		return 0, marshalStatvfs(sv), nil

	default:
		return 0, nil, errno.New("dispatch", "", errno.ENOSYS)
	}
}

func marshalStatvfs(sv lxfs.StatvfsResult) []byte {
	resp := wire.StatvfsResponse{
		BlockSize: sv.BlockSize, TotalBlocks: sv.TotalBlocks, FreeBlocks: sv.FreeBlocks,
		VolumeName: sv.VolumeName,
	}
	return resp.Marshal()
}

func (s *server) reply(ep *transport.Endpoint, hdr wire.SyscallHeader, from *net.UnixAddr, status int64, data []byte) {
	resp := wire.SyscallHeader{
		Envelope: wire.Envelope{
			Command:  hdr.Command,
			Response: true,
			Status:   status,
			Length:   uint16(len(data)),
		},
		ID: hdr.ID,
	}
	buf := append(resp.Marshal(), data...)
	if err := ep.Reply(buf, from); err != nil {
		s.logger.Err("reply", err)
	}
}

func statusOf(err error) int64 {
	if e, ok := err.(*errno.Error); ok {
		return e.Kind.Status()
	}
	return errno.EIO.Status()
}

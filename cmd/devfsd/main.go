// Command devfsd is the device-file namespace server (spec §1, §3.6, §4.6):
// an in-memory tree of device nodes plus the pty collaborator. IOCTL, READ
// and WRITE on /dev/pts/N are served by the pty engine; nodes added through
// DEVFS_REGISTER are recorded without a driver connection, so READ and WRITE
// on them return ENODEV, and IOCTL is answered only for pty nodes. Follows the same
// device-probing main-loop shape the hardware drivers use, generalized here
// from "wait for one kind of hotplug event" to "serve a whole namespace of
// registered devices".
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/lux-operating-system/servers-sub000/internal/config"
	"github.com/lux-operating-system/servers-sub000/internal/devfs"
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/logging"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// devfs ioctl request codes this server understands on a pty secondary node
// (spec §4.6: unlockpt/grantpt/termios/winsize are all reached through
// ioctl). Not a kernel ABI, just this module's own numbering.
const (
	ioctlTermiosGet  uint32 = 1
	ioctlTermiosSet  uint32 = 2
	ioctlWinsizeGet  uint32 = 3
	ioctlWinsizeSet  uint32 = 4
	ioctlUnlockpt    uint32 = 5
	ioctlGrantpt     uint32 = 6
	ioctlSetForeground uint32 = 7
)

func main() {
	fset := flag.NewFlagSet("devfsd", flag.ExitOnError)
	common := config.Register(fset)
	listen := fset.String("listen", "unixgram:///lux/devfsd", "socket name to bind")
	vfsrouterAddr := fset.String("vfsrouter", "unixgram:///lux/vfsrouter", "VFS router socket name")
	mountPath := fset.String("mount", "/dev", "path to mount this namespace at")
	fset.Parse(nil)

	logger := logging.New("devfsd", common.Debug)

	ep, err := transport.Bind(*listen)
	if err != nil {
		log.Fatal(err)
	}
	defer ep.Close()

	s := &server{
		logger: logger,
		tree:   devfs.New(),
		ptys:   devfs.NewTable(),
	}
	s.tree.Register("/dev/ptmx", "devfsd", nil, 0o666, 0, 0, false)

	if err := advertise(*vfsrouterAddr, *listen, *mountPath); err != nil {
		logger.Err("advertise", err)
	}

	logger.Printf("serving %s at %s", *listen, *mountPath)
	s.serve(ep)
}

func advertise(routerAddr, self, mountPath string) error {
	client, err := transport.Dial(routerAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	init := wire.VFSInitMessage{FSType: "devfs", Server: self}
	if err := sendControl(client, wire.OpVFSInit, init.Marshal()); err != nil {
		return err
	}
	mount := wire.MountMessage{DevicePath: "devfs", MountPath: mountPath, FSType: "devfs"}
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
	tree   *devfs.Tree
	ptys   *devfs.Table
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
	case wire.OpDevfsRegister:
		var msg wire.DevfsRegisterMessage
		if err := msg.Unmarshal(body); err != nil {
			return 0, nil, errno.New("devfs_register.decode", "", errno.EINVAL)
		}
		s.tree.Register(msg.Name, msg.DriverName, nil, msg.Permissions, msg.Size, msg.BlockSize, msg.IsBlock)
		s.logger.Printf("registered %s (driver %s)", msg.Name, msg.DriverName)
		return 0, nil, nil

	case wire.OpDevfsChstat:
		var msg wire.DevfsChstatMessage
		if err := msg.Unmarshal(body); err != nil {
			return 0, nil, errno.New("devfs_chstat.decode", "", errno.EINVAL)
		}
		return 0, nil, s.tree.Chstat(msg.Name, msg.Owner, msg.Group, msg.Permissions)

	case wire.OpOpen:
		var req wire.OpenRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("open.decode", "", errno.EINVAL)
		}
		if req.Path == "/dev/ptmx" {
			return s.openPtmx()
		}
		if _, err := s.tree.Lookup(req.Path); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case wire.OpIoctl:
		var req wire.IoctlRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("ioctl.decode", "", errno.EINVAL)
		}
		return s.ioctl(req.Path, req.Request, req.Arg)

	case wire.OpRead:
		var req wire.ReadRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("read.decode", "", errno.EINVAL)
		}
		data, err := s.read(req.Path, req.Offset, req.Length)
		if err != nil {
			return 0, nil, err
		}
		return int64(len(data)), data, nil

	case wire.OpWrite:
		var req wire.WriteRequest
		if err := req.Unmarshal(body); err != nil {
			return 0, nil, errno.New("write.decode", "", errno.EINVAL)
		}
		n, err := s.write(req.Path, req.Data)
		if err != nil {
			return 0, nil, err
		}
		return int64(n), nil, nil

	default:
		return 0, nil, errno.New("dispatch", "", errno.ENOSYS)
	}
}

// ptyForPath recovers the pty index out of a "/dev/pts/N" path.
func ptyForPath(s *server, path string) (*devfs.Pty, error) {
	var idx int
	if _, err := fmt.Sscanf(path, "/dev/pts/%d", &idx); err != nil {
		return nil, errno.New("devfs.pty.path", path, errno.ENODEV)
	}
	return s.ptys.Get(idx)
}

// openPtmx allocates a fresh pty pair and publishes its secondary under
// "/dev/pts/N" (spec §3.7: "created on primary open"), returning that path
// to the caller so it can subsequently open the secondary half.
func (s *server) openPtmx() (int64, []byte, error) {
	p, err := s.ptys.Allocate()
	if err != nil {
		return 0, nil, err
	}
	if err := p.Open(false); err != nil {
		return 0, nil, err
	}
	name := fmt.Sprintf("/dev/pts/%d", p.Index())
	s.tree.Register(name, "devfsd", nil, 0o620, 0, 0, false)
	return 0, []byte(name), nil
}

func (s *server) ioctl(path string, request uint32, arg []byte) (int64, []byte, error) {
	p, err := ptyForPath(s, path)
	if err != nil {
		return 0, nil, err
	}
	switch request {
	case ioctlTermiosGet:
		t := p.GetTermios()
		return 0, marshalTermios(t), nil
	case ioctlTermiosSet:
		t, err := unmarshalTermios(arg)
		if err != nil {
			return 0, nil, err
		}
		p.SetTermios(t)
		return 0, nil, nil
	case ioctlWinsizeGet:
		w := p.GetWinsize()
		buf := make([]byte, 4)
		buf[0], buf[1] = byte(w.Rows), byte(w.Rows>>8)
		buf[2], buf[3] = byte(w.Cols), byte(w.Cols>>8)
		return 0, buf, nil
	case ioctlWinsizeSet:
		if len(arg) < 4 {
			return 0, nil, errno.New("ioctl.winsize", path, errno.EINVAL)
		}
		p.SetWinsize(devfs.Winsize{
			Rows: uint16(arg[0]) | uint16(arg[1])<<8,
			Cols: uint16(arg[2]) | uint16(arg[3])<<8,
		})
		return 0, nil, nil
	case ioctlUnlockpt:
		p.Unlockpt()
		return 0, nil, nil
	case ioctlGrantpt:
		var uid uint16
		if len(arg) >= 2 {
			uid = uint16(arg[0]) | uint16(arg[1])<<8
		}
		owner, perms := p.Grantpt(uid)
		if err := s.tree.Chstat(path, owner, 0, perms); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil
	case ioctlSetForeground:
		if len(arg) < 4 {
			return 0, nil, errno.New("ioctl.foreground", path, errno.EINVAL)
		}
		pgid := int32(arg[0]) | int32(arg[1])<<8 | int32(arg[2])<<16 | int32(arg[3])<<24
		p.SetForegroundGroup(pgid)
		return 0, nil, nil
	default:
		return 0, nil, errno.New("ioctl", path, errno.ENOTTY)
	}
}

func (s *server) read(path string, offset uint64, length int) ([]byte, error) {
	if p, err := ptyForPath(s, path); err == nil {
		return p.ReadSecondary(length)
	}
	return s.tree.Read(path, offset, length)
}

func (s *server) write(path string, data []byte) (int, error) {
	if p, err := ptyForPath(s, path); err == nil {
		p.WriteSecondary(data)
		return len(data), nil
	}
	return s.tree.Write(path, 0, data)
}

func marshalTermios(t devfs.Termios) []byte {
	buf := make([]byte, 16+len(t.CC))
	putU32(buf[0:4], t.Iflag)
	putU32(buf[4:8], t.Oflag)
	putU32(buf[8:12], t.Cflag)
	putU32(buf[12:16], t.Lflag)
	copy(buf[16:], t.CC[:])
	return buf
}

func unmarshalTermios(buf []byte) (devfs.Termios, error) {
	if len(buf) < 16 {
		return devfs.Termios{}, errno.New("ioctl.termios", "", errno.EINVAL)
	}
	var t devfs.Termios
	t.Iflag = getU32(buf[0:4])
	t.Oflag = getU32(buf[4:8])
	t.Cflag = getU32(buf[8:12])
	t.Lflag = getU32(buf[12:16])
	copy(t.CC[:], buf[16:])
	return t, nil
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
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

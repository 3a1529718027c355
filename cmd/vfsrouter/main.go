// Command vfsrouter is the VFS router server (spec §4.1): it holds the
// mount table, resolves every incoming syscall message's path to the
// longest-matching mount, rewrites the path to be filesystem-relative, and
// forwards the message to the owning filesystem server: a FUSE-style
// mount-loop shape generalized from "one FUSE mount" to "the whole mount
// table".
package main

import (
	"flag"
	"log"
	"net"

	"github.com/lux-operating-system/servers-sub000/internal/config"
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/logging"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/vfsrouter"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

func main() {
	fset := flag.NewFlagSet("vfsrouter", flag.ExitOnError)
	common := config.Register(fset)
	listen := fset.String("listen", "unixgram:///lux/vfsrouter", "socket name to bind")
	healthListen := fset.String("health-listen", "", "address for the gRPC health service (empty disables it)")
	fset.Parse(nil)

	logger := logging.New("vfsrouter", common.Debug)

	ep, err := transport.Bind(*listen)
	if err != nil {
		log.Fatal(err)
	}
	defer ep.Close()

	if *healthListen != "" {
		go serveHealth(logger, *healthListen)
	}

	s := &server{
		logger: logger,
		router: vfsrouter.New(),
		clients: make(map[string]*transport.Client),
	}
	logger.Printf("listening on %s", *listen)
	s.serve(ep)
}

type server struct {
	logger  *logging.Logger
	router  *vfsrouter.Router
	clients map[string]*transport.Client
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

	if hdr.Command == wire.OpVFSInit {
		s.handleVFSInit(ep, hdr, body, from)
		return
	}
	if hdr.Command == wire.OpMount {
		s.handleMount(ep, hdr, body, from)
		return
	}
	s.forward(ep, hdr, body, from)
}

// handleVFSInit registers a filesystem server's type advertisement as a root
// mount candidate; the MOUNT handler below is what actually attaches it
// under a path, mirroring the two-step "server announces itself, then kernel
// issues mount()" sequence of spec §4.1/§6.2.
func (s *server) handleVFSInit(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var msg wire.VFSInitMessage
	if err := msg.Unmarshal(body); err != nil {
		s.logger.Err("vfs_init.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	s.logger.Printf("%s advertised as %s", msg.Server, msg.FSType)
	s.reply(ep, hdr, from, 0, nil)
}

func (s *server) handleMount(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var msg wire.MountMessage
	if err := msg.Unmarshal(body); err != nil {
		s.logger.Err("mount.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	if err := s.router.Mount(msg.MountPath, msg.DevicePath, msg.FSType); err != nil {
		kind, _ := errno.FromStatus(statusOf(err))
		s.logger.Err("mount", err)
		s.reply(ep, hdr, from, kind.Status(), nil)
		return
	}
	s.logger.Printf("mounted %s (%s) at %s", msg.DevicePath, msg.FSType, msg.MountPath)
	s.reply(ep, hdr, from, 0, nil)
}

// forward resolves path from body, rewrites it to be filesystem-relative,
// and relays the request to the owning server, copying its reply straight
// back to the original caller (spec §4.1 "Control flow (per request)").
func (s *server) forward(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var path wire.PathRequest
	if err := path.Unmarshal(body); err != nil {
		s.logger.Err("forward.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	mount, rel, err := s.router.Dispatch(hdr.Command, path.Path)
	if err != nil {
		kind, _ := errno.FromStatus(statusOf(err))
		s.reply(ep, hdr, from, kind.Status(), nil)
		return
	}

	client, err := s.clientFor(mount.Server)
	if err != nil {
		s.logger.Err("forward.dial", err)
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}

	rewritten := append([]byte{}, hdr.Marshal()...)
	rewritten = append(rewritten, (&wire.PathRequest{Path: rel}).Marshal()...)
	rewritten = append(rewritten, body[len(path.Marshal()):]...)

	if err := client.Send(rewritten); err != nil {
		s.logger.Err("forward.send", err)
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	resp, err := client.Receive()
	if err != nil {
		s.logger.Err("forward.receive", err)
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	if err := ep.Reply(resp, from); err != nil {
		s.logger.Err("forward.reply", err)
	}
}

func (s *server) clientFor(name string) (*transport.Client, error) {
	if c, ok := s.clients[name]; ok {
		return c, nil
	}
	c, err := transport.Dial(name)
	if err != nil {
		return nil, err
	}
	s.clients[name] = c
	return c, nil
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

// statusOf extracts the errno.Kind status code from an error that may or may
// not be an *errno.Error, defaulting to EIO.
func statusOf(err error) int64 {
	if e, ok := err.(*errno.Error); ok {
		return e.Kind.Status()
	}
	return errno.EIO.Status()
}

// Command atadrv is the ATA/IDE hardware driver (spec §4.4): it discovers an
// IDE controller over PCI, runs IDENTIFY against each drive on the legacy
// primary/secondary channels, registers every drive it finds with sdevd, and
// serves SDEV_READ/SDEV_WRITE against the real ports via internal/ata.
// Follows the scan/identify/announce/wait device-probing flow this module's
// drivers share, generalized from "one boot-time probe" to "a standing
// server".
package main

import (
	"flag"
	"log"
	"net"

	"github.com/lux-operating-system/servers-sub000/internal/ata"
	"github.com/lux-operating-system/servers-sub000/internal/config"
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/logging"
	"github.com/lux-operating-system/servers-sub000/internal/pci"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// legacy I/O port bases for the primary/secondary IDE channels (spec §6.5),
// used when a controller's BAR0/BAR2 report the legacy-compatibility values
// PCI gives non-native-mode IDE functions.
var channelBases = [2]uint16{0x1F0, 0x170}

func main() {
	fset := flag.NewFlagSet("atadrv", flag.ExitOnError)
	common := config.Register(fset)
	listen := fset.String("listen", "unixgram:///lux/atadrv", "socket name to bind")
	sdevAddr := fset.String("sdev", "unixgram:///lux/sdevd", "SDEV socket name")
	fset.Parse(nil)

	logger := logging.New("atadrv", common.Debug)

	devices, err := pci.Scan()
	if err != nil {
		log.Fatal(err)
	}
	controllers := pci.FindByClass(devices, 0x01, 0x01, 0x00)
	if len(controllers) == 0 {
		logger.Printf("no IDE controller found")
	}

	ep, err := transport.Bind(*listen)
	if err != nil {
		log.Fatal(err)
	}
	defer ep.Close()

	s := &server{logger: logger, devices: make(map[uint32]*driveState)}

	var nextDeviceID uint32
	for channel := 0; channel < 2; channel++ {
		ports, err := openChannel(channel)
		if err != nil {
			logger.Err("open channel", err)
			continue
		}
		for drive := 0; drive < 2; drive++ {
			dev, err := ata.Identify(ports, channel, drive)
			if err != nil {
				continue
			}
			id := nextDeviceID
			nextDeviceID++
			s.devices[id] = &driveState{ports: ports, dev: dev}
			if err := registerWithSDev(*sdevAddr, *listen, id, dev.Sectors, uint32(dev.SectorSize)); err != nil {
				logger.Err("sdev register", err)
				continue
			}
			logger.Printf("registered device %d: channel %d drive %d %q (%d sectors * %d bytes)",
				id, channel, drive, dev.Model, dev.Sectors, dev.SectorSize)
		}
	}

	logger.Printf("serving %s", *listen)
	s.serve(ep)
}

func openChannel(channel int) (ata.Ports, error) {
	return ata.OpenLinuxPorts(channelBases[channel])
}

func registerWithSDev(sdevAddr, self string, deviceID uint32, sectors uint64, sectorSize uint32) error {
	client, err := transport.Dial(sdevAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	msg := wire.SDevRegisterMessage{
		DriverServer: self, DeviceID: deviceID, Sectors: sectors, SectorSize: sectorSize, Partitioned: false,
	}
	payload := msg.Marshal()
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: wire.OpSDevRegister, Length: uint16(len(payload))}}
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
		return errno.New("sdev_register", "", kind)
	}
	return nil
}

type driveState struct {
	ports ata.Ports
	dev   *ata.Device
}

type server struct {
	logger  *logging.Logger
	devices map[uint32]*driveState
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
	var env wire.Envelope
	if err := env.Unmarshal(payload); err != nil {
		s.logger.Err("decode", err)
		return
	}
	body := payload[wire.EnvelopeSize:]

	switch env.Command {
	case wire.OpSDevRead:
		s.handleRead(ep, env, body, from)
	case wire.OpSDevWrite:
		s.handleWrite(ep, env, body, from)
	default:
		s.reply(ep, env, from, errno.ENOSYS.Status(), nil)
	}
}

func (s *server) handleRead(ep *transport.Endpoint, env wire.Envelope, body []byte, from *net.UnixAddr) {
	var req wire.SDevIORequest
	if err := req.Unmarshal(body); err != nil {
		s.reply(ep, env, from, errno.EINVAL.Status(), nil)
		return
	}
	drive, ok := s.devices[req.DeviceID]
	if !ok {
		s.reply(ep, env, from, errno.ENODEV.Status(), nil)
		return
	}
	data, err := ata.ReadSectors(drive.ports, drive.dev, req.Start, uint16(req.Count))
	if err != nil {
		s.reply(ep, env, from, errno.EIO.Status(), nil)
		return
	}
	s.reply(ep, env, from, int64(len(data)), data)
}

func (s *server) handleWrite(ep *transport.Endpoint, env wire.Envelope, body []byte, from *net.UnixAddr) {
	var req wire.SDevIORequest
	if err := req.Unmarshal(body); err != nil {
		s.reply(ep, env, from, errno.EINVAL.Status(), nil)
		return
	}
	drive, ok := s.devices[req.DeviceID]
	if !ok {
		s.reply(ep, env, from, errno.ENODEV.Status(), nil)
		return
	}
	if err := ata.WriteSectors(drive.ports, drive.dev, req.Start, req.Data); err != nil {
		s.reply(ep, env, from, errno.EIO.Status(), nil)
		return
	}
	s.reply(ep, env, from, int64(len(req.Data)), nil)
}

func (s *server) reply(ep *transport.Endpoint, env wire.Envelope, from *net.UnixAddr, status int64, data []byte) {
	resp := wire.Envelope{Command: env.Command, Response: true, Status: status, Length: uint16(len(data))}
	buf := append(resp.Marshal(), data...)
	if err := ep.Reply(buf, from); err != nil {
		s.logger.Err("reply", err)
	}
}

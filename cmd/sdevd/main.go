// Command sdevd is the storage-device abstraction server (spec §4.3): it
// accepts SDEV_REGISTER announcements from hardware drivers, assigns each a
// "/sdN" name, and relays byte-addressed READ/WRITE requests from the rest
// of the I/O plane into the driver's sector-addressed protocol. Follows the
// parse-flags/bind-one-socket/serve-forever main-loop shape common to every
// server in this module, generalized from "wait for a block device, mount
// it" to "relay forever".
package main

import (
	"flag"
	"log"
	"net"
	"net/http"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lux-operating-system/servers-sub000/internal/config"
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/logging"
	"github.com/lux-operating-system/servers-sub000/internal/sdev"
	"github.com/lux-operating-system/servers-sub000/internal/transport"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

func main() {
	fset := flag.NewFlagSet("sdevd", flag.ExitOnError)
	common := config.Register(fset)
	listen := fset.String("listen", "unixgram:///lux/sdevd", "socket name to bind")
	metricsAddr := fset.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	fset.Parse(nil)

	logger := logging.New("sdevd", common.Debug)

	ep, err := transport.Bind(*listen)
	if err != nil {
		log.Fatal(err)
	}
	defer ep.Close()

	reg := prometheus.NewRegistry()
	s := &server{
		logger:   logger,
		registry: sdev.New(),
		drivers:  make(map[string]*driverClient),
		metrics:  sdev.NewMetrics(reg),
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Err("metrics", http.ListenAndServe(*metricsAddr, mux))
		}()
	}
	logger.Printf("listening on %s", *listen)
	s.serve(ep)
}

// driverClient is the sdev.Driver adapter around a dialed connection to a
// hardware driver server, translating the registry's sector-addressed calls
// into SDEV_READ/SDEV_WRITE wire requests (spec §6.2, table: "sdev↔driver").
type driverClient struct {
	client     *transport.Client
	sectorSize int
	sectors    uint64
}

func (d *driverClient) ReadSectors(deviceID uint32, start, count uint64) ([]byte, error) {
	req := wire.SDevIORequest{DeviceID: deviceID, Start: start, Count: count}
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: wire.OpSDevRead}}
	payload := req.Marshal()
	hdr.Length = uint16(len(payload))
	if err := d.client.Send(append(hdr.Marshal(), payload...)); err != nil {
		return nil, err
	}
	resp, err := d.client.Receive()
	if err != nil {
		return nil, err
	}
	return decodeIOReply(resp)
}

func (d *driverClient) WriteSectors(deviceID uint32, start uint64, data []byte) error {
	req := wire.SDevIORequest{DeviceID: deviceID, Start: start, Data: data}
	hdr := wire.SyscallHeader{Envelope: wire.Envelope{Command: wire.OpSDevWrite}}
	payload := req.Marshal()
	hdr.Length = uint16(len(payload))
	if err := d.client.Send(append(hdr.Marshal(), payload...)); err != nil {
		return err
	}
	resp, err := d.client.Receive()
	if err != nil {
		return err
	}
	_, err = decodeIOReply(resp)
	return err
}

func (d *driverClient) SectorSize() int { return d.sectorSize }

func (d *driverClient) SectorCount(deviceID uint32) (uint64, error) { return d.sectors, nil }

func decodeIOReply(buf []byte) ([]byte, error) {
	var env wire.Envelope
	if err := env.Unmarshal(buf); err != nil {
		return nil, err
	}
	if env.Status < 0 {
		kind, _ := errno.FromStatus(env.Status)
		return nil, errno.New("sdevd.relay", "", kind)
	}
	return buf[wire.EnvelopeSize:], nil
}

type server struct {
	logger   *logging.Logger
	registry *sdev.Registry
	drivers  map[string]*driverClient
	metrics  *sdev.Metrics
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

	switch hdr.Command {
	case wire.OpSDevRegister:
		s.handleRegister(ep, hdr, body, from)
	case wire.OpRead:
		s.handleRead(ep, hdr, body, from)
	case wire.OpWrite:
		s.handleWrite(ep, hdr, body, from)
	default:
		s.reply(ep, hdr, from, errno.ENOSYS.Status(), nil)
	}
}

func (s *server) handleRegister(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var msg wire.SDevRegisterMessage
	if err := msg.Unmarshal(body); err != nil {
		s.logger.Err("sdev_register.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	client, err := transport.Dial(msg.DriverServer)
	if err != nil {
		s.logger.Err("sdev_register.dial", err)
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	dc := &driverClient{client: client, sectorSize: int(msg.SectorSize), sectors: msg.Sectors}
	dev, err := s.registry.Register(msg.DriverServer, msg.DeviceID, dc)
	if err != nil {
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	s.drivers[dev.Name] = dc
	s.logger.Printf("registered %s (driver %s, device %d, %s)",
		dev.Name, msg.DriverServer, msg.DeviceID, units.BytesSize(float64(msg.Sectors*uint64(msg.SectorSize))))
	s.reply(ep, hdr, from, 0, nil)
}

func (s *server) handleRead(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var req wire.ReadRequest
	if err := req.Unmarshal(body); err != nil {
		s.logger.Err("sdev_read.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	dev, err := s.registry.Lookup(req.Path)
	if err != nil {
		s.metrics.Errors.Inc()
		s.reply(ep, hdr, from, errno.ENODEV.Status(), nil)
		return
	}
	data, err := dev.Read(req.Offset, req.Length)
	if err != nil {
		s.metrics.Errors.Inc()
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	s.metrics.Reads.Inc()
	s.metrics.BytesRead.Add(float64(len(data)))
	s.reply(ep, hdr, from, int64(len(data)), data)
}

func (s *server) handleWrite(ep *transport.Endpoint, hdr wire.SyscallHeader, body []byte, from *net.UnixAddr) {
	var req wire.WriteRequest
	if err := req.Unmarshal(body); err != nil {
		s.logger.Err("sdev_write.decode", err)
		s.reply(ep, hdr, from, errno.EINVAL.Status(), nil)
		return
	}
	dev, err := s.registry.Lookup(req.Path)
	if err != nil {
		s.metrics.Errors.Inc()
		s.reply(ep, hdr, from, errno.ENODEV.Status(), nil)
		return
	}
	n, err := dev.Write(req.Offset, req.Data)
	if err != nil {
		s.metrics.Errors.Inc()
		s.reply(ep, hdr, from, errno.EIO.Status(), nil)
		return
	}
	s.metrics.Writes.Inc()
	s.metrics.BytesWritten.Add(float64(n))
	s.reply(ep, hdr, from, int64(n), nil)
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

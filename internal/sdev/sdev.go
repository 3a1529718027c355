// Package sdev implements the storage-device abstraction (spec §3.5):
// a registry of "/sdN"-named devices, each backed by a hardware driver, and
// the byte-addressed READ/WRITE relay that translates a filesystem server's
// requests into a driver's native (start sector, sector count, device id)
// form: this sits between a filesystem consumer and raw block devices,
// translating between a generic "device became available" event and
// filesystem-specific action.
package sdev

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// Driver is the relay's view of a hardware driver server: sector-addressed
// I/O plus a fixed sector size and capacity, everything the SDEV layer
// needs to convert byte offsets (spec §3.5).
type Driver interface {
	ReadSectors(deviceID uint32, start, count uint64) ([]byte, error)
	WriteSectors(deviceID uint32, start uint64, data []byte) error
	SectorSize() int
	SectorCount(deviceID uint32) (uint64, error)
}

// Device is one registered storage device.
type Device struct {
	Name       string
	DriverName string // transport socket name of the owning driver
	DeviceID   uint32
	driver     Driver
}

// Registry tracks every device registered via SDEV_REGISTER (spec §3.5,
// §6.2 opcode 0xE001).
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	next    int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register assigns the next "/sdN" name to a newly discovered device.
func (r *Registry) Register(driverName string, deviceID uint32, driver Driver) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := fmt.Sprintf("/sd%d", r.next)
	r.next++
	d := &Device{Name: name, DriverName: driverName, DeviceID: deviceID, driver: driver}
	r.devices[name] = d
	return d, nil
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, errno.New("sdev.lookup", name, errno.ENODEV)
	}
	return d, nil
}

// Names returns every registered device name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Read relays a byte-addressed read (spec §6.2 SDEV_READ, 0xE003) to the
// device's driver, rounding down/up to whole sectors and trimming the
// result back to the caller's exact byte range.
func (d *Device) Read(byteOffset uint64, length int) ([]byte, error) {
	ss := uint64(d.driver.SectorSize())
	startSector := byteOffset / ss
	endByte := byteOffset + uint64(length)
	endSector := (endByte + ss - 1) / ss
	count := endSector - startSector
	if count == 0 {
		return nil, nil
	}
	raw, err := d.driver.ReadSectors(d.DeviceID, startSector, count)
	if err != nil {
		return nil, errno.New("sdev.read", d.Name, errno.EIO)
	}
	skip := byteOffset - startSector*ss
	if skip+uint64(length) > uint64(len(raw)) {
		return raw[skip:], nil
	}
	return raw[skip : skip+uint64(length)], nil
}

// Write relays a byte-addressed write (spec §6.2 SDEV_WRITE, 0xE004). A
// write that doesn't align to sector boundaries requires a read-modify-write
// of the partial sectors at either end, since the driver only ever sees
// whole sectors.
func (d *Device) Write(byteOffset uint64, data []byte) (int, error) {
	ss := uint64(d.driver.SectorSize())
	startSector := byteOffset / ss
	endByte := byteOffset + uint64(len(data))
	endSector := (endByte + ss - 1) / ss
	count := endSector - startSector

	existing, err := d.driver.ReadSectors(d.DeviceID, startSector, count)
	if err != nil {
		return 0, errno.New("sdev.write", d.Name, errno.EIO)
	}
	skip := byteOffset - startSector*ss
	if skip+uint64(len(data)) > uint64(len(existing)) {
		grown := make([]byte, skip+uint64(len(data)))
		copy(grown, existing)
		existing = grown
	}
	copy(existing[skip:skip+uint64(len(data))], data)

	if err := d.driver.WriteSectors(d.DeviceID, startSector, existing); err != nil {
		return 0, errno.New("sdev.write", d.Name, errno.EIO)
	}
	return len(data), nil
}

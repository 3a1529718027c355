// Package pci enumerates PCI devices through Linux's sysfs (spec §4.4, §4.5:
// "discovered via PCI class/subclass"). It is the discovery layer shared by
// the ATA and NVMe driver binaries; the state machines in internal/ata and
// internal/nvme never import this package directly, keeping them testable
// against fakes as already exercised by their _test.go files.
package pci

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// sysfsRoot is overridable in tests.
var sysfsRoot = "/sys/bus/pci/devices"

// Device describes one PCI function as reported by sysfs.
type Device struct {
	Address  string // e.g. "0000:00:1f.2"
	Class    uint32 // 24-bit class/subclass/prog-if, as in the "class" sysfs file
	BARs     [6]uint64
	BARSizes [6]uint64
}

// ClassSubclassProgIF reports the three bytes spec §4.4/§4.5 match against
// ("01/01" for IDE, "01/08/02" for NVMe).
func (d Device) ClassSubclassProgIF() (class, subclass, progIF uint8) {
	return uint8(d.Class >> 16), uint8(d.Class >> 8), uint8(d.Class)
}

// Scan enumerates every device under sysfsRoot, reading its class and BAR
// resources (spec §4.4: "read BAR registers"; §4.5: "read BAR0 and BAR0
// size").
func Scan() ([]Device, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("pci: reading %s: %w", sysfsRoot, err)
	}
	var out []Device
	for _, ent := range entries {
		addr := ent.Name()
		dev, err := readDevice(addr)
		if err != nil {
			continue // a transient/incomplete sysfs entry is skipped, not fatal to the scan
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func readDevice(addr string) (Device, error) {
	dir := filepath.Join(sysfsRoot, addr)
	classRaw, err := os.ReadFile(filepath.Join(dir, "class"))
	if err != nil {
		return Device{}, err
	}
	class, err := parseHex(classRaw)
	if err != nil {
		return Device{}, err
	}
	dev := Device{Address: addr, Class: uint32(class)}

	resource, err := os.Open(filepath.Join(dir, "resource"))
	if err == nil {
		defer resource.Close()
		scanner := bufio.NewScanner(resource)
		for i := 0; i < 6 && scanner.Scan(); i++ {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 2 {
				continue
			}
			start, err1 := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
			end, err2 := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			if err1 == nil && err2 == nil && end >= start && start != 0 {
				dev.BARs[i] = start
				dev.BARSizes[i] = end - start + 1
			}
		}
	}
	return dev, nil
}

func parseHex(raw []byte) (uint64, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// FindByClass returns every scanned device whose (class, subclass, progIF)
// matches exactly.
func FindByClass(devices []Device, class, subclass, progIF uint8) []Device {
	var out []Device
	for _, d := range devices {
		c, s, p := d.ClassSubclassProgIF()
		if c == class && s == subclass && p == progIF {
			out = append(out, d)
		}
	}
	return out
}

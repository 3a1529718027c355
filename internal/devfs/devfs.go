// Package devfs implements the device-file namespace server's testable
// core (spec §1 "a fourth, lighter collaborator... specified only at the
// interface level because its role is almost entirely dispatch"): an
// in-memory tree of device nodes, and the routing of IOCTL/READ/WRITE to
// whichever external driver registered that node: one struct fielding every
// syscall, generalized here from "one backend" to "one registry per node",
// the same shape vfsrouter reuses for the VFS-wide case.
package devfs

import (
	"sort"
	"sync"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
)

// Driver is whatever external process owns a device node's actual I/O
// (spec §6.2: "driver->devfs" DEVFS_REGISTER, then devfs routes IOCTL/
// READ/WRITE back out to that same driver).
type Driver interface {
	Ioctl(node string, request uint32, arg []byte) ([]byte, error)
	Read(node string, offset uint64, length int) ([]byte, error)
	Write(node string, offset uint64, data []byte) (int, error)
}

// Node is one entry in the device tree.
type Node struct {
	Name        string
	DriverName  string
	Owner       uint16
	Group       uint16
	Permissions uint16
	Size        uint64
	BlockSize   uint32
	IsBlock     bool // block device (SDEV-backed) vs character device
	driver      Driver
}

// Tree is the in-memory device node namespace (spec §3.6/§4.6 "devfs...
// owns an in-memory tree of device nodes").
type Tree struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// New returns an empty device tree.
func New() *Tree {
	return &Tree{nodes: make(map[string]*Node)}
}

// Register publishes a device node (spec §6.2 DEVFS_REGISTER, 0xD000), used
// both for SDEV's "/sdN" block devices and for character devices like
// ptys/tty/kbd/fb registering directly.
func (t *Tree) Register(name string, driverName string, driver Driver, perms uint16, size uint64, blockSize uint32, isBlock bool) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &Node{
		Name: name, DriverName: driverName, driver: driver,
		Permissions: perms, Size: size, BlockSize: blockSize, IsBlock: isBlock,
	}
	t.nodes[name] = n
	return n
}

// Lookup returns the node registered under name.
func (t *Tree) Lookup(name string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[name]
	if !ok {
		return nil, errno.New("devfs.lookup", name, errno.ENOENT)
	}
	return n, nil
}

// Names lists every registered node, sorted (used by the devfs server's
// readdir handling, the one directory-shaped operation this namespace
// supports).
func (t *Tree) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.nodes))
	for n := range t.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Chstat updates a node's ownership/permissions (spec §6.2 DEVFS_CHSTAT,
// 0xD003), used by grantpt (spec §4.6: "grantpt issues a devfs chstat to
// make the secondary rw--w---- owned by the calling uid").
func (t *Tree) Chstat(name string, owner, group, perms uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[name]
	if !ok {
		return errno.New("devfs.chstat", name, errno.ENOENT)
	}
	n.Owner, n.Group, n.Permissions = owner, group, perms
	return nil
}

// Ioctl, Read and Write relay to the owning node's driver (spec §4.1:
// "ioctl is valid only when the resolved type is the device-file namespace
// server"; devfs itself just forwards once the VFS router has already
// confirmed that).
func (t *Tree) Ioctl(name string, request uint32, arg []byte) ([]byte, error) {
	n, err := t.Lookup(name)
	if err != nil {
		return nil, err
	}
	if n.driver == nil {
		return nil, errno.New("devfs.ioctl", name, errno.ENOTTY)
	}
	return n.driver.Ioctl(name, request, arg)
}

func (t *Tree) Read(name string, offset uint64, length int) ([]byte, error) {
	n, err := t.Lookup(name)
	if err != nil {
		return nil, err
	}
	if n.driver == nil {
		return nil, errno.New("devfs.read", name, errno.ENODEV)
	}
	return n.driver.Read(name, offset, length)
}

func (t *Tree) Write(name string, offset uint64, data []byte) (int, error) {
	n, err := t.Lookup(name)
	if err != nil {
		return 0, err
	}
	if n.driver == nil {
		return 0, errno.New("devfs.write", name, errno.ENODEV)
	}
	return n.driver.Write(name, offset, data)
}

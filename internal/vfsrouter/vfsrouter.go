// Package vfsrouter implements the VFS router (spec §4.1): the single
// process every syscall message from the kernel shim passes through before
// reaching a filesystem server. It keeps the mount table and performs
// longest-prefix-match resolution, using a one-method-per-operation
// dispatcher generalized from "one struct implements every op" to "one
// struct routes every op to the right backend".
package vfsrouter

import (
	"sort"
	"strings"
	"sync"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// MaxMounts bounds the mount table (spec §4.1 invariant: "the mount table
// holds at most 128 entries").
const MaxMounts = 128

// Mount describes one entry in the mount table.
type Mount struct {
	Path   string // canonical, "/"-separated, no trailing slash except root
	Server string // transport name of the owning filesystem server
	FSType string // e.g. "lxfs", "devfs"
}

// Router holds the live mount table and dispatches syscalls by mountpoint.
type Router struct {
	mu     sync.RWMutex
	mounts []Mount // kept sorted by descending path length for longest-prefix scan
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Mount registers a filesystem server at path (spec §4.1, VFS_INIT handling).
// It rejects a duplicate mountpoint and enforces the MaxMounts bound.
func (r *Router) Mount(path, server, fstype string) error {
	path = normalize(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.mounts) >= MaxMounts {
		return errno.New("mount", path, errno.ENOSPC)
	}
	for _, m := range r.mounts {
		if m.Path == path {
			return errno.New("mount", path, errno.EEXIST)
		}
	}
	r.mounts = append(r.mounts, Mount{Path: path, Server: server, FSType: fstype})
	// Longest path first so Resolve's linear scan finds the longest prefix
	// match first; ties broken by insertion order (stable sort).
	sort.SliceStable(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].Path) > len(r.mounts[j].Path)
	})
	return nil
}

// Unmount removes a mountpoint. Busy-check (open file handles) is the
// filesystem server's responsibility, not the router's (spec §4.1 Non-goals).
func (r *Router) Unmount(path string) error {
	path = normalize(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.mounts {
		if m.Path == path {
			r.mounts = append(r.mounts[:i], r.mounts[i+1:]...)
			return nil
		}
	}
	return errno.New("unmount", path, errno.EINVAL)
}

// Resolve finds the mount owning path by longest-prefix match (spec §4.1
// invariant 6: "the mountpoint chosen is always the longest matching
// prefix, never merely the first in table order"), returning the mount and
// the path remainder relative to it (always starting with "/", or exactly
// "/" when path equals the mountpoint).
func (r *Router) Resolve(path string) (Mount, string, error) {
	path = normalize(path)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mounts {
		if m.Path == "/" {
			continue // root is the fallback, tried last
		}
		if path == m.Path {
			return m, "/", nil
		}
		if strings.HasPrefix(path, m.Path+"/") {
			rel := strings.TrimPrefix(path, m.Path)
			return m, rel, nil
		}
	}
	for _, m := range r.mounts {
		if m.Path == "/" {
			rel := path
			if rel == "" {
				rel = "/"
			}
			return m, rel, nil
		}
	}
	return Mount{}, "", errno.New("resolve", path, errno.ENOENT)
}

// SameMount reports whether a and b resolve under the identical mountpoint,
// the precondition link() must check before proceeding (spec §4.3: a
// hard link spanning two mounted filesystems is rejected with EXDEV).
func (r *Router) SameMount(a, b string) (bool, error) {
	ma, _, err := r.Resolve(a)
	if err != nil {
		return false, err
	}
	mb, _, err := r.Resolve(b)
	if err != nil {
		return false, err
	}
	return ma.Path == mb.Path, nil
}

// RequireSameMount is the EXDEV guard used by link() handling (spec §4.3).
func (r *Router) RequireSameMount(op, a, b string) error {
	same, err := r.SameMount(a, b)
	if err != nil {
		return err
	}
	if !same {
		return errno.New(op, a, errno.EXDEV)
	}
	return nil
}

// AllowsIoctl reports whether op can be sent to the mount owning path. Per
// spec §4.1, IOCTL is only ever routed to devfs-typed mounts; every other
// filesystem type receives ENOTTY for it.
func (r *Router) AllowsIoctl(path string) error {
	m, _, err := r.Resolve(path)
	if err != nil {
		return err
	}
	if m.FSType != "devfs" {
		return errno.New("ioctl", path, errno.ENOTTY)
	}
	return nil
}

// Dispatch resolves path and returns the owning Mount (whose Server names
// the socket the opcode is forwarded to) and the mount-relative path,
// applying the IOCTL-to-devfs-only rule up front so callers don't have to
// special-case it themselves.
func (r *Router) Dispatch(op wire.Opcode, path string) (Mount, string, error) {
	if op == wire.OpIoctl {
		if err := r.AllowsIoctl(path); err != nil {
			return Mount{}, "", err
		}
	}
	return r.Resolve(path)
}

// Mounts returns a snapshot of the current mount table, longest path first.
func (r *Router) Mounts() []Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mount, len(r.mounts))
	copy(out, r.mounts)
	return out
}

package lxfs

import (
	"time"

	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// isFileLike reports whether a directory entry's type carries file content
// (a plain file or a hard link aliasing one) as opposed to a directory or
// symlink.
func isFileLike(t uint16) bool {
	return t == wire.DirTypeFile || t == wire.DirTypeHardLink
}

func now() uint64 { return uint64(time.Now().Unix()) }

// Stat is the metadata lxfs returns for a path (spec §4.2.6).
type Stat struct {
	Type        uint16
	Owner       uint16
	Group       uint16
	Permissions uint16
	Size        uint64
	CreateTime  uint64
	ModTime     uint64
	AccessTime  uint64
}

// Stat resolves path and reports its metadata. The volume root has no
// directory entry of its own; it is reported as an empty, root-permissioned
// directory.
func (v *Volume) Stat(path string) (Stat, error) {
	r, err := v.find(path)
	if err != nil {
		return Stat{}, err
	}
	if r.entry == nil {
		return Stat{Type: wire.DirTypeDir, Permissions: wire.PermOwnerR | wire.PermOwnerW | wire.PermOwnerX |
			wire.PermGroupR | wire.PermGroupX | wire.PermOtherR | wire.PermOtherX}, nil
	}
	e := r.entry
	return Stat{
		Type: e.Type(), Owner: e.Owner, Group: e.Group, Permissions: e.Permissions,
		Size: e.Size, CreateTime: e.CreateTime, ModTime: e.ModTime, AccessTime: e.AccessTime,
	}, nil
}

// readFileData loads a file chain's header and exactly Size bytes of
// content (the chain itself may be rounded up to a whole number of blocks;
// callers never see that padding).
func (v *Volume) readFileData(block uint64) (*wire.FileHeader, []byte, error) {
	raw, err := v.readChain(block)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < wire.FileHeaderSize {
		return nil, nil, errno.New("read", "", errno.EIO)
	}
	hdr, err := wire.UnmarshalFileHeader(raw[:wire.FileHeaderSize])
	if err != nil {
		return nil, nil, errno.New("read", "", errno.EIO)
	}
	payload := raw[wire.FileHeaderSize:]
	if uint64(len(payload)) > hdr.Size {
		payload = payload[:hdr.Size]
	}
	return hdr, payload, nil
}

// writeFileData serializes hdr+data into block's chain (or allocates a
// fresh chain when block is 0, for file/symlink creation) and returns the
// chain's head block.
func (v *Volume) writeFileData(block uint64, hdr *wire.FileHeader, data []byte) (uint64, error) {
	buf := make([]byte, 0, wire.FileHeaderSize+len(data))
	buf = append(buf, hdr.Marshal()...)
	buf = append(buf, data...)
	newHead, err := v.writeChain(block, buf)
	if err != nil {
		return 0, err
	}
	if block != 0 && newHead != block {
		return 0, errno.New("write", "", errno.EIO)
	}
	return newHead, nil
}

// Read implements the read() operation (spec §4.2.5): offset past end of
// file returns zero bytes, never an error.
func (v *Volume) Read(path string, offset uint64, length int) ([]byte, error) {
	r, err := v.find(path)
	if err != nil {
		return nil, err
	}
	if r.entry == nil || !isFileLike(r.entry.Type()) {
		return nil, errno.New("read", path, errno.EISDIR)
	}
	_, data, err := v.readFileData(r.entry.Block)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

// Write implements the write() operation (spec §4.2.5, §9).
//
// The original write() handler unconditionally added the write's length to
// the file's recorded size (metadata->size += wcmd->length), so overwriting
// bytes already inside the file inflated its reported size by the write
// length every time, independent of whether the write actually extended the
// file. Per spec §9 this needed an explicit decision rather than a silent
// carry-over: implemented here, the file's logical content is the source of
// truth (read-modify-write over the existing byte range), so size only
// grows when offset+len(buf) exceeds the file's current size — a pure
// in-place overwrite leaves size unchanged.
//
// offset == wire.AppendOffset is the O_APPEND sentinel and is translated to
// the file's current size before anything else. An offset left past the
// file's current size after that translation is unspecified by spec §4.2.6
// and, per the original write.c, rejected with ENOSYS rather than treated as
// a sparse-write hole.
func (v *Volume) Write(path string, offset uint64, buf []byte) (int, error) {
	r, err := v.find(path)
	if err != nil {
		return 0, err
	}
	if r.entry == nil || !isFileLike(r.entry.Type()) {
		return 0, errno.New("write", path, errno.EISDIR)
	}
	hdr, data, err := v.readFileData(r.entry.Block)
	if err != nil {
		return 0, err
	}
	if offset == wire.AppendOffset {
		offset = uint64(len(data))
	}
	if offset > uint64(len(data)) {
		return 0, errno.New("write", path, errno.ENOSYS)
	}
	end := offset + uint64(len(buf))
	if end > uint64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:end], buf)
	hdr.Size = uint64(len(data))

	if _, err := v.writeFileData(r.entry.Block, hdr, data); err != nil {
		return 0, err
	}
	r.entry.Size = hdr.Size
	r.entry.ModTime = now()
	if err := v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Create makes an empty regular file entry (spec §4.2.3's open()-with-create
// path). Open() itself never creates — it delegates here when the caller
// asked for O_CREAT and find() came back empty.
func (v *Volume) Create(path string, owner, group, perms uint16) error {
	parentPath, name := splitParent(path)
	pr, err := v.find(parentPath)
	if err != nil {
		return err
	}
	if pr.entry != nil && pr.entry.Type() != wire.DirTypeDir {
		return errno.New("create", path, errno.ENOTDIR)
	}
	if lookupChild(pr.siblings, name) != nil {
		return errno.New("create", path, errno.EEXIST)
	}

	hdr := &wire.FileHeader{Size: 0, RefCount: 1}
	block, err := v.writeFileData(0, hdr, nil)
	if err != nil {
		return err
	}
	t := now()
	e := &wire.DirEntry{
		Flags:       wire.DirFlagValid | (wire.DirTypeFile << wire.DirTypeShift),
		Owner:       owner, Group: group, Permissions: perms,
		CreateTime: t, ModTime: t, AccessTime: t,
		Block: block, Name: name,
	}
	e.EntrySize = wire.EntrySizeForName(name)
	pr.siblings = append(pr.siblings, e)
	return v.writeDirBlock(pr.parentBlockOrSelf(), &wire.DirectoryHeader{}, pr.siblings)
}

// Open resolves path for I/O, optionally creating it when create is true
// and it does not yet exist (spec §4.2.3).
func (v *Volume) Open(path string, create bool, owner, group, perms uint16) error {
	r, err := v.find(path)
	if err == nil {
		if r.entry != nil && r.entry.Type() == wire.DirTypeDir {
			return errno.New("open", path, errno.EISDIR)
		}
		return nil
	}
	e, ok := err.(*errno.Error)
	if !ok || e.Kind != errno.ENOENT || !create {
		return err
	}
	return v.Create(path, owner, group, perms)
}

// Mkdir creates an empty directory entry (spec §4.2.3).
func (v *Volume) Mkdir(path string, owner, group, perms uint16) error {
	r, err := v.find(path)
	if err == nil && r.entry != nil {
		return errno.New("mkdir", path, errno.EEXIST)
	}
	parentPath, name := splitParent(path)
	pr, err := v.find(parentPath)
	if err != nil {
		return err
	}
	if pr.entry != nil && pr.entry.Type() != wire.DirTypeDir {
		return errno.New("mkdir", path, errno.ENOTDIR)
	}
	if lookupChild(pr.siblings, name) != nil {
		return errno.New("mkdir", path, errno.EEXIST)
	}

	block, err := v.allocate(1)
	if err != nil {
		return err
	}
	if err := v.writeDirBlock(block, &wire.DirectoryHeader{CreateTime: now(), ModTime: now()}, nil); err != nil {
		return err
	}
	t := now()
	e := &wire.DirEntry{
		Flags:       wire.DirFlagValid | (wire.DirTypeDir << wire.DirTypeShift),
		Owner:       owner, Group: group, Permissions: perms,
		CreateTime: t, ModTime: t, AccessTime: t,
		Block: block, Name: name,
	}
	e.EntrySize = wire.EntrySizeForName(name)
	pr.siblings = append(pr.siblings, e)
	return v.writeDirBlock(pr.parentBlockOrSelf(), &wire.DirectoryHeader{}, pr.siblings)
}

// parentBlockOrSelf resolves the block a freshly-found directory's entries
// live in: for a path find resolves with entry==nil (the root, or any path
// ending in "."), that's parentBlock itself.
func (r resolved) parentBlockOrSelf() uint64 { return r.parentBlock }

// splitParent splits path into its parent directory and final name. The
// parent is returned with a trailing "/." so that find resolves it to the
// directory itself (entry==nil, with that directory's own block and entries)
// rather than to its entry inside the grandparent.
func splitParent(path string) (parent, name string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/", ""
	}
	name = parts[len(parts)-1]
	parent = "/" + joinParts(parts[:len(parts)-1]) + "/."
	return parent, name
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// DirEntryInfo is one entry returned by Readdir.
type DirEntryInfo struct {
	Name string
	Type uint16
}

// Readdir lists a directory's live entries, synthesizing "." and ".." (spec
// §4.2.4/§12 supplement: these are produced by the traversal, never stored
// on disk) and skipping tombstoned entries both from the listing and from
// index counting — the original C readdir implementation advanced its
// position counter over tombstones too, but spec text for this module is
// explicit that deleted entries are skipped in counting, so that is what is
// implemented here.
func (v *Volume) Readdir(path string) ([]DirEntryInfo, error) {
	r, err := v.find(path)
	if err != nil {
		return nil, err
	}
	if r.entry != nil && r.entry.Type() != wire.DirTypeDir {
		return nil, errno.New("readdir", path, errno.ENOTDIR)
	}
	out := []DirEntryInfo{
		{Name: ".", Type: wire.DirTypeDir},
		{Name: "..", Type: wire.DirTypeDir},
	}
	entries := r.siblings
	if r.entry != nil {
		_, ents, err := v.readDirBlock(r.entry.Block)
		if err != nil {
			return nil, err
		}
		entries = ents
	}
	for _, e := range entries {
		if !e.Valid() || e.Deleted() {
			continue
		}
		out = append(out, DirEntryInfo{Name: e.Name, Type: e.Type()})
	}
	return out, nil
}

// Unlink removes a directory entry, decrementing the shared file's
// reference count and freeing its data chain once the count reaches zero
// (spec §4.2.7). A directory is only removable once empty
// (header.sizeEntries == 0); otherwise it's ENOTEMPTY.
func (v *Volume) Unlink(path string) error {
	r, err := v.find(path)
	if err != nil {
		return err
	}
	if r.entry == nil {
		return errno.New("unlink", path, errno.EISDIR)
	}

	if r.entry.Type() == wire.DirTypeDir {
		hdr, _, err := v.readDirBlock(r.entry.Block)
		if err != nil {
			return err
		}
		if hdr.SizeEntries > 0 {
			return errno.New("unlink", path, errno.ENOTEMPTY)
		}
		if err := v.freeChain(r.entry.Block); err != nil {
			return err
		}
		tombstone(r.entry)
		return v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings)
	}

	if isFileLike(r.entry.Type()) {
		hdr, data, err := v.readFileData(r.entry.Block)
		if err != nil {
			return err
		}
		if hdr.RefCount <= 1 {
			if err := v.freeChain(r.entry.Block); err != nil {
				return err
			}
		} else {
			hdr.RefCount--
			if _, err := v.writeFileData(r.entry.Block, hdr, data); err != nil {
				return err
			}
		}
	} else {
		// symlink: sole owner of its content chain, always freed.
		if err := v.freeChain(r.entry.Block); err != nil {
			return err
		}
	}

	tombstone(r.entry)
	return v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings)
}

func tombstone(e *wire.DirEntry) {
	e.Flags &^= wire.DirFlagValid
	e.Flags |= wire.DirFlagDeleted
}

// Link creates a new directory entry aliasing an existing file's content
// chain and increments its reference count (spec §4.2.8). Cross-mount
// linking is rejected by the caller (vfsrouter.RequireSameMount) before this
// is ever reached; lxfs itself only needs to guard same-volume invariants.
func (v *Volume) Link(oldpath, newpath string) error {
	old, err := v.find(oldpath)
	if err != nil {
		return err
	}
	if old.entry == nil || !isFileLike(old.entry.Type()) {
		return errno.New("link", oldpath, errno.EPERM)
	}
	parentPath, name := splitParent(newpath)
	pr, err := v.find(parentPath)
	if err != nil {
		return err
	}
	if lookupChild(pr.siblings, name) != nil {
		return errno.New("link", newpath, errno.EEXIST)
	}

	hdr, data, err := v.readFileData(old.entry.Block)
	if err != nil {
		return err
	}
	hdr.RefCount++
	if _, err := v.writeFileData(old.entry.Block, hdr, data); err != nil {
		return err
	}

	t := now()
	e := &wire.DirEntry{
		Flags:       wire.DirFlagValid | (wire.DirTypeHardLink << wire.DirTypeShift),
		Owner:       old.entry.Owner, Group: old.entry.Group, Permissions: old.entry.Permissions,
		Size: old.entry.Size, CreateTime: t, ModTime: t, AccessTime: t,
		Block: old.entry.Block, Name: name,
	}
	e.EntrySize = wire.EntrySizeForName(name)
	pr.siblings = append(pr.siblings, e)
	return v.writeDirBlock(pr.parentBlockOrSelf(), &wire.DirectoryHeader{}, pr.siblings)
}

// Symlink stores target as a soft link's content chain (spec §4.2.8).
func (v *Volume) Symlink(target, path string) error {
	parentPath, name := splitParent(path)
	pr, err := v.find(parentPath)
	if err != nil {
		return err
	}
	if lookupChild(pr.siblings, name) != nil {
		return errno.New("symlink", path, errno.EEXIST)
	}
	hdr := &wire.FileHeader{Size: uint64(len(target)), RefCount: 1}
	block, err := v.writeFileData(0, hdr, []byte(target))
	if err != nil {
		return err
	}

	t := now()
	e := &wire.DirEntry{
		Flags:       wire.DirFlagValid | (wire.DirTypeSoftLink << wire.DirTypeShift),
		Permissions: 0x1FF, Size: uint64(len(target)),
		CreateTime: t, ModTime: t, AccessTime: t,
		Block: block, Name: name,
	}
	e.EntrySize = wire.EntrySizeForName(name)
	pr.siblings = append(pr.siblings, e)
	return v.writeDirBlock(pr.parentBlockOrSelf(), &wire.DirectoryHeader{}, pr.siblings)
}

// Readlink returns a symlink's target.
func (v *Volume) Readlink(path string) (string, error) {
	r, err := v.find(path)
	if err != nil {
		return "", err
	}
	if r.entry == nil || r.entry.Type() != wire.DirTypeSoftLink {
		return "", errno.New("readlink", path, errno.EINVAL)
	}
	_, data, err := v.readFileData(r.entry.Block)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Chmod/Chown/Utime mutate a directory entry's metadata in place (spec
// §4.2.6). Each takes the calling process's (uid, gid) and enforces the
// spec's ownership rule before touching the entry.

// Chmod sets an entry's permission bits. Only the owner may do so.
func (v *Volume) Chmod(path string, perms, callerUID, callerGID uint16) error {
	r, err := v.find(path)
	if err != nil {
		return err
	}
	if r.entry == nil {
		return nil // root permissions are fixed
	}
	if callerUID != r.entry.Owner {
		return errno.New("chmod", path, errno.EPERM)
	}
	r.entry.Permissions = perms
	return v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings)
}

// Chown sets an entry's owner/group. Only the owner may do so.
func (v *Volume) Chown(path string, owner, group, callerUID, callerGID uint16) error {
	r, err := v.find(path)
	if err != nil {
		return err
	}
	if r.entry == nil {
		return nil
	}
	if callerUID != r.entry.Owner {
		return errno.New("chown", path, errno.EPERM)
	}
	r.entry.Owner, r.entry.Group = owner, group
	return v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings)
}

// Utime sets an entry's access/mod times. Allowed for the owner, a group
// member when the group-write bit is set, or anyone when the world-write bit
// is set (spec §4.2.6).
func (v *Volume) Utime(path string, atime, mtime uint64, callerUID, callerGID uint16) error {
	r, err := v.find(path)
	if err != nil {
		return err
	}
	if r.entry == nil {
		return nil
	}
	if !canUtime(r.entry, callerUID, callerGID) {
		return errno.New("utime", path, errno.EACCES)
	}
	r.entry.AccessTime, r.entry.ModTime = atime, mtime
	return v.writeDirBlock(r.parentBlock, &wire.DirectoryHeader{}, r.siblings)
}

func canUtime(e *wire.DirEntry, uid, gid uint16) bool {
	if uid == e.Owner {
		return true
	}
	if gid == e.Group && e.Permissions&wire.PermGroupW != 0 {
		return true
	}
	return e.Permissions&wire.PermOtherW != 0
}

// Opendir checks execute permission on a directory before it is handed back
// to a caller to iterate (spec §4.2.6: "opendir ... verifies execute
// permission by (uid, gid) against the entry"). The volume root has no
// directory entry of its own and carries the fixed rwxr-xr-x mask (spec
// §4.2.2), so it is always openable.
func (v *Volume) Opendir(path string, callerUID, callerGID uint16) error {
	r, err := v.find(path)
	if err != nil {
		return err
	}
	if r.entry == nil {
		return nil
	}
	if r.entry.Type() != wire.DirTypeDir {
		return errno.New("opendir", path, errno.ENOTDIR)
	}
	if !canExecute(r.entry, callerUID, callerGID) {
		return errno.New("opendir", path, errno.EACCES)
	}
	return nil
}

func canExecute(e *wire.DirEntry, uid, gid uint16) bool {
	if uid == e.Owner {
		return e.Permissions&wire.PermOwnerX != 0
	}
	if gid == e.Group {
		return e.Permissions&wire.PermGroupX != 0
	}
	return e.Permissions&wire.PermOtherX != 0
}

// Fsync flushes the whole cache. lxfs does not track per-file dirty sets
// separately from the shared block cache, so a path-scoped fsync and a
// volume-wide one are equivalent here; this mirrors the cache's own
// all-or-nothing Flush.
func (v *Volume) Fsync(path string) error {
	if _, err := v.find(path); err != nil {
		return err
	}
	return v.Flush()
}

// Mmap is specified at the interface level only (spec §3.6/§12): this
// engine never backs a mapping with demand-paged pages, so it reports
// ENOSYS rather than silently returning a mapping nothing keeps coherent.
func (v *Volume) Mmap(path string, offset uint64, length int) error {
	return errno.New("mmap", path, errno.ENOSYS)
}

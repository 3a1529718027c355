package lxfs

import (
	"github.com/lux-operating-system/servers-sub000/internal/errno"
	"github.com/lux-operating-system/servers-sub000/internal/wire"
)

// readDirBlock loads a directory's header and every entry in its chain up
// to the zero-EntrySize terminator: valid and deleted entries alike (callers
// filter as needed); the terminator itself is not returned.
func (v *Volume) readDirBlock(block uint64) (*wire.DirectoryHeader, []*wire.DirEntry, error) {
	data, err := v.readChain(block)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < wire.DirectoryHeaderSize {
		return nil, nil, errno.New("readdir", "", errno.EIO)
	}
	hdr, err := wire.UnmarshalDirectoryHeader(data[:wire.DirectoryHeaderSize])
	if err != nil {
		return nil, nil, errno.New("readdir", "", errno.EIO)
	}

	var entries []*wire.DirEntry
	off := wire.DirectoryHeaderSize
	for off+wire.DirEntryFixedSize <= len(data) {
		e, err := wire.UnmarshalDirEntry(data[off:])
		if err != nil {
			return nil, nil, errno.New("readdir", "", errno.EIO)
		}
		if e.EntrySize == 0 {
			break // end-of-chain marker (spec §4.2.4)
		}
		entries = append(entries, e)
		off += int(e.EntrySize)
	}
	return hdr, entries, nil
}

// writeDirBlock serializes hdr and entries back into block's chain,
// growing or shrinking it as needed, and always appends a zero-EntrySize
// terminator of DirEntryFixedSize bytes after the last entry.
func (v *Volume) writeDirBlock(block uint64, hdr *wire.DirectoryHeader, entries []*wire.DirEntry) error {
	var entryBytes int
	for _, e := range entries {
		entryBytes += int(e.EntrySize)
	}
	hdr.SizeEntries = uint64(len(entries))
	hdr.SizeBytes = uint64(wire.DirectoryHeaderSize + entryBytes)

	buf := make([]byte, 0, wire.DirectoryHeaderSize+entryBytes+wire.DirEntryFixedSize)
	buf = append(buf, hdr.Marshal()...)
	for _, e := range entries {
		buf = append(buf, e.Marshal()...)
	}
	buf = append(buf, make([]byte, wire.DirEntryFixedSize)...) // zero EntrySize terminator

	newHead, err := v.writeChain(block, buf)
	if err != nil {
		return err
	}
	if newHead != block {
		return errno.New("writedir", "", errno.EIO) // directory head must never move
	}
	return nil
}

// lookupChild scans a directory's live entries for name, returning nil if
// absent.
func lookupChild(entries []*wire.DirEntry, name string) *wire.DirEntry {
	for _, e := range entries {
		if e.Valid() && !e.Deleted() && e.Name == name {
			return e
		}
	}
	return nil
}

// resolved is what find() returns: the target entry, the directory block it
// lives in, and that directory's entry list (so callers can mutate and
// rewrite without a second readDirBlock call). When the path ends at a
// directory without naming an entry (the volume root, or a last component
// of "." or ".."), entry is nil and parentBlock/siblings describe that
// directory itself.
type resolved struct {
	entry       *wire.DirEntry // nil when the path names no entry (see above)
	parentBlock uint64
	siblings    []*wire.DirEntry
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// find resolves path from the volume root, synthesizing "." and ".."
// traversal against an explicit ancestor stack rather than storing
// backlinks on disk (spec §4.2.4: "." and ".." are synthesized by the
// traversal, not stored as directory entries).
func (v *Volume) find(path string) (resolved, error) {
	parts := splitPath(path)
	stack := []uint64{v.rootBlock}
	cur := v.rootBlock

	for i, part := range parts {
		if part == "." {
			continue
		}
		if part == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			cur = stack[len(stack)-1]
			continue
		}
		_, ents, err := v.readDirBlock(cur)
		if err != nil {
			return resolved{}, err
		}
		child := lookupChild(ents, part)
		if child == nil {
			return resolved{}, errno.New("find", path, errno.ENOENT)
		}
		last := i == len(parts)-1
		if !last {
			if child.Type() != wire.DirTypeDir {
				return resolved{}, errno.New("find", path, errno.ENOTDIR)
			}
			cur = child.Block
			stack = append(stack, cur)
			continue
		}
		return resolved{entry: child, parentBlock: cur, siblings: ents}, nil
	}
	// path was "", "/", or all "."/".." components: resolves to a directory.
	_, ents, err := v.readDirBlock(cur)
	if err != nil {
		return resolved{}, err
	}
	return resolved{entry: nil, parentBlock: cur, siblings: ents}, nil
}

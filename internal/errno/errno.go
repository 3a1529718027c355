// Package errno implements the POSIX-shaped error taxonomy (spec §7) used to
// populate the wire envelope's status field. Every handler in this module
// reports its outcome as either a non-negative byte count or a negated
// errno.Kind.
package errno

import "fmt"

// Kind identifies one of the error categories a request handler may return.
// The numeric values match the Linux errno numbering so that a negated Kind
// can be written directly into the wire envelope's status field (spec §3.1,
// §7).
type Kind int32

const (
	ENOENT      Kind = 2
	EIO         Kind = 5
	ENOMEM      Kind = 12
	EACCES      Kind = 13
	EEXIST      Kind = 17
	ENOTDIR     Kind = 20
	EISDIR      Kind = 21
	EINVAL      Kind = 22
	ENOSPC      Kind = 28
	EROFS       Kind = 30
	ENOTEMPTY   Kind = 39
	ENOSYS      Kind = 38
	ENOTTY      Kind = 25
	ENODEV      Kind = 19
	EPERM       Kind = 1
	EXDEV       Kind = 18
	EOVERFLOW   Kind = 75
	EWOULDBLOCK Kind = 11
)

var names = map[Kind]string{
	ENOENT:      "ENOENT",
	EIO:         "EIO",
	ENOMEM:      "ENOMEM",
	EACCES:      "EACCES",
	EEXIST:      "EEXIST",
	ENOTDIR:     "ENOTDIR",
	EISDIR:      "EISDIR",
	EINVAL:      "EINVAL",
	ENOSPC:      "ENOSPC",
	EROFS:       "EROFS",
	ENOTEMPTY:   "ENOTEMPTY",
	ENOSYS:      "ENOSYS",
	ENOTTY:      "ENOTTY",
	ENODEV:      "ENODEV",
	EPERM:       "EPERM",
	EXDEV:       "EXDEV",
	EOVERFLOW:   "EOVERFLOW",
	EWOULDBLOCK: "EWOULDBLOCK",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int32(k))
}

// Error wraps a Kind with the operation and path it was raised for: a small
// per-condition error type instead of a bag of sentinel values.
type Error struct {
	Op   string
	Path string
	Kind Kind
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Kind)
}

// New constructs an *Error for the given operation, path and kind.
func New(op, path string, kind Kind) *Error {
	return &Error{Op: op, Path: path, Kind: kind}
}

// Status converts a Kind into the wire envelope's negated status
// representation (spec §3.1, §7).
func (k Kind) Status() int64 {
	return -int64(k)
}

// FromStatus recovers a Kind from a negative wire status value. ok is false
// for non-negative statuses (those are byte counts, not errors).
func FromStatus(status int64) (k Kind, ok bool) {
	if status >= 0 {
		return 0, false
	}
	return Kind(-status), true
}

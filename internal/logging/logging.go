// Package logging wraps the standard logger with a per-server prefix and a
// small verbosity convention: plain log.Printf/log.Fatal, with a -debug
// flag toggling %+v-verbose error formatting.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"
)

// Logger is a per-server logger. The zero value is unusable; use New.
type Logger struct {
	*log.Logger
	debug  bool
	color  bool
	remote io.Writer // optional: receives Err lines as plain text, set via SetRemote
}

// New creates a Logger prefixed with name (e.g. "vfsrouter: ", derived from
// each server's own flag.NewFlagSet name). Error lines are highlighted when
// stderr is an interactive terminal; piped/redirected output (the normal
// case once one of these servers is supervised) stays plain.
func New(name string, debug bool) *Logger {
	return &Logger{
		Logger: log.New(os.Stderr, name+": ", log.LstdFlags),
		debug:  debug,
		color:  isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// SetRemote makes subsequent Err calls also write their line to w, as plain
// "op: error" text, in addition to stderr; Printf output stays on stderr only.
func (l *Logger) SetRemote(w io.Writer) {
	l.remote = w
}

// Err formats err according to the -debug flag: terse (err.Error()) by
// default, or with %+v detail (xerrors wrap chains) under -debug.
func (l *Logger) Err(op string, err error) {
	if err == nil {
		return
	}
	format := "%s: %v"
	if l.debug {
		format = "%s: %+v"
	}
	if l.color {
		format = "\x1b[31m" + format + "\x1b[0m"
	}
	l.Printf(format, op, err)
	if l.remote != nil {
		io.WriteString(l.remote, op+": "+err.Error()+"\n")
	}
}

// Wrap is a thin convenience over xerrors.Errorf for the usual
// wrap-with-context idiom.
func Wrap(op string, err error) error {
	return xerrors.Errorf("%s: %w", op, err)
}

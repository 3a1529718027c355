// Package config supplies the small set of flags every server in cmd/
// parses, using a per-subcommand flag.NewFlagSet idiom. Server-specific
// flags (mountpoints, device paths) stay local to each cmd/ package rather
// than living here, keeping each subcommand self-contained instead of
// sharing one global config struct.
package config

import "flag"

// Common holds the flags shared by every server binary.
type Common struct {
	KernelSocket     string
	SupervisorSocket string
	Debug            bool
}

// Register adds the common flags to fset and returns the struct that will
// be populated once fset.Parse runs.
func Register(fset *flag.FlagSet) *Common {
	c := &Common{}
	fset.StringVar(&c.KernelSocket, "kernel", "unixgram:///lux/kernel", "socket name of the kernel shim")
	fset.StringVar(&c.SupervisorSocket, "supervisor", "unixgram:///lux/lumen", "socket name of the supervisor")
	fset.BoolVar(&c.Debug, "debug", false, "enable debug mode: format error messages with additional detail")
	return c
}

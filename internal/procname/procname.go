// Package procname attributes an accepted TCP connection to the local
// process that opened it. Attribution only works when the client runs
// on the same host as the proxy; every lookup is best-effort and a
// failure yields an empty string.
package procname

import (
	"log/slog"
	"net"
)

// Resolver maps a peer TCP address to the command line of the owning
// local process.
type Resolver interface {
	Cmdline(addr net.Addr) string
}

// New returns the resolver for the current platform.
func New(logger *slog.Logger) Resolver {
	return newPlatform(logger)
}

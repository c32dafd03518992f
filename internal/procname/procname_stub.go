//go:build !linux

package procname

import (
	"log/slog"
	"net"
)

type stubResolver struct{}

func newPlatform(_ *slog.Logger) Resolver {
	return stubResolver{}
}

// Cmdline always reports unknown on platforms without /proc.
func (stubResolver) Cmdline(_ net.Addr) string { return "" }

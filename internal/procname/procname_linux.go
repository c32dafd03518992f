//go:build linux

package procname

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
)

type procResolver struct {
	log *slog.Logger
}

func newPlatform(logger *slog.Logger) Resolver {
	return &procResolver{log: logger}
}

// Cmdline resolves addr through /proc: the socket tables give the
// inode, the per-process fd directories give the owning pid.
func (r *procResolver) Cmdline(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return ""
	}

	inode := findSocketInode(tcp.IP, tcp.Port)
	if inode == "" {
		return ""
	}
	pid := findPIDByInode(inode)
	if pid == "" {
		return ""
	}

	raw, err := os.ReadFile(filepath.Join("/proc", pid, "cmdline"))
	if err != nil {
		return ""
	}
	// cmdline separates arguments with NUL bytes.
	cmd := strings.ReplaceAll(string(raw), "\x00", " ")
	return strings.TrimSpace(cmd)
}

func findSocketInode(ip net.IP, port int) string {
	want := hexSocketAddr(ip, port)
	for _, table := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(table)
		if err != nil {
			continue
		}
		inode := scanSocketTable(f, want)
		f.Close()
		if inode != "" {
			return inode
		}
	}
	return ""
}

// scanSocketTable finds the inode column of the row whose local_address
// matches want. Table rows look like:
//
//	0: 0100007F:1F90 00000000:0000 0A ... 0 12345
//
// where field 1 is local_address and field 9 is the inode.
func scanSocketTable(r io.Reader, want string) string {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[1] == want {
			return fields[9]
		}
	}
	return ""
}

// hexSocketAddr renders ip:port the way the kernel does in
// /proc/net/tcp: each 32-bit word of the address byte-reversed, then
// the port in hex.
func hexSocketAddr(ip net.IP, port int) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%02X%02X%02X%02X:%04X", v4[3], v4[2], v4[1], v4[0], port)
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	var b strings.Builder
	for g := 0; g < 4; g++ {
		for i := 3; i >= 0; i-- {
			fmt.Fprintf(&b, "%02X", v6[g*4+i])
		}
	}
	fmt.Fprintf(&b, ":%04X", port)
	return b.String()
}

// findPIDByInode scans every process's fd directory for a link to
// socket:[inode]. Processes we cannot read are skipped.
func findPIDByInode(inode string) string {
	target := "socket:[" + inode + "]"

	procs, err := os.ReadDir("/proc")
	if err != nil {
		return ""
	}
	for _, p := range procs {
		if !p.IsDir() || !isNumeric(p.Name()) {
			continue
		}
		fdDir := filepath.Join("/proc", p.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err == nil && link == target {
				return p.Name()
			}
		}
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

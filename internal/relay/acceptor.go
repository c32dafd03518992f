/*
Package relay accepts redirected TCP connections, terminates TLS with
certificates minted on the fly, and runs one worker per connection that
shuttles messages between the client and the real service through the
matched engine.
*/
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ushineko/snare/internal/config"
	"github.com/ushineko/snare/internal/engine"
	"github.com/ushineko/snare/internal/netio"
	"github.com/ushineko/snare/internal/procname"
	"github.com/ushineko/snare/internal/stats"
)

// tlsRecordHandshake is the first byte of a TLS record carrying a
// ClientHello.
const tlsRecordHandshake = 0x16

const handshakeTimeout = 10 * time.Second

// CertSource supplies the server certificate for an incoming handshake.
type CertSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// DomainHint supplies the most recently resolved domain for clients
// that connect without SNI.
type DomainHint interface {
	LastDomain() string
}

// Server listens on the configured ports and dispatches connections to
// workers.
type Server struct {
	cfg       *config.Config
	registry  *engine.Registry
	certs     CertSource
	hint      DomainHint
	writer    *stats.TCPWriter
	collector *stats.Collector
	procs     procname.Resolver
	log       *slog.Logger

	listeners []portListener
	wg        sync.WaitGroup
}

type portListener struct {
	ln   net.Listener
	port int // configured port, used for engine port matching
}

// New creates a relay server. hint may be nil when the DNS server is
// disabled; procs may be nil when process attribution is off.
func New(cfg *config.Config, registry *engine.Registry, certs CertSource, hint DomainHint,
	writer *stats.TCPWriter, collector *stats.Collector, procs procname.Resolver, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		certs:     certs,
		hint:      hint,
		writer:    writer,
		collector: collector,
		procs:     procs,
		log:       logger,
	}
}

// Listen binds every configured port. All listeners are closed again if
// any one of them fails.
func (s *Server) Listen() error {
	for _, port := range s.cfg.TCP.Ports {
		addr := fmt.Sprintf("%s:%d", s.cfg.TCP.Interface, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return fmt.Errorf("relay listen %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, portListener{ln: ln, port: port})
		s.log.Info("relay listening", "addr", ln.Addr().String())
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, pl := range s.listeners {
		addrs = append(addrs, pl.ln.Addr().String())
	}
	return addrs
}

// Close shuts down every listener.
func (s *Server) Close() {
	for _, pl := range s.listeners {
		_ = pl.ln.Close()
	}
}

// Run accepts connections until ctx is cancelled. Listen must have been
// called first.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for _, pl := range s.listeners {
		s.wg.Add(1)
		go func(pl portListener) {
			defer s.wg.Done()
			s.acceptLoop(ctx, pl)
		}(pl)
	}

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, pl portListener) {
	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.collector.AcceptErrors.Add(1)
			s.writeAcceptError("", pl.port, err)
			s.log.Error("relay accept", "port", pl.port, "error", err)
			continue
		}

		s.collector.ConnectionsAccepted.Add(1)
		go s.handleConn(ctx, conn, pl.port)
	}
}

// handleConn detects TLS by peeking the first byte, performs the
// handshake when needed and hands the connection to a worker.
func (s *Server) handleConn(ctx context.Context, raw net.Conn, port int) {
	sourceIP := hostOnly(raw.RemoteAddr().String())

	// The first byte decides plain vs TLS; it is replayed to the
	// stream afterwards.
	_ = raw.SetReadDeadline(time.Now().Add(s.cfg.TCP.WaitInitial.Duration))
	first := make([]byte, 1)
	if _, err := raw.Read(first); err != nil {
		if kind := netio.Classify(err); !kind.Benign() {
			s.collector.AcceptErrors.Add(1)
			s.writeAcceptError(sourceIP, port, err)
		}
		_ = raw.Close()
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	conn := newPrefixConn(raw, first)
	isTLS := first[0] == tlsRecordHandshake
	serverName := ""

	if isTLS {
		tlsConn := tls.Server(conn, &tls.Config{
			GetCertificate: s.certs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		})
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			s.collector.AcceptErrors.Add(1)
			s.writeAcceptError(sourceIP, port, err)
			s.log.Warn("client handshake failed",
				"source", sourceIP, "port", port, "kind", netio.Classify(err).String(), "error", err)
			_ = tlsConn.Close()
			return
		}
		serverName = tlsConn.ConnectionState().ServerName
		conn = tlsConn
		s.collector.TLSConnections.Add(1)
	} else {
		s.collector.PlainConnections.Add(1)
	}

	domain := serverName
	if domain == "" && s.hint != nil {
		domain = s.hint.LastDomain()
	}

	eng, target := s.selectEngine(domain, port)
	s.collector.RecordConnection(domain, eng.Name, isTLS)

	processCmd := ""
	if s.cfg.Process.Attribution && s.procs != nil {
		processCmd = s.procs.Cmdline(raw.RemoteAddr())
	}

	w := newWorker(workerParams{
		cfg:        s.cfg,
		eng:        eng,
		target:     target,
		client:     conn,
		isTLS:      isTLS,
		serverName: domain,
		sourceIP:   sourceIP,
		sourceHost: raw.RemoteAddr().String(),
		destPort:   port,
		processCmd: processCmd,
		writer:     s.writer,
		collector:  s.collector,
		log:        s.log,
	})
	w.run(ctx)
}

// selectEngine resolves the engine for a connection: domain match
// first, then configured port, then the generic fallback. target is the
// upstream dial address hint from the port table, empty otherwise.
func (s *Server) selectEngine(domain string, port int) (*engine.Engine, string) {
	if domain != "" && s.registry.MatchesDomain(domain) {
		return s.registry.MatchDomain(domain), ""
	}
	if eng, target, ok := s.registry.MatchPort(port); ok {
		return eng, target
	}
	return s.registry.MatchDomain(domain), ""
}

func (s *Server) writeAcceptError(sourceIP string, port int, err error) {
	if s.writer == nil {
		return
	}
	text := netio.Classify(err).String() + ": " + err.Error()
	if werr := s.writer.WriteAcceptError(sourceIP, port, text); werr != nil {
		s.log.Warn("stats write failed", "error", werr)
	}
}

// hostOnly strips the port from a host:port address.
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

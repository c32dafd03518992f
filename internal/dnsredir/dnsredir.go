/*
Package dnsredir implements the DNS server that steers clients into the
interception path.

Three mutually exclusive modes, chosen by configuration: resolve every
A query to the intercept target, resolve only domains claimed by a
configured engine (forwarding the rest), or pass everything through to
the upstream resolver. Forwarded answers are cached by question and the
cache is cleared wholesale on a timer. In offline mode the server never
contacts an upstream and answers with fixed placeholder records.
*/
package dnsredir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/ushineko/snare/internal/config"
	"github.com/ushineko/snare/internal/stats"
)

// Placeholder answers used in offline mode. The addresses are fixed so
// captures taken on an isolated network are reproducible.
const (
	offlineIPv4 = "10.10.10.10"
	offlineIPv6 = "fe80::3c09:df29:d52b:af39"
)

// Names of the append-only history files kept under the log directory.
const (
	knownDomainsFile = "dns_known_domains.txt"
	knownIPv4File    = "dns_known_ipv4.txt"
)

// Matcher reports whether a domain is claimed by a configured engine.
// The registry's matching uses the same substring containment as
// connection-time engine selection.
type Matcher interface {
	MatchesDomain(domain string) bool
}

// Server answers DNS queries according to the configured mode.
type Server struct {
	cfg       *config.Config
	match     Matcher
	writer    *stats.DNSWriter
	collector *stats.Collector
	log       *slog.Logger

	pc  net.PacketConn
	srv *dns.Server

	// exchange is swapped out in tests.
	exchange func(req *dns.Msg, upstream string) (*dns.Msg, error)

	cacheMu sync.Mutex
	cache   map[string]*dns.Msg

	lastMu sync.Mutex
	last   string

	knownMu      sync.Mutex
	knownDomains *os.File
	knownIPv4    *os.File
	seenDomains  map[string]bool
	seenIPs      map[string]bool
}

// New binds the configured listen address and prepares the server. A
// bind failure is returned immediately so port conflicts surface before
// anything else starts.
func New(cfg *config.Config, match Matcher, writer *stats.DNSWriter, collector *stats.Collector, logger *slog.Logger) (*Server, error) {
	pc, err := net.ListenPacket("udp", cfg.DNS.Listen)
	if err != nil {
		return nil, fmt.Errorf("dns: bind %s: %w", cfg.DNS.Listen, err)
	}

	s := &Server{
		cfg:         cfg,
		match:       match,
		writer:      writer,
		collector:   collector,
		log:         logger,
		pc:          pc,
		cache:       make(map[string]*dns.Msg),
		seenDomains: make(map[string]bool),
		seenIPs:     make(map[string]bool),
	}
	s.exchange = s.exchangeUpstream
	s.srv = &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(s.handle)}

	s.openKnownFiles()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.pc.LocalAddr().String() }

// LastDomain returns the most recently redirected domain. The TLS
// certificate issuer reads it when a client connects without SNI.
func (s *Server) LastDomain() string {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// Run serves queries until ctx is cancelled. A background goroutine
// clears the forwarded-answer cache every cache_timeout.
func (s *Server) Run(ctx context.Context) error {
	go s.clearCacheLoop(ctx)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.ShutdownContext(sctx)
	}()

	s.log.Info("dns server listening", "addr", s.Addr())
	err := s.srv.ActivateAndServe()
	if ctx.Err() != nil {
		err = nil
	}
	s.closeKnownFiles()
	return err
}

func (s *Server) clearCacheLoop(ctx context.Context) {
	interval := s.cfg.DNS.CacheTimeout.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cacheMu.Lock()
			n := len(s.cache)
			s.cache = make(map[string]*dns.Msg)
			s.cacheMu.Unlock()
			s.log.Debug("dns cache cleared", "entries", n)
		}
	}
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 0 {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeFormatError)
		_ = w.WriteMsg(resp)
		return
	}

	q := req.Question[0]
	qname := strings.TrimSuffix(q.Name, ".")
	client := w.RemoteAddr().String()

	s.collector.RecordDNSQuery(qname)

	s.writeRow(&stats.DNSRow{
		Direction: "query",
		Client:    client,
		QName:     qname,
		QType:     dns.TypeToString[q.Qtype],
		QClass:    dns.ClassToString[q.Qclass],
	})

	row := &stats.DNSRow{
		Direction: "response",
		Client:    client,
		QName:     qname,
		QType:     dns.TypeToString[q.Qtype],
		QClass:    dns.ClassToString[q.Qclass],
	}

	resp, err := s.answer(req, q, qname)
	if err != nil {
		row.Error = err.Error()
		s.collector.DNSErrors.Add(1)
		s.writeRow(row)
		// Dropping the query lets the client retry against us.
		return
	}
	if resp == nil {
		return
	}

	row.Answer = firstAnswer(resp)
	s.writeRow(row)
	s.rememberAnswers(qname, resp)

	if err := w.WriteMsg(resp); err != nil {
		s.log.Warn("dns write failed", "client", client, "error", err)
	}
}

// answer picks the response for one question according to the mode.
func (s *Server) answer(req *dns.Msg, q dns.Question, qname string) (*dns.Msg, error) {
	mode := s.cfg.DNS

	redirect := q.Qtype == dns.TypeA &&
		(mode.ResolveAllToTarget || (mode.ResolveByEngine && s.match != nil && s.match.MatchesDomain(qname)))
	if redirect {
		s.setLastDomain(qname)
		s.collector.DNSRedirected.Add(1)
		return s.synthesizeA(req, q.Name, net.ParseIP(mode.Target)), nil
	}

	// Everything below would need the upstream; offline substitutes
	// placeholders instead.
	if s.cfg.Offline {
		s.collector.DNSOffline.Add(1)
		return s.offlineAnswer(req, q), nil
	}

	// Non-A queries go upstream even in resolve-all mode; only the A
	// path is hijacked.
	return s.forward(req, q)
}

func (s *Server) synthesizeA(req *dns.Msg, fqdn string, target net.IP) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.cfg.DNS.TTL},
		A:   target.To4(),
	}}
	return resp
}

func (s *Server) offlineAnswer(req *dns.Msg, q dns.Question) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)

	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: s.cfg.DNS.TTL}
	switch q.Qtype {
	case dns.TypeA:
		hdr.Rrtype = dns.TypeA
		resp.Answer = []dns.RR{&dns.A{Hdr: hdr, A: net.ParseIP(offlineIPv4).To4()}}
	case dns.TypeAAAA:
		hdr.Rrtype = dns.TypeAAAA
		resp.Answer = []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(offlineIPv6)}}
	case dns.TypeSRV:
		hdr.Rrtype = dns.TypeSRV
		resp.Answer = []dns.RR{&dns.SRV{Hdr: hdr, Priority: 0, Weight: 0, Port: 0, Target: q.Name}}
	case dns.TypeSOA:
		hdr.Rrtype = dns.TypeSOA
		resp.Answer = []dns.RR{&dns.SOA{
			Hdr: hdr, Ns: q.Name, Mbox: q.Name,
			Serial: 1, Refresh: 3600, Retry: 600, Expire: 86400, Minttl: s.cfg.DNS.TTL,
		}}
	}
	return resp
}

// forward resolves a question through the upstream server, caching
// answers by question until the next wholesale cache clear.
func (s *Server) forward(req *dns.Msg, q dns.Question) (*dns.Msg, error) {
	key := fmt.Sprintf("%s|%d|%d", q.Name, q.Qtype, q.Qclass)

	s.cacheMu.Lock()
	cached, ok := s.cache[key]
	s.cacheMu.Unlock()
	if ok {
		s.collector.DNSCacheHits.Add(1)
		resp := cached.Copy()
		resp.Id = req.Id
		return resp, nil
	}

	retries := s.cfg.DNS.Retries
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := s.exchange(req, s.cfg.DNS.Upstream)
		if err == nil {
			s.collector.DNSForwarded.Add(1)
			s.cacheMu.Lock()
			s.cache[key] = resp.Copy()
			s.cacheMu.Unlock()
			return resp, nil
		}
		lastErr = err
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			break
		}
	}
	return nil, fmt.Errorf("upstream %s: %w", s.cfg.DNS.Upstream, lastErr)
}

func (s *Server) exchangeUpstream(req *dns.Msg, upstream string) (*dns.Msg, error) {
	client := &dns.Client{Timeout: s.cfg.DNS.Timeout.Duration}
	resp, _, err := client.Exchange(req, upstream)
	return resp, err
}

func (s *Server) setLastDomain(domain string) {
	s.lastMu.Lock()
	s.last = domain
	s.lastMu.Unlock()
}

func (s *Server) writeRow(row *stats.DNSRow) {
	if s.writer == nil {
		return
	}
	if err := s.writer.Write(row); err != nil {
		s.log.Warn("dns stats write failed", "error", err)
	}
}

// firstAnswer renders the first address record for the stats row, or
// the rcode name when the answer section is empty.
func firstAnswer(resp *dns.Msg) string {
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			return a.A.String()
		case *dns.AAAA:
			return a.AAAA.String()
		}
	}
	if len(resp.Answer) > 0 {
		return resp.Answer[0].String()
	}
	return dns.RcodeToString[resp.Rcode]
}

// openKnownFiles opens the append-only history files. Both are
// best-effort; a failure disables the file and is logged once.
func (s *Server) openKnownFiles() {
	dir := s.cfg.LogDir
	if dir == "" {
		return
	}
	var err error
	s.knownDomains, err = os.OpenFile(filepath.Join(dir, knownDomainsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.log.Warn("known-domains file unavailable", "error", err)
	}
	s.knownIPv4, err = os.OpenFile(filepath.Join(dir, knownIPv4File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.log.Warn("known-ipv4 file unavailable", "error", err)
	}
}

func (s *Server) closeKnownFiles() {
	s.knownMu.Lock()
	defer s.knownMu.Unlock()
	if s.knownDomains != nil {
		_ = s.knownDomains.Close()
		s.knownDomains = nil
	}
	if s.knownIPv4 != nil {
		_ = s.knownIPv4.Close()
		s.knownIPv4 = nil
	}
}

// rememberAnswers appends newly seen domain->IP and IP->domain pairs to
// the history files.
func (s *Server) rememberAnswers(qname string, resp *dns.Msg) {
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip := a.A.String()
		now := time.Now().Format("2006-01-02 15:04:05")

		s.knownMu.Lock()
		if s.knownDomains != nil && !s.seenDomains[qname+"|"+ip] {
			s.seenDomains[qname+"|"+ip] = true
			fmt.Fprintf(s.knownDomains, "%s\t%s\t%s\n", now, qname, ip)
		}
		if s.knownIPv4 != nil && !s.seenIPs[ip+"|"+qname] {
			s.seenIPs[ip+"|"+qname] = true
			fmt.Fprintf(s.knownIPv4, "%s\t%s\t%s\n", now, ip, qname)
		}
		s.knownMu.Unlock()
	}
}

package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ushineko/snare/internal/config"
)

// EmptySNIDomain is the certificate name used when a client sends no SNI
// and the DNS server has no recently redirected domain to substitute.
const EmptySNIDomain = "domain_is_empty_in_sni_and_dns"

// defaultCertFile is the on-disk name of the shared certificate when the
// default strategy has no explicit path configured.
const defaultCertFile = "default_cert.pem"

// DomainHint supplies a fallback domain for handshakes that carry no SNI,
// typically the last domain the DNS server redirected.
type DomainHint interface {
	LastDomain() string
}

// Issuer returns leaf certificates for requested server names under the
// configured strategy. Safe for concurrent use by many handshakes.
type Issuer struct {
	ca   *CA
	cfg  config.Certificates
	log  *slog.Logger
	hint DomainHint
	skip map[string]bool

	// dialUpstream fetches the real server's certificate for subject
	// mimicking. Swappable in tests.
	dialUpstream func(domain string) (*x509.Certificate, error)

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// Default-strategy state. Readers load the pointer lock-free; the
	// regenerate path serializes on defMu and swaps atomically, so a
	// handshake may briefly use a certificate missing the newest domain.
	defMu      sync.Mutex
	defCert    atomic.Pointer[tls.Certificate]
	defDomains map[string]bool

	custom *tls.Certificate
}

// New constructs an Issuer for the active strategy. hint may be nil.
func New(cfg *config.Config, ca *CA, hint DomainHint, logger *slog.Logger) (*Issuer, error) {
	iss := &Issuer{
		ca:           ca,
		cfg:          cfg.Certificates,
		log:          logger,
		hint:         hint,
		skip:         make(map[string]bool, len(cfg.Certificates.SkipExtensions)),
		cache:        make(map[string]*tls.Certificate),
		defDomains:   make(map[string]bool),
		dialUpstream: fetchUpstreamCert,
	}
	for _, name := range cfg.Certificates.SkipExtensions {
		iss.skip[name] = true
	}

	switch {
	case iss.cfg.Custom.Enabled:
		pair, err := tls.LoadX509KeyPair(iss.cfg.Custom.CertPath, iss.cfg.Custom.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load custom certificate: %w", err)
		}
		iss.custom = &pair

	case iss.cfg.Default.Enabled:
		if ca == nil {
			return nil, fmt.Errorf("default certificate strategy requires CA material")
		}
		if err := iss.initDefault(); err != nil {
			return nil, err
		}

	case iss.cfg.PerDomain.Enabled:
		if ca == nil {
			return nil, fmt.Errorf("per-domain certificate strategy requires CA material")
		}
		if err := os.MkdirAll(iss.cfg.PerDomain.CacheDir, 0o750); err != nil {
			return nil, fmt.Errorf("create certificate cache dir: %w", err)
		}

	default:
		return nil, fmt.Errorf("no certificate strategy enabled")
	}

	return iss, nil
}

// GetCertificate implements the tls.Config callback. An empty SNI falls
// back to the DNS-supplied domain, then to the EmptySNIDomain sentinel.
func (i *Issuer) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := hello.ServerName
	if domain == "" && i.hint != nil {
		domain = i.hint.LastDomain()
	}
	if domain == "" {
		domain = EmptySNIDomain
	}
	return i.CertificateFor(domain)
}

// CertificateFor returns the certificate to serve for domain under the
// active strategy.
func (i *Issuer) CertificateFor(domain string) (*tls.Certificate, error) {
	switch {
	case i.custom != nil:
		return i.custom, nil
	case i.cfg.Default.Enabled:
		if err := i.observeDefaultDomain(domain); err != nil {
			return nil, err
		}
		return i.defCert.Load(), nil
	default:
		return i.perDomainCert(domain)
	}
}

// ClearCache drops all in-memory per-domain entries. Disk entries survive.
func (i *Issuer) ClearCache() {
	i.mu.Lock()
	i.cache = make(map[string]*tls.Certificate)
	i.mu.Unlock()
}

// --- default strategy ---

func (i *Issuer) initDefault() error {
	domains := i.cfg.Default.Domains
	if len(domains) == 0 {
		domains = []string{EmptySNIDomain}
	}
	for _, d := range domains {
		i.defDomains[d] = true
	}

	cert, err := generateLeaf(i.ca, leafOptions{domains: domains, skip: i.skip})
	if err != nil {
		return fmt.Errorf("generate default certificate: %w", err)
	}
	if err := i.persistDefault(cert); err != nil {
		return err
	}
	i.defCert.Store(cert)
	return nil
}

// observeDefaultDomain regenerates the shared certificate when a new
// domain shows up and add_new_domains is on. The read-check-regenerate
// sequence is serialized; concurrent readers keep the previous pointer.
func (i *Issuer) observeDefaultDomain(domain string) error {
	if !i.cfg.Default.AddNewDomains || domain == "" {
		return nil
	}

	i.defMu.Lock()
	defer i.defMu.Unlock()

	if i.defDomains[domain] {
		return nil
	}

	domains := make([]string, 0, len(i.defDomains)+1)
	for d := range i.defDomains {
		domains = append(domains, d)
	}
	domains = append(domains, domain)

	cert, err := generateLeaf(i.ca, leafOptions{domains: domains, skip: i.skip})
	if err != nil {
		return fmt.Errorf("amend default certificate with %s: %w", domain, err)
	}
	if err := i.persistDefault(cert); err != nil {
		return err
	}

	i.defCert.Store(cert)
	i.defDomains[domain] = true
	i.log.Info("default certificate regenerated", "added_domain", domain, "san_count", len(domains))
	return nil
}

func (i *Issuer) persistDefault(cert *tls.Certificate) error {
	path := i.cfg.Default.Path
	if path == "" {
		path = defaultCertFile
	}
	if err := writeCertAtomic(path, cert); err != nil {
		return fmt.Errorf("persist default certificate: %w", err)
	}
	return nil
}

// --- per-domain strategy ---

func (i *Issuer) perDomainCert(domain string) (*tls.Certificate, error) {
	i.mu.RLock()
	if cert, ok := i.cache[domain]; ok {
		i.mu.RUnlock()
		return cert, nil
	}
	i.mu.RUnlock()

	i.mu.Lock()
	defer i.mu.Unlock()

	// Double-check under write lock.
	if cert, ok := i.cache[domain]; ok {
		return cert, nil
	}

	path := filepath.Join(i.cfg.PerDomain.CacheDir, certFileName(domain))
	if cert, err := loadCertFile(path); err == nil {
		i.cache[domain] = cert
		return cert, nil
	}

	opts := leafOptions{domains: []string{domain}, skip: i.skip}
	if i.cfg.PerDomain.MimicUpstream && domain != EmptySNIDomain {
		upstream, err := i.dialUpstream(domain)
		if err != nil {
			i.log.Warn("could not read upstream certificate, generating plain leaf",
				"domain", domain, "error", err)
		} else {
			opts.mimic = upstream
		}
	}

	cert, err := generateLeaf(i.ca, opts)
	if err != nil {
		return nil, err
	}
	if err := writeCertAtomic(path, cert); err != nil {
		return nil, fmt.Errorf("persist certificate for %s: %w", domain, err)
	}

	i.cache[domain] = cert
	i.log.Debug("leaf certificate generated", "domain", domain, "path", path)
	return cert, nil
}

// certFileName maps a domain to a safe cache file name.
func certFileName(domain string) string {
	name := strings.NewReplacer("*", "_wildcard_", ":", "_", "/", "_").Replace(domain)
	return name + ".pem"
}

// --- persistence helpers ---

// writeCertAtomic writes certificate chain and key as one PEM file via a
// temp file and rename, so a concurrent reader never sees a partial write.
func writeCertAtomic(path string, cert *tls.Certificate) error {
	var buf []byte
	for _, der := range cert.Certificate {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := marshalPrivateKey(cert.PrivateKey)
	if err != nil {
		return err
	}
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cert-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// loadCertFile reads a combined certificate+key PEM written by
// writeCertAtomic. Expired entries are rejected so they regenerate.
func loadCertFile(path string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cert tls.Certificate
	var keyDER []byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, block.Bytes)
		case "EC PRIVATE KEY":
			keyDER = block.Bytes
		}
	}
	if len(cert.Certificate) == 0 || keyDER == nil {
		return nil, fmt.Errorf("cached certificate %s: missing CERTIFICATE or EC PRIVATE KEY block", path)
	}

	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("cached certificate %s: %w", path, err)
	}
	cert.PrivateKey = key

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("cached certificate %s: %w", path, err)
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("cached certificate %s: expired %s", path, leaf.NotAfter)
	}
	cert.Leaf = leaf

	return &cert, nil
}

// fetchUpstreamCert opens a side TLS connection to the real server purely
// to read its leaf certificate. Verification is skipped on purpose; the
// result seeds a forgery, not a trust decision.
func fetchUpstreamCert(domain string) (*x509.Certificate, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(domain, "443"), &tls.Config{
		ServerName:         domain,
		InsecureSkipVerify: true, //nolint:gosec // mimicking, not verifying
	})
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", domain, err)
	}
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("upstream %s presented no certificate", domain)
	}
	return peers[0], nil
}

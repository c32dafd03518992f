package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"time"
)

const leafValidity = 365 * 24 * time.Hour

// Skip-extension names accepted in configuration. Each suppresses one
// class of X.509 extension on generated leaves so that clients do not
// trip over behaviors the interception point cannot honor.
const (
	SkipClientAuthEKU = "client_auth_eku"         // ExtKeyUsage clientAuth (1.3.6.1.5.5.7.3.2)
	SkipCRLDistPoints = "crl_distribution_points" // 2.5.29.31
	SkipAIA           = "authority_info_access"   // 1.3.6.1.5.5.7.1.1
)

// leafOptions collects the inputs to one leaf generation.
type leafOptions struct {
	// domains become the SAN list; the first entry is the subject CN
	// unless mimic supplies one.
	domains []string
	// mimic, when set, is the real server's certificate whose subject and
	// revocation pointers are copied onto the generated leaf.
	mimic *x509.Certificate
	// skip holds the extension names to omit.
	skip map[string]bool
}

// generateLeaf creates a leaf certificate signed by ca.
func generateLeaf(ca *CA, opts leafOptions) (*tls.Certificate, error) {
	if len(opts.domains) == 0 {
		return nil, fmt.Errorf("generate leaf: no domains supplied")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", opts.domains[0], err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial for %s: %w", opts.domains[0], err)
	}

	subject := pkix.Name{CommonName: opts.domains[0]}
	if opts.mimic != nil {
		subject = opts.mimic.Subject
		if subject.CommonName == "" {
			subject.CommonName = opts.domains[0]
		}
	}

	extKeyUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if !opts.skip[SkipClientAuthEKU] {
		extKeyUsage = append(extKeyUsage, x509.ExtKeyUsageClientAuth)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-5 * time.Minute), // small backdate for clock skew
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  extKeyUsage,
	}

	for _, d := range opts.domains {
		if ip := net.ParseIP(d); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, d)
		}
	}

	if opts.mimic != nil {
		// Carry over the upstream's SANs so clients pinning any of its
		// alternate names still match.
		template.DNSNames = unionStrings(template.DNSNames, opts.mimic.DNSNames)
		if !opts.skip[SkipCRLDistPoints] {
			template.CRLDistributionPoints = opts.mimic.CRLDistributionPoints
		}
		if !opts.skip[SkipAIA] {
			template.OCSPServer = opts.mimic.OCSPServer
			template.IssuingCertificateURL = opts.mimic.IssuingCertificateURL
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate for %s: %w", opts.domains[0], err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate for %s: %w", opts.domains[0], err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// marshalPrivateKey serializes a generated leaf key for the PEM cache.
// Only ECDSA keys are ever generated here.
func marshalPrivateKey(key crypto.PrivateKey) ([]byte, error) {
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return x509.MarshalECPrivateKey(ec)
}

// unionStrings appends items from extra that are not already in base,
// preserving order.
func unionStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}

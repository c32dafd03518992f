package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/snare/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testCA generates a fresh CA in a temp dir and loads it.
func testCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")
	require.NoError(t, GenerateCA(certPath, keyPath, false))
	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)
	return ca
}

func perDomainConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Certificates.PerDomain.CacheDir = t.TempDir()
	return &cfg
}

func TestGenerateCA_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	require.NoError(t, GenerateCA(certPath, keyPath, false))
	err := GenerateCA(certPath, keyPath, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// force replaces.
	require.NoError(t, GenerateCA(certPath, keyPath, true))
}

func TestLoadCA(t *testing.T) {
	ca := testCA(t)
	assert.True(t, ca.Cert.IsCA)
	assert.NotEmpty(t, ca.Fingerprint)
	assert.True(t, ca.NotAfter.After(time.Now().Add(24*time.Hour)))
}

func TestLoadCA_RejectsNonCA(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "notca.pem")
	keyPath := filepath.Join(dir, "notca.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	_, err = LoadCA(certPath, keyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a CA certificate")
}

func TestPerDomain_IssuanceIsDeterministic(t *testing.T) {
	ca := testCA(t)
	iss, err := New(perDomainConfig(t), ca, nil, testLogger())
	require.NoError(t, err)

	first, err := iss.CertificateFor("shop.example.com")
	require.NoError(t, err)
	second, err := iss.CertificateFor("shop.example.com")
	require.NoError(t, err)

	// Same cached certificate, not a regeneration.
	assert.Same(t, first, second)

	// Clearing the memory cache still finds the disk entry: same serial.
	iss.ClearCache()
	third, err := iss.CertificateFor("shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.SerialNumber, third.Leaf.SerialNumber)
}

func TestPerDomain_RegeneratesWhenCacheCleared(t *testing.T) {
	ca := testCA(t)
	cfg := perDomainConfig(t)
	iss, err := New(cfg, ca, nil, testLogger())
	require.NoError(t, err)

	first, err := iss.CertificateFor("shop.example.com")
	require.NoError(t, err)

	iss.ClearCache()
	require.NoError(t, os.Remove(filepath.Join(cfg.Certificates.PerDomain.CacheDir, "shop.example.com.pem")))

	second, err := iss.CertificateFor("shop.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestPerDomain_LeafVerifiesAgainstCA(t *testing.T) {
	ca := testCA(t)
	iss, err := New(perDomainConfig(t), ca, nil, testLogger())
	require.NoError(t, err)

	cert, err := iss.CertificateFor("api.example.com")
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		Roots:   roots,
		DNSName: "api.example.com",
	})
	assert.NoError(t, err)
}

func TestPerDomain_MimicUpstream(t *testing.T) {
	ca := testCA(t)
	cfg := perDomainConfig(t)
	cfg.Certificates.PerDomain.MimicUpstream = true

	iss, err := New(cfg, ca, nil, testLogger())
	require.NoError(t, err)
	iss.dialUpstream = func(domain string) (*x509.Certificate, error) {
		return &x509.Certificate{
			Subject: pkix.Name{
				CommonName:   "real.example.com",
				Organization: []string{"Real Example Inc"},
			},
			DNSNames:              []string{"real.example.com", "alt.example.com"},
			CRLDistributionPoints: []string{"http://crl.example.com/r.crl"},
			OCSPServer:            []string{"http://ocsp.example.com"},
		}, nil
	}

	cert, err := iss.CertificateFor("real.example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"Real Example Inc"}, cert.Leaf.Subject.Organization)
	assert.Contains(t, cert.Leaf.DNSNames, "alt.example.com")
	assert.Equal(t, []string{"http://crl.example.com/r.crl"}, cert.Leaf.CRLDistributionPoints)
	assert.Equal(t, []string{"http://ocsp.example.com"}, cert.Leaf.OCSPServer)
}

func TestPerDomain_MimicFailureDegradesToPlainLeaf(t *testing.T) {
	ca := testCA(t)
	cfg := perDomainConfig(t)
	cfg.Certificates.PerDomain.MimicUpstream = true

	iss, err := New(cfg, ca, nil, testLogger())
	require.NoError(t, err)
	iss.dialUpstream = func(domain string) (*x509.Certificate, error) {
		return nil, assert.AnError
	}

	cert, err := iss.CertificateFor("down.example.com")
	require.NoError(t, err)
	assert.Equal(t, "down.example.com", cert.Leaf.Subject.CommonName)
}

func TestSkipExtensions(t *testing.T) {
	ca := testCA(t)

	withClientAuth, err := generateLeaf(ca, leafOptions{domains: []string{"a.example.com"}})
	require.NoError(t, err)
	assert.Contains(t, withClientAuth.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	skipped, err := generateLeaf(ca, leafOptions{
		domains: []string{"a.example.com"},
		skip:    map[string]bool{SkipClientAuthEKU: true},
	})
	require.NoError(t, err)
	assert.NotContains(t, skipped.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
}

func TestSkipExtensions_MimicRevocationPointers(t *testing.T) {
	ca := testCA(t)
	mimic := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "m.example.com"},
		CRLDistributionPoints: []string{"http://crl.example.com/r.crl"},
		OCSPServer:            []string{"http://ocsp.example.com"},
	}

	cert, err := generateLeaf(ca, leafOptions{
		domains: []string{"m.example.com"},
		mimic:   mimic,
		skip: map[string]bool{
			SkipCRLDistPoints: true,
			SkipAIA:           true,
		},
	})
	require.NoError(t, err)
	assert.Empty(t, cert.Leaf.CRLDistributionPoints)
	assert.Empty(t, cert.Leaf.OCSPServer)
}

func TestDefaultStrategy_AmendsSANList(t *testing.T) {
	ca := testCA(t)
	cfg := config.Default()
	cfg.Certificates.PerDomain.Enabled = false
	cfg.Certificates.Default = config.DefaultCert{
		Enabled:       true,
		Path:          filepath.Join(t.TempDir(), "default_cert.pem"),
		Domains:       []string{"seed.example.com"},
		AddNewDomains: true,
	}

	iss, err := New(&cfg, ca, nil, testLogger())
	require.NoError(t, err)

	initial, err := iss.CertificateFor("seed.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"seed.example.com"}, initial.Leaf.DNSNames)

	amended, err := iss.CertificateFor("new.example.com")
	require.NoError(t, err)
	assert.Contains(t, amended.Leaf.DNSNames, "seed.example.com")
	assert.Contains(t, amended.Leaf.DNSNames, "new.example.com")

	// The shared file was atomically replaced with the amended cert.
	onDisk, err := loadCertFile(cfg.Certificates.Default.Path)
	require.NoError(t, err)
	assert.Contains(t, onDisk.Leaf.DNSNames, "new.example.com")
}

func TestDefaultStrategy_NoAmendWhenDisabled(t *testing.T) {
	ca := testCA(t)
	cfg := config.Default()
	cfg.Certificates.PerDomain.Enabled = false
	cfg.Certificates.Default = config.DefaultCert{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "default_cert.pem"),
		Domains: []string{"seed.example.com"},
	}

	iss, err := New(&cfg, ca, nil, testLogger())
	require.NoError(t, err)

	cert, err := iss.CertificateFor("other.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"seed.example.com"}, cert.Leaf.DNSNames)
}

func TestCustomStrategy(t *testing.T) {
	ca := testCA(t)
	dir := t.TempDir()

	leaf, err := generateLeaf(ca, leafOptions{domains: []string{"fixed.example.com"}})
	require.NoError(t, err)

	certPath := filepath.Join(dir, "custom.pem")
	keyPath := filepath.Join(dir, "custom.key")
	var certPEM []byte
	for _, der := range leaf.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))
	keyDER, err := x509.MarshalECPrivateKey(leaf.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg := config.Default()
	cfg.Certificates.PerDomain.Enabled = false
	cfg.Certificates.Custom = config.CustomCert{Enabled: true, CertPath: certPath, KeyPath: keyPath}

	iss, err := New(&cfg, nil, nil, testLogger())
	require.NoError(t, err)

	a, err := iss.CertificateFor("anything.example.com")
	require.NoError(t, err)
	b, err := iss.CertificateFor("else.example.com")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

type staticHint struct{ domain string }

func (s staticHint) LastDomain() string { return s.domain }

func TestGetCertificate_EmptySNIUsesHint(t *testing.T) {
	ca := testCA(t)
	iss, err := New(perDomainConfig(t), ca, staticHint{domain: "hinted.example.com"}, testLogger())
	require.NoError(t, err)

	cert, err := iss.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	require.NoError(t, err)
	assert.Equal(t, "hinted.example.com", cert.Leaf.Subject.CommonName)
}

func TestGetCertificate_EmptySNINoHintUsesSentinel(t *testing.T) {
	ca := testCA(t)
	iss, err := New(perDomainConfig(t), ca, nil, testLogger())
	require.NoError(t, err)

	cert, err := iss.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	require.NoError(t, err)
	assert.Equal(t, EmptySNIDomain, cert.Leaf.Subject.CommonName)
}

func TestCertFileName(t *testing.T) {
	assert.Equal(t, "example.com.pem", certFileName("example.com"))
	assert.Equal(t, "_wildcard_.example.com.pem", certFileName("*.example.com"))
}

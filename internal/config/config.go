/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for snared.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults

The resulting Config is constructed once in main and passed by pointer
into every component; nothing mutates it after Validate.
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for snared.
type Config struct {
	LogDir  string `yaml:"log_dir"`
	Verbose bool   `yaml:"verbose"`

	// Offline disables all outbound connections: the DNS server answers
	// with placeholders and workers synthesize responses locally.
	Offline bool `yaml:"offline"`

	DNS          DNS          `yaml:"dns"`
	TCP          TCP          `yaml:"tcp"`
	Certificates Certificates `yaml:"certificates"`
	Recording    Recording    `yaml:"recording"`
	Stats        Stats        `yaml:"stats"`
	Process      Process      `yaml:"process"`
	Engines      []EngineUnit `yaml:"engines"`
}

// DNS configures the redirection DNS server. Exactly one of the three
// mode flags must be set when the server is enabled.
type DNS struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	ResolveByEngine    bool `yaml:"resolve_by_engine"`
	ResolveAllToTarget bool `yaml:"resolve_all_to_target"`
	PassThrough        bool `yaml:"pass_through"`

	// Target is the IPv4 address written into synthesized A answers.
	Target   string   `yaml:"target"`
	Upstream string   `yaml:"upstream"`
	TTL      uint32   `yaml:"ttl"`
	Retries  int      `yaml:"retries"`
	Timeout  Duration `yaml:"timeout"`

	// CacheTimeout is how often the forwarded-answer cache is cleared
	// wholesale.
	CacheTimeout Duration `yaml:"cache_timeout"`
}

// TCP configures the interception listeners and the relay receive policy.
type TCP struct {
	// Interface is the host part of each listen address ("" = all).
	Interface string `yaml:"interface"`
	Ports     []int  `yaml:"ports"`

	// WaitInitial is the receive timeout before any byte of a message has
	// arrived; expiry means "peer idle, keep waiting". WaitBetween is the
	// timeout between fragments once data has started arriving; expiry
	// means "message complete". Tunables, not protocol guarantees.
	WaitInitial Duration `yaml:"wait_initial"`
	WaitBetween Duration `yaml:"wait_between"`
}

// Certificates selects exactly one leaf-certificate strategy and names the
// CA material used to sign generated leaves.
type Certificates struct {
	CACert string `yaml:"ca_cert"`
	CAKey  string `yaml:"ca_key"`

	Default   DefaultCert   `yaml:"default_cert"`
	PerDomain PerDomainCert `yaml:"per_domain"`
	Custom    CustomCert    `yaml:"custom"`

	// SkipExtensions lists X.509 extensions omitted from generated leaves.
	// Known names: client_auth_eku, crl_distribution_points,
	// authority_info_access.
	SkipExtensions []string `yaml:"skip_extensions"`
}

// DefaultCert is the shared-certificate strategy: one certificate covering
// a fixed domain list, optionally regenerated as new domains are observed.
type DefaultCert struct {
	Enabled       bool     `yaml:"enabled"`
	Path          string   `yaml:"path"`
	Domains       []string `yaml:"domains"`
	AddNewDomains bool     `yaml:"add_new_domains"`
}

// PerDomainCert is the per-domain strategy: one generated leaf per observed
// domain, cached on disk.
type PerDomainCert struct {
	Enabled  bool   `yaml:"enabled"`
	CacheDir string `yaml:"cache_dir"`

	// MimicUpstream copies subject fields from the real server's own
	// certificate, read over a side TLS connection.
	MimicUpstream bool `yaml:"mimic_upstream"`
}

// CustomCert is the fixed-pair strategy: a user-supplied certificate and key
// used for every handshake.
type CustomCert struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Recording configures the per-engine JSON exchange recorder.
type Recording struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Stats configures the CSV row sinks and the SQLite aggregate store.
type Stats struct {
	Dir           string   `yaml:"dir"`
	Aggregates    bool     `yaml:"aggregates"`
	SQLitePath    string   `yaml:"sqlite_path"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Process configures best-effort peer process attribution.
type Process struct {
	Attribution bool `yaml:"attribution"`
}

// EngineUnit declares one domain-specific engine instance. Module names a
// registered engine factory; Ports maps raw connect-ports to target hosts
// for traffic that carries no usable domain.
type EngineUnit struct {
	Name    string         `yaml:"name"`
	Module  string         `yaml:"module"`
	Domains []string       `yaml:"domains"`
	Ports   map[int]string `yaml:"ports"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		LogDir:  "logs",
		Verbose: false,
		DNS: DNS{
			Enabled:      false,
			Listen:       ":53",
			PassThrough:  true,
			Upstream:     "8.8.8.8:53",
			TTL:          60,
			Retries:      5,
			Timeout:      Duration{3 * time.Second},
			CacheTimeout: Duration{60 * time.Minute},
		},
		TCP: TCP{
			Ports:       []int{443},
			WaitInitial: Duration{60 * time.Second},
			WaitBetween: Duration{500 * time.Millisecond},
		},
		Certificates: Certificates{
			CACert: "ca.pem",
			CAKey:  "ca.key",
			PerDomain: PerDomainCert{
				Enabled:  true,
				CacheDir: "certs",
			},
		},
		Recording: Recording{
			Enabled: true,
			Dir:     "recordings",
		},
		Stats: Stats{
			Dir:           "statistics",
			Aggregates:    true,
			SQLitePath:    "statistics/aggregates.db",
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for snared.yml or snared.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"snared.yml", "snared.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file
// values. A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	LogDir    *string
	Verbose   *bool
	Offline   *bool
	DNSListen *string
	Ports     []int
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.Offline != nil {
		c.Offline = *o.Offline
	}
	if o.DNSListen != nil {
		c.DNS.Listen = *o.DNSListen
	}
	if len(o.Ports) > 0 {
		c.TCP.Ports = o.Ports
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found. It must pass before any socket is opened.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateDNS()...)
	errs = append(errs, c.validateTCP()...)
	errs = append(errs, c.validateCertificates()...)

	if c.Stats.Aggregates && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

func (c *Config) validateDNS() []string {
	var errs []string
	if !c.DNS.Enabled {
		return errs
	}

	modes := 0
	for _, on := range []bool{c.DNS.ResolveByEngine, c.DNS.ResolveAllToTarget, c.DNS.PassThrough} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		errs = append(errs, fmt.Sprintf("dns: exactly one of resolve_by_engine, resolve_all_to_target, pass_through must be set, got %d", modes))
	}
	if c.Offline && c.DNS.PassThrough {
		errs = append(errs, "dns: pass_through cannot be combined with offline mode")
	}

	if _, err := net.ResolveUDPAddr("udp", c.DNS.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("dns.listen: invalid address %q: %v", c.DNS.Listen, err))
	}
	if (c.DNS.ResolveByEngine || c.DNS.ResolveAllToTarget) && net.ParseIP(c.DNS.Target) == nil {
		errs = append(errs, fmt.Sprintf("dns.target: invalid IP %q", c.DNS.Target))
	}
	if !c.Offline {
		if _, err := net.ResolveUDPAddr("udp", c.DNS.Upstream); err != nil {
			errs = append(errs, fmt.Sprintf("dns.upstream: invalid address %q: %v", c.DNS.Upstream, err))
		}
	}
	if c.DNS.Retries < 0 {
		errs = append(errs, fmt.Sprintf("dns.retries: must be non-negative, got %d", c.DNS.Retries))
	}
	return errs
}

func (c *Config) validateTCP() []string {
	var errs []string

	if len(c.TCP.Ports) == 0 {
		errs = append(errs, "tcp.ports: at least one listening port is required")
	}
	seen := make(map[int]bool, len(c.TCP.Ports))
	for i, p := range c.TCP.Ports {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Sprintf("tcp.ports[%d]: invalid port %d", i, p))
		}
		if seen[p] {
			errs = append(errs, fmt.Sprintf("tcp.ports[%d]: duplicate port %d", i, p))
		}
		seen[p] = true
	}

	if c.TCP.WaitInitial.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("tcp.wait_initial: must be positive, got %s", c.TCP.WaitInitial))
	}
	if c.TCP.WaitBetween.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("tcp.wait_between: must be positive, got %s", c.TCP.WaitBetween))
	}
	return errs
}

// knownSkipExtensions maps config names to the extensions the issuer can omit.
var knownSkipExtensions = map[string]bool{
	"client_auth_eku":         true,
	"crl_distribution_points": true,
	"authority_info_access":   true,
}

func (c *Config) validateCertificates() []string {
	var errs []string

	strategies := 0
	for _, on := range []bool{c.Certificates.Default.Enabled, c.Certificates.PerDomain.Enabled, c.Certificates.Custom.Enabled} {
		if on {
			strategies++
		}
	}
	if strategies != 1 {
		errs = append(errs, fmt.Sprintf("certificates: exactly one of default_cert, per_domain, custom must be enabled, got %d", strategies))
	}

	if c.Certificates.Custom.Enabled {
		if c.Certificates.Custom.CertPath == "" || c.Certificates.Custom.KeyPath == "" {
			errs = append(errs, "certificates.custom: cert_path and key_path are both required")
		}
	}
	if c.Certificates.PerDomain.Enabled && c.Certificates.PerDomain.CacheDir == "" {
		errs = append(errs, "certificates.per_domain: cache_dir is required")
	}
	if c.Certificates.Default.Enabled && len(c.Certificates.Default.Domains) == 0 && !c.Certificates.Default.AddNewDomains {
		errs = append(errs, "certificates.default_cert: domains is empty and add_new_domains is off")
	}

	for i, name := range c.Certificates.SkipExtensions {
		if !knownSkipExtensions[name] {
			errs = append(errs, fmt.Sprintf("certificates.skip_extensions[%d]: unknown extension %q", i, name))
		}
	}
	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

/*
Snare - TCP/TLS interception relay.

Usage:

	snared [flags]
	snared version
	snared gen-ca [flags]
	snared archive-recordings
	snared config dump [flags]
	snared config validate [flags]
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ushineko/snare/internal/certstore"
	"github.com/ushineko/snare/internal/config"
	"github.com/ushineko/snare/internal/dnsredir"
	"github.com/ushineko/snare/internal/engine"
	"github.com/ushineko/snare/internal/logging"
	"github.com/ushineko/snare/internal/procname"
	"github.com/ushineko/snare/internal/recorder"
	"github.com/ushineko/snare/internal/relay"
	"github.com/ushineko/snare/internal/stats"
	"github.com/ushineko/snare/internal/version"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagConfigPath string
	flagLogDir     string
	flagVerbose    bool
	flagOffline    bool
	flagDNSListen  string
	flagPorts      []int
	flagForceCA    bool
)

var rootCmd = &cobra.Command{
	Use:   "snared",
	Short: "Snare - TCP/TLS interception relay",
	RunE:  runServers,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var genCACmd = &cobra.Command{
	Use:   "gen-ca",
	Short: "Generate the interception CA certificate and key, then exit",
	RunE:  runGenCA,
}

var archiveCmd = &cobra.Command{
	Use:   "archive-recordings",
	Short: "Zip recordings from previous days, then exit",
	RunE:  runArchive,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: snared.yml in current directory)")

	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().BoolVar(&flagOffline, "offline", false, "answer clients without contacting real services")
	rootCmd.Flags().StringVar(&flagDNSListen, "dns-listen", "", "DNS listen address (host:port)")
	rootCmd.Flags().IntSliceVar(&flagPorts, "port", nil, "TCP port to intercept (repeatable)")

	genCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite existing CA material")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(genCACmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("offline") {
		overrides.Offline = &flagOffline
	}
	if cmd.Flags().Changed("dns-listen") {
		overrides.DNSListen = &flagDNSListen
	}
	if cmd.Flags().Changed("port") {
		overrides.Ports = flagPorts
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func runServers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer cleanup()

	for _, dir := range []string{cfg.LogDir, cfg.Stats.Dir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	// Engine registry. Rejected units are logged and skipped; the
	// remaining units plus the generic fallback still serve.
	registry, err := engine.NewRegistry(cfg.Engines, logging.Component(logger, "engine"))
	if err != nil {
		if registry == nil {
			return err
		}
		logger.Warn("some engine units were rejected", "error", err)
	}
	if err := registry.AttachRecorders(cfg.Recording.Dir, cfg.Recording.Enabled); err != nil {
		return err
	}

	// CA material. The custom strategy ships its own pair and needs no CA.
	var ca *certstore.CA
	if !cfg.Certificates.Custom.Enabled {
		ca, err = certstore.LoadCA(cfg.Certificates.CACert, cfg.Certificates.CAKey)
		if err != nil {
			return fmt.Errorf("%w (run \"snared gen-ca\" first)", err)
		}
	}

	// Statistics sinks.
	collector := stats.NewCollector()
	tcpWriter, err := stats.NewTCPWriter(cfg.Stats.Dir)
	if err != nil {
		return err
	}
	defer tcpWriter.Close() //nolint:errcheck // best-effort on shutdown

	var statsDB *stats.DB
	if cfg.Stats.Aggregates {
		statsDB, err = stats.Open(cfg.Stats.SQLitePath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DNS server, when enabled. It doubles as the no-SNI domain hint
	// for the certificate issuer and the relay.
	var dnsServer *dnsredir.Server
	var hint certstore.DomainHint
	if cfg.DNS.Enabled {
		dnsWriter, werr := stats.NewDNSWriter(cfg.Stats.Dir)
		if werr != nil {
			return werr
		}
		defer dnsWriter.Close() //nolint:errcheck // best-effort on shutdown

		dnsServer, err = dnsredir.New(&cfg, registry, dnsWriter, collector, logging.Component(logger, "dns"))
		if err != nil {
			return err
		}
		hint = dnsServer
	}

	issuer, err := certstore.New(&cfg, ca, hint, logging.Component(logger, "certs"))
	if err != nil {
		return err
	}

	var procs procname.Resolver
	if cfg.Process.Attribution {
		procs = procname.New(logging.Component(logger, "procname"))
	}

	var relayHint relay.DomainHint
	if dnsServer != nil {
		relayHint = dnsServer
	}
	relayServer := relay.New(&cfg, registry, issuer, relayHint, tcpWriter, collector, procs, logging.Component(logger, "relay"))
	if err := relayServer.Listen(); err != nil {
		return err
	}

	if statsDB != nil {
		statsDB.Start()
	}
	if cfg.Recording.Enabled {
		go recorder.RunArchiver(ctx, cfg.Recording.Dir, logging.Component(logger, "recorder"))
	}

	logger.Info("snared starting",
		"version", version.Full(),
		"offline", cfg.Offline,
		"dns_enabled", cfg.DNS.Enabled,
		"ports", cfg.TCP.Ports,
		"engines", len(registry.All()),
		"recording", cfg.Recording.Enabled,
	)

	errCh := make(chan error, 2)
	if dnsServer != nil {
		go func() { errCh <- dnsServer.Run(ctx) }()
	}
	go func() { errCh <- relayServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	stop()
	logger.Info("snared stopped")
	return nil
}

func runGenCA(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := certstore.GenerateCA(cfg.Certificates.CACert, cfg.Certificates.CAKey, flagForceCA); err != nil {
		return err
	}

	fmt.Printf("CA written to %s (key: %s)\n", cfg.Certificates.CACert, cfg.Certificates.CAKey)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{Verbose: true})
	defer cleanup()

	return recorder.Archive(cfg.Recording.Dir, logger)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}

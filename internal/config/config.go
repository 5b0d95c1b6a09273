package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the dispatcher.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	Listen           string // relay-facing TLS listener
	ListenManagement string // management console listener
	ListenDebug      string // metrics/health HTTP listener, empty disables
	SocketPath       string // SIP-proxy local socket, relative paths resolve under RuntimeDir
	RuntimeDir       string // state file and default socket directory

	TLSCert string
	TLSKey  string
	TLSCA   string // client CA for relay/management channels, empty skips chain verification

	Passport           []string // allowed relay certificate CNs, empty allows any
	ManagementUseTLS   bool
	ManagementPassport []string

	RelayTimeout                time.Duration // per-request deadline
	RelayRecoverInterval        time.Duration // post-timeout grace before closing a relay
	CleanupDeadRelaysAfter      time.Duration // delay before purging sessions of a disconnected relay
	CleanupExpiredSessionsAfter time.Duration // TTL for sessions whose remove never arrived

	Accounting    []string // statistics sinks to load
	OpenSIPSMIURL string   // SIP-proxy management interface, empty disables dialog termination

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultListen           = ":25060"
	defaultListenManagement = "127.0.0.1:25061"
	defaultSocketPath       = "dispatcher.sock"
	defaultRuntimeDir       = "./run"
	defaultRelayTimeout     = 5 * time.Second
	defaultRecoverInterval  = 60 * time.Second
	defaultDeadRelayCleanup = 24 * time.Hour
	defaultExpiredSessions  = 24 * time.Hour
	defaultAccounting       = "log"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// envPrefix is the prefix for all dispatcher environment variables.
const envPrefix = "MEDIADISPATCH_"

// Load parses configuration from CLI flags, environment variables and
// an optional YAML config file.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}
	var (
		configFile         string
		passport           string
		managementPassport string
		accounting         string
	)

	fs := flag.NewFlagSet("mediadispatch", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.StringVar(&cfg.Listen, "listen", defaultListen, "address of the relay-facing TLS listener")
	fs.StringVar(&cfg.ListenManagement, "listen-management", defaultListenManagement, "address of the management listener")
	fs.StringVar(&cfg.ListenDebug, "listen-debug", "", "address of the metrics/health HTTP listener (empty disables)")
	fs.StringVar(&cfg.SocketPath, "socket-path", defaultSocketPath, "path of the SIP-proxy local socket (relative to runtime-dir)")
	fs.StringVar(&cfg.RuntimeDir, "runtime-dir", defaultRuntimeDir, "directory for the state file and default socket")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.TLSCA, "tls-ca", "", "path to the CA bundle used to verify client certificates")
	fs.StringVar(&passport, "passport", "", "comma-separated relay certificate CNs to accept (* for any)")
	fs.BoolVar(&cfg.ManagementUseTLS, "management-use-tls", false, "enable TLS on the management listener")
	fs.StringVar(&managementPassport, "management-passport", "", "comma-separated management client certificate CNs to accept")
	fs.DurationVar(&cfg.RelayTimeout, "relay-timeout", defaultRelayTimeout, "per-request relay deadline")
	fs.DurationVar(&cfg.RelayRecoverInterval, "relay-recover-interval", defaultRecoverInterval, "post-timeout grace before a relay is closed")
	fs.DurationVar(&cfg.CleanupDeadRelaysAfter, "cleanup-dead-relays-after", defaultDeadRelayCleanup, "delay before purging sessions of a disconnected relay")
	fs.DurationVar(&cfg.CleanupExpiredSessionsAfter, "cleanup-expired-sessions-after", defaultExpiredSessions, "TTL for expired sessions that never received a remove")
	fs.StringVar(&accounting, "accounting", defaultAccounting, "comma-separated statistics sinks to load")
	fs.StringVar(&cfg.OpenSIPSMIURL, "opensips-mi-url", "", "URL of the OpenSIPS management interface (empty disables dialog termination)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set so env vars and the config
	// file never override them.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	applyEnvOverrides(cfg, set, &passport, &managementPassport, &accounting)

	if configFile == "" {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok && v != "" {
			configFile = v
		}
	}
	if configFile != "" {
		if err := applyFile(cfg, configFile, set, &passport, &managementPassport, &accounting); err != nil {
			return nil, err
		}
	}

	cfg.Passport = splitList(passport)
	cfg.ManagementPassport = splitList(managementPassport)
	cfg.Accounting = splitList(accounting)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for every flag that
// was not explicitly provided on the command line, marking applied
// fields as set so the config file cannot override them.
func applyEnvOverrides(cfg *Config, set map[string]bool, passport, managementPassport, accounting *string) {
	lookup := func(flagName, envSuffix string) (string, bool) {
		if set[flagName] {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + envSuffix)
		if !ok || v == "" {
			return "", false
		}
		set[flagName] = true
		return v, true
	}

	if v, ok := lookup("listen", "LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := lookup("listen-management", "LISTEN_MANAGEMENT"); ok {
		cfg.ListenManagement = v
	}
	if v, ok := lookup("listen-debug", "LISTEN_DEBUG"); ok {
		cfg.ListenDebug = v
	}
	if v, ok := lookup("socket-path", "SOCKET_PATH"); ok {
		cfg.SocketPath = v
	}
	if v, ok := lookup("runtime-dir", "RUNTIME_DIR"); ok {
		cfg.RuntimeDir = v
	}
	if v, ok := lookup("tls-cert", "TLS_CERT"); ok {
		cfg.TLSCert = v
	}
	if v, ok := lookup("tls-key", "TLS_KEY"); ok {
		cfg.TLSKey = v
	}
	if v, ok := lookup("tls-ca", "TLS_CA"); ok {
		cfg.TLSCA = v
	}
	if v, ok := lookup("passport", "PASSPORT"); ok {
		*passport = v
	}
	if v, ok := lookup("management-use-tls", "MANAGEMENT_USE_TLS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ManagementUseTLS = b
		}
	}
	if v, ok := lookup("management-passport", "MANAGEMENT_PASSPORT"); ok {
		*managementPassport = v
	}
	if v, ok := lookup("relay-timeout", "RELAY_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RelayTimeout = d
		}
	}
	if v, ok := lookup("relay-recover-interval", "RELAY_RECOVER_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RelayRecoverInterval = d
		}
	}
	if v, ok := lookup("cleanup-dead-relays-after", "CLEANUP_DEAD_RELAYS_AFTER"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CleanupDeadRelaysAfter = d
		}
	}
	if v, ok := lookup("cleanup-expired-sessions-after", "CLEANUP_EXPIRED_SESSIONS_AFTER"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CleanupExpiredSessionsAfter = d
		}
	}
	if v, ok := lookup("accounting", "ACCOUNTING"); ok {
		*accounting = v
	}
	if v, ok := lookup("opensips-mi-url", "OPENSIPS_MI_URL"); ok {
		cfg.OpenSIPSMIURL = v
	}
	if v, ok := lookup("log-level", "LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format", "LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
}

// duration unmarshals from either a bare number of seconds or a Go
// duration string ("90s", "1h").
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileConfig mirrors Config with the option names the daemon documents.
type fileConfig struct {
	Listen                      *string   `yaml:"listen"`
	ListenManagement            *string   `yaml:"listen_management"`
	ListenDebug                 *string   `yaml:"listen_debug"`
	SocketPath                  *string   `yaml:"socket_path"`
	RuntimeDir                  *string   `yaml:"runtime_dir"`
	TLSCert                     *string   `yaml:"tls_cert"`
	TLSKey                      *string   `yaml:"tls_key"`
	TLSCA                       *string   `yaml:"tls_ca"`
	Passport                    []string  `yaml:"passport"`
	ManagementUseTLS            *bool     `yaml:"management_use_tls"`
	ManagementPassport          []string  `yaml:"management_passport"`
	RelayTimeout                *duration `yaml:"relay_timeout"`
	RelayRecoverInterval        *duration `yaml:"relay_recover_interval"`
	CleanupDeadRelaysAfter      *duration `yaml:"cleanup_dead_relays_after"`
	CleanupExpiredSessionsAfter *duration `yaml:"cleanup_expired_sessions_after"`
	Accounting                  []string  `yaml:"accounting"`
	OpenSIPSMIURL               *string   `yaml:"opensips_mi_url"`
	LogLevel                    *string   `yaml:"log_level"`
	LogFormat                   *string   `yaml:"log_format"`
}

// applyFile fills in every field that was not set by a flag or env var.
func applyFile(cfg *Config, path string, set map[string]bool, passport, managementPassport, accounting *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setString := func(flagName string, dst *string, src *string) {
		if src != nil && !set[flagName] {
			*dst = *src
		}
	}
	setDuration := func(flagName string, dst *time.Duration, src *duration) {
		if src != nil && !set[flagName] {
			*dst = time.Duration(*src)
		}
	}

	setString("listen", &cfg.Listen, fc.Listen)
	setString("listen-management", &cfg.ListenManagement, fc.ListenManagement)
	setString("listen-debug", &cfg.ListenDebug, fc.ListenDebug)
	setString("socket-path", &cfg.SocketPath, fc.SocketPath)
	setString("runtime-dir", &cfg.RuntimeDir, fc.RuntimeDir)
	setString("tls-cert", &cfg.TLSCert, fc.TLSCert)
	setString("tls-key", &cfg.TLSKey, fc.TLSKey)
	setString("tls-ca", &cfg.TLSCA, fc.TLSCA)
	setString("opensips-mi-url", &cfg.OpenSIPSMIURL, fc.OpenSIPSMIURL)
	setString("log-level", &cfg.LogLevel, fc.LogLevel)
	setString("log-format", &cfg.LogFormat, fc.LogFormat)
	setDuration("relay-timeout", &cfg.RelayTimeout, fc.RelayTimeout)
	setDuration("relay-recover-interval", &cfg.RelayRecoverInterval, fc.RelayRecoverInterval)
	setDuration("cleanup-dead-relays-after", &cfg.CleanupDeadRelaysAfter, fc.CleanupDeadRelaysAfter)
	setDuration("cleanup-expired-sessions-after", &cfg.CleanupExpiredSessionsAfter, fc.CleanupExpiredSessionsAfter)
	if fc.Passport != nil && !set["passport"] {
		*passport = strings.Join(fc.Passport, ",")
	}
	if fc.ManagementPassport != nil && !set["management-passport"] {
		*managementPassport = strings.Join(fc.ManagementPassport, ",")
	}
	if fc.Accounting != nil && !set["accounting"] {
		*accounting = strings.Join(fc.Accounting, ",")
	}
	if fc.ManagementUseTLS != nil && !set["management-use-tls"] {
		cfg.ManagementUseTLS = *fc.ManagementUseTLS
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.ListenManagement == "" {
		return fmt.Errorf("listen-management must not be empty")
	}
	if c.TLSCert == "" || c.TLSKey == "" {
		return fmt.Errorf("tls-cert and tls-key are required for the relay listener")
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay-timeout must be positive, got %s", c.RelayTimeout)
	}
	if c.RelayRecoverInterval <= 0 {
		return fmt.Errorf("relay-recover-interval must be positive, got %s", c.RelayRecoverInterval)
	}
	if c.CleanupDeadRelaysAfter <= 0 {
		return fmt.Errorf("cleanup-dead-relays-after must be positive, got %s", c.CleanupDeadRelaysAfter)
	}
	if c.CleanupExpiredSessionsAfter <= 0 {
		return fmt.Errorf("cleanup-expired-sessions-after must be positive, got %s", c.CleanupExpiredSessionsAfter)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResolvedSocketPath returns the SIP-proxy socket path, resolving
// relative paths under the runtime directory.
func (c *Config) ResolvedSocketPath() string {
	if filepath.IsAbs(c.SocketPath) {
		return c.SocketPath
	}
	return filepath.Join(c.RuntimeDir, c.SocketPath)
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

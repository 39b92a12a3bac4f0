package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultElevateRole          = "security_admin"
	DefaultTimeout              = 60 * time.Second
	DefaultLargeResultThreshold = 100
	DefaultKeyringProbeTimeout  = 5 * time.Second

	configFileName     = "config.json"
	auditLogFileName   = "audit.log"
	auditDBFileName    = "audit.db"
	sessionFileName    = "session.json"
	diagnosticFileName = "last_run_output.txt"
)

// Config is the process-level runtime configuration, assembled from .env
// files and the environment. Instance definitions live in the Store.
type Config struct {
	DataDir string

	// Ad-hoc overrides; take precedence over stored instance data.
	Instance string
	User     string
	Password string

	LogLevel  string
	LogFormat string
	LogFile   string

	Timeout              time.Duration
	VerifyTLS            bool
	TLSFingerprint       string
	ElevateRole          string
	LargeResultThreshold int
	AuditDB              bool

	KeyringPassphrase   string
	KeyringProbeTimeout time.Duration
	DisableKeyring      bool
}

// DefaultDataDir returns ~/.snow-run, or $SNOW_HOME when set.
func DefaultDataDir() string {
	if dir := strings.TrimSpace(os.Getenv("SNOW_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".snow-run"
	}
	return filepath.Join(home, ".snow-run")
}

// Load reads .env overrides (data dir first, then the working directory) and
// the environment.
func Load() (*Config, error) {
	dataDir := DefaultDataDir()

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}
	// .env may itself set SNOW_HOME.
	dataDir = DefaultDataDir()

	cfg := &Config{
		DataDir:              dataDir,
		Instance:             firstEnv("SNOW_INSTANCE", "snow_instance"),
		User:                 firstEnv("SNOW_USER", "snow_user"),
		Password:             firstEnv("SNOW_PASSWORD", "snow_pwd"),
		LogLevel:             envOr("SNOW_LOG_LEVEL", "info"),
		LogFormat:            envOr("SNOW_LOG_FORMAT", "auto"),
		LogFile:              os.Getenv("SNOW_LOG_FILE"),
		Timeout:              DefaultTimeout,
		VerifyTLS:            true,
		TLSFingerprint:       os.Getenv("SNOW_TLS_FINGERPRINT"),
		ElevateRole:          envOr("SNOW_ELEVATE_ROLE", DefaultElevateRole),
		LargeResultThreshold: DefaultLargeResultThreshold,
		AuditDB:              true,
		KeyringPassphrase:    os.Getenv("SNOW_KEYRING_PASSPHRASE"),
		KeyringProbeTimeout:  DefaultKeyringProbeTimeout,
	}

	if v := os.Getenv("SNOW_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOW_TIMEOUT %q: %w", v, err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("SNOW_VERIFY_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOW_VERIFY_TLS %q: %w", v, err)
		}
		cfg.VerifyTLS = b
	}
	if v := os.Getenv("SNOW_LARGE_RESULT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid SNOW_LARGE_RESULT_THRESHOLD %q", v)
		}
		cfg.LargeResultThreshold = n
	}
	if v := os.Getenv("SNOW_AUDIT_DB"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOW_AUDIT_DB %q: %w", v, err)
		}
		cfg.AuditDB = b
	}
	if v := os.Getenv("SNOW_DISABLE_KEYRING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOW_DISABLE_KEYRING %q: %w", v, err)
		}
		cfg.DisableKeyring = b
	}

	return cfg, nil
}

// parseDuration accepts Go durations ("90s") or bare seconds ("90").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// ConfigFile is the instances document.
func (c *Config) ConfigFile() string { return filepath.Join(c.DataDir, configFileName) }

// AuditLogFile is the NDJSON audit log.
func (c *Config) AuditLogFile() string { return filepath.Join(c.DataDir, auditLogFileName) }

// AuditDBFile is the SQLite audit history.
func (c *Config) AuditDBFile() string { return filepath.Join(c.DataDir, auditDBFileName) }

// InstanceDir holds per-instance runtime state.
func (c *Config) InstanceDir(host string) string {
	return filepath.Join(c.DataDir, "tmp", SafeHostDir(host))
}

// SessionFile persists the cookie jar and session state for host.
func (c *Config) SessionFile(host string) string {
	return filepath.Join(c.InstanceDir(host), sessionFileName)
}

// DiagnosticFile receives the raw HTML of the last script run on host.
func (c *Config) DiagnosticFile(host string) string {
	return filepath.Join(c.InstanceDir(host), diagnosticFileName)
}

// SafeHostDir maps a hostname to a single safe path component.
func SafeHostDir(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

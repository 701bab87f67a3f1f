package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by the profile.
const EnvPrefix = "CRMSYNC"

// Conflict resolution policies.
const (
	ConflictServerWins = "server-wins"
	ConflictClientWins = "client-wins"
	ConflictManual     = "manual"
)

// AlertRule is a threshold rule evaluated against metric events.
type AlertRule struct {
	Name     string        `mapstructure:"name"`
	Expr     string        `mapstructure:"expr"`
	Severity string        `mapstructure:"severity"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// Profile is the configuration of the caching and sync core.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Data is the data directory
	Data string
	// Driver is the durable store driver (sqlite or memory)
	Driver string
	// DSN points to the sqlite database file
	DSN string
	// LogLevel is one of debug, info, warn, error
	LogLevel string

	// Cache tiers
	FastTierMaxItems int           // CRMSYNC_CACHE_FAST_MAX_ITEMS (default: 100)
	PublicTTL        time.Duration // CRMSYNC_CACHE_PUBLIC_TTL (default: 30m)
	StaticTTL        time.Duration // CRMSYNC_CACHE_STATIC_TTL (default: 24h)
	BusinessTTL      time.Duration // CRMSYNC_CACHE_BUSINESS_TTL (default: 15m)
	PersonalTTL      time.Duration // CRMSYNC_CACHE_PERSONAL_TTL (default: 5m)
	SweepInterval    time.Duration // CRMSYNC_CACHE_SWEEP_INTERVAL (default: 1m)

	// Sync engine
	SyncInterval         time.Duration   // CRMSYNC_SYNC_INTERVAL (default: 30s)
	SyncBatchSize        int             // CRMSYNC_SYNC_BATCH_SIZE (default: 10)
	MaxRetries           int             // CRMSYNC_SYNC_MAX_RETRIES (default: 5)
	RetryDelays          []time.Duration // CRMSYNC_SYNC_RETRY_DELAYS (default: 1s,2s,5s,10s,30s)
	ConflictPolicy       string          // CRMSYNC_SYNC_CONFLICT_POLICY (default: server-wins)
	ConflictIgnoreFields []string        // CRMSYNC_SYNC_CONFLICT_IGNORE_FIELDS

	// Remote store and connectivity
	RemoteBaseURL string        // CRMSYNC_REMOTE_BASE_URL
	RemoteRPS     float64       // CRMSYNC_REMOTE_RPS (default: 0 = unlimited)
	RemoteTimeout time.Duration // CRMSYNC_REMOTE_TIMEOUT (default: 10s)
	ProbeURL      string        // CRMSYNC_PROBE_URL (default: RemoteBaseURL)
	ProbeTimeout  time.Duration // CRMSYNC_PROBE_TIMEOUT (default: 3s)

	// Key derivation
	KDFIterations int    // CRMSYNC_KDF_ITERATIONS (default: 100000)
	KDFSalt       string // CRMSYNC_KDF_SALT

	// Classification and alerting
	RulesPath  string // CRMSYNC_RULES_PATH (optional YAML rule table)
	AlertRules []AlertRule

	// Diagnostics HTTP surface
	DiagAddr   string // CRMSYNC_DIAG_ADDR (default: 127.0.0.1:8089)
	DiagSecret string // CRMSYNC_DIAG_SECRET
}

// IsDev reports whether the profile runs outside production.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "dev")
	v.SetDefault("data", ".")
	v.SetDefault("driver", "sqlite")
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.fast_max_items", 100)
	v.SetDefault("cache.public_ttl", 30*time.Minute)
	v.SetDefault("cache.static_ttl", 24*time.Hour)
	v.SetDefault("cache.business_ttl", 15*time.Minute)
	v.SetDefault("cache.personal_ttl", 5*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Minute)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_delays", []string{"1s", "2s", "5s", "10s", "30s"})
	v.SetDefault("sync.conflict_policy", ConflictServerWins)
	v.SetDefault("sync.conflict_ignore_fields", []string{"updatedAt", "updated_at", "version"})

	v.SetDefault("remote.rps", 0.0)
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("probe.timeout", 3*time.Second)

	v.SetDefault("kdf.iterations", 100000)
	v.SetDefault("kdf.salt", "crmsync-offline-cache")

	v.SetDefault("diag.addr", "127.0.0.1:8089")
}

// Load reads the profile from defaults, an optional config file and CRMSYNC_* environment variables.
// Environment variables win over the file, the file wins over defaults.
func Load(configFile string) (*Profile, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	return FromViper(v)
}

// FromViper builds a profile from an already populated viper instance.
func FromViper(v *viper.Viper) (*Profile, error) {
	p := &Profile{
		Mode:     v.GetString("mode"),
		Data:     v.GetString("data"),
		Driver:   v.GetString("driver"),
		DSN:      v.GetString("dsn"),
		LogLevel: v.GetString("log_level"),

		FastTierMaxItems: v.GetInt("cache.fast_max_items"),
		PublicTTL:        v.GetDuration("cache.public_ttl"),
		StaticTTL:        v.GetDuration("cache.static_ttl"),
		BusinessTTL:      v.GetDuration("cache.business_ttl"),
		PersonalTTL:      v.GetDuration("cache.personal_ttl"),
		SweepInterval:    v.GetDuration("cache.sweep_interval"),

		SyncInterval:         v.GetDuration("sync.interval"),
		SyncBatchSize:        v.GetInt("sync.batch_size"),
		MaxRetries:           v.GetInt("sync.max_retries"),
		ConflictPolicy:       v.GetString("sync.conflict_policy"),
		ConflictIgnoreFields: splitList(v.GetStringSlice("sync.conflict_ignore_fields")),

		RemoteBaseURL: v.GetString("remote.base_url"),
		RemoteRPS:     v.GetFloat64("remote.rps"),
		RemoteTimeout: v.GetDuration("remote.timeout"),
		ProbeURL:      v.GetString("probe.url"),
		ProbeTimeout:  v.GetDuration("probe.timeout"),

		KDFIterations: v.GetInt("kdf.iterations"),
		KDFSalt:       v.GetString("kdf.salt"),

		RulesPath: v.GetString("rules_path"),

		DiagAddr:   v.GetString("diag.addr"),
		DiagSecret: v.GetString("diag.secret"),
	}

	delays, err := parseDurations(splitList(v.GetStringSlice("sync.retry_delays")))
	if err != nil {
		return nil, errors.Wrap(err, "invalid sync.retry_delays")
	}
	p.RetryDelays = delays

	if v.IsSet("alert_rules") {
		if err := v.UnmarshalKey("alert_rules", &p.AlertRules); err != nil {
			return nil, errors.Wrap(err, "invalid alert_rules")
		}
	}

	return p, nil
}

// splitList flattens comma separated entries, as environment variables arrive as one string.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseDurations(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, value := range values {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func checkDataDir(dataDir string) (string, error) {
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return "", err
	}

	// Trim trailing \ or / in case user supplies
	absDir = strings.TrimRight(absDir, "\\/")
	if _, err := os.Stat(absDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", absDir)
	}
	return absDir, nil
}

// Validate normalises the profile and fills derived fields.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	switch p.ConflictPolicy {
	case ConflictServerWins, ConflictClientWins, ConflictManual:
	case "":
		p.ConflictPolicy = ConflictServerWins
	default:
		return errors.Errorf("unknown conflict policy %q", p.ConflictPolicy)
	}

	if p.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if len(p.RetryDelays) == 0 {
		p.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	if p.SyncBatchSize <= 0 {
		p.SyncBatchSize = 10
	}
	if p.FastTierMaxItems <= 0 {
		p.FastTierMaxItems = 100
	}
	if p.KDFIterations <= 0 {
		return errors.New("kdf iterations must be positive")
	}
	if p.KDFSalt == "" {
		return errors.New("kdf salt must not be empty")
	}
	if p.ProbeURL == "" {
		p.ProbeURL = p.RemoteBaseURL
	}

	if p.Driver == "memory" {
		return nil
	}
	if p.Driver != "sqlite" {
		return errors.Errorf("unknown store driver %q: only 'sqlite' and 'memory' are supported", p.Driver)
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir
	if p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("crmsync_%s.db", p.Mode))
	}

	return nil
}

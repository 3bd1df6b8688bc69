package intelsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/intelsync/intelsync/internal/conflict"
)

// Config holds all intelsync configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	// SubmitTimeout bounds each call to the ledger, list or submit.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// SyncedRetention deletes synced reports this long after they were
	// confirmed. 0 keeps them.
	SyncedRetention time.Duration       `yaml:"synced_retention"`
	Backoff         BackoffConfig       `yaml:"backoff"`
	Detection       conflict.Thresholds `yaml:"detection"`
	Breaker         BreakerConfig       `yaml:"breaker"`
	AutoSync        AutoSyncConfig      `yaml:"autosync"`
	Listen          string              `yaml:"listen"`
	MaxConns        int                 `yaml:"max_conns"`
	Wallet          WalletConfig        `yaml:"wallet"`
	Ledger          LedgerConfig        `yaml:"ledger"`
	// JournalRetention trims the event journal, metrics and heartbeats.
	// 0 keeps them.
	JournalRetention time.Duration `yaml:"journal_retention"`
	// Heartbeat is how often a running Start records that it is alive.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// BackoffConfig shapes the wait between sync passes: Base doubled per
// pass, capped at Max.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// BreakerConfig tunes the circuit breaker in front of the remote.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AutoSyncConfig controls the autosync queue consumer.
type AutoSyncConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultPassphraseEnv holds the keystore passphrase unless
// wallet.passphrase_env names another variable.
const DefaultPassphraseEnv = "INTELSYNC_PASSPHRASE"

// WalletConfig locates the signing key used by serve and sync.
type WalletConfig struct {
	Keystore string `yaml:"keystore"`
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// LedgerConfig selects the remote. With Embedded, an in-process ledger is
// opened at DBPath and registered locally. Otherwise Endpoint is the base
// URL of an intelledger server and the ledger_* routes point at it.
type LedgerConfig struct {
	Embedded     bool   `yaml:"embedded"`
	DBPath       string `yaml:"db_path"`
	Endpoint     string `yaml:"endpoint"`
	AllowPrivate bool   `yaml:"allow_private"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "intelsync.db"
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.AutoSync.Visibility <= 0 {
		c.AutoSync.Visibility = 2 * time.Minute
	}
	if c.AutoSync.PollInterval <= 0 {
		c.AutoSync.PollInterval = 5 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8460"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 128
	}
	if c.Wallet.PassphraseEnv == "" {
		c.Wallet.PassphraseEnv = DefaultPassphraseEnv
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = "ledger.db"
	}
	if c.Ledger.Endpoint == "" {
		c.Ledger.Embedded = true
	}
}

// Validate checks values defaults cannot fix.
func (c *Config) Validate() error {
	if c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("intelsync: config: backoff.max %s < backoff.base %s", c.Backoff.Max, c.Backoff.Base)
	}
	if d := c.Detection.DuplicateSimilarity; d < 0 || d > 1 {
		return fmt.Errorf("intelsync: config: detection.duplicate_similarity %v outside [0,1]", d)
	}
	if c.Detection.CoordinateTolerance < 0 {
		return fmt.Errorf("intelsync: config: detection.coordinate_tolerance_meters must be >= 0")
	}
	return nil
}

// backoff returns the wait before pass (1-based).
func (c *Config) backoff(pass int) time.Duration {
	d := c.Backoff.Base
	for i := 1; i < pass && d < c.Backoff.Max; i++ {
		d *= 2
	}
	return min(d, c.Backoff.Max)
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "voting-ledger.config"

const envPrefix = "ledger"

// WithContext stores the config in ctx for cobra subcommands.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Receipt  ReceiptConfig  `yaml:"receipt"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Debug    bool           `yaml:"debug"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DataDir      string `yaml:"dataDir"      split_words:"true"`
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         uint   `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslMode"      envconfig:"SSL_MODE"`
	MaxOpenConns int    `yaml:"maxOpenConns" split_words:"true"`
}

type APIConfig struct {
	BindAddr    string `yaml:"bindAddr"    split_words:"true"`
	Port        uint   `yaml:"port"`
	VoterHeader string `yaml:"voterHeader" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    uint `yaml:"port"`
}

type LedgerConfig struct {
	OperationTimeout  time.Duration `yaml:"operationTimeout"  split_words:"true"`
	AppendRetries     int           `yaml:"appendRetries"     split_words:"true"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval" split_words:"true"`
}

type ReceiptConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyFile string `yaml:"keyFile" split_words:"true"`
}

type SnapshotConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DataDir:      ".ledger",
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
		API: APIConfig{
			BindAddr:    "0.0.0.0",
			Port:        8080,
			VoterHeader: "X-Voter-ID",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Ledger: LedgerConfig{
			OperationTimeout:  5 * time.Second,
			AppendRetries:     3,
			ReconcileInterval: 5 * time.Minute,
		},
		Receipt: ReceiptConfig{
			Enabled: true,
			KeyFile: filepath.Join(".ledger", "receipt_key.json"),
		},
		Snapshot: SnapshotConfig{
			Dir:  filepath.Join(".ledger", "snapshots"),
			Keep: 5,
		},
	}
}

// Load builds the config from defaults, the YAML file and LEDGER_* environment
// variables, in that order. An empty configFile falls back to
// ~/.voting-ledger/ledger.yaml and then /etc/voting-ledger/ledger.yaml.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".voting-ledger", "ledger.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/voting-ledger/ledger.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database driver %q: must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" && c.Database.Name == "" {
		return errors.New("postgres requires database.dsn or database.name")
	}
	if c.Ledger.AppendRetries <= 0 {
		return fmt.Errorf("invalid ledger.appendRetries %d: must be positive", c.Ledger.AppendRetries)
	}
	if c.Ledger.OperationTimeout < 0 {
		return errors.New("ledger.operationTimeout must not be negative")
	}
	if c.API.VoterHeader == "" {
		return errors.New("api.voterHeader must not be empty")
	}
	if c.Receipt.Enabled && c.Receipt.KeyFile == "" {
		return errors.New("receipt.keyFile is required when receipts are enabled")
	}
	return nil
}

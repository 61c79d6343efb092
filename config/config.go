// Package config loads the vault mirror configuration from a yaml file with
// flag and environment overrides for the most operational knobs.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr     string
	DBPath         string
	SnapshotWALDir string
	ChainRPCURL    string

	ReconciliationInterval time.Duration
	ChainTimeout           time.Duration
	MinConfirmationAge     time.Duration
	CacheTTL               time.Duration
	ReorgDepthSlots        int64
	EventBuffer            int

	WarningDiscrepancyPercent  decimal.Decimal
	CriticalDiscrepancyPercent decimal.Decimal
	UtilizationWarningPercent  decimal.Decimal
	LowBalanceFraction         decimal.Decimal

	AllowCriticalAutoResolve bool
}

type configTmp struct {
	ListenAddr     string `yaml:"listen_addr,omitempty"`
	DBPath         string `yaml:"db_path,omitempty"`
	SnapshotWALDir string `yaml:"snapshot_wal_dir,omitempty"`
	ChainRPCURL    string `yaml:"chain_rpc_url,omitempty"`

	ReconciliationIntervalStr string `yaml:"reconciliation_interval,omitempty"`
	ChainTimeoutStr           string `yaml:"chain_timeout,omitempty"`
	MinConfirmationAgeStr     string `yaml:"min_confirmation_age,omitempty"`
	CacheTTLStr               string `yaml:"cache_ttl,omitempty"`
	ReorgDepthSlots           int64  `yaml:"reorg_depth_slots,omitempty"`
	EventBuffer               int    `yaml:"event_buffer,omitempty"`

	WarningDiscrepancyPercentStr  string `yaml:"warning_discrepancy_percent,omitempty"`
	CriticalDiscrepancyPercentStr string `yaml:"critical_discrepancy_percent,omitempty"`
	UtilizationWarningPercentStr  string `yaml:"utilization_warning_percent,omitempty"`
	LowBalanceFractionStr         string `yaml:"low_balance_fraction,omitempty"`

	AllowCriticalAutoResolve bool `yaml:"allow_critical_auto_resolve,omitempty"`
}

// Default returns the configuration used when no yaml file is provided.
func Default() Config {
	return Config{
		ListenAddr:                 ":3000",
		DBPath:                     "./vaultmirror.db",
		SnapshotWALDir:             "./wal/snapshots",
		ReconciliationInterval:     time.Hour,
		ChainTimeout:               10 * time.Second,
		MinConfirmationAge:         30 * time.Second,
		CacheTTL:                   5 * time.Minute,
		ReorgDepthSlots:            32,
		EventBuffer:                256,
		WarningDiscrepancyPercent:  decimal.NewFromFloat(0.1),
		CriticalDiscrepancyPercent: decimal.NewFromInt(1),
		UtilizationWarningPercent:  decimal.NewFromInt(90),
		LowBalanceFraction:         decimal.NewFromFloat(0.1),
	}
}

// Get resolves the configuration from the -config flag, falling back to the
// VAULTMIRROR_CONFIG environment variable and then to defaults.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()

	if *path == "" {
		if env := os.Getenv("VAULTMIRROR_CONFIG"); env != "" {
			return FromYaml(env)
		}
		return Default(), nil
	}
	return FromYaml(*path)
}

// FromYaml loads configuration from a yaml file, keeping defaults for every
// omitted key.
func FromYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if tmp.ListenAddr != "" {
		cfg.ListenAddr = tmp.ListenAddr
	}
	if tmp.DBPath != "" {
		cfg.DBPath = tmp.DBPath
	}
	if tmp.SnapshotWALDir != "" {
		cfg.SnapshotWALDir = tmp.SnapshotWALDir
	}
	if tmp.ChainRPCURL != "" {
		cfg.ChainRPCURL = tmp.ChainRPCURL
	}
	if err := parseDuration(&cfg.ReconciliationInterval, tmp.ReconciliationIntervalStr, "reconciliation_interval"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(&cfg.ChainTimeout, tmp.ChainTimeoutStr, "chain_timeout"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(&cfg.MinConfirmationAge, tmp.MinConfirmationAgeStr, "min_confirmation_age"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(&cfg.CacheTTL, tmp.CacheTTLStr, "cache_ttl"); err != nil {
		return Config{}, err
	}
	if tmp.ReorgDepthSlots > 0 {
		cfg.ReorgDepthSlots = tmp.ReorgDepthSlots
	}
	if tmp.EventBuffer > 0 {
		cfg.EventBuffer = tmp.EventBuffer
	}
	cfg.AllowCriticalAutoResolve = tmp.AllowCriticalAutoResolve

	if err := parsePercent(&cfg.WarningDiscrepancyPercent, tmp.WarningDiscrepancyPercentStr, "warning_discrepancy_percent"); err != nil {
		return Config{}, err
	}
	if err := parsePercent(&cfg.CriticalDiscrepancyPercent, tmp.CriticalDiscrepancyPercentStr, "critical_discrepancy_percent"); err != nil {
		return Config{}, err
	}
	if err := parsePercent(&cfg.UtilizationWarningPercent, tmp.UtilizationWarningPercentStr, "utilization_warning_percent"); err != nil {
		return Config{}, err
	}
	if err := parsePercent(&cfg.LowBalanceFraction, tmp.LowBalanceFractionStr, "low_balance_fraction"); err != nil {
		return Config{}, err
	}

	if cfg.WarningDiscrepancyPercent.GreaterThan(cfg.CriticalDiscrepancyPercent) {
		return Config{}, fmt.Errorf("warning_discrepancy_percent must not exceed critical_discrepancy_percent")
	}

	return cfg, nil
}

func parseDuration(dst *time.Duration, raw, key string) error {
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("incorrect '%s' param in yaml config (must be a duration like 30s or 15m): %w", key, err)
	}
	if v <= 0 {
		return fmt.Errorf("incorrect '%s' param in yaml config: must be positive", key)
	}
	*dst = v
	return nil
}

func parsePercent(dst *decimal.Decimal, raw, key string) error {
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal): %w", key, err)
	}
	if v.IsNegative() {
		return fmt.Errorf("incorrect '%s' param in yaml config: must be non-negative", key)
	}
	*dst = v
	return nil
}

// Package config loads the engine's tunables: GC thresholds, tier windows,
// scorer weights, compaction limits, and provider settings. It follows the
// same viper-over-YAML pattern as the rest of the ecosystem's CLI tools, so
// the same config file format and env-var override precedence apply here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ScorerWeights are the four weighted-sum components of Scorer's formula.
// They must sum to 1.0; Load rejects a config that doesn't.
type ScorerWeights struct {
	Base        float64 `mapstructure:"base" yaml:"base"`
	Impact      float64 `mapstructure:"impact" yaml:"impact"`
	Persistence float64 `mapstructure:"persistence" yaml:"persistence"`
	Reference   float64 `mapstructure:"reference" yaml:"reference"`
}

// GCConfig tunes GCWorker's cadence and candidate selection.
type GCConfig struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	FramesPerCycle      int           `mapstructure:"frames_per_cycle" yaml:"frames_per_cycle"`
	ChunkSize           int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	OrphanThreshold     time.Duration `mapstructure:"orphan_threshold" yaml:"orphan_threshold"`
	ProtectRecentWindow time.Duration `mapstructure:"protect_recent_window" yaml:"protect_recent_window"`
	MatureScoreFloor    float64       `mapstructure:"mature_score_floor" yaml:"mature_score_floor"`
}

// TierConfig tunes TierStore's age windows and migration throughput.
type TierConfig struct {
	YoungWindow          time.Duration `mapstructure:"young_window" yaml:"young_window"`
	MatureWindow         time.Duration `mapstructure:"mature_window" yaml:"mature_window"`
	OldWindow            time.Duration `mapstructure:"old_window" yaml:"old_window"`
	MigrationBatchPerMin int           `mapstructure:"migration_batch_per_min" yaml:"migration_batch_per_min"`
	RehydrationCacheTTL  time.Duration `mapstructure:"rehydration_cache_ttl" yaml:"rehydration_cache_ttl"`
	RehydrationCacheSize int           `mapstructure:"rehydration_cache_size" yaml:"rehydration_cache_size"`
	RetrievalTimeout     time.Duration `mapstructure:"retrieval_timeout" yaml:"retrieval_timeout"`
	RemotePrefix         string        `mapstructure:"remote_prefix" yaml:"remote_prefix"`
	OfflineQueuePath     string        `mapstructure:"offline_queue_path" yaml:"offline_queue_path"`

	// Local disk soft/hard limits, the single canonical policy surface
	// resolving the source's scattered size-limit configuration (see
	// the engine's design notes on local storage retention policy).
	LocalSoftLimitBytes int64 `mapstructure:"local_soft_limit_bytes" yaml:"local_soft_limit_bytes"`
	LocalHardLimitBytes int64 `mapstructure:"local_hard_limit_bytes" yaml:"local_hard_limit_bytes"`
}

// CompactionConfig tunes CompactionGuard's token accounting.
type CompactionConfig struct {
	ModelTokenLimit  int     `mapstructure:"model_token_limit" yaml:"model_token_limit"`
	WarningFraction  float64 `mapstructure:"warning_fraction" yaml:"warning_fraction"`
	CriticalFraction float64 `mapstructure:"critical_fraction" yaml:"critical_fraction"`
}

// SummarizerConfig tunes the external Summarizer capability.
type SummarizerConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Model   string        `mapstructure:"model" yaml:"model"`
}

// ColdStorageConfig points TierStore's remote archive at a bucket. Credentials
// come from the standard AWS chain (env vars, shared config, IAM role), never
// from this file.
type ColdStorageConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Region string `mapstructure:"region" yaml:"region"`
}

// Config is the full set of engine tunables for one project.
type Config struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	StackDepthCap int `mapstructure:"stack_depth_cap" yaml:"stack_depth_cap"`

	Scorer      ScorerWeights     `mapstructure:"scorer_weights" yaml:"scorer_weights"`
	GC          GCConfig          `mapstructure:"gc" yaml:"gc"`
	Tier        TierConfig        `mapstructure:"tier" yaml:"tier"`
	Compaction  CompactionConfig  `mapstructure:"compaction" yaml:"compaction"`
	Summarizer  SummarizerConfig  `mapstructure:"summarizer" yaml:"summarizer"`
	ColdStorage ColdStorageConfig `mapstructure:"cold_storage" yaml:"cold_storage"`
}

// Default returns the engine's built-in defaults, matching the values named
// throughout the component design.
func Default() *Config {
	return &Config{
		DatabasePath:  ".stackmemory/memory.db",
		StackDepthCap: 10000,
		Scorer: ScorerWeights{
			Base: 0.4, Impact: 0.3, Persistence: 0.2, Reference: 0.1,
		},
		GC: GCConfig{
			Interval:            60 * time.Second,
			FramesPerCycle:      100,
			ChunkSize:           10,
			OrphanThreshold:     24 * time.Hour,
			ProtectRecentWindow: time.Hour,
			MatureScoreFloor:    0.3,
		},
		Tier: TierConfig{
			YoungWindow:          24 * time.Hour,
			MatureWindow:         7 * 24 * time.Hour,
			OldWindow:            30 * 24 * time.Hour,
			MigrationBatchPerMin: 50,
			RehydrationCacheTTL:  30 * time.Minute,
			RehydrationCacheSize: 256,
			RetrievalTimeout:     500 * time.Millisecond,
			RemotePrefix:         "stackmemory/frames/",
			OfflineQueuePath:     ".stackmemory/offline_queue.json",
			LocalSoftLimitBytes:  512 * 1024 * 1024,
			LocalHardLimitBytes:  1024 * 1024 * 1024,
		},
		Compaction: CompactionConfig{
			ModelTokenLimit:  200_000,
			WarningFraction:  0.9,
			CriticalFraction: 0.95,
		},
		Summarizer: SummarizerConfig{
			Timeout: 5 * time.Second,
			Model:   "claude-haiku-4-5",
		},
		ColdStorage: ColdStorageConfig{
			Region: "us-east-1",
		},
	}
}

// Load reads configPath (if it exists) over the defaults, applies
// STACKMEMORY_-prefixed environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("stackmemory")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !isNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	out := Default()
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteDefault marshals Default() to YAML and writes it to path, creating
// parent directories as needed. It refuses to overwrite an existing file
// unless overwrite is true, so a project's tuned config survives a repeat
// `stackmemoryctl init-config`.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func isNotExist(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok || os.IsNotExist(err)
}

// setDefaults seeds viper with cfg's zero-config values so a partial YAML
// file only overrides the keys it mentions.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("stack_depth_cap", cfg.StackDepthCap)
	v.SetDefault("scorer_weights.base", cfg.Scorer.Base)
	v.SetDefault("scorer_weights.impact", cfg.Scorer.Impact)
	v.SetDefault("scorer_weights.persistence", cfg.Scorer.Persistence)
	v.SetDefault("scorer_weights.reference", cfg.Scorer.Reference)
	v.SetDefault("gc.interval", cfg.GC.Interval)
	v.SetDefault("gc.frames_per_cycle", cfg.GC.FramesPerCycle)
	v.SetDefault("gc.chunk_size", cfg.GC.ChunkSize)
	v.SetDefault("gc.orphan_threshold", cfg.GC.OrphanThreshold)
	v.SetDefault("gc.protect_recent_window", cfg.GC.ProtectRecentWindow)
	v.SetDefault("gc.mature_score_floor", cfg.GC.MatureScoreFloor)
	v.SetDefault("tier.young_window", cfg.Tier.YoungWindow)
	v.SetDefault("tier.mature_window", cfg.Tier.MatureWindow)
	v.SetDefault("tier.old_window", cfg.Tier.OldWindow)
	v.SetDefault("tier.migration_batch_per_min", cfg.Tier.MigrationBatchPerMin)
	v.SetDefault("tier.rehydration_cache_ttl", cfg.Tier.RehydrationCacheTTL)
	v.SetDefault("tier.rehydration_cache_size", cfg.Tier.RehydrationCacheSize)
	v.SetDefault("tier.retrieval_timeout", cfg.Tier.RetrievalTimeout)
	v.SetDefault("tier.remote_prefix", cfg.Tier.RemotePrefix)
	v.SetDefault("tier.offline_queue_path", cfg.Tier.OfflineQueuePath)
	v.SetDefault("tier.local_soft_limit_bytes", cfg.Tier.LocalSoftLimitBytes)
	v.SetDefault("tier.local_hard_limit_bytes", cfg.Tier.LocalHardLimitBytes)
	v.SetDefault("compaction.model_token_limit", cfg.Compaction.ModelTokenLimit)
	v.SetDefault("compaction.warning_fraction", cfg.Compaction.WarningFraction)
	v.SetDefault("compaction.critical_fraction", cfg.Compaction.CriticalFraction)
	v.SetDefault("summarizer.timeout", cfg.Summarizer.Timeout)
	v.SetDefault("summarizer.model", cfg.Summarizer.Model)
	v.SetDefault("cold_storage.bucket", cfg.ColdStorage.Bucket)
	v.SetDefault("cold_storage.region", cfg.ColdStorage.Region)
}

func validate(cfg *Config) error {
	sum := cfg.Scorer.Base + cfg.Scorer.Impact + cfg.Scorer.Persistence + cfg.Scorer.Reference
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: scorer_weights must sum to 1.0, got %.4f", sum)
	}
	if cfg.Tier.LocalSoftLimitBytes > cfg.Tier.LocalHardLimitBytes {
		return fmt.Errorf("config: tier.local_soft_limit_bytes must not exceed local_hard_limit_bytes")
	}
	if cfg.Compaction.WarningFraction >= cfg.Compaction.CriticalFraction {
		return fmt.Errorf("config: compaction.warning_fraction must be less than critical_fraction")
	}
	return nil
}

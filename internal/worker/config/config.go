// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads worker configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the worker process.
type Config struct {
	// HTTPAddr is the listen address. WORKER_HTTP_ADDR
	HTTPAddr string

	// APIKey is the required bearer token for the job API. WORKER_API_KEY
	APIKey string

	// PublicBaseURL is the base for artifact URLs, without trailing slash.
	// WORKER_PUBLIC_BASE_URL
	PublicBaseURL string

	// Directory roots.
	OutputRoot        string // OUTPUT_ROOT
	TmpRoot           string // TMP_ROOT
	SourceCacheRoot   string // SOURCE_CACHE_ROOT
	DatasetRoot       string // DATASET_ROOT
	ModelArtifactRoot string // MODEL_ARTIFACT_ROOT

	// Source cache eviction caps; 0 disables that dimension.
	SourceCacheMaxBytes int64 // SOURCE_CACHE_MAX_BYTES
	SourceCacheMaxFiles int   // SOURCE_CACHE_MAX_FILES

	// StemTimeout is the hard wall-clock bound for stem isolation.
	// STEM_ISOLATION_TIMEOUT_SEC, floor 30s.
	StemTimeout time.Duration

	// StemZipCompression selects zip bundling: "deflate"/"compressed"
	// enable DEFLATE, anything else means STORED. STEM_ZIP_COMPRESSION
	StemZipCompression string

	// Preferred separator checkpoint filenames.
	StemModelRoformer string // STEM_MODEL_ROFORMER_NAME
	StemModelDemucs   string // STEM_MODEL_DEMUCS_NAME

	// MasteringEngine is the requested engine: "sonicmaster" or
	// "matchering_2_0". MASTERING_ENGINE
	MasteringEngine string

	// External engine entry points. Empty means the engine is unavailable.
	SonicmasterScript string // SONICMASTER_SCRIPT_PATH
	MatcheringScript  string // MATCHERING_SCRIPT_PATH
	SeparatorScript   string // SEPARATOR_SCRIPT_PATH

	// Dataset ledger.
	DatasetSessionSalt   string // DATASET_SESSION_SALT
	RawRetentionDays     int    // DATASET_RAW_RETENTION_DAYS, floor 1
	DerivedRetentionDays int    // DATASET_DERIVED_RETENTION_DAYS, >= raw

	// TrainingWindowHours bounds the aggregation window, floor 1.
	// TRAINING_WINDOW_HOURS
	TrainingWindowHours int

	// MaxConcurrentJobs bounds concurrent job executions; 0 means
	// unlimited. MAX_CONCURRENT_JOBS
	MaxConcurrentJobs int

	// EventDBPath enables the SQLite job event store when non-empty.
	// EVENT_DB_PATH
	EventDBPath string

	// API rate limiting; RPS <= 0 disables.
	RateLimitRPS   float64 // RATE_LIMIT_RPS
	RateLimitBurst int     // RATE_LIMIT_BURST
}

const (
	defaultRoformerModel = "UVR-MDX-NET-Inst_HQ_5.onnx"
	defaultDemucsModel   = "UVR-MDX-NET-Inst_HQ_5.onnx"
)

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		HTTPAddr:             ":8000",
		PublicBaseURL:        "http://localhost:8000",
		OutputRoot:           "data/outputs",
		TmpRoot:              "data/tmp",
		SourceCacheRoot:      "data/tmp/source-cache",
		DatasetRoot:          "data/consented",
		ModelArtifactRoot:    "data/models",
		SourceCacheMaxBytes:  2 << 30,
		SourceCacheMaxFiles:  300,
		StemTimeout:          120 * time.Second,
		StemZipCompression:   "stored",
		StemModelRoformer:    defaultRoformerModel,
		StemModelDemucs:      defaultDemucsModel,
		MasteringEngine:      "matchering_2_0",
		DatasetSessionSalt:   "soundmaxx-dataset-salt",
		RawRetentionDays:     90,
		DerivedRetentionDays: 365,
		TrainingWindowHours:  48,
		MaxConcurrentJobs:    4,
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// defaults. Malformed numeric values fall back to the default rather than
// failing, matching the worker's lenient env handling; floors are applied
// after parsing.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("WORKER_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.APIKey = os.Getenv("WORKER_API_KEY")
	if v := os.Getenv("WORKER_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("OUTPUT_ROOT"); v != "" {
		cfg.OutputRoot = v
	}
	if v := os.Getenv("TMP_ROOT"); v != "" {
		cfg.TmpRoot = v
		// The cache default tracks TMP_ROOT unless set explicitly.
		cfg.SourceCacheRoot = v + "/source-cache"
	}
	if v := os.Getenv("SOURCE_CACHE_ROOT"); v != "" {
		cfg.SourceCacheRoot = v
	}
	if v := os.Getenv("DATASET_ROOT"); v != "" {
		cfg.DatasetRoot = v
	}
	if v := os.Getenv("MODEL_ARTIFACT_ROOT"); v != "" {
		cfg.ModelArtifactRoot = v
	}

	cfg.SourceCacheMaxBytes = envInt64("SOURCE_CACHE_MAX_BYTES", cfg.SourceCacheMaxBytes)
	cfg.SourceCacheMaxFiles = envInt("SOURCE_CACHE_MAX_FILES", cfg.SourceCacheMaxFiles)

	if sec := envInt("STEM_ISOLATION_TIMEOUT_SEC", int(cfg.StemTimeout/time.Second)); sec > 0 {
		cfg.StemTimeout = time.Duration(sec) * time.Second
	}
	if cfg.StemTimeout < 30*time.Second {
		cfg.StemTimeout = 30 * time.Second
	}

	if v := os.Getenv("STEM_ZIP_COMPRESSION"); v != "" {
		cfg.StemZipCompression = strings.ToLower(strings.TrimSpace(v))
	}
	if v := strings.TrimSpace(os.Getenv("STEM_MODEL_ROFORMER_NAME")); v != "" {
		cfg.StemModelRoformer = v
	}
	if v := strings.TrimSpace(os.Getenv("STEM_MODEL_DEMUCS_NAME")); v != "" {
		cfg.StemModelDemucs = v
	}

	if v := os.Getenv("MASTERING_ENGINE"); v != "" {
		cfg.MasteringEngine = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.SonicmasterScript = os.Getenv("SONICMASTER_SCRIPT_PATH")
	cfg.MatcheringScript = os.Getenv("MATCHERING_SCRIPT_PATH")
	cfg.SeparatorScript = os.Getenv("SEPARATOR_SCRIPT_PATH")

	if v := os.Getenv("DATASET_SESSION_SALT"); v != "" {
		cfg.DatasetSessionSalt = v
	}
	cfg.RawRetentionDays = envInt("DATASET_RAW_RETENTION_DAYS", cfg.RawRetentionDays)
	if cfg.RawRetentionDays < 1 {
		cfg.RawRetentionDays = 1
	}
	cfg.DerivedRetentionDays = envInt("DATASET_DERIVED_RETENTION_DAYS", cfg.DerivedRetentionDays)
	if cfg.DerivedRetentionDays < cfg.RawRetentionDays {
		cfg.DerivedRetentionDays = cfg.RawRetentionDays
	}

	cfg.TrainingWindowHours = envInt("TRAINING_WINDOW_HOURS", cfg.TrainingWindowHours)
	if cfg.TrainingWindowHours < 1 {
		cfg.TrainingWindowHours = 1
	}

	cfg.MaxConcurrentJobs = envInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	cfg.EventDBPath = os.Getenv("EVENT_DB_PATH")

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.RateLimitRPS = f
		}
	}
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	return cfg, nil
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("WORKER_API_KEY must be set")
	}
	if c.MasteringEngine != "matchering_2_0" && c.MasteringEngine != "sonicmaster" {
		return fmt.Errorf("MASTERING_ENGINE must be 'matchering_2_0' or 'sonicmaster', got %q", c.MasteringEngine)
	}
	if c.MasteringEngine == "sonicmaster" && strings.TrimSpace(c.SonicmasterScript) == "" {
		return fmt.Errorf("SONICMASTER_SCRIPT_PATH is required when MASTERING_ENGINE is 'sonicmaster'")
	}
	if c.OutputRoot == "" || c.TmpRoot == "" || c.SourceCacheRoot == "" {
		return fmt.Errorf("directory roots cannot be empty")
	}
	return nil
}

// EnsureDirs creates all configured directory roots.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.OutputRoot, c.TmpRoot, c.SourceCacheRoot, c.DatasetRoot, c.ModelArtifactRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// envInt reads an integer env var, falling back on absence, parse failure,
// or negative values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envInt64(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

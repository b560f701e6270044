// Package config loads the optional dupekit options file.
//
// Settings layer as: built-in defaults, then the config file (if any),
// then CLI flags applied by the caller. The file is TOML or YAML, found at
// an explicit path or at $XDG_CONFIG_HOME/dupekit/config.(toml|yaml).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the flat on-disk option set. Load starts from the defaults and
// overlays the keys present in the file; stages receive these through
// their own option structs.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Scanner
	Excludes       []string `mapstructure:"excludes"`
	FollowSymlinks bool     `mapstructure:"follow_symlinks"`
	IOWorkers      int      `mapstructure:"io_workers"`
	HashWorkers    int      `mapstructure:"hash_workers"`

	// Signatures
	PHash bool `mapstructure:"phash"`

	// Detection
	ImageDistanceThreshold  int     `mapstructure:"image_distance_threshold"`
	ConfidenceDuplicate     float64 `mapstructure:"confidence_duplicate"`
	ConfidenceSimilar       float64 `mapstructure:"confidence_similar"`
	MaxBucketSize           int     `mapstructure:"max_bucket_size"`
	MaxComparisonsPerBucket int     `mapstructure:"max_comparisons_per_bucket"`
	TimeBudgetMs            int     `mapstructure:"time_budget_ms"`
	UseBKTree               bool    `mapstructure:"use_bktree"`
	LinkRawJpeg             bool    `mapstructure:"link_raw_jpeg"`
	LinkLivePhoto           bool    `mapstructure:"link_live_photo"`
	LinkSidecar             bool    `mapstructure:"link_sidecar"`

	// Signal weights. Must be non-negative; normalized at comparison time.
	WeightChecksum    float64 `mapstructure:"weight_checksum"`
	WeightHash        float64 `mapstructure:"weight_hash"`
	WeightMetadata    float64 `mapstructure:"weight_metadata"`
	WeightName        float64 `mapstructure:"weight_name"`
	WeightCaptureTime float64 `mapstructure:"weight_capture_time"`

	// Store and caches
	DBPath        string `mapstructure:"db_path"`
	CachePath     string `mapstructure:"cache_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DefaultExcludes covers managed-library bundles, OS caches, and hidden
// directories that should never feed the dedup pipeline.
var DefaultExcludes = []string{
	".*",
	"**/.*",
	"**/*.photoslibrary/**",
	"**/*.aplibrary/**",
	"**/Lightroom*/**",
	"**/.Trash*/**",
	"**/lost+found/**",
	"**/Thumbs.db",
	"**/.DS_Store",
	"**/@eaDir/**",
	"**/.thumbnails/**",
	"**/.cache/**",
}

// Default returns the built-in configuration, numbers per the detection
// design defaults.
func Default() Config {
	ioWorkers := runtime.NumCPU()
	if ioWorkers > 4 {
		ioWorkers = 4
	}
	return Config{
		LogLevel:  "info",
		LogFormat: "text",

		Excludes:       DefaultExcludes,
		FollowSymlinks: false,
		IOWorkers:      ioWorkers,
		HashWorkers:    runtime.NumCPU(),

		PHash: false,

		ImageDistanceThreshold:  5,
		ConfidenceDuplicate:     0.85,
		ConfidenceSimilar:       0.60,
		MaxBucketSize:           200,
		MaxComparisonsPerBucket: 20000,
		TimeBudgetMs:            0, // unlimited
		UseBKTree:               true,
		LinkRawJpeg:             true,
		LinkLivePhoto:           true,
		LinkSidecar:             true,

		WeightChecksum:    0.40,
		WeightHash:        0.30,
		WeightMetadata:    0.15,
		WeightName:        0.10,
		WeightCaptureTime: 0.05,

		DBPath:        defaultStatePath("dupekit.db"),
		CachePath:     defaultStatePath("sigcache.db"),
		RetentionDays: 30,
	}
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file at the default location is not an error; a
// missing explicit path or a malformed file is.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(defaultConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default-location file is fine; an explicit path or a
		// malformed file is not.
		if path == "" {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return cfg, nil
			}
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "dupekit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dupekit")
}

func defaultStatePath(name string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "dupekit", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "dupekit", name)
}

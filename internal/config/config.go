package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmaps/marksync/internal/utils"
)

const (
	// StoreKindDir syncs against a cloud container mounted as a local directory.
	StoreKindDir = "dir"
	// StoreKindS3 syncs against an S3-compatible bucket.
	StoreKindS3 = "s3"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".marksync", "config.json")
	DefaultDataDir    = filepath.Join(home, "Maps", "Bookmarks")
	DefaultStateDir   = filepath.Join(home, ".marksync")
)

const (
	DefaultDebounce     = 200 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

// S3Config holds the settings for an S3-backed cloud store.
type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

type Config struct {
	// DataDir is the local directory of annotation files to keep in sync.
	DataDir string `json:"data_dir"`
	// StateDir holds the state database, logs and the download cache.
	StateDir string `json:"state_dir"`
	// StoreKind selects the cloud store backend ("dir" or "s3").
	StoreKind string `json:"store_kind"`
	// CloudDir is the mounted container directory for the "dir" backend.
	CloudDir string `json:"cloud_dir,omitempty"`
	// S3 configures the "s3" backend.
	S3 S3Config `json:"s3,omitempty"`

	DebounceMillis     int `json:"debounce_ms,omitempty"`
	PollIntervalMillis int `json:"poll_interval_ms,omitempty"`

	Path string `json:"-"`
}

func (c *Config) Debounce() time.Duration {
	if c.DebounceMillis <= 0 {
		return DefaultDebounce
	}
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMillis <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	c.DataDir = dataDir
	if utils.DirExists(c.DataDir) && !utils.IsWritable(c.DataDir) {
		return fmt.Errorf("data_dir is not writable: %s", c.DataDir)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	stateDir, err := utils.ResolvePath(c.StateDir)
	if err != nil {
		return fmt.Errorf("resolve state_dir: %w", err)
	}
	c.StateDir = stateDir

	switch c.StoreKind {
	case StoreKindDir:
		if c.CloudDir == "" {
			return errors.New("cloud_dir is required for the dir store")
		}
		cloudDir, err := utils.ResolvePath(c.CloudDir)
		if err != nil {
			return fmt.Errorf("resolve cloud_dir: %w", err)
		}
		c.CloudDir = cloudDir
	case StoreKindS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 store")
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return errors.New("s3.region or s3.endpoint is required for the s3 store")
		}
	default:
		return fmt.Errorf("unknown store_kind %q", c.StoreKind)
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}

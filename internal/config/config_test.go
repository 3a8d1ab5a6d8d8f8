package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDirConfig(t *testing.T) *Config {
	t.Helper()
	base := t.TempDir()
	return &Config{
		DataDir:   filepath.Join(base, "marks"),
		StateDir:  filepath.Join(base, "state"),
		StoreKind: StoreKindDir,
		CloudDir:  filepath.Join(base, "cloud"),
	}
}

func TestConfigValidateDirStore(t *testing.T) {
	cfg := validDirConfig(t)
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.True(t, filepath.IsAbs(cfg.CloudDir))
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"missing cloud dir for dir store", func(c *Config) { c.CloudDir = "" }},
		{"unknown store kind", func(c *Config) { c.StoreKind = "ftp" }},
		{"s3 without bucket", func(c *Config) {
			c.StoreKind = StoreKindS3
			c.S3 = S3Config{Region: "eu-west-1"}
		}},
		{"s3 without region or endpoint", func(c *Config) {
			c.StoreKind = StoreKindS3
			c.S3 = S3Config{Bucket: "marks"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDirConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidateS3(t *testing.T) {
	cfg := validDirConfig(t)
	cfg.StoreKind = StoreKindS3
	cfg.CloudDir = ""
	cfg.S3 = S3Config{Bucket: "marks", Endpoint: "http://localhost:9000"}
	assert.NoError(t, cfg.Validate())
}

func TestConfigDurations(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultDebounce, cfg.Debounce())
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())

	cfg.DebounceMillis = 500
	cfg.PollIntervalMillis = 1250
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())
	assert.Equal(t, 1250*time.Millisecond, cfg.PollInterval())
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	cfg := validDirConfig(t)
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.StoreKind, loaded.StoreKind)
	assert.Equal(t, path, loaded.Path)
}

func TestConfigLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

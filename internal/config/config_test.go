package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/errors"
)

func TestNew(t *testing.T) {
	cfg := New()

	assert.Equal(t, "/var/lib/sitectl", cfg.StateDir)
	assert.Equal(t, "8.2", cfg.DefaultPHP)
	assert.Equal(t, 30, cfg.SSL.GraceDays)
	assert.Equal(t, 24*time.Hour, cfg.SSL.RetryBackoff)
	assert.Equal(t, 30*24*time.Hour, cfg.SSL.Grace())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing files yield defaults", func(t *testing.T) {
		cfg, err := LoadFrom(filepath.Join(dir, "none.yaml"), filepath.Join(dir, "none.env"))
		require.NoError(t, err)
		assert.Equal(t, "/var/www", cfg.WebRoot)
		assert.Empty(t, cfg.Secrets)
	})

	t.Run("yaml overrides and secrets", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		envPath := filepath.Join(dir, "sitectl.env")
		require.NoError(t, os.WriteFile(path, []byte(`
state_dir: /srv/state
web_root: /srv/www
default_php: "8.3"
ssl:
  method: self_signed
  email: ops@example.com
  grace_days: 14
  retry_backoff: 12h
deploy:
  keep_releases: 5
`), 0644))
		require.NoError(t, os.WriteFile(envPath, []byte("SITECTL_GITHUB_TOKEN=ghp_test\n"), 0600))

		cfg, err := LoadFrom(path, envPath)
		require.NoError(t, err)
		assert.Equal(t, "/srv/state", cfg.StateDir)
		assert.Equal(t, "8.3", cfg.DefaultPHP)
		assert.Equal(t, "self_signed", cfg.SSL.Method)
		assert.Equal(t, 12*time.Hour, cfg.SSL.RetryBackoff)
		assert.Equal(t, 5, cfg.Deploy.KeepReleases)
		// untouched defaults survive a partial file
		assert.Equal(t, 4, cfg.SSL.Concurrency)
		assert.Equal(t, "ghp_test", cfg.Secret("SITECTL_GITHUB_TOKEN"))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("state_dir: [unclosed"), 0644))

		_, err := LoadFrom(path, "")
		assert.True(t, errors.Is(err, errors.ErrConfig))
	})

	t.Run("validation failure", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("state_dir: relative/path\n"), 0644))

		_, err := LoadFrom(path, "")
		assert.True(t, errors.Is(err, errors.ErrConfig))
	})

	t.Run("default php must be supported", func(t *testing.T) {
		path := filepath.Join(dir, "php.yaml")
		require.NoError(t, os.WriteFile(path, []byte("default_php: \"5.6\"\n"), 0644))

		_, err := LoadFrom(path, "")
		assert.True(t, errors.Is(err, errors.ErrConfig))
	})
}

func TestPathOverrides(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	t.Setenv(EnvEnvFile, "/tmp/custom.env")

	assert.Equal(t, "/tmp/custom.yaml", Path())
	assert.Equal(t, "/tmp/custom.env", EnvPath())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := New()
	cfg.SSL.Email = "admin@example.com"
	cfg.Secrets["SITECTL_GITHUB_TOKEN"] = "must-not-persist"

	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "must-not-persist")

	loaded, err := LoadFrom(path, "")
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", loaded.SSL.Email)
}

func TestSecretFallsBackToEnvironment(t *testing.T) {
	t.Setenv("SITECTL_TEST_SECRET", "from-env")
	cfg := New()
	assert.Equal(t, "from-env", cfg.Secret("SITECTL_TEST_SECRET"))

	cfg.Secrets["SITECTL_TEST_SECRET"] = "from-file"
	assert.Equal(t, "from-file", cfg.Secret("SITECTL_TEST_SECRET"))
}

func TestSupportsPHP(t *testing.T) {
	cfg := New()
	assert.True(t, cfg.SupportsPHP("7.4"))
	assert.False(t, cfg.SupportsPHP("5.6"))
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highbeam/versionfs/internal/store"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, strings.HasSuffix(cfg.DataDir, ".versionfs"))
	assert.Equal(t, filepath.Join(cfg.DataDir, "versionfs.db"), cfg.DBPath)
	assert.Equal(t, store.DriverSQLite, cfg.StorageDriver)
	assert.Equal(t, []string{".svn", ".git", "node_modules"}, cfg.ExcludedDirectories)
	assert.Equal(t, []string{".DS_Store"}, cfg.ExcludedFiles)
	assert.Equal(t, int64(64<<20), cfg.ImportBatchBytes)
	assert.Equal(t, time.Minute, cfg.CommitTimeout())
	assert.Equal(t, time.Second, cfg.SweepInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce())
	assert.True(t, cfg.Watch)
	assert.False(t, cfg.RecordOfflineEdits)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().CommitTimeoutMs, cfg.CommitTimeoutMs)
}

func TestLoadFormats(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "config.json",
			body: `{"root_dir": "/srv/site", "data_dir": "/var/lib/vfs", "socket_path": "", "db_path": "",
				"excluded_files": ["*.swp"], "commit_timeout_ms": 5000, "watch": false}`,
		},
		{
			name: "toml",
			file: "config.toml",
			body: `root_dir = "/srv/site"
data_dir = "/var/lib/vfs"
socket_path = ""
db_path = ""
excluded_files = ["*.swp"]
commit_timeout_ms = 5000
watch = false
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			body: `root_dir: /srv/site
data_dir: /var/lib/vfs
socket_path: ""
db_path: ""
excluded_files: ["*.swp"]
commit_timeout_ms: 5000
watch: false
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "/srv/site", cfg.RootDir)
			assert.Equal(t, []string{"*.swp"}, cfg.ExcludedFiles)
			assert.Equal(t, 5*time.Second, cfg.CommitTimeout())
			assert.False(t, cfg.Watch)
			assert.Equal(t, filepath.Join("/var/lib/vfs", "versionfs.db"), cfg.DBPath, "db path re-derived")
			assert.Equal(t, filepath.Join("/var/lib/vfs", "versionfs.sock"), cfg.SocketPath)
			// untouched keys keep their defaults
			assert.Equal(t, []string{".svn", ".git", "node_modules"}, cfg.ExcludedDirectories)
			assert.Equal(t, 1000, cfg.SweepIntervalMs)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "decode JSON")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VERSIONFS_ROOT", "/env/root")
	t.Setenv("VERSIONFS_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/env/root", cfg.RootDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.RootDir = "/srv/site"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing root", func(c *Config) { c.RootDir = "" }, "root_dir"},
		{"unknown driver", func(c *Config) { c.StorageDriver = "postgres" }, "storage_driver"},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"batch size", func(c *Config) { c.ImportBatchBytes = 0 }, "import_batch_bytes"},
		{"timeout", func(c *Config) { c.CommitTimeoutMs = -1 }, "commit_timeout_ms"},
		{"sweep", func(c *Config) { c.SweepIntervalMs = 0 }, "sweep_interval_ms"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad rule", func(c *Config) { c.ExcludedFiles = []string{"re:("} }, "excluded files"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tc.want)
		})
	}

	mem := valid()
	mem.StorageDriver = store.DriverMemory
	mem.DBPath = ""
	assert.NoError(t, mem.Validate())
}

func TestDerivedOptions(t *testing.T) {
	cfg := Default()
	cfg.IncludedFiles = []string{"*.md"}
	cfg.LogFile = "/tmp/vfs.log"

	assert.Equal(t, []string{"*.md"}, cfg.Filter().IncludedFiles)
	assert.Equal(t, store.Options{Driver: store.DriverSQLite, Path: cfg.DBPath}, cfg.Store())
	assert.Equal(t, "/tmp/vfs.log", cfg.Logging().Output)
}

func TestEnsureDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestConfigPath(t *testing.T) {
	assert.True(t, strings.HasSuffix(ConfigPath(), filepath.Join(".versionfs", "config.json")))
}

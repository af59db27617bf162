package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenDefaultFileMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DGDBATCH_UPLOAD_USER", "")
	t.Setenv("DGDBATCH_UPLOAD_KEY", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, DefaultExecutable, cfg.Executable)
	assert.Equal(t, DefaultLogFile, cfg.Log.File)
}

func TestLoadConfigExplicitFileMustExist(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoadConfigFromDefaultPath(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dgdbatch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "dgdbatch", "config.yaml"), []byte("pool_size: 6\n"), 0o644))

	assert.Equal(t, filepath.Join(base, "dgdbatch", "config.yaml"), DefaultConfigPath())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.PoolSize)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	t.Setenv("DGDBATCH_UPLOAD_USER", "")
	t.Setenv("DGDBATCH_UPLOAD_KEY", "/keys/id_ed25519")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"executable: /opt/dgd/worker",
		"pool_size: 8",
		"timeout: 2h",
		"shutdown_grace: 10s",
		"log:",
		"  level: debug",
		"  console: true",
		"history:",
		"  path: /var/lib/dgdbatch/history.db",
		"monitor:",
		"  addr: 127.0.0.1:9090",
		"upload:",
		"  addr: archive:22",
		"  user: dgd",
		"  remote_dir: /srv/results",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/dgd/worker", cfg.Executable)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 2*time.Hour, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "warn", cfg.Log.WorkerLevel)
	assert.True(t, cfg.Log.Console)
	assert.Equal(t, "/var/lib/dgdbatch/history.db", cfg.History.Path)
	assert.Equal(t, "127.0.0.1:9090", cfg.Monitor.Addr)
	assert.Equal(t, "dgd", cfg.Upload.User)
	assert.Equal(t, "/keys/id_ed25519", cfg.Upload.KeyPath)
	assert.True(t, cfg.Upload.Enabled())
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pool_size: [1"), 0o644))
	_, err := LoadConfig(bad)
	assert.ErrorContains(t, err, "parse config")

	huge := filepath.Join(dir, "huge.yaml")
	require.NoError(t, os.WriteFile(huge, []byte("pool_size: 5000"), 0o644))
	_, err = LoadConfig(huge)
	assert.ErrorIs(t, err, ErrPoolSize)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.env")
	content := "# recount3 mirror\nRECOUNT3_URL=https://example.org/recount3\n\nexport CACHE_DIR=\"/scratch/cache\"\nEMPTY=\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vars, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []EnvVar{
		{Key: "RECOUNT3_URL", Value: "https://example.org/recount3"},
		{Key: "CACHE_DIR", Value: "/scratch/cache"},
		{Key: "EMPTY", Value: ""},
	}, vars)

	require.NoError(t, os.WriteFile(path, []byte("NOT_A_PAIR\n"), 0o600))
	_, err = LoadEnvFile(path)
	assert.ErrorContains(t, err, "expected KEY=VALUE")

	_, err = LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestWorkerEnv(t *testing.T) {
	var cfg Config
	env, err := cfg.WorkerEnv()
	require.NoError(t, err)
	assert.Nil(t, env)

	cfg.WorkerEnvFile = filepath.Join(t.TempDir(), "worker.env")
	require.NoError(t, os.WriteFile(cfg.WorkerEnvFile, []byte("DGD_MIRROR=eu\n"), 0o600))
	env, err = cfg.WorkerEnv()
	require.NoError(t, err)
	assert.Contains(t, env, "DGD_MIRROR=eu")
	assert.Greater(t, len(env), 1)
}

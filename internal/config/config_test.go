package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadNodeJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scalyclaw.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"homeDir":"/h","redis":{"host":"r","port":1234},"authToken":"tok"}`), 0o600))

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	require.Equal(t, "/h", cfg.HomeDir)
	require.Equal(t, "r:1234", cfg.Redis.Addr())
	require.Equal(t, "tok", cfg.AuthToken)
}

func TestLoadNodeYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scalyclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("homeDir: /h\nredis:\n  host: r\n  port: 1234\nauthToken: tok\n"), 0o600))

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	require.Equal(t, "/h", cfg.HomeDir)
	require.Equal(t, "r:1234", cfg.Redis.Addr())
	require.Equal(t, "tok", cfg.AuthToken)
}

func TestLoadNodeDefaultsHomeDirAndRedis(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scalyclaw.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.HomeDir)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
}

func TestLoadWorkerRequiresNodeURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := LoadWorker(path)
	require.Error(t, err)
}

func TestLoadWorkerAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodeUrl":"http://node:8080"}`), 0o600))

	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Concurrency)
	require.NotEmpty(t, cfg.Workspace)
}

func TestLoadWorkerConcurrencyEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodeUrl":"http://node:8080","concurrency":2}`), 0o600))

	t.Setenv("SCALYCLAW_WORKER_CONCURRENCY", "9")
	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Concurrency)
}

func TestLoadDashboardRequiresNodeURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := LoadDashboard(path)
	require.Error(t, err)
}

func TestLoadDashboardAppliesBindDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodeUrl":"http://node:8080"}`), 0o600))

	cfg, err := LoadDashboard(path)
	require.NoError(t, err)
	require.Equal(t, ":8081", cfg.Bind)
}

func TestRedisConfigEnvOverride(t *testing.T) {
	var r RedisConfig
	r.applyDefaults()
	t.Setenv("REDIS_HOST", "envhost")
	t.Setenv("REDIS_PORT", "7777")
	r.applyEnv()
	require.Equal(t, "envhost:7777", r.Addr())
}

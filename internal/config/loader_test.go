package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp directory so path validation and
// default paths resolve inside the test sandbox.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// writeTestConfig writes YAML content to the allowed config location.
func writeTestConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "quorumd")
	require.NoError(t, os.MkdirAll(configDir, 0700))

	path := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `
server:
  port: 8123

storage:
  backend: memory

engine:
  round_timeout: 90s
`, 0600)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "90s", cfg.Engine.RoundTimeout.Duration().String())

	// Untouched sections fall back to defaults.
	assert.Equal(t, 300, cfg.Router.DiffLineLimit)
	assert.Len(t, cfg.Agents.Personas, 4)
}

func TestLoadFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `
server:
  port: 9090

storage:
  backend: redis
  redis:
    addr: localhost:6379
`, 0600)

	t.Setenv("QUORUMD_SERVER_PORT", "7777")
	t.Setenv("QUORUMD_STORAGE_REDIS_ADDR", "10.1.2.3:6379")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port, "env should override YAML")
	assert.Equal(t, "10.1.2.3:6379", cfg.Storage.Redis.Addr, "nested env key should map to storage.redis.addr")
}

func TestLoadFile_MissingFile(t *testing.T) {
	home := setupTestHome(t)

	path := filepath.Join(home, ".config", "quorumd", "config.yaml")
	cfg, err := LoadFile(path)
	require.NoError(t, err, "missing file should fall back to defaults")
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadFile("../../../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be in ~/.config/quorumd/ or /etc/quorumd/")
}

func TestLoadFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home := setupTestHome(t)
	path := writeTestConfig(t, home, "server:\n  port: 9090\n", 0644)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestLoadFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)

	large := bytes.Repeat([]byte("# padding\n"), 150000)
	path := writeTestConfig(t, home, string(large), 0600)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load([]byte("server: [unclosed"))
	require.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load([]byte("server:\n  port: 99999\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
}

func TestEnvKeyTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"QUORUMD_SERVER_PORT", "server.port"},
		{"QUORUMD_SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"QUORUMD_STORAGE_BACKEND", "storage.backend"},
		{"QUORUMD_STORAGE_FS_ROOT", "storage.fs.root"},
		{"QUORUMD_STORAGE_REDIS_ADDR", "storage.redis.addr"},
		{"QUORUMD_STORAGE_REDIS_PASSWORD", "storage.redis.password"},
		{"QUORUMD_ENGINE_ROUND_TIMEOUT", "engine.round_timeout"},
		{"QUORUMD_ROUTER_DIFF_LINE_LIMIT", "router.diff_line_limit"},
		{"QUORUMD_LOG_LEVEL", "log.level"},
		{"QUORUMD_LOG_SAMPLING_INITIAL", "log.sampling.initial"},
		{"QUORUMD_TELEMETRY_SERVICE_NAME", "telemetry.service_name"},
		{"QUORUMD_TELEMETRY_METRICS_EXPORT_INTERVAL", "telemetry.metrics.export_interval"},
		{"QUORUMD_GITHUB_POLL_INTERVAL", "github.poll_interval"},
		{"QUORUMD_AGENTS_PRECEDENCE", "agents.precedence"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKeyTransform(tt.in))
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := setupTestHome(t)

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "quorumd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

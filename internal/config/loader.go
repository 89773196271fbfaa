package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix selects which environment variables quorumd reads.
	envPrefix = "QUORUMD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// nestedSections maps config sections to subsections that take one more
// key split. QUORUMD_STORAGE_REDIS_ADDR maps to storage.redis.addr while
// QUORUMD_ENGINE_ROUND_TIMEOUT stays engine.round_timeout.
var nestedSections = map[string][]string{
	"log":       {"output", "sampling", "caller", "stacktrace"},
	"telemetry": {"sampling", "metrics", "shutdown"},
	"storage":   {"fs", "redis"},
}

// Load parses configuration from raw YAML bytes, applies environment
// variable overrides, fills defaults, and validates.
//
// Pass nil content to load from environment and defaults alone.
func Load(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables.
	// QUORUMD_SERVER_PORT -> server.port
	// QUORUMD_STORAGE_REDIS_ADDR -> storage.redis.addr
	// QUORUMD_AGENTS_PRECEDENCE -> agents.precedence (comma-separated)
	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (QUORUMD_SERVER_PORT, QUORUMD_STORAGE_BACKEND, ...)
//  2. YAML config file (~/.config/quorumd/config.yaml)
//  3. Hardcoded defaults
//
// The path parameter specifies the YAML file to load. If empty, the default
// path ~/.config/quorumd/config.yaml is used. A missing file is not an
// error; defaults and environment variables apply.
//
// # Security Considerations
//
// File Permissions: The configuration file may contain secrets (GitHub
// token, Redis password) and MUST have 0600 or 0400 permissions. Files with
// weaker permissions (e.g. 0644 world-readable) are rejected.
//
// Path Validation: Only configuration files in allowed directories can be
// loaded:
//   - ~/.config/quorumd/ (user's config directory)
//   - /etc/quorumd/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal. Symlinks are resolved before the check.
//
// File Size Limit: Files larger than 1MB are rejected.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	// Validate path even if the file doesn't exist
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	var content []byte
	if _, err := os.Stat(path); err == nil {
		// Open once and validate via the file descriptor to avoid a
		// TOCTOU race between the permission check and the read.
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the default config file location,
// ~/.config/quorumd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "quorumd", "config.yaml"), nil
}

// EnsureConfigDir creates the quorumd config directory if it doesn't exist.
// Called during startup so new users have the directory ready. Created with
// 0700 permissions (owner read/write/execute only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "quorumd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// envKeyTransform maps environment variable names to config keys.
//
// Strategy: strip the prefix, lowercase, split on the first underscore into
// section and field. Known nested subsections take one more split so
// multi-level keys resolve correctly; underscores inside field names are
// preserved.
func envKeyTransform(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, rest := parts[0], parts[1]
	for _, sub := range nestedSections[section] {
		if strings.HasPrefix(rest, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(rest, sub+"_")
		}
	}

	return section + "." + rest
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so they can't escape the allowed directories.
	// If evaluation fails the path doesn't exist yet; validate as-is.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "quorumd"),
		"/etc/quorumd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/quorumd/ or /etc/quorumd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU.
func validateConfigFileProperties(info os.FileInfo) error {
	// Permission model differs on Windows; skip the check there.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

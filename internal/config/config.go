// Package config loads the host-side configuration: sandbox policy,
// memory defaults, loader search paths. Values come from an optional
// YAML file with environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Sandbox selector values accepted in config and GLYCIN_SANDBOX.
const (
	SandboxAuto         = "auto"
	SandboxNamespace    = "bwrap"
	SandboxFlatpakSpawn = "flatpak-spawn"
	SandboxDisabled     = "not-sandboxed"
)

type Limits struct {
	// MemoryMax caps one decoder process. Human-readable sizes are
	// accepted ("512MiB"). Empty means budget-derived only.
	MemoryMax string `yaml:"memory_max"`
	// PidsLimit caps the decoder's thread/process count.
	PidsLimit int `yaml:"pids_limit"`
	// HandshakeTimeoutMs bounds spawn-to-InitReply.
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	// TeardownGraceMs is the SIGTERM-to-SIGKILL grace period.
	TeardownGraceMs int `yaml:"teardown_grace_ms"`
}

type Config struct {
	// Sandbox selects the backend: auto, bwrap, flatpak-spawn or
	// not-sandboxed. not-sandboxed is never chosen implicitly.
	Sandbox string `yaml:"sandbox"`
	// DataDirs overrides the XDG loader descriptor search path.
	DataDirs []string `yaml:"data_dirs"`
	// SkipExtensions lists file extensions to reject up front,
	// mirroring GLYCIN_TEST_SKIP_EXT.
	SkipExtensions []string `yaml:"skip_extensions"`
	Limits         Limits   `yaml:"limits"`
}

// Load reads the YAML file at path (missing file is fine), applies env
// overrides and validates the result.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Sandbox: SandboxAuto,
		Limits: Limits{
			PidsLimit:          64,
			HandshakeTimeoutMs: 15000,
			TeardownGraceMs:    2000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GLYCIN_SANDBOX"); v != "" {
		cfg.Sandbox = v
	}
	if v := os.Getenv("GLYCIN_TEST_SKIP_EXT"); v != "" {
		cfg.SkipExtensions = strings.Split(v, ",")
	}
	if v := os.Getenv("BILDKASTEN_DATA_DIRS"); v != "" {
		cfg.DataDirs = strings.Split(v, ":")
	}
	if v := os.Getenv("BILDKASTEN_MEMORY_MAX"); v != "" {
		cfg.Limits.MemoryMax = v
	}
	if v := os.Getenv("BILDKASTEN_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PidsLimit = n
		}
	}
	if v := os.Getenv("BILDKASTEN_HANDSHAKE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.HandshakeTimeoutMs = n
		}
	}
	if v := os.Getenv("BILDKASTEN_TEARDOWN_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.TeardownGraceMs = n
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Sandbox {
	case SandboxAuto, SandboxNamespace, SandboxFlatpakSpawn, SandboxDisabled:
	default:
		return fmt.Errorf("unknown sandbox selector %q (want %s, %s, %s or %s)",
			cfg.Sandbox, SandboxAuto, SandboxNamespace, SandboxFlatpakSpawn, SandboxDisabled)
	}
	if cfg.Limits.MemoryMax != "" {
		if _, err := units.RAMInBytes(cfg.Limits.MemoryMax); err != nil {
			return fmt.Errorf("memory_max %q: %w", cfg.Limits.MemoryMax, err)
		}
	}
	return nil
}

// MemoryMaxBytes returns the configured per-decoder cap in bytes, or 0
// when unset.
func (c *Config) MemoryMaxBytes() uint64 {
	if c.Limits.MemoryMax == "" {
		return 0
	}
	n, err := units.RAMInBytes(c.Limits.MemoryMax)
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}

// HandshakeTimeout returns the spawn-to-InitReply deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Limits.HandshakeTimeoutMs) * time.Millisecond
}

// TeardownGrace returns the SIGTERM-to-SIGKILL grace period.
func (c *Config) TeardownGrace() time.Duration {
	return time.Duration(c.Limits.TeardownGraceMs) * time.Millisecond
}

// SkipsExtension reports whether the given file name matches a
// configured skip extension.
func (c *Config) SkipsExtension(name string) bool {
	for _, ext := range c.SkipExtensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

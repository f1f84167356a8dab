package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v              *viper.Viper
	configFile     string
	envPrefix      string
	projectDir     string     // Resolved project root directory (set by Load)
	projectDirHint string     // Optional: override project root directory for path resolution
	resolvePaths   bool       // Whether to resolve relative paths to absolute on Load
	mu             sync.Mutex // Protects concurrent access to viper operations
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:            viper.New(),
		envPrefix:    "FORGEWRIGHT",
		resolvePaths: true,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:            v,
		envPrefix:    "FORGEWRIGHT",
		resolvePaths: true,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithProjectDir provides a project root directory hint for resolving relative paths.
// This is required for scenarios where the config file is not located under the project
// root (e.g. a global config shared by many projects).
func (l *Loader) WithProjectDir(path string) *Loader {
	l.projectDirHint = path
	return l
}

// WithResolvePaths controls whether relative paths are resolved to absolute paths on Load().
// For API editing endpoints, you typically want resolvePaths=false to preserve relative values.
func (l *Loader) WithResolvePaths(resolve bool) *Loader {
	l.resolvePaths = resolve
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (FORGEWRIGHT_*)
// 3. Project config (.forgewright/config.yaml - new location)
// 4. Legacy project config (.forgewright.yaml - for backwards compatibility)
// 5. User config (~/.config/quorum/config.yaml)
// 6. Defaults
func (l *Loader) Load() (*Config, error) {
	// Lock to prevent concurrent map writes in viper
	l.mu.Lock()
	defer l.mu.Unlock()

	// Set defaults first
	l.setDefaults()

	// Configure environment variable reading
	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Config file setup
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		// Try new location first: .forgewright/config.yaml
		newConfigPath := filepath.Join(".forgewright", "config.yaml")
		if _, err := os.Stat(newConfigPath); err == nil {
			l.v.SetConfigFile(newConfigPath)
		} else {
			// Fall back to legacy location: .forgewright.yaml
			l.v.SetConfigName(".forgewright")
			l.v.SetConfigType("yaml")

			// Add search paths in precedence order (first found wins)
			// Project config takes precedence over user config
			l.v.AddConfigPath(".")
			if home, err := os.UserHomeDir(); err == nil {
				l.v.AddConfigPath(filepath.Join(home, ".config", "forgewright"))
			}
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// ignore
		} else if errors.Is(err, os.ErrNotExist) {
			// Explicit config file path does not exist: treat as "no config file" and fall back to defaults.
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Normalize legacy keys from config file (e.g., maxretries -> max_retries)
	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		// If we were given an explicit config file path that doesn't exist, viper may still
		// report it as "used". Skip normalization in that case.
		if _, err := os.Stat(configPath); err == nil {
			normalized, err := loadNormalizedConfigMap(configPath)
			if err != nil {
				return nil, fmt.Errorf("normalizing config: %w", err)
			}
			if len(normalized) > 0 {
				if err := l.v.MergeConfigMap(normalized); err != nil {
					return nil, fmt.Errorf("merging normalized config: %w", err)
				}
			}
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Resolve all relative paths to absolute paths
	// Use the project root (parent of .forgewright/) as the base for relative paths
	projectDir := ""
	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		absConfigPath, err := filepath.Abs(configPath)
		if err == nil {
			configDir := filepath.Dir(absConfigPath)
			// If config is in .forgewright/ directory, use its parent as project root
			// e.g., /project/.forgewright/config.yaml -> /project/
			if filepath.Base(configDir) == ".forgewright" {
				projectDir = filepath.Dir(configDir)
			} else {
				// Legacy .forgewright.yaml in project root
				projectDir = configDir
			}
		}
	}
	// If no config file found, fall back to current working directory
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	// Override project dir when caller provides a hint (e.g. global config shared by many projects).
	if strings.TrimSpace(l.projectDirHint) != "" {
		projectDir = l.projectDirHint
	}
	l.projectDir = projectDir
	if l.resolvePaths {
		l.resolveAbsolutePaths(&cfg, projectDir)
	}

	return &cfg, nil
}

// ProjectDir returns the resolved project root directory.
// This is the directory containing the .forgewright/ config folder (or CWD as fallback).
// Available after Load() has been called.
func (l *Loader) ProjectDir() string {
	return l.projectDir
}

// resolveAbsolutePaths converts all relative paths in the config to absolute paths.
// Relative paths are resolved relative to baseDir (typically the config file's directory).
// This prevents issues when quorum is executed from different working directories.
func (l *Loader) resolveAbsolutePaths(cfg *Config, baseDir string) {
	// State paths
	if cfg.State.Path != "" {
		cfg.State.Path = resolvePathRelativeTo(cfg.State.Path, baseDir)
	}
	if cfg.State.BackupPath != "" {
		cfg.State.BackupPath = resolvePathRelativeTo(cfg.State.BackupPath, baseDir)
	}

	// Git repository and worktree directories
	if cfg.Git.ReposBaseDir != "" {
		cfg.Git.ReposBaseDir = resolvePathRelativeTo(cfg.Git.ReposBaseDir, baseDir)
	}
	if cfg.Git.WorktreesDir != "" {
		cfg.Git.WorktreesDir = resolvePathRelativeTo(cfg.Git.WorktreesDir, baseDir)
	}
}

// resolvePathRelativeTo converts a relative path to an absolute path using baseDir as the base.
// If the path is already absolute, it is returned unchanged.
// Example: resolvePathRelativeTo(".forgewright/state.db", "/home/user/project")
//
//	→ "/home/user/project/.forgewright/state.db"
func resolvePathRelativeTo(path, baseDir string) string {
	// Check for absolute paths (including Unix-style paths on Windows)
	if filepath.IsAbs(path) {
		return path
	}
	// On Windows, filepath.IsAbs("/unix/path") returns false
	// But such paths should be treated as absolute
	if len(path) > 0 && (path[0] == '/' || path[0] == '\\') {
		return path
	}
	return filepath.Join(baseDir, path)
}

func loadNormalizedConfigMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	normalizeLegacyConfigMap(raw)
	return raw, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", "")

	// State defaults
	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".forgewright/state/state.db")
	l.v.SetDefault("state.backup_path", ".forgewright/state/state.db.bak")

	// Git defaults
	l.v.SetDefault("git.repos_base_dir", ".forgewright/repos")
	l.v.SetDefault("git.worktrees_dir", ".forgewright/worktrees")

	// Supervisor defaults (spec §6.5)
	l.v.SetDefault("supervisor.default_timeout_ms", 600000)
	l.v.SetDefault("supervisor.warning_threshold_ms", 300000)
	l.v.SetDefault("supervisor.extension_ms", 300000)
	l.v.SetDefault("supervisor.log_cap_per_task", 2000)
	l.v.SetDefault("supervisor.chat_cap_per_task", 500)
	l.v.SetDefault("supervisor.silence_warning_ms", 30000)
	l.v.SetDefault("supervisor.max_file_content_bytes", 102400)

	// PR watcher defaults
	l.v.SetDefault("pr_watcher.poll_interval_ms", 60000)

	// Agent defaults
	// NOTE: agents.default has NO default - user must explicitly configure it
	// NOTE: agent models have NO defaults - user must explicitly configure them
	l.v.SetDefault("agents.default", "")
	l.v.SetDefault("agents.claude.enabled", false)
	l.v.SetDefault("agents.claude.path", "claude")
	l.v.SetDefault("agents.claude.model", "")
	l.v.SetDefault("agents.codex.enabled", false)
	l.v.SetDefault("agents.codex.path", "codex")
	l.v.SetDefault("agents.codex.model", "")
	l.v.SetDefault("agents.gemini.enabled", false)
	l.v.SetDefault("agents.gemini.path", "gemini")
	l.v.SetDefault("agents.gemini.model", "")
	l.v.SetDefault("agents.copilot.enabled", false)
	l.v.SetDefault("agents.copilot.path", "copilot")
	l.v.SetDefault("agents.copilot.model", "")
	l.v.SetDefault("agents.opencode.enabled", false)
	l.v.SetDefault("agents.opencode.path", "opencode")
	l.v.SetDefault("agents.opencode.model", "")

	// Forge defaults
	l.v.SetDefault("forge.github_base_url", "https://api.github.com")
	l.v.SetDefault("forge.gitlab_base_url", "https://gitlab.com/api/v4")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

// Validate checks configuration consistency and returns an error if invalid.
// This provides fail-fast validation for agent references and the
// supervisor/PR-watcher/forge sections via the per-field Validator.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

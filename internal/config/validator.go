package config

import (
	"fmt"
	"strings"

	"github.com/anti-entropy/forgewright/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateGit(&cfg.Git)
	v.validateSupervisor(&cfg.Supervisor)
	v.validatePRWatcher(&cfg.PRWatcher)
	v.validateAgents(&cfg.Agents)
	v.validateForge(&cfg.Forge)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		core.LogDebug: true, core.LogInfo: true, core.LogWarn: true, core.LogError: true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		core.LogFormatAuto: true, core.LogFormatText: true, core.LogFormatJSON: true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	validBackends := map[string]bool{
		core.StateBackendSQLite: true, core.StateBackendJSON: true,
	}
	if !validBackends[cfg.Backend] {
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, json")
	}
	if cfg.Path == "" {
		v.addError("state.path", cfg.Path, "must not be empty")
	}
}

func (v *Validator) validateGit(cfg *GitConfig) {
	if cfg.ReposBaseDir == "" {
		v.addError("git.repos_base_dir", cfg.ReposBaseDir, "must not be empty")
	}
	if cfg.WorktreesDir == "" {
		v.addError("git.worktrees_dir", cfg.WorktreesDir, "must not be empty")
	}
}

func (v *Validator) validateSupervisor(cfg *SupervisorConfig) {
	if cfg.DefaultTimeoutMs <= 0 {
		v.addError("supervisor.default_timeout_ms", cfg.DefaultTimeoutMs, "must be positive")
	}
	if cfg.WarningThresholdMs <= 0 || cfg.WarningThresholdMs >= cfg.DefaultTimeoutMs {
		v.addError("supervisor.warning_threshold_ms", cfg.WarningThresholdMs, "must be positive and less than default_timeout_ms")
	}
	if cfg.ExtensionMs <= 0 {
		v.addError("supervisor.extension_ms", cfg.ExtensionMs, "must be positive")
	}
	if cfg.LogCapPerTask <= 0 {
		v.addError("supervisor.log_cap_per_task", cfg.LogCapPerTask, "must be positive")
	}
	if cfg.ChatCapPerTask <= 0 {
		v.addError("supervisor.chat_cap_per_task", cfg.ChatCapPerTask, "must be positive")
	}
	if cfg.SilenceWarningMs <= 0 {
		v.addError("supervisor.silence_warning_ms", cfg.SilenceWarningMs, "must be positive")
	}
	if cfg.MaxFileContentBytes <= 0 {
		v.addError("supervisor.max_file_content_bytes", cfg.MaxFileContentBytes, "must be positive")
	}
}

func (v *Validator) validatePRWatcher(cfg *PRWatcherConfig) {
	if cfg.PollIntervalMs <= 0 {
		v.addError("pr_watcher.poll_interval_ms", cfg.PollIntervalMs, "must be positive")
	}
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	if cfg.Default == "" {
		v.addError("agents.default", cfg.Default, "is required")
		return
	}
	agent := cfg.GetAgentConfig(cfg.Default)
	if agent == nil {
		v.addError("agents.default", cfg.Default, "references unknown agent")
		return
	}
	if !agent.Enabled {
		v.addError("agents.default", cfg.Default, "references a disabled agent")
	}

	for _, name := range []string{"claude", "codex", "gemini", "copilot", "opencode"} {
		a := cfg.GetAgentConfig(name)
		if a.Enabled && a.Path == "" {
			v.addError(fmt.Sprintf("agents.%s.path", name), a.Path, "must not be empty when enabled")
		}
	}
}

func (v *Validator) validateForge(cfg *ForgeConfig) {
	if cfg.GitHubBaseURL == "" {
		v.addError("forge.github_base_url", cfg.GitHubBaseURL, "must not be empty")
	}
	if cfg.GitLabBaseURL == "" {
		v.addError("forge.gitlab_base_url", cfg.GitLabBaseURL, "must not be empty")
	}
}

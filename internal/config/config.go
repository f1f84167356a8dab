package config

// Config holds all application configuration for the orchestrator: the
// ambient stack (logging, state persistence) plus the domain stack that
// drives C3-C8 (git, the agent supervisor, the PR watcher, the agent
// roster and the forge adapter).
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	State      StateConfig      `mapstructure:"state"`
	Git        GitConfig        `mapstructure:"git"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	PRWatcher  PRWatcherConfig  `mapstructure:"pr_watcher"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Forge      ForgeConfig      `mapstructure:"forge"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StateConfig configures task-store persistence (C1).
type StateConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	BackupPath string `mapstructure:"backup_path"`
}

// GitConfig configures where repositories are cloned and where task
// worktrees are created (C4).
type GitConfig struct {
	ReposBaseDir string `mapstructure:"repos_base_dir"`
	WorktreesDir string `mapstructure:"worktrees_dir"`
}

// SupervisorConfig configures the agent supervisor's timers and
// per-task buffers (C7), plus the two C6/C4 limits spec §6.5 names
// alongside them: the CLI runner's first-output silence threshold and
// the per-file inline diff cap.
type SupervisorConfig struct {
	DefaultTimeoutMs    int   `mapstructure:"default_timeout_ms"`
	WarningThresholdMs  int   `mapstructure:"warning_threshold_ms"`
	ExtensionMs         int   `mapstructure:"extension_ms"`
	LogCapPerTask       int   `mapstructure:"log_cap_per_task"`
	ChatCapPerTask      int   `mapstructure:"chat_cap_per_task"`
	SilenceWarningMs    int   `mapstructure:"silence_warning_ms"`
	MaxFileContentBytes int64 `mapstructure:"max_file_content_bytes"`
}

// PRWatcherConfig configures the PR watcher's poll cadence (C8).
type PRWatcherConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// AgentsConfig configures the coding-CLI agent roster (C6/C7).
type AgentsConfig struct {
	Default  string      `mapstructure:"default"`
	Claude   AgentConfig `mapstructure:"claude"`
	Codex    AgentConfig `mapstructure:"codex"`
	Gemini   AgentConfig `mapstructure:"gemini"`
	Copilot  AgentConfig `mapstructure:"copilot"`
	OpenCode AgentConfig `mapstructure:"opencode"`
}

// AgentConfig configures a single coding-CLI agent backend.
type AgentConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Model   string `mapstructure:"model"`
}

// GetAgentConfig returns the named agent's configuration, or nil if the
// name is not one of the known agents.
func (a *AgentsConfig) GetAgentConfig(name string) *AgentConfig {
	switch name {
	case "claude":
		return &a.Claude
	case "codex":
		return &a.Codex
	case "gemini":
		return &a.Gemini
	case "copilot":
		return &a.Copilot
	case "opencode":
		return &a.OpenCode
	default:
		return nil
	}
}

// ForgeConfig configures the forge adapter's (C5) hosted-API endpoints.
type ForgeConfig struct {
	GitHubBaseURL string `mapstructure:"github_base_url"`
	GitLabBaseURL string `mapstructure:"gitlab_base_url"`
}

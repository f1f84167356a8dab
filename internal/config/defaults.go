package config

// DefaultConfigYAML contains the default configuration YAML content.
// This is used by both `forgewright init` and the API reset endpoint to
// ensure consistency.
const DefaultConfigYAML = `# Forgewright Configuration
# Values not specified here use sensible defaults.

log:
  level: info
  format: auto
  file: ""

state:
  backend: sqlite
  path: .forgewright/state/state.db
  backup_path: .forgewright/state/state.db.bak

git:
  repos_base_dir: .forgewright/repos
  worktrees_dir: .forgewright/worktrees

supervisor:
  default_timeout_ms: 600000
  warning_threshold_ms: 300000
  extension_ms: 300000
  log_cap_per_task: 2000
  chat_cap_per_task: 500
  silence_warning_ms: 30000
  max_file_content_bytes: 102400

pr_watcher:
  poll_interval_ms: 60000

agents:
  default: ""
  claude:
    enabled: false
    path: claude
    model: ""
  codex:
    enabled: false
    path: codex
    model: ""
  gemini:
    enabled: false
    path: gemini
    model: ""
  copilot:
    enabled: false
    path: copilot
    model: ""
  opencode:
    enabled: false
    path: opencode
    model: ""

forge:
  github_base_url: https://api.github.com
  gitlab_base_url: https://gitlab.com/api/v4
`

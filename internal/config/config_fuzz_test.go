//go:build go1.18

package config_test

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/anti-entropy/forgewright/internal/config"
)

// FuzzConfigParse exercises YAML unmarshaling directly against the Config
// struct; it must never panic regardless of what bytes it is fed.
func FuzzConfigParse(f *testing.F) {
	f.Add(config.DefaultConfigYAML)
	f.Add(`{}`)
	f.Add(``)
	f.Add(`log:
  level: info
  format: auto
agents:
  default: claude
  claude:
    enabled: true
    model: sonnet
    path: /usr/bin/claude
supervisor:
  default_timeout_ms: 600000
  warning_threshold_ms: 300000
git:
  repos_base_dir: /tmp/repos
  worktrees_dir: /tmp/worktrees
`)
	f.Add(`log: [1, 2, 3]`)
	f.Add(`agents: "not a map"`)

	f.Fuzz(func(t *testing.T, data string) {
		var cfg config.Config
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic unmarshaling config: %v", r)
			}
		}()
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic validating config: %v", r)
			}
		}()
		_ = config.NewValidator().Validate(&cfg)
	})
}

// Package secrets provides a SecretsAccessor backed by the process
// environment, the simplest concrete collaborator behind the
// spec's "secrets store is external, only its key-fetch contract is
// specified" boundary.
package secrets

import (
	"os"
	"strings"

	"github.com/anti-entropy/forgewright/internal/core"
)

// envVarFor maps each of the three recognized secret keys (spec §6.5)
// to the environment variable it is read from.
var envVarFor = map[string]string{
	core.SecretAIAPIKey:    "FORGEWRIGHT_AI_API_KEY",
	core.SecretGitHubToken: "GITHUB_TOKEN",
	core.SecretGitLabToken: "GITLAB_TOKEN",
}

// EnvAccessor implements core.SecretsAccessor by reading from the
// process environment. It is the default accessor when no external
// secrets store is configured.
type EnvAccessor struct{}

var _ core.SecretsAccessor = EnvAccessor{}

// NewEnvAccessor returns an EnvAccessor.
func NewEnvAccessor() EnvAccessor {
	return EnvAccessor{}
}

// Get resolves one of SecretAIAPIKey, SecretGitHubToken or
// SecretGitLabToken from its corresponding environment variable.
// Unrecognized keys and empty values both report ok=false.
func (EnvAccessor) Get(key string) (string, bool) {
	envVar, known := envVarFor[key]
	if !known {
		return "", false
	}
	val := strings.TrimSpace(os.Getenv(envVar))
	if val == "" {
		return "", false
	}
	return val, true
}

// MapAccessor implements core.SecretsAccessor from an in-memory map,
// used in tests and wherever secrets have already been resolved from
// a config file or an external vault rather than the environment.
type MapAccessor map[string]string

var _ core.SecretsAccessor = MapAccessor(nil)

// Get returns the value for key and whether it was present and non-empty.
func (m MapAccessor) Get(key string) (string, bool) {
	val, ok := m[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// AgentCredentials builds the per-agent credential map
// cli.BuildDefaultRegistry expects, from a single SecretsAccessor. Per
// spec §6.5, ai_api_key is a multi-provider key: the same value is
// handed to every agent name listed in enabledAgents, since the
// accessor has no way to know which provider a shared key belongs to.
func AgentCredentials(secrets core.SecretsAccessor, enabledAgents []string) map[string]string {
	creds := make(map[string]string, len(enabledAgents))
	key, ok := secrets.Get(core.SecretAIAPIKey)
	if !ok {
		return creds
	}
	for _, name := range enabledAgents {
		creds[name] = key
	}
	return creds
}

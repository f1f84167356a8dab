package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// --- checkAgentConfigsInDir ---

func TestCheckAgentConfigs_NoGeminiConfig(t *testing.T) {
	tmpDir := t.TempDir()
	issues := checkAgentConfigsInDir(tmpDir)
	if len(issues) != 0 {
		t.Errorf("expected no issues when .gemini doesn't exist, got: %v", issues)
	}
}

func TestCheckAgentConfigs_WithDisabledGeminiConfig(t *testing.T) {
	tmpDir := t.TempDir()
	geminiDir := filepath.Join(tmpDir, ".gemini")
	if err := os.MkdirAll(geminiDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := map[string]interface{}{"disabled": true}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(filepath.Join(geminiDir, "settings.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	issues := checkAgentConfigsInDir(tmpDir)
	found := false
	for _, issue := range issues {
		if issue == "Gemini config contains 'disabled: true' which causes 'NO_AGENTS' error" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected warning about 'disabled: true', got issues: %v", issues)
	}
}

func TestCheckAgentConfigs_WithValidGeminiConfig(t *testing.T) {
	tmpDir := t.TempDir()
	geminiDir := filepath.Join(tmpDir, ".gemini")
	if err := os.MkdirAll(geminiDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := map[string]interface{}{"ui": map[string]interface{}{"theme": "Default"}}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(filepath.Join(geminiDir, "settings.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	issues := checkAgentConfigsInDir(tmpDir)
	if len(issues) != 0 {
		t.Errorf("expected no issues, got: %v", issues)
	}
}

func TestCheckAgentConfigs_WithInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	geminiDir := filepath.Join(tmpDir, ".gemini")
	if err := os.MkdirAll(geminiDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(geminiDir, "settings.json"), []byte("{invalid json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	issues := checkAgentConfigsInDir(tmpDir)
	found := false
	for _, issue := range issues {
		if issue == "Gemini config contains invalid JSON" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected invalid JSON warning, got: %v", issues)
	}
}

func TestCheckAgentConfigs_NoHomeDir(t *testing.T) {
	tmpDir := t.TempDir()
	issues := checkAgentConfigsInDir(tmpDir)
	if len(issues) != 0 {
		t.Errorf("expected no issues when .gemini doesn't exist, got: %v", issues)
	}
}

// --- checkCommand ---

func TestCheckCommand_KnownCommand(t *testing.T) {
	t.Parallel()
	if !checkCommand("true", []string{}) {
		t.Error("expected 'true' command to be available")
	}
}

func TestCheckCommand_UnknownCommand(t *testing.T) {
	t.Parallel()
	if checkCommand("this_command_definitely_does_not_exist_xyz_12345", []string{}) {
		t.Error("expected unknown command to return false")
	}
}

func TestCheckCommand_CommandWithArgs(t *testing.T) {
	t.Parallel()
	if !checkCommand("echo", []string{"hello"}) {
		t.Error("expected 'echo hello' to succeed")
	}
}

func TestCheckCommand_CommandThatFails(t *testing.T) {
	t.Parallel()
	if checkCommand("false", []string{}) {
		t.Error("expected 'false' command to return false")
	}
}

// --- validateForgewrightConfig ---

func TestValidateForgewrightConfig_NoProjectDir(t *testing.T) {
	// With resolvePaths on and no .forgewright config file present, the
	// loader still falls back to built-in defaults, which must validate.
	issues := validateForgewrightConfig()
	if len(issues) != 0 {
		t.Errorf("expected defaults to validate cleanly, got: %v", issues)
	}
}

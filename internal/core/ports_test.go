package core

import "testing"

func TestExecuteResult_TotalTokens(t *testing.T) {
	tests := []struct {
		in, out, total int
	}{
		{0, 0, 0},
		{100, 50, 150},
		{1000, 500, 1500},
	}

	for _, tt := range tests {
		r := &ExecuteResult{TokensIn: tt.in, TokensOut: tt.out}
		if got := r.TotalTokens(); got != tt.total {
			t.Errorf("TotalTokens() = %d, want %d", got, tt.total)
		}
	}
}

func TestOutputFormatConstants(t *testing.T) {
	if OutputFormatText != "text" {
		t.Errorf("expected 'text', got %s", OutputFormatText)
	}
	if OutputFormatJSON != "json" {
		t.Errorf("expected 'json', got %s", OutputFormatJSON)
	}
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{
		SupportsStreaming: true,
		SupportsTools:     true,
		SupportsImages:    false,
		SupportsJSON:      true,
		SupportedModels:   []string{"claude-3", "claude-3.5"},
		DefaultModel:      "claude-3.5",
		MaxContextTokens:  200000,
		MaxOutputTokens:   4096,
	}

	if !caps.SupportsStreaming {
		t.Error("expected SupportsStreaming to be true")
	}
	if len(caps.SupportedModels) != 2 {
		t.Errorf("expected 2 models, got %d", len(caps.SupportedModels))
	}
}

func TestSecretKeys_Distinct(t *testing.T) {
	keys := map[string]bool{
		SecretAIAPIKey:    true,
		SecretGitHubToken: true,
		SecretGitLabToken: true,
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 distinct secret keys, got %d", len(keys))
	}
}

func TestPRState_Constants(t *testing.T) {
	if PRStateOpen != "open" || PRStateClosed != "closed" || PRStateMerged != "merged" {
		t.Errorf("unexpected PRState constant values: %q %q %q", PRStateOpen, PRStateClosed, PRStateMerged)
	}
}

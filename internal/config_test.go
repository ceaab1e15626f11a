package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNodeConfig_RejectsUnknownRole(t *testing.T) {
	cfg := NodeConfig{Role: "depot", ID: "depot-1", DataDir: "./d"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown role should fail validation")
	}
}

func TestNodeConfig_RequiresIdentity(t *testing.T) {
	cfg := NodeConfig{Role: RoleStation, DataDir: "./d"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing node id should fail validation")
	}
}

func TestCodecConfig_ZeroMeansDefaults(t *testing.T) {
	cfg := CodecConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero codec config should pass: %v", err)
	}
}

func TestCodecConfig_RejectsOversizedChunks(t *testing.T) {
	cfg := CodecConfig{ChunkBytes: 10000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("chunk_bytes beyond QR capacity should fail")
	}
}

func TestSyncConfig_HubURLScheme(t *testing.T) {
	cfg := SyncConfig{HubURL: "hub.local:8080"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("hub_url without scheme should fail")
	}
	cfg.HubURL = "http://hub.local:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("http hub_url should pass: %v", err)
	}
}

func TestSyncConfig_TokenTTLFallback(t *testing.T) {
	cfg := SyncConfig{}
	if got := cfg.TokenTTL(); got != 5*time.Minute {
		t.Errorf("default token ttl = %s", got)
	}
	cfg.TokenTTLSeconds = 30
	if got := cfg.TokenTTL(); got != 30*time.Second {
		t.Errorf("token ttl = %s", got)
	}
}

func TestTasksConfig_NegativeBoost(t *testing.T) {
	cfg := TasksConfig{Boosts: map[string]int{"CLINICAL": -1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative boost should fail validation")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Retention.Ledger() != 168*time.Hour {
		t.Errorf("ledger retention = %s", cfg.Retention.Ledger())
	}
	if cfg.Tasks.Boosts["CLINICAL"] != 100 {
		t.Errorf("clinical boost = %d", cfg.Tasks.Boosts["CLINICAL"])
	}
}

func TestFullConfig_SectionValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
	cfg = NewDefaultConfig()
	cfg.Node.Role = "depot"
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch node error")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// boolPtr is a helper to create a pointer to a bool value.
func boolPtr(b bool) *bool {
	return &b
}

// validConfig returns a minimal valid Config for testing.
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{LogLevel: "info", StateDir: "/var/lib/ezwatch"},
		Source: SourceConfig{Type: SourceNFTables, OwnedTagSuffix: "ezwatch"},
	}
}

// --- Validate function tests ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config to pass validation, got: %v", err)
	}
}

func TestValidate_LogLevelEmptyDefaultsInfo(t *testing.T) {
	cfg := validConfig()
	cfg.Global.LogLevel = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected empty log level to be accepted, got: %v", err)
	}
	if cfg.Global.LogLevel != "info" {
		t.Errorf("expected log level to default to info, got %q", cfg.Global.LogLevel)
	}
}

func TestValidate_LogLevelInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Global.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported log level, got nil")
	}
}

func TestValidate_StateDirEmpty(t *testing.T) {
	cfg := validConfig()
	cfg.Global.StateDir = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty state_dir, got nil")
	}
}

func TestValidate_SourceTypeInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Type = "pf"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported source type, got nil")
	}
}

func TestValidate_AllSourceTypes(t *testing.T) {
	for _, sourceType := range []string{SourceNFTables, SourceIPTables, SourceIPVS, SourceFile} {
		cfg := validConfig()
		cfg.Source.Type = sourceType
		cfg.Source.FilePath = "/tmp/rules.yaml"
		if err := Validate(cfg); err != nil {
			t.Errorf("expected source type %q to be valid, got: %v", sourceType, err)
		}
	}
}

func TestValidate_FileSourceRequiresPath(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Type = SourceFile
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for file source without file_path, got nil")
	}
}

func TestValidate_IPTablesTableInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Type = SourceIPTables
	cfg.Source.IPTables.Tables = []string{"filter", "broute"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported iptables table, got nil")
	}
}

func TestValidate_IPTablesTableDuplicate(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Type = SourceIPTables
	cfg.Source.IPTables.Tables = []string{"filter", "filter"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate iptables table, got nil")
	}
}

func TestValidate_PollIntervalInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.PollInterval = "often"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid poll_interval, got nil")
	}
}

func TestValidate_PollIntervalTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.PollInterval = "100ms"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for sub-second poll_interval, got nil")
	}
}

func TestValidate_PollIntervalZeroDisables(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.PollInterval = "0s"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected zero poll_interval to be valid, got: %v", err)
	}
	if cfg.Trigger.GetPollInterval() != 0 {
		t.Errorf("expected poll interval 0, got %v", cfg.Trigger.GetPollInterval())
	}
}

func TestValidate_WatchPathDuplicate(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.WatchPaths = []string{"/etc/iptables/rules.v4", "/etc/iptables/rules.v4"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate watch path, got nil")
	}
}

func TestValidate_WatchPathEmpty(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.WatchPaths = []string{""}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty watch path, got nil")
	}
}

func TestValidate_MetricsListen(t *testing.T) {
	tests := []struct {
		listen  string
		wantErr bool
	}{
		{"127.0.0.1:9310", false},
		{":9310", false},
		{"not-an-address", true},
		{"abc:9310", true},
		{"127.0.0.1:0", true},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Metrics.Listen = tt.listen
		err := Validate(cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("metrics.listen %q: error = %v, wantErr %v", tt.listen, err, tt.wantErr)
		}
	}
}

// --- Accessor default tests ---

func TestIPTablesConfig_Defaults(t *testing.T) {
	c := IPTablesConfig{}
	if tables := c.GetTables(); len(tables) != 1 || tables[0] != "filter" {
		t.Errorf("expected default tables [filter], got %v", tables)
	}
	if !c.IsIPv6Enabled() {
		t.Error("expected ipv6 to default to enabled")
	}
	c.IPv6 = boolPtr(false)
	if c.IsIPv6Enabled() {
		t.Error("expected ipv6 to be disabled when explicitly set")
	}
}

func TestTriggerConfig_GetPollInterval_Default(t *testing.T) {
	tc := TriggerConfig{}
	if tc.GetPollInterval() != 60*time.Second {
		t.Errorf("expected default poll interval 60s, got %v", tc.GetPollInterval())
	}
}

func TestTriggerConfig_GetPollInterval_Invalid(t *testing.T) {
	tc := TriggerConfig{PollInterval: "bad"}
	if tc.GetPollInterval() != 60*time.Second {
		t.Errorf("expected fallback poll interval 60s for invalid value, got %v", tc.GetPollInterval())
	}
}

func TestTriggerConfig_GetPollInterval_Valid(t *testing.T) {
	tc := TriggerConfig{PollInterval: "15s"}
	if tc.GetPollInterval() != 15*time.Second {
		t.Errorf("expected poll interval 15s, got %v", tc.GetPollInterval())
	}
}

func TestTriggerConfig_IsNativeEnabled(t *testing.T) {
	if !(TriggerConfig{}).IsNativeEnabled() {
		t.Error("expected native trigger to default to enabled")
	}
	if (TriggerConfig{Native: boolPtr(false)}).IsNativeEnabled() {
		t.Error("expected native trigger to be disabled when explicitly set")
	}
}

func TestPublisherConfig_IsEnabled(t *testing.T) {
	if !(PublisherConfig{}).IsEnabled() {
		t.Error("expected publisher enrichment to default to enabled")
	}
	if (PublisherConfig{Enabled: boolPtr(false)}).IsEnabled() {
		t.Error("expected publisher enrichment to be disabled when explicitly set")
	}
}

// --- Manager loading tests ---

const validYAML = `
global:
  log_level: debug
  state_dir: /tmp/ezwatch-state
source:
  type: iptables
  owned_tag_suffix: EZLB-SNAT
  iptables:
    tables: [filter, nat]
    ipv6: false
trigger:
  native: false
  watch_paths:
    - /etc/iptables/rules.v4
  poll_interval: 30s
metrics:
  listen: 127.0.0.1:9310
`

func writeTestYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test yaml: %v", err)
	}
	return path
}

func TestManager_LoadValidYAML(t *testing.T) {
	path := writeTestYAML(t, validYAML)

	mgr, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("expected NewManager to succeed, got: %v", err)
	}

	cfg := mgr.GetConfig()
	if cfg == nil {
		t.Fatal("expected GetConfig to return non-nil config")
	}
	if cfg.Global.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.Global.LogLevel)
	}
	if cfg.Source.Type != SourceIPTables {
		t.Errorf("expected source type 'iptables', got %q", cfg.Source.Type)
	}
	if cfg.Source.OwnedTagSuffix != "EZLB-SNAT" {
		t.Errorf("expected owned tag suffix 'EZLB-SNAT', got %q", cfg.Source.OwnedTagSuffix)
	}
	if len(cfg.Source.IPTables.GetTables()) != 2 {
		t.Errorf("expected 2 iptables tables, got %v", cfg.Source.IPTables.GetTables())
	}
	if cfg.Source.IPTables.IsIPv6Enabled() {
		t.Error("expected ipv6 to be disabled")
	}
	if cfg.Trigger.IsNativeEnabled() {
		t.Error("expected native trigger to be disabled")
	}
	if cfg.Trigger.GetPollInterval() != 30*time.Second {
		t.Errorf("expected poll interval 30s, got %v", cfg.Trigger.GetPollInterval())
	}
	if len(cfg.Trigger.WatchPaths) != 1 {
		t.Errorf("expected 1 watch path, got %d", len(cfg.Trigger.WatchPaths))
	}
	if cfg.Metrics.Listen != "127.0.0.1:9310" {
		t.Errorf("expected metrics listen '127.0.0.1:9310', got %q", cfg.Metrics.Listen)
	}
}

func TestManager_AppliesDefaults(t *testing.T) {
	path := writeTestYAML(t, "global:\n  log_level: warn\n")

	mgr, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("expected NewManager to succeed, got: %v", err)
	}

	cfg := mgr.GetConfig()
	if cfg.Global.StateDir != "/var/lib/ezwatch" {
		t.Errorf("expected default state_dir, got %q", cfg.Global.StateDir)
	}
	if cfg.Source.Type != SourceNFTables {
		t.Errorf("expected default source type nftables, got %q", cfg.Source.Type)
	}
	if cfg.Source.OwnedTagSuffix != "ezwatch" {
		t.Errorf("expected default owned tag suffix, got %q", cfg.Source.OwnedTagSuffix)
	}
	if !cfg.Publisher.IsEnabled() {
		t.Error("expected publisher enrichment to default to enabled")
	}
}

func TestManager_LoadNonExistentFile(t *testing.T) {
	_, err := NewManager("/nonexistent/path/config.yaml", zap.NewNop())
	if err == nil {
		t.Fatal("expected error for non-existent config file, got nil")
	}
}

func TestManager_LoadInvalidYAML(t *testing.T) {
	path := writeTestYAML(t, `{{{invalid yaml`)
	_, err := NewManager(path, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestManager_LoadValidationFailure(t *testing.T) {
	invalidCfg := `
global:
  state_dir: /tmp/x
source:
  type: file
`
	path := writeTestYAML(t, invalidCfg)
	_, err := NewManager(path, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for config that fails validation, got nil")
	}
}

func TestManager_OnChangeChannel(t *testing.T) {
	path := writeTestYAML(t, validYAML)
	mgr, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ch := mgr.OnChange()
	if ch == nil {
		t.Fatal("expected OnChange to return non-nil channel")
	}
}

func TestManager_WatchConfigReloads(t *testing.T) {
	path := writeTestYAML(t, validYAML)
	mgr, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr.WatchConfig()

	updated := `
global:
  log_level: error
  state_dir: /tmp/ezwatch-state
source:
  type: nftables
  owned_tag_suffix: glacic
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case <-mgr.OnChange():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}

	cfg := mgr.GetConfig()
	if cfg.Global.LogLevel != "error" {
		t.Errorf("expected reloaded log level 'error', got %q", cfg.Global.LogLevel)
	}
	if cfg.Source.OwnedTagSuffix != "glacic" {
		t.Errorf("expected reloaded owned tag suffix 'glacic', got %q", cfg.Source.OwnedTagSuffix)
	}
}

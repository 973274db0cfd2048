package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  enabled: true\n  broker_url: tcp://localhost:1883\n  password: ${MESHBUS_TEST_PASSWORD}\n"), 0600)
	os.Setenv("MESHBUS_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("MESHBUS_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("mqtt.password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("{}\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 26423 {
		t.Errorf("listen.port = %d, want 26423", cfg.Listen.Port)
	}
	if cfg.DataRoot != "./data" {
		t.Errorf("data_root = %q, want %q", cfg.DataRoot, "./data")
	}
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9000\n  address: 127.0.0.1\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9000 {
		t.Errorf("listen.port = %d, want 9000", cfg.Listen.Port)
	}
	if cfg.Listen.Address != "127.0.0.1" {
		t.Errorf("listen.address = %q, want %q", cfg.Listen.Address, "127.0.0.1")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load with missing file should error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Port != 26423 {
		t.Errorf("Default().Listen.Port = %d, want 26423", cfg.Listen.Port)
	}
	if cfg.DataRoot != "./data" {
		t.Errorf("Default().DataRoot = %q, want %q", cfg.DataRoot, "./data")
	}
	if cfg.Dashboard.Enabled {
		t.Error("Default().Dashboard.Enabled should be false")
	}
	if cfg.MQTT.Enabled {
		t.Error("Default().MQTT.Enabled should be false")
	}
}

func TestApplyDefaults_DashboardPortOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	if cfg.Dashboard.Port != 0 {
		t.Errorf("disabled dashboard should keep port 0, got %d", cfg.Dashboard.Port)
	}

	cfg = &Config{Dashboard: DashboardConfig{Enabled: true}}
	cfg.applyDefaults()
	if cfg.Dashboard.Port != 26424 {
		t.Errorf("enabled dashboard default port = %d, want 26424", cfg.Dashboard.Port)
	}
}

func TestApplyDefaults_MQTTOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	if cfg.MQTT.TopicRoot != "" || cfg.MQTT.ClientID != "" {
		t.Errorf("disabled mqtt should leave topic_root/client_id empty, got %+v", cfg.MQTT)
	}

	cfg = &Config{MQTT: MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883"}}
	cfg.applyDefaults()
	if cfg.MQTT.TopicRoot != "meshbus" {
		t.Errorf("mqtt.topic_root default = %q, want %q", cfg.MQTT.TopicRoot, "meshbus")
	}
	if cfg.MQTT.ClientID != "meshbus-server" {
		t.Errorf("mqtt.client_id default = %q, want %q", cfg.MQTT.ClientID, "meshbus-server")
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for listen.port out of range")
	}
	if !strings.Contains(err.Error(), "listen.port") {
		t.Errorf("error should mention listen.port, got: %v", err)
	}
}

func TestValidate_DashboardPortOutOfRangeOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Dashboard.Enabled = false
	cfg.Dashboard.Port = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled dashboard with bad port should not fail validation, got: %v", err)
	}

	cfg.Dashboard.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled dashboard with out-of-range port")
	}
}

func TestValidate_MQTTEnabledRequiresBrokerURL(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for mqtt.enabled without broker_url")
	}
	if !strings.Contains(err.Error(), "mqtt.broker_url") {
		t.Errorf("error should mention mqtt.broker_url, got: %v", err)
	}
}

func TestValidate_MQTTDisabledSkipsBrokerURLCheck(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Enabled = false

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mqtt should skip broker_url validation, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestValidate_EmptyLogLevelSkipsCheck(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty log_level should not fail validation, got: %v", err)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want bool
	}{
		{"enabled with broker", MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883"}, true},
		{"enabled without broker", MQTTConfig{Enabled: true}, false},
		{"disabled with broker", MQTTConfig{Enabled: false, BrokerURL: "tcp://localhost:1883"}, false},
		{"zero value", MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

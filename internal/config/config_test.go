package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("thingsboard:\n  port: 1884\n"), 0600)

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

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thingsboard:\n  port: 1883\n"), 0600)

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
	os.WriteFile(path, []byte("thingsboard:\n  token: ${FIELDNODE_TEST_TOKEN}\n"), 0600)
	t.Setenv("FIELDNODE_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ThingsBoard.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.ThingsBoard.Token, "secret123")
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("network:\n  password: ${FIELDNODE_TEST_WIFI}\n"), 0600)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("FIELDNODE_TEST_WIFI=hunter2\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("FIELDNODE_TEST_WIFI") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Network.Password != "hunter2" {
		t.Errorf("password = %q, want %q", cfg.Network.Password, "hunter2")
	}
}

func TestLoad_EnvironmentWinsOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thingsboard:\n  token: ${FIELDNODE_TEST_PRECEDENCE}\n"), 0600)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("FIELDNODE_TEST_PRECEDENCE=from-file\n"), 0600)
	t.Setenv("FIELDNODE_TEST_PRECEDENCE", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ThingsBoard.Token != "from-env" {
		t.Errorf("token = %q, want %q", cfg.ThingsBoard.Token, "from-env")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thingsboard:\n  server: tb.local\n  token: abc\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Firmware.Title != "RTOTA" || cfg.Firmware.Version != "2" {
		t.Errorf("firmware = %s/%s, want RTOTA/2", cfg.Firmware.Title, cfg.Firmware.Version)
	}
	if cfg.Firmware.MaxChunkRetries != 12 {
		t.Errorf("max_chunk_retries = %d, want 12", cfg.Firmware.MaxChunkRetries)
	}
	if cfg.Firmware.ChunkSize != 4096 {
		t.Errorf("chunk_size = %d, want 4096", cfg.Firmware.ChunkSize)
	}
	if cfg.ThingsBoard.RequestTimeout != 10*time.Second {
		t.Errorf("request_timeout = %v, want 10s", cfg.ThingsBoard.RequestTimeout)
	}
	if cfg.Telemetry.Interval != 5*time.Second {
		t.Errorf("telemetry.interval = %v, want 5s", cfg.Telemetry.Interval)
	}
	if got := strings.Join(cfg.ThingsBoard.SharedAttributes, ","); got != "POWER,ledState" {
		t.Errorf("shared_attributes = %q, want POWER,ledState", got)
	}
	if cfg.Network.ProbeAddress != "tb.local:1883" {
		t.Errorf("probe_address = %q, want tb.local:1883", cfg.Network.ProbeAddress)
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("firmware:\n  chunk_timeout: 750ms\nnetwork:\n  poll_interval: 30s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Firmware.ChunkTimeout != 750*time.Millisecond {
		t.Errorf("chunk_timeout = %v, want 750ms", cfg.Firmware.ChunkTimeout)
	}
	if cfg.Network.PollInterval != 30*time.Second {
		t.Errorf("poll_interval = %v, want 30s", cfg.Network.PollInterval)
	}
}

func TestLoad_SharedAttributesReplaceDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thingsboard:\n  shared_attributes: [fanSpeed]\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.ThingsBoard.SharedAttributes) != 1 || cfg.ThingsBoard.SharedAttributes[0] != "fanSpeed" {
		t.Errorf("shared_attributes = %v, want [fanSpeed]", cfg.ThingsBoard.SharedAttributes)
	}
}

func TestValidate_Default(t *testing.T) {
	cfg := Default()
	cfg.ThingsBoard.Token = "abc"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults with token = %v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.ThingsBoard.Token = "" }, "thingsboard.token"},
		{"bad protocol", func(c *Config) { c.ThingsBoard.Protocol = "amqp" }, "thingsboard.protocol"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero chunk size", func(c *Config) { c.Firmware.ChunkSize = 0 }, "firmware.chunk_size"},
		{"zero retries", func(c *Config) { c.Firmware.MaxChunkRetries = 0 }, "firmware.max_chunk_retries"},
		{"no attributes", func(c *Config) { c.ThingsBoard.SharedAttributes = nil }, "shared_attributes"},
		{"negative duration", func(c *Config) { c.Telemetry.Interval = -time.Second }, "telemetry.interval"},
		{"port out of range", func(c *Config) { c.ThingsBoard.Port = 70000 }, "thingsboard.port"},
		{"too many attributes", func(c *Config) {
			c.ThingsBoard.SharedAttributes = make([]string, MaxSharedAttributes+1)
		}, "max 16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ThingsBoard.Token = "abc"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: DRY_RUN
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment.LogLevel != "info" {
		t.Errorf("log level default = %q, want info", cfg.Environment.LogLevel)
	}
	if cfg.Schedule.Timezone != "America/New_York" {
		t.Errorf("timezone default = %q", cfg.Schedule.Timezone)
	}
	if cfg.Schedule.TradingStart != "09:30" || cfg.Schedule.TradingEnd != "15:50" {
		t.Errorf("trading window default = %s-%s", cfg.Schedule.TradingStart, cfg.Schedule.TradingEnd)
	}
	if cfg.Broker.OrderTag != "GEKKOWORKS" {
		t.Errorf("order tag default = %q", cfg.Broker.OrderTag)
	}
	if cfg.Storage.Path != "data/spreadbot.db" {
		t.Errorf("storage path default = %q", cfg.Storage.Path)
	}
	if cfg.Dashboard.Listen != ":8080" {
		t.Errorf("dashboard listen default = %q", cfg.Dashboard.Listen)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TRADIER_KEY", "secret-token")
	path := writeConfig(t, `
environment:
  mode: SANDBOX_PAPER
broker:
  api_key: ${TEST_TRADIER_KEY}
  account_id: VA000001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "secret-token" {
		t.Errorf("api key = %q, want expanded env value", cfg.Broker.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file should error")
	}
}

func TestValidateCredentialRequirements(t *testing.T) {
	// DRY_RUN runs without credentials.
	if _, err := Load(writeConfig(t, "environment:\n  mode: DRY_RUN\n")); err != nil {
		t.Errorf("DRY_RUN without credentials should load: %v", err)
	}

	// Order-placing modes require key and account.
	_, err := Load(writeConfig(t, "environment:\n  mode: SANDBOX_PAPER\n"))
	if err == nil {
		t.Error("SANDBOX_PAPER without credentials should fail")
	}
	_, err = Load(writeConfig(t, `
environment:
  mode: LIVE
broker:
  api_key: k
`))
	if err == nil {
		t.Error("LIVE without account_id should fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown mode", "environment:\n  mode: PAPER\n"},
		{"unknown log level", "environment:\n  mode: DRY_RUN\n  log_level: chatty\n"},
		{"unsupported provider", "environment:\n  mode: DRY_RUN\nbroker:\n  provider: ibkr\n"},
		{"bad timezone", "environment:\n  mode: DRY_RUN\nschedule:\n  timezone: Mars/Olympus\n"},
		{"bad trading hours", "environment:\n  mode: DRY_RUN\nschedule:\n  trading_start: \"930\"\n"},
		{"notify without token", "environment:\n  mode: DRY_RUN\nnotify:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestModeHelpers(t *testing.T) {
	live := &Config{Environment: EnvironmentConfig{Mode: ModeLive}}
	if !live.IsLive() || live.Sandbox() {
		t.Error("LIVE mode helpers wrong")
	}
	paper := &Config{Environment: EnvironmentConfig{Mode: ModeSandboxPaper}}
	if paper.IsLive() || !paper.Sandbox() {
		t.Error("SANDBOX_PAPER mode helpers wrong")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Schedule: ScheduleConfig{Timezone: "Nowhere/Nowhere"}}
	if got := cfg.Location(); got.String() != "UTC" {
		t.Errorf("Location = %s, want UTC", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	power "powerrail/internal/power/domain"
)

const sampleConfig = `
general:
  rail: living-room
  quiet_period: 30s
  redispatch_interval: 1m
retry:
  max_attempts: 4
  initial_backoff: 2s
sources:
  - id: kodi
    type: kodi
    poll_interval: {active: 20s, idle: 3s}
    kodi: {url: "http://kodi.local:8080/jsonrpc", username: kodi, password: secret}
  - id: steamlink
    type: steamlink
    enable: false
    steamlink: {host: steamlink.local, user: root}
sinks:
  - id: amp
    type: hs100
    hs100: {host: 10.0.0.20}
  - id: pdu
    type: snmp
    max_attempts: 1
    timeout: 3s
    snmp: {host: 10.0.0.30, community: private, oid: ".1.3.6.1.4.1.318.1.1.4.4.2.1.3.1"}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.Rail != "living-room" || cfg.General.QuietPeriod != 30*time.Second {
		t.Fatalf("unexpected general: %+v", cfg.General)
	}
	if cfg.General.DrainTimeout != 15*time.Second {
		t.Fatalf("drain timeout default not applied: %s", cfg.General.DrainTimeout)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.InitialBackoff != 2*time.Second || cfg.Retry.MaxBackoff != 30*time.Second {
		t.Fatalf("unexpected retry: %+v", cfg.Retry)
	}
	sources := cfg.EnabledSources()
	if len(sources) != 1 || sources[0].ID != "kodi" {
		t.Fatalf("disabled source not filtered: %+v", sources)
	}
	if sources[0].PollInterval.Active != 20*time.Second || sources[0].Timeout != 10*time.Second {
		t.Fatalf("unexpected source timings: %+v", sources[0])
	}
	sinks := cfg.EnabledSinks()
	if len(sinks) != 2 || sinks[1].Timeout != 3*time.Second || sinks[1].MaxAttempts != 1 {
		t.Fatalf("unexpected sinks: %+v", sinks)
	}
}

func TestLoadZeroQuietPeriodKept(t *testing.T) {
	body := strings.Replace(sampleConfig, "quiet_period: 30s", "quiet_period: 0s", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.QuietPeriod != 0 {
		t.Fatalf("explicit zero quiet period overwritten: %s", cfg.General.QuietPeriod)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POWERRAIL_QUIET_PERIOD", "2m")
	t.Setenv("POWERRAIL_HTTP_ADDR", ":9999")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.QuietPeriod != 2*time.Minute || cfg.General.HTTPAddr != ":9999" {
		t.Fatalf("env overrides ignored: %+v", cfg.General)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	t.Setenv("POWERRAIL_DRAIN_TIMEOUT", "1s")
	t.Setenv("POWERRAIL_QUIET_PERIOD", "7s")
	t.Setenv("POWERRAIL_MAX_ATTEMPTS", "9")
	t.Setenv("POWERRAIL_RAIL", "den")
	body := strings.Replace(sampleConfig, "quiet_period: 30s", "quiet_period: 30s\n  drain_timeout: 20s", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.DrainTimeout != time.Second || cfg.General.QuietPeriod != 7*time.Second {
		t.Fatalf("env durations lost to file: drain=%s quiet=%s", cfg.General.DrainTimeout, cfg.General.QuietPeriod)
	}
	if cfg.Retry.MaxAttempts != 9 || cfg.General.Rail != "den" {
		t.Fatalf("env overrides lost to file: attempts=%d rail=%q", cfg.Retry.MaxAttempts, cfg.General.Rail)
	}
}

func TestLoadRedispatchDefault(t *testing.T) {
	body := strings.Replace(sampleConfig, "  redispatch_interval: 1m\n", "", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.RedispatchInterval != 30*time.Second {
		t.Fatalf("expected 30s redispatch default, got %s", cfg.General.RedispatchInterval)
	}

	body = strings.Replace(sampleConfig, "redispatch_interval: 1m", "redispatch_interval: 0s", 1)
	cfg, err = Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.RedispatchInterval != 0 {
		t.Fatalf("explicit zero redispatch overwritten: %s", cfg.General.RedispatchInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !power.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\nbogus: true\n"))
	if !power.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for unknown key, got %v", err)
	}
}

func TestValidateProblems(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"duplicate sink": {
			body: strings.Replace(sampleConfig, "id: pdu", "id: amp", 1),
			want: `sink "amp": duplicate id`,
		},
		"unknown source type": {
			body: strings.Replace(sampleConfig, "type: kodi\n", "type: plex\n", 1),
			want: `unknown type "plex"`,
		},
		"missing block": {
			body: strings.Replace(sampleConfig, "    hs100: {host: 10.0.0.20}\n", "", 1),
			want: "missing hs100 settings",
		},
		"no sinks": {
			body: sampleConfig[:strings.Index(sampleConfig, "sinks:")],
			want: "at least one enabled sink required",
		},
		"negative quiet period": {
			body: strings.Replace(sampleConfig, "quiet_period: 30s", "quiet_period: -1s", 1),
			want: "quiet_period",
		},
	}
	for name, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !power.IsConfigurationError(err) {
			t.Fatalf("%s: expected configuration error, got %T", name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", name, err.Error(), tc.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("POWERRAIL_CONFIG", "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path, got %s", got)
	}
	t.Setenv("POWERRAIL_CONFIG", "/etc/powerrail.yaml")
	if got := ResolvePath(""); got != "/etc/powerrail.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
	if got := ResolvePath("flag.yaml"); got != "flag.yaml" {
		t.Fatalf("expected flag path, got %s", got)
	}
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("POWERRAIL_TEST_INT", "nope")
	t.Setenv("POWERRAIL_TEST_DUR", " 90s ")
	t.Setenv("POWERRAIL_TEST_STR", "  ")

	if got := getenvIntDefault("POWERRAIL_TEST_INT", 4); got != 4 {
		t.Fatalf("expected fallback 4, got %d", got)
	}
	if got := getenvDuration("POWERRAIL_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := getenvDefault("POWERRAIL_TEST_STR", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
}

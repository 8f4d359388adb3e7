package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	power "powerrail/internal/power/domain"
)

// DefaultPath is used when neither the flag nor POWERRAIL_CONFIG is set.
const DefaultPath = "config.yaml"

// Source types.
const (
	SourceKodi      = "kodi"
	SourceSteamLink = "steamlink"
	SourcePGQuery   = "pgquery"
)

// Sink types.
const (
	SinkHS100   = "hs100"
	SinkKodiCEC = "kodi_cec"
	SinkWebhook = "webhook"
	SinkSNMP    = "snmp"
	SinkKafka   = "kafka"
)

// Config is the full process configuration.
type Config struct {
	General General        `yaml:"general"`
	Retry   Retry          `yaml:"retry"`
	Sources []SourceConfig `yaml:"sources"`
	Sinks   []SinkConfig   `yaml:"sinks"`
}

// General holds pipeline-wide settings.
type General struct {
	Rail               string        `yaml:"rail"`
	QuietPeriod        time.Duration `yaml:"quiet_period"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	RedispatchInterval time.Duration `yaml:"redispatch_interval"`
	HTTPAddr           string        `yaml:"http_addr"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
}

// Retry bounds sink actuation attempts per dispatch cycle.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// PollInterval selects the polling period by last observed activity.
type PollInterval struct {
	Active time.Duration `yaml:"active"`
	Idle   time.Duration `yaml:"idle"`
}

// SourceConfig configures one activity source.
type SourceConfig struct {
	ID           string           `yaml:"id"`
	Type         string           `yaml:"type"`
	Enable       *bool            `yaml:"enable"`
	Timeout      time.Duration    `yaml:"timeout"`
	PollInterval PollInterval     `yaml:"poll_interval"`
	Kodi         *KodiSource      `yaml:"kodi"`
	SteamLink    *SteamLinkSource `yaml:"steamlink"`
	PGQuery      *PGQuerySource   `yaml:"pgquery"`
}

// KodiSource polls a Kodi JSON-RPC endpoint for active players.
type KodiSource struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SteamLinkSource checks a process list over SSH.
type SteamLinkSource struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	KeyFile               string        `yaml:"key_file"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Process               string        `yaml:"process"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
}

// PGQuerySource evaluates a boolean SQL query.
type PGQuerySource struct {
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"`
}

// SinkConfig configures one power actuator.
type SinkConfig struct {
	ID          string        `yaml:"id"`
	Type        string        `yaml:"type"`
	Enable      *bool         `yaml:"enable"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	HS100       *HS100Sink    `yaml:"hs100"`
	KodiCEC     *KodiCECSink  `yaml:"kodi_cec"`
	Webhook     *WebhookSink  `yaml:"webhook"`
	SNMP        *SNMPSink     `yaml:"snmp"`
	Kafka       *KafkaSink    `yaml:"kafka"`
}

// HS100Sink drives a TP-Link smart plug.
type HS100Sink struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// KodiCECSink toggles the display through Kodi's CEC add-on.
type KodiCECSink struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AddonID  string `yaml:"addon_id"`
}

// WebhookSink calls one URL per state. An empty URL is a no-op.
type WebhookSink struct {
	OnURL     string            `yaml:"on_url"`
	OffURL    string            `yaml:"off_url"`
	Headers   map[string]string `yaml:"headers"`
	JWTSecret string            `yaml:"jwt_secret"`
	JWTIssuer string            `yaml:"jwt_issuer"`
}

// SNMPSink sets an integer OID.
type SNMPSink struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Community string `yaml:"community"`
	OID       string `yaml:"oid"`
	OnValue   *int   `yaml:"on_value"`
	OffValue  *int   `yaml:"off_value"`
}

// KafkaSink publishes power commands.
type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Key     string   `yaml:"key"`
}

// Enabled reports whether the source is enabled. Sources default to enabled.
func (s SourceConfig) Enabled() bool {
	return s.Enable == nil || *s.Enable
}

// Enabled reports whether the sink is enabled. Sinks default to enabled.
func (s SinkConfig) Enabled() bool {
	return s.Enable == nil || *s.Enable
}

// ResolvePath picks the config path from flag, env or default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getenvDefault("POWERRAIL_CONFIG", DefaultPath)
}

// Load reads defaults from env, overlays the yaml file at path and
// validates the result. Every failure is a ConfigurationError.
func Load(path string) (Config, error) {
	cfg := baseline()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &power.ConfigurationError{Kind: "file", ID: path, Err: err}
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, &power.ConfigurationError{Kind: "file", ID: path, Err: err}
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes yaml into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func baseline() Config {
	return Config{
		General: General{
			Rail:         getenvDefault("POWERRAIL_RAIL", "default"),
			QuietPeriod:  getenvDuration("POWERRAIL_QUIET_PERIOD", 5*time.Minute),
			DrainTimeout: getenvDuration("POWERRAIL_DRAIN_TIMEOUT", 15*time.Second),
			HTTPAddr:     os.Getenv("POWERRAIL_HTTP_ADDR"),
			LogLevel:     getenvDefault("POWERRAIL_LOG_LEVEL", "info"),
			LogFormat:    getenvDefault("POWERRAIL_LOG_FORMAT", "text"),

			RedispatchInterval: 30 * time.Second,
		},
		Retry: Retry{
			MaxAttempts:    getenvIntDefault("POWERRAIL_MAX_ATTEMPTS", 3),
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}
}

// applyEnvOverrides runs after the file is decoded so env wins.
func applyEnvOverrides(cfg *Config) {
	cfg.General.Rail = getenvDefault("POWERRAIL_RAIL", cfg.General.Rail)
	cfg.General.QuietPeriod = getenvDuration("POWERRAIL_QUIET_PERIOD", cfg.General.QuietPeriod)
	cfg.General.DrainTimeout = getenvDuration("POWERRAIL_DRAIN_TIMEOUT", cfg.General.DrainTimeout)
	cfg.Retry.MaxAttempts = getenvIntDefault("POWERRAIL_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	if value := os.Getenv("POWERRAIL_HTTP_ADDR"); value != "" {
		cfg.General.HTTPAddr = value
	}
	if value := os.Getenv("POWERRAIL_LOG_LEVEL"); value != "" {
		cfg.General.LogLevel = value
	}
	if value := os.Getenv("POWERRAIL_LOG_FORMAT"); value != "" {
		cfg.General.LogFormat = value
	}
}

func (c *Config) applyDefaults() {
	if c.General.DrainTimeout <= 0 {
		c.General.DrainTimeout = 15 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Timeout <= 0 {
			src.Timeout = 10 * time.Second
		}
		if src.PollInterval.Active <= 0 {
			src.PollInterval.Active = 30 * time.Second
		}
		if src.PollInterval.Idle <= 0 {
			src.PollInterval.Idle = 5 * time.Second
		}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Timeout <= 0 {
			c.Sinks[i].Timeout = 10 * time.Second
		}
	}
}

// Validate checks cross-field rules. Adapter-specific settings are
// validated by the adapter constructors.
func (c Config) Validate() error {
	var errs []error
	if c.General.QuietPeriod < 0 {
		errs = append(errs, power.ConfigErrorf("general", "quiet_period", "must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, power.ConfigErrorf("retry", "max_attempts", "must be at least 1"))
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, power.ConfigErrorf("retry", "max_backoff", "must not be below initial_backoff"))
	}

	seen := map[string]bool{}
	enabled := 0
	for i, src := range c.Sources {
		if err := checkEntry("source", i, src.ID, src.Type, seen); err != nil {
			errs = append(errs, err)
			continue
		}
		if !src.Enabled() {
			continue
		}
		enabled++
		if err := src.checkBlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if enabled == 0 {
		errs = append(errs, power.ConfigErrorf("sources", "", "at least one enabled source required"))
	}

	seen = map[string]bool{}
	enabled = 0
	for i, sink := range c.Sinks {
		if err := checkEntry("sink", i, sink.ID, sink.Type, seen); err != nil {
			errs = append(errs, err)
			continue
		}
		if !sink.Enabled() {
			continue
		}
		enabled++
		if sink.MaxAttempts < 0 {
			errs = append(errs, power.ConfigErrorf("sink", sink.ID, "max_attempts must not be negative"))
		}
		if err := sink.checkBlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if enabled == 0 {
		errs = append(errs, power.ConfigErrorf("sinks", "", "at least one enabled sink required"))
	}
	return errors.Join(errs...)
}

// EnabledSources returns enabled sources in file order.
func (c Config) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, src := range c.Sources {
		if src.Enabled() {
			out = append(out, src)
		}
	}
	return out
}

// EnabledSinks returns enabled sinks in file order.
func (c Config) EnabledSinks() []SinkConfig {
	var out []SinkConfig
	for _, sink := range c.Sinks {
		if sink.Enabled() {
			out = append(out, sink)
		}
	}
	return out
}

func checkEntry(kind string, index int, id, typ string, seen map[string]bool) error {
	if id == "" {
		return power.ConfigErrorf(kind, fmt.Sprintf("#%d", index), "id required")
	}
	if seen[id] {
		return power.ConfigErrorf(kind, id, "duplicate id")
	}
	seen[id] = true
	if typ == "" {
		return power.ConfigErrorf(kind, id, "type required")
	}
	return nil
}

func (s SourceConfig) checkBlock() error {
	var present bool
	switch s.Type {
	case SourceKodi:
		present = s.Kodi != nil
	case SourceSteamLink:
		present = s.SteamLink != nil
	case SourcePGQuery:
		present = s.PGQuery != nil
	default:
		return power.ConfigErrorf("source", s.ID, "unknown type %q", s.Type)
	}
	if !present {
		return power.ConfigErrorf("source", s.ID, "missing %s settings", s.Type)
	}
	return nil
}

func (s SinkConfig) checkBlock() error {
	var present bool
	switch s.Type {
	case SinkHS100:
		present = s.HS100 != nil
	case SinkKodiCEC:
		present = s.KodiCEC != nil
	case SinkWebhook:
		present = s.Webhook != nil
	case SinkSNMP:
		present = s.SNMP != nil
	case SinkKafka:
		present = s.Kafka != nil
	default:
		return power.ConfigErrorf("sink", s.ID, "unknown type %q", s.Type)
	}
	if !present {
		return power.ConfigErrorf("sink", s.ID, "missing %s settings", s.Type)
	}
	return nil
}

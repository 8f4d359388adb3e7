// Package adapters turns configuration into the sources and sinks the
// supervisor runs.
package adapters

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"powerrail/internal/clock"
	"powerrail/internal/config"
	"powerrail/internal/power/application"
	power "powerrail/internal/power/domain"
	"powerrail/internal/sinks"
	"powerrail/internal/sinks/hs100"
	"powerrail/internal/sinks/kafka"
	"powerrail/internal/sinks/kodicec"
	"powerrail/internal/sinks/snmp"
	"powerrail/internal/sinks/webhook"
	"powerrail/internal/sources"
	"powerrail/internal/sources/kodi"
	"powerrail/internal/sources/pgquery"
	"powerrail/internal/sources/steamlink"
)

var errMissingBlock = errors.New("missing type settings block")

// Set holds the built adapters. Close releases sink connections once the
// supervisor has stopped. Probes are closed by their pollers.
type Set struct {
	Sources []application.Source
	Sinks   []application.Sink

	closers []io.Closer
}

// Close releases every stateful sink.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Builder constructs adapters from configuration.
type Builder struct {
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the clock handed to pollers and probes.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger handed to pollers and probes.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder returns a builder using the real clock.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build constructs every enabled source and sink. Constructor failures
// are reported as ConfigurationErrors and release what was already built.
func (b *Builder) Build(cfg config.Config) (*Set, error) {
	set := &Set{}
	var probes []io.Closer
	fail := func(err error) (*Set, error) {
		for _, p := range probes {
			_ = p.Close()
		}
		_ = set.Close()
		return nil, err
	}

	for _, src := range cfg.EnabledSources() {
		probe, err := b.probe(src)
		if err != nil {
			return fail(&power.ConfigurationError{Kind: "source", ID: src.ID, Err: err})
		}
		if closer, ok := probe.(io.Closer); ok {
			probes = append(probes, closer)
		}
		poller, err := sources.NewPoller(src.ID, probe,
			sources.WithIntervals(src.PollInterval.Active, src.PollInterval.Idle),
			sources.WithTimeout(src.Timeout),
			sources.WithClock(b.clock),
			sources.WithLogger(b.logger),
		)
		if err != nil {
			return fail(&power.ConfigurationError{Kind: "source", ID: src.ID, Err: err})
		}
		set.Sources = append(set.Sources, poller)
	}

	for _, snk := range cfg.EnabledSinks() {
		sink, err := b.sink(cfg.General.Rail, snk)
		if err != nil {
			return fail(&power.ConfigurationError{Kind: "sink", ID: snk.ID, Err: err})
		}
		if stateful, ok := sink.(sinks.Stateful); ok {
			set.closers = append(set.closers, stateful)
		}
		set.Sinks = append(set.Sinks, sink)
	}
	return set, nil
}

func (b *Builder) probe(src config.SourceConfig) (sources.Probe, error) {
	switch src.Type {
	case config.SourceKodi:
		if src.Kodi == nil {
			return nil, errMissingBlock
		}
		return kodi.NewProbe(*src.Kodi, src.Timeout)
	case config.SourceSteamLink:
		if src.SteamLink == nil {
			return nil, errMissingBlock
		}
		return steamlink.NewProbe(*src.SteamLink, src.Timeout,
			steamlink.WithClock(b.clock),
			steamlink.WithLogger(b.logger.With("source", src.ID)),
		)
	case config.SourcePGQuery:
		if src.PGQuery == nil {
			return nil, errMissingBlock
		}
		return pgquery.Open(*src.PGQuery)
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

func (b *Builder) sink(rail string, snk config.SinkConfig) (application.Sink, error) {
	switch snk.Type {
	case config.SinkHS100:
		if snk.HS100 == nil {
			return nil, errMissingBlock
		}
		return hs100.New(snk.ID, *snk.HS100, snk.Timeout)
	case config.SinkKodiCEC:
		if snk.KodiCEC == nil {
			return nil, errMissingBlock
		}
		return kodicec.New(snk.ID, *snk.KodiCEC, snk.Timeout)
	case config.SinkWebhook:
		if snk.Webhook == nil {
			return nil, errMissingBlock
		}
		return webhook.New(snk.ID, rail, *snk.Webhook, snk.Timeout)
	case config.SinkSNMP:
		if snk.SNMP == nil {
			return nil, errMissingBlock
		}
		return snmp.New(snk.ID, *snk.SNMP, snk.Timeout)
	case config.SinkKafka:
		if snk.Kafka == nil {
			return nil, errMissingBlock
		}
		return kafka.New(snk.ID, rail, *snk.Kafka, snk.Timeout)
	default:
		return nil, fmt.Errorf("unknown sink type %q", snk.Type)
	}
}

// Settings maps configuration onto supervisor tuning. Sink timeouts
// become per-attempt deadlines.
func Settings(cfg config.Config) application.Settings {
	base := application.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		AttemptTimeout: application.DefaultRetryPolicy().AttemptTimeout,
	}
	perSink := make(map[string]application.RetryPolicy)
	for _, snk := range cfg.EnabledSinks() {
		policy := base
		if snk.MaxAttempts > 0 {
			policy.MaxAttempts = snk.MaxAttempts
		}
		if snk.Timeout > 0 {
			policy.AttemptTimeout = snk.Timeout
		}
		perSink[snk.ID] = policy
	}
	return application.Settings{
		Rail:               cfg.General.Rail,
		QuietPeriod:        cfg.General.QuietPeriod,
		DrainTimeout:       cfg.General.DrainTimeout,
		RedispatchInterval: cfg.General.RedispatchInterval,
		Retry:              base,
		SinkRetry:          perSink,
	}
}

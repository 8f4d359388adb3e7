// Package kafka publishes power commands to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"powerrail/internal/config"
	"powerrail/internal/eventing"
	power "powerrail/internal/power/domain"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Sink writes one envelope per applied state. Consumers own the actual
// switching; a successful write counts as applied.
type Sink struct {
	id     string
	rail   string
	key    string
	topic  string
	writer messageWriter
	now    func() time.Time
}

// New validates settings and builds a sink with a synchronous writer.
func New(id, rail string, cfg config.KafkaSink, timeout time.Duration) (*Sink, error) {
	if id == "" {
		return nil, errors.New("kafka: empty sink id")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		Async:        false,
	}
	if timeout > 0 {
		writer.WriteTimeout = timeout
		writer.ReadTimeout = timeout
	}
	key := cfg.Key
	if key == "" {
		key = rail
	}
	return &Sink{
		id:     id,
		rail:   rail,
		key:    key,
		topic:  cfg.Topic,
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// ID returns the sink id.
func (s *Sink) ID() string {
	return s.id
}

// Apply publishes the command envelope.
func (s *Sink) Apply(ctx context.Context, state power.State) error {
	if state != power.StateOn && state != power.StateOff {
		return power.Fatal(fmt.Errorf("kafka: cannot apply state %s", state))
	}

	now := s.now()
	rail := eventing.Rail(ctx)
	if rail == "" {
		rail = s.rail
	}
	env, err := eventing.Seal(ctx, power.Command{
		Rail:       rail,
		Sink:       s.id,
		State:      state,
		DecisionID: eventing.CorrelationID(ctx),
		IssuedAt:   now,
	}, now, eventing.Route{Rail: rail, Sink: s.id})
	if err != nil {
		return power.Fatal(err)
	}
	value, err := json.Marshal(env)
	if err != nil {
		return power.Fatal(err)
	}

	msg := kafka.Message{
		Key:   []byte(s.key),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(power.CommandEventType)},
			{Key: "correlation_id", Value: []byte(env.CorrelationID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return classify(fmt.Errorf("kafka: write %s: %w", s.topic, err))
	}
	return nil
}

// Close flushes and releases the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

func classify(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.TopicAuthorizationFailed, kafka.SASLAuthenticationFailed, kafka.InvalidTopic, kafka.MessageSizeTooLarge:
			return power.Fatal(err)
		}
	}
	return power.Retryable(err)
}

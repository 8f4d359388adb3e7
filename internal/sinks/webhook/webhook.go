// Package webhook posts power commands to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"powerrail/internal/auth"
	"powerrail/internal/config"
	"powerrail/internal/eventing"
	power "powerrail/internal/power/domain"
	"powerrail/internal/sinks"
)

// Sink posts an envelope to the URL configured for the target state.
type Sink struct {
	id      string
	rail    string
	onURL   string
	offURL  string
	headers map[string]string
	signer  *auth.Signer
	client  *http.Client
	now     func() time.Time
}

// New validates settings and builds a sink.
func New(id, rail string, cfg config.WebhookSink, timeout time.Duration) (*Sink, error) {
	if id == "" {
		return nil, errors.New("webhook: empty sink id")
	}
	if cfg.OnURL == "" && cfg.OffURL == "" {
		return nil, errors.New("webhook: on_url or off_url required")
	}
	for _, raw := range []string{cfg.OnURL, cfg.OffURL} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("webhook: invalid url %q", raw)
		}
	}
	var signer *auth.Signer
	if cfg.JWTSecret != "" {
		issuer := cfg.JWTIssuer
		if issuer == "" {
			issuer = "powerrail"
		}
		var err error
		if signer, err = auth.NewSigner([]byte(cfg.JWTSecret), issuer, 0); err != nil {
			return nil, err
		}
	}
	return &Sink{
		id:      id,
		rail:    rail,
		onURL:   cfg.OnURL,
		offURL:  cfg.OffURL,
		headers: cfg.Headers,
		signer:  signer,
		client:  &http.Client{Timeout: timeout},
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// ID returns the sink id.
func (s *Sink) ID() string {
	return s.id
}

// Apply posts the command. A state without a URL is a no-op.
func (s *Sink) Apply(ctx context.Context, state power.State) error {
	var target string
	switch state {
	case power.StateOn:
		target = s.onURL
	case power.StateOff:
		target = s.offURL
	default:
		return power.Fatal(fmt.Errorf("webhook: cannot apply state %s", state))
	}
	if target == "" {
		return nil
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
	body, err := json.Marshal(env)
	if err != nil {
		return power.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return power.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	if s.signer != nil {
		token, err := s.signer.Sign(s.id, state.String(), eventing.CorrelationID(ctx), now)
		if err != nil {
			return power.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return power.Retryable(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	return sinks.HTTPStatusError("webhook", resp.StatusCode)
}

// Package kodi reports a media center as active while any player runs.
package kodi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"powerrail/internal/config"
	"powerrail/internal/kodirpc"
)

// Probe asks Kodi for its active players.
type Probe struct {
	client *kodirpc.Client
}

// NewProbe validates settings and builds a probe.
func NewProbe(cfg config.KodiSource, timeout time.Duration) (*Probe, error) {
	if cfg.URL == "" {
		return nil, errors.New("kodi: url required")
	}
	client, err := kodirpc.NewClient(cfg.URL,
		kodirpc.WithBasicAuth(cfg.Username, cfg.Password),
		kodirpc.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, err
	}
	return &Probe{client: client}, nil
}

// Probe reports true while at least one player is active.
func (p *Probe) Probe(ctx context.Context) (bool, error) {
	players, err := p.client.ActivePlayers(ctx)
	if err != nil {
		return false, err
	}
	return len(players) > 0, nil
}

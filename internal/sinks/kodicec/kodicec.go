// Package kodicec switches the display through Kodi's JSON-CEC add-on.
package kodicec

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"powerrail/internal/config"
	"powerrail/internal/kodirpc"
	power "powerrail/internal/power/domain"
)

const defaultAddon = "script.json-cec"

// JSON-RPC codes for a call that can never succeed as issued.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Sink sends activate/standby to the CEC add-on.
type Sink struct {
	id      string
	addonID string
	client  *kodirpc.Client
}

// New validates settings and builds a sink.
func New(id string, cfg config.KodiCECSink, timeout time.Duration) (*Sink, error) {
	if id == "" {
		return nil, errors.New("kodi_cec: empty sink id")
	}
	if cfg.URL == "" {
		return nil, errors.New("kodi_cec: url required")
	}
	client, err := kodirpc.NewClient(cfg.URL,
		kodirpc.WithBasicAuth(cfg.Username, cfg.Password),
		kodirpc.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, err
	}
	addonID := cfg.AddonID
	if addonID == "" {
		addonID = defaultAddon
	}
	return &Sink{id: id, addonID: addonID, client: client}, nil
}

// ID returns the sink id.
func (s *Sink) ID() string {
	return s.id
}

// Apply activates the display for On and puts it in standby for Off.
func (s *Sink) Apply(ctx context.Context, state power.State) error {
	var command string
	switch state {
	case power.StateOn:
		command = "activate"
	case power.StateOff:
		command = "standby"
	default:
		return power.Fatal(fmt.Errorf("kodi_cec: cannot apply state %s", state))
	}

	err := s.client.ExecuteAddon(ctx, s.addonID, map[string]string{"command": command})
	if err == nil {
		return nil
	}
	if errors.Is(err, kodirpc.ErrUnauthorized) {
		return power.Fatal(err)
	}
	var rpcErr *kodirpc.RPCError
	if errors.As(err, &rpcErr) && (rpcErr.Code == codeMethodNotFound || rpcErr.Code == codeInvalidParams) {
		return power.Fatal(err)
	}
	return power.Retryable(err)
}

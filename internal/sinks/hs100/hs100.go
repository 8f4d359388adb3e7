// Package hs100 switches a TP-Link HS100/HS110 smart plug using its
// local protocol: length-prefixed JSON obfuscated with an autokey XOR
// cipher on TCP port 9999.
package hs100

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"powerrail/internal/config"
	power "powerrail/internal/power/domain"
)

const (
	defaultPort = 9999
	initialKey  = 171
	maxResponse = 64 << 10
)

// Sink drives one plug.
type Sink struct {
	id      string
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// New validates settings and builds a sink.
func New(id string, cfg config.HS100Sink, timeout time.Duration) (*Sink, error) {
	if id == "" {
		return nil, errors.New("hs100: empty sink id")
	}
	if cfg.Host == "" {
		return nil, errors.New("hs100: host required")
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return &Sink{
		id:      id,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		timeout: timeout,
	}, nil
}

// ID returns the sink id.
func (s *Sink) ID() string {
	return s.id
}

type relayRequest struct {
	System struct {
		SetRelayState struct {
			State int `json:"state"`
		} `json:"set_relay_state"`
	} `json:"system"`
}

type relayResponse struct {
	System struct {
		SetRelayState struct {
			ErrCode int    `json:"err_code"`
			ErrMsg  string `json:"err_msg"`
		} `json:"set_relay_state"`
	} `json:"system"`
}

// Apply sets the relay. Network failures are retryable; a device error
// code is fatal.
func (s *Sink) Apply(ctx context.Context, state power.State) error {
	var req relayRequest
	switch state {
	case power.StateOn:
		req.System.SetRelayState.State = 1
	case power.StateOff:
		req.System.SetRelayState.State = 0
	default:
		return power.Fatal(fmt.Errorf("hs100: cannot apply state %s", state))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return power.Fatal(err)
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return power.Retryable(fmt.Errorf("hs100: dial: %w", err))
	}
	defer conn.Close()
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(frame(payload)); err != nil {
		return power.Retryable(fmt.Errorf("hs100: write: %w", err))
	}
	body, err := readFrame(conn)
	if err != nil {
		return power.Retryable(fmt.Errorf("hs100: read: %w", err))
	}

	var resp relayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return power.Retryable(fmt.Errorf("hs100: decode: %w", err))
	}
	if code := resp.System.SetRelayState.ErrCode; code != 0 {
		return power.Fatal(fmt.Errorf("hs100: device error %d: %s", code, resp.System.SetRelayState.ErrMsg))
	}
	return nil
}

func encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(initialKey)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

func decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(initialKey)
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

func frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], encrypt(payload))
	return buf
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxResponse {
		return nil, fmt.Errorf("response too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decrypt(body), nil
}

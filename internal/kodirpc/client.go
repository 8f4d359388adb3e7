// Package kodirpc is a minimal Kodi JSON-RPC client.
package kodirpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnauthorized is returned when Kodi rejects the credentials.
var ErrUnauthorized = errors.New("kodirpc: unauthorized")

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kodirpc: rpc error %d: %s", e.Code, e.Message)
}

// Client calls one Kodi instance.
type Client struct {
	url      string
	username string
	password string
	client   *http.Client
	nextID   atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBasicAuth sets credentials for Kodi's web server.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// NewClient constructs a client for the JSON-RPC endpoint at url
// (usually http://host:8080/jsonrpc).
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("kodirpc: empty url")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("kodirpc: unsupported url %q", url)
	}
	c := &Client{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Player is an entry of Player.GetActivePlayers.
type Player struct {
	PlayerID int    `json:"playerid"`
	Type     string `json:"type"`
}

// ActivePlayers lists players that are currently playing.
func (c *Client) ActivePlayers(ctx context.Context) ([]Player, error) {
	var players []Player
	if err := c.Call(ctx, "Player.GetActivePlayers", nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// ExecuteAddon runs an add-on with params.
func (c *Client) ExecuteAddon(ctx context.Context, addonID string, params map[string]string) error {
	if addonID == "" {
		return errors.New("kodirpc: empty addon id")
	}
	body := map[string]any{"addonid": addonID}
	if len(params) > 0 {
		body["params"] = params
	}
	var result string
	if err := c.Call(ctx, "Addons.ExecuteAddon", body, &result); err != nil {
		return err
	}
	if result != "" && !strings.EqualFold(result, "OK") {
		return fmt.Errorf("kodirpc: unexpected addon result %q", result)
	}
	return nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call performs one JSON-RPC request and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("kodirpc: http %d", resp.StatusCode)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("kodirpc: decode response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

// Package steamlink reports a game-streaming box as active while its
// streaming client process runs. The SSH connection lives on its own
// goroutine and probes reach it over a request channel.
package steamlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"powerrail/internal/clock"
	"powerrail/internal/config"
)

const (
	defaultPort           = 22
	defaultProcess        = "streaming_client"
	defaultReconnectDelay = time.Minute
)

var (
	errClosed           = errors.New("steamlink: probe closed")
	errReconnectPending = errors.New("steamlink: waiting to reconnect")

	processPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// remote runs commands on the connected host.
type remote interface {
	// Run returns the command's exit status. err is set only when the
	// command could not be run at all.
	Run(cmd string) (int, error)
	Close() error
}

type dialFunc func() (remote, error)

type request struct {
	reply chan result
}

type result struct {
	active bool
	err    error
}

// Probe checks the process list over a long-lived SSH connection.
type Probe struct {
	command        string
	reconnectDelay time.Duration
	dial           dialFunc
	clock          clock.Clock
	logger         *slog.Logger

	requests  chan request
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	current remote
}

// Option configures a Probe.
type Option func(*Probe)

// WithClock overrides the clock used for reconnect backoff.
func WithClock(c clock.Clock) Option {
	return func(p *Probe) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func withDialer(dial dialFunc) Option {
	return func(p *Probe) {
		p.dial = dial
	}
}

// NewProbe validates settings and prepares the SSH client config. No
// connection is made until the first probe.
func NewProbe(cfg config.SteamLinkSource, timeout time.Duration, opts ...Option) (*Probe, error) {
	if cfg.Host == "" {
		return nil, errors.New("steamlink: host required")
	}
	if cfg.User == "" {
		return nil, errors.New("steamlink: user required")
	}
	process := cfg.Process
	if process == "" {
		process = defaultProcess
	}
	if !processPattern.MatchString(process) {
		return nil, fmt.Errorf("steamlink: invalid process name %q", process)
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	p := &Probe{
		command:        fmt.Sprintf("ps | grep %s | grep -v grep", process),
		reconnectDelay: delay,
		clock:          clock.Real(),
		logger:         slog.Default(),
		requests:       make(chan request),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		clientConfig, err := clientConfig(cfg, timeout)
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		p.dial = func() (remote, error) {
			client, err := ssh.Dial("tcp", addr, clientConfig)
			if err != nil {
				return nil, err
			}
			return sshRemote{client: client}, nil
		}
	}
	return p, nil
}

// Probe asks the session goroutine for the current state.
func (p *Probe) Probe(ctx context.Context) (bool, error) {
	p.startOnce.Do(func() { go p.loop() })

	req := request{reply: make(chan result, 1)}
	select {
	case p.requests <- req:
	case <-p.done:
		return false, errClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.active, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close stops the session goroutine and closes the connection.
func (p *Probe) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.startOnce.Do(func() { close(p.done) })
		// unblock a command stuck on a dead connection
		p.mu.Lock()
		if p.current != nil {
			_ = p.current.Close()
		}
		p.mu.Unlock()
	})
	<-p.done
	return nil
}

func (p *Probe) loop() {
	defer close(p.done)

	var (
		conn    remote
		retryAt time.Time
	)
	setConn := func(next remote) {
		p.mu.Lock()
		p.current = next
		p.mu.Unlock()
		conn = next
	}
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		select {
		case <-p.stop:
			return
		case req := <-p.requests:
			if conn == nil {
				if now := p.clock.Now(); now.Before(retryAt) {
					req.reply <- result{err: errReconnectPending}
					continue
				}
				connected, err := p.dial()
				if err != nil {
					retryAt = p.clock.Now().Add(p.reconnectDelay)
					p.logger.Warn("steamlink connect failed", "err", err, "retry_in", p.reconnectDelay)
					req.reply <- result{err: err}
					continue
				}
				p.logger.Info("steamlink connected")
				setConn(connected)
			}

			status, err := conn.Run(p.command)
			if err != nil {
				_ = conn.Close()
				setConn(nil)
				retryAt = p.clock.Now().Add(p.reconnectDelay)
				p.logger.Warn("steamlink session lost", "err", err, "retry_in", p.reconnectDelay)
				req.reply <- result{err: err}
				continue
			}
			switch status {
			case 0:
				req.reply <- result{active: true}
			case 1:
				req.reply <- result{active: false}
			default:
				req.reply <- result{err: fmt.Errorf("steamlink: unexpected exit status %d", status)}
			}
		}
	}
}

func clientConfig(cfg config.SteamLinkSource, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("steamlink: read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("steamlink: parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("steamlink: password or key_file required")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("steamlink: known hosts: %w", err)
		}
		hostKey = callback
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("steamlink: known_hosts_file required unless insecure_ignore_host_key is set")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

type sshRemote struct {
	client *ssh.Client
}

func (r sshRemote) Run(cmd string) (int, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	err = session.Run(cmd)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (r sshRemote) Close() error {
	return r.client.Close()
}

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("remote: address required")
	ErrClientClosed    = errors.New("remote: client closed")
	ErrCallFailed      = errors.New("remote: call failed")
	ErrRemoteError     = errors.New("remote: service returned error")
)

// ClientConfig configures one endpoint address.
type ClientConfig struct {
	Address      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Probe        BackoffConfig
}

func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:      strings.TrimSpace(address),
		DialTimeout:  500 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		Probe:        DefaultBackoffConfig(),
	}
}

// Client is a gateway.Endpoint over the line-delimited JSON transport.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
	closed atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

var _ gateway.Endpoint = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, ErrAddressRequired
	}
	defaults := DefaultClientConfig(cfg.Address)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Probe.InitialDelay <= 0 {
		cfg.Probe = defaults.Probe
	}
	return &Client{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (c *Client) Address() string {
	return c.cfg.Address
}

// WaitReady probes the address until a connection succeeds or ctx ends.
func (c *Client) WaitReady(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if c.closed.Load() || ctx.Err() != nil {
			return false
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err == nil {
			_ = conn.Close()
			return true
		}
		delay := c.nextDelay(attempt)
		log.Debug().
			Str("addr", c.cfg.Address).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("remote.Client.WaitReady probe failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Send writes one request and reads the reply on a background goroutine.
// Ending ctx closes the connection; the read itself carries no deadline.
func (c *Client) Send(ctx context.Context, operation string, request json.RawMessage) (<-chan gateway.Reply, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrCallFailed, c.cfg.Address, err)
	}

	writeDeadline := time.Now().Add(c.cfg.WriteTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(writeDeadline) {
		writeDeadline = deadline
	}
	_ = conn.SetWriteDeadline(writeDeadline)
	if err := writeLine(conn, callRequest{Operation: operation, Request: request}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: write %s: %w", ErrCallFailed, operation, err)
	}
	if !c.track(conn) {
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	out := make(chan gateway.Reply, 1)
	go func() {
		defer stop()
		defer c.untrack(conn)
		defer conn.Close()
		out <- readReply(conn)
	}()
	return out, nil
}

// Close rejects new calls and aborts those in flight.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn := range c.conns {
		_ = conn.Close()
	}
	clear(c.conns)
	return nil
}

// track registers conn for Close. It reports false once the client is closed.
func (c *Client) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.conns[conn] = struct{}{}
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

func (c *Client) nextDelay(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return NextProbeDelay(c.cfg.Probe, attempt, c.rng)
}

func readReply(conn net.Conn) gateway.Reply {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return gateway.Reply{Err: fmt.Errorf("%w: read: %w", ErrCallFailed, err)}
	}
	var resp callResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return gateway.Reply{Err: fmt.Errorf("%w: decode: %w", ErrCallFailed, err)}
	}
	if !resp.OK {
		return gateway.Reply{Err: fmt.Errorf("%w: %s", ErrRemoteError, strings.TrimSpace(resp.Error))}
	}
	return gateway.Reply{Payload: resp.Payload}
}

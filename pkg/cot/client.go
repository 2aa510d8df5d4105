package cot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwhitley/skybridge/pkg/publish"
)

// ErrNotConnected is returned by Send when the event was queued instead of
// written because no transport is up.
var ErrNotConnected = errors.New("not connected to TAK server")

// Transport selects the wire protocol to the TAK server.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
	TransportTLS Transport = "tls"
)

// IdentityLoader supplies the client certificate and trust roots for TLS
// connections. Implementations may load from disk, a secret store, or be
// stubbed in tests.
type IdentityLoader interface {
	LoadIdentity() (tls.Certificate, *x509.CertPool, error)
}

// FileIdentityLoader loads a PEM client certificate, key, and optional CA
// bundle from the filesystem.
type FileIdentityLoader struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// LoadIdentity reads the configured files. A missing CAFile returns a nil
// pool so the system trust store is used.
func (f FileIdentityLoader) LoadIdentity() (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	if f.CAFile == "" {
		return cert, nil, nil
	}
	pem, err := os.ReadFile(f.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates parsed from %s", f.CAFile)
	}
	return cert, pool, nil
}

// Config describes the TAK server connection.
type Config struct {
	// Host and Port locate the TAK server
	Host string
	Port int

	// Transport is tcp, udp, or tls. Defaults to tcp.
	Transport Transport

	// Identity supplies TLS credentials. Required for the tls transport.
	Identity IdentityLoader

	// InsecureSkipVerify disables server certificate verification
	InsecureSkipVerify bool

	// EventType overrides the CoT type attribute on emitted events
	EventType string

	// StaleAfter controls how far ahead event stale times are set
	StaleAfter time.Duration

	// QueueCapacity bounds the disconnect queue
	QueueCapacity int

	// BackoffBase and BackoffMax shape the reconnect schedule
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DialTimeout bounds each connection attempt. Defaults to 10s.
	DialTimeout time.Duration
}

func (c Config) validate() error {
	if c.Host == "" {
		return errors.New("TAK host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid TAK port %d", c.Port)
	}
	switch c.Transport {
	case TransportTCP, TransportUDP, TransportTLS, "":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Transport == TransportTLS && c.Identity == nil {
		return errors.New("tls transport requires an identity loader")
	}
	return nil
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Client streams CoT events to a TAK server, queueing while disconnected
// and flushing the queue oldest-first on reconnect. Reconnects retry
// forever with exponential backoff until Disconnect or context cancel.
type Client struct {
	cfg Config

	mu     sync.Mutex
	conn   net.Conn
	status publish.Status
	cancel context.CancelFunc
	done   chan struct{}

	queue    *publish.Queue
	counters publish.Counters
	attempts atomic.Uint64
}

// NewClient validates the config and builds a client. No connection is
// attempted until Connect.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:   cfg,
		queue: publish.NewQueue(cfg.QueueCapacity),
	}, nil
}

// Connect starts the connection loop. Calling Connect while the loop is
// already running is a no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.State == publish.StateConnecting || c.status.State == publish.StateConnected {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = publish.Status{State: publish.StateConnecting}

	go c.run(runCtx, c.done)
}

// run owns the connection lifecycle: dial, flush the queue, then watch the
// connection until it drops or the context ends.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempts := 0
	for {
		c.attempts.Add(1)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(publish.StateDisconnected, "")
				return
			}
			delay := publish.Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempts)
			attempts++
			c.setState(publish.StateFailed, err.Error())
			log.Printf("TAK connection to %s failed (attempt %d): %v, retrying in %v",
				c.cfg.address(), attempts, err, delay)

			select {
			case <-ctx.Done():
				c.setState(publish.StateDisconnected, "")
				return
			case <-time.After(delay):
				c.setState(publish.StateConnecting, "")
				continue
			}
		}

		attempts = 0
		c.mu.Lock()
		c.conn = conn
		c.status = publish.Status{State: publish.StateConnected}
		c.mu.Unlock()
		log.Printf("✓ Connected to TAK server %s via %s", c.cfg.address(), c.cfg.Transport)

		if err := c.flush(); err != nil {
			log.Printf("TAK queue flush interrupted: %v", err)
		}

		c.await(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			c.setState(publish.StateDisconnected, "")
			return
		}
		c.setState(publish.StateConnecting, "connection lost")
		log.Printf("TAK connection to %s lost, reconnecting", c.cfg.address())
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	addr := c.cfg.address()

	switch c.cfg.Transport {
	case TransportUDP:
		return dialer.DialContext(ctx, "udp", addr)
	case TransportTLS:
		cert, pool, err := c.cfg.Identity.LoadIdentity()
		if err != nil {
			return nil, err
		}
		tlsCfg := &tls.Config{
			Certificates:       []tls.Certificate{cert},
			RootCAs:            pool,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", addr)
	default:
		return dialer.DialContext(ctx, "tcp", addr)
	}
}

// flush writes queued events oldest-first. On a write error the unsent
// remainder goes back to the head of the queue.
func (c *Client) flush() error {
	pending := c.queue.Drain()
	if len(pending) == 0 {
		return nil
	}

	log.Printf("Flushing %d queued TAK events", len(pending))
	for i, entry := range pending {
		if err := c.write(entry.Payload); err != nil {
			c.queue.Restore(pending[i:])
			return err
		}
		c.counters.Sent()
	}
	return nil
}

// await blocks until the connection drops or the context is cancelled.
// TAK servers rarely send data, so a read with a short deadline doubles as
// a liveness probe on stream transports. UDP has no connection to watch.
func (c *Client) await(ctx context.Context, conn net.Conn) {
	if c.cfg.Transport == TransportUDP {
		<-ctx.Done()
		return
	}

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		return
	}
}

// Send publishes one entity event. When connected the event is written
// immediately; otherwise it is queued and ErrNotConnected is returned so
// the caller can count the deferral.
func (c *Client) Send(ev *Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.enqueue(ev.UID, payload)
		return ErrNotConnected
	}
	if err := c.write(payload); err != nil {
		c.enqueue(ev.UID, payload)
		return fmt.Errorf("failed to write event %s: %w", ev.UID, err)
	}
	c.counters.Sent()
	return nil
}

func (c *Client) enqueue(uid string, payload []byte) {
	dropped, did := c.queue.Push(publish.Entry{
		Destination: uid,
		Payload:     payload,
		Enqueued:    time.Now(),
	})
	c.counters.Queued()
	if did {
		log.Printf("TAK queue full, dropped oldest event for %s", dropped.Destination)
	}
}

func (c *Client) write(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(payload)
	return err
}

// Disconnect stops the connection loop and closes the transport. Queued
// events are kept so a later Connect can deliver them. Safe to call twice.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(publish.StateDisconnected, "")
}

func (c *Client) setState(state publish.ConnectionState, reason string) {
	c.mu.Lock()
	c.status = publish.Status{State: state, Reason: reason}
	c.mu.Unlock()
}

// Status returns the connection state for display.
func (c *Client) Status() publish.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Counters returns message accounting for display.
func (c *Client) Counters() publish.CounterSnapshot {
	return c.counters.Snapshot()
}

// QueueDepth returns the number of events waiting for a connection.
func (c *Client) QueueDepth() int { return c.queue.Len() }

// QueueDrops returns the number of events lost to queue overflow.
func (c *Client) QueueDrops() uint64 { return c.queue.Drops() }

// ConnectAttempts returns the total number of dial attempts made.
func (c *Client) ConnectAttempts() uint64 { return c.attempts.Load() }

// TransportFromString parses a transport name, tolerating case.
func TransportFromString(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	case "tls", "ssl":
		return TransportTLS, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

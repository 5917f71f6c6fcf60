package tnet

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// BroadcastHandler is invoked for every packet the client receives that is
// not the reply to an in-flight SendRecv call: a packet is treated as a
// broadcast whenever no SendRecv is currently awaiting a reply.
type BroadcastHandler[P Packet] func(p P)

// Client is the connect/keep-alive/reconnect endpoint. Zero value is not
// usable; build one with NewClient.
type Client[P Packet, S Session] struct {
	factory  PacketFactory[P]
	endpoint Endpoint
	fallback []Endpoint

	encryption EncryptionConfig
	keepAlive  KeepAliveConfig
	reconnect  ReconnectionConfig

	username, password *string
	broadcastHandler    BroadcastHandler[P]
	metrics             MetricsCollector

	ioTimeout    time.Duration
	maxFrameSize int

	mu           sync.Mutex
	sock         *Socket[P]
	session      S
	sessionBound bool
	reconnected  atomic.Bool
	lastReconErr atomic.Value // error

	waitersMu sync.Mutex
	waiter    chan P // set while a SendRecv is in flight; nil otherwise

	sendMu sync.Mutex // serializes SendRecv calls end-to-end: at most one in flight

	closed       atomic.Bool
	reconnecting atomic.Bool
	bgDone       chan struct{}
	bgWG         sync.WaitGroup
	rng          *rand.Rand
}

// ClientConfig groups Client's constructor parameters.
type ClientConfig[P Packet, S Session] struct {
	PacketFactory PacketFactory[P]
	Host          string
	Port          int

	Encryption EncryptionConfig
	KeepAlive  KeepAliveConfig
	Reconnect  ReconnectionConfig

	Username, Password *string
	BroadcastHandler    BroadcastHandler[P]
	Metrics             MetricsCollector

	IOTimeout    time.Duration
	MaxFrameSize int
}

// NewClient builds a Client bound to host:port. Call Finalize to dial,
// handshake, and start its background tasks.
func NewClient[P Packet, S Session](cfg ClientConfig[P, S]) *Client[P, S] {
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Client[P, S]{
		factory:          cfg.PacketFactory,
		endpoint:         Endpoint{Host: cfg.Host, Port: cfg.Port},
		fallback:         cfg.Reconnect.Endpoints,
		encryption:       cfg.Encryption,
		keepAlive:        cfg.KeepAlive,
		reconnect:        cfg.Reconnect,
		username:         cfg.Username,
		password:         cfg.Password,
		broadcastHandler: cfg.BroadcastHandler,
		metrics:          cfg.Metrics,
		ioTimeout:        cfg.IOTimeout,
		maxFrameSize:     cfg.MaxFrameSize,
		bgDone:           make(chan struct{}),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// candidates returns the round-robin dial list: primary endpoint first,
// then every configured fallback.
func (c *Client[P, S]) candidates() []Endpoint {
	out := make([]Endpoint, 0, 1+len(c.fallback))
	out = append(out, c.endpoint)
	out = append(out, c.fallback...)
	return out
}

func dialEndpoint(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrIo, addr, err)
	}
	return conn, nil
}

// Finalize dials the primary endpoint, runs the handshake, binds the
// resulting session, and starts the keep-alive pinger and broadcast
// dispatcher background tasks. The initial dial+handshake is retried a
// few times with simple doubling backoff (RetryWithBackoff) before
// falling back to the full reconnection engine, which additionally
// round-robins across fallback endpoints.
func (c *Client[P, S]) Finalize(ctx context.Context) error {
	initialBackoff := c.reconnect.InitialRetryDelay
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	err := RetryWithBackoff(ctx, DefaultInitialDialRetries, initialBackoff, func() error {
		return c.tryReconnectOnce(c.endpoint)
	})
	if err != nil {
		if !c.reconnect.AutoReconnect {
			return err
		}
		Warning("initial connect to %s failed: %v; falling back to reconnection engine", c.endpoint, err)
		if err := c.reconnect_(ctx); err != nil {
			return err
		}
	}

	if c.metrics != nil {
		c.metrics.SetConnectionState("connected")
	}

	c.bgWG.Add(1)
	go c.receiveLoop()
	if c.keepAlive.Enabled {
		c.bgWG.Add(1)
		go c.keepAlivePinger()
	}
	return nil
}

// SessionID returns the id of the currently bound session.
func (c *Client[P, S]) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessionBound {
		return ""
	}
	return c.session.ID()
}

// IsReconnected reports whether the client has successfully reconnected at
// least once since the last successful SendRecv.
func (c *Client[P, S]) IsReconnected() bool { return c.reconnected.Load() }

// LastReconnectError returns the error from the most recent failed
// reconnection attempt, or nil if no attempt has failed. A later successful
// reconnection does not clear it.
func (c *Client[P, S]) LastReconnectError() error {
	if v := c.lastReconErr.Load(); v != nil {
		return v.(errBox).err
	}
	return nil
}

// errBox wraps an error behind a single concrete type so it can live in an
// atomic.Value: storing bare error values there would panic the moment two
// different concrete error types (e.g. *fmt.wrapError vs *errors.errorString)
// got stored in succession.
type errBox struct{ err error }

func (c *Client[P, S]) currentSocket() *Socket[P] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// Send transmits p without waiting for a reply. While a reconnection is in
// progress it first waits for that reconnection to finish, bounded by ctx.
// If the send itself fails on an open client, it attempts a reconnection
// before returning the send error.
func (c *Client[P, S]) Send(ctx context.Context, p P) error {
	if c.reconnecting.Load() {
		if err := c.waitForInFlightReconnect(ctx); err != nil {
			return err
		}
	}
	sock := c.currentSocket()
	if sock == nil {
		return errClosedIO
	}
	err := sock.Send(p)
	if err != nil && !c.closed.Load() {
		c.triggerReconnect(ctx)
	}
	return err
}

// SendRecv sends p and waits for its paired reply. At most one SendRecv is
// in flight at a time (sendMu); the reply is matched by the background
// receive loop rather than read directly here, since that loop is the
// connection's sole reader.
func (c *Client[P, S]) SendRecv(ctx context.Context, p P) (P, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	var zero P

	sock := c.currentSocket()
	if sock == nil {
		return zero, errClosedIO
	}

	replyCh := make(chan P, 1)
	c.waitersMu.Lock()
	c.waiter = replyCh
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		c.waiter = nil
		c.waitersMu.Unlock()
	}()

	if err := sock.Send(p); err != nil {
		if !c.closed.Load() {
			c.triggerReconnect(ctx)
		}
		return zero, err
	}

	select {
	case reply := <-replyCh:
		c.reconnected.Store(false)
		return reply, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-time.After(c.ioTimeout):
		return zero, ErrTimeout
	}
}

// receiveLoop is the client's sole reader task. It routes every inbound
// packet either to the waiting SendRecv call or to the broadcast handler.
func (c *Client[P, S]) receiveLoop() {
	defer c.bgWG.Done()
	for {
		sock := c.currentSocket()
		if sock == nil || c.closed.Load() {
			return
		}
		pkt, err := sock.Recv()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if isTemporaryTimeout(err) {
				continue
			}
			Warning("client receive loop error: %v", err)
			ctx, cancel := context.WithTimeout(context.Background(), c.totalReconnectDeadline())
			if reconErr := c.reconnect_(ctx); reconErr != nil {
				cancel()
				Error("client reconnection failed: %v", reconErr)
				return
			}
			cancel()
			continue
		}

		if pkt.Header() == HeaderKeepAlive {
			continue
		}

		c.waitersMu.Lock()
		waiter := c.waiter
		c.waitersMu.Unlock()
		if waiter != nil {
			select {
			case waiter <- pkt:
				continue
			default:
			}
		}
		if c.broadcastHandler != nil {
			c.broadcastHandler(pkt)
		}
	}
}

func (c *Client[P, S]) keepAlivePinger() {
	defer c.bgWG.Done()
	interval := c.keepAlive.Interval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.bgDone:
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			sock := c.currentSocket()
			if sock == nil {
				continue
			}
			if err := sock.Send(c.factory.KeepAlive()); err != nil {
				Warning("keep-alive send failed: %v", err)
				ctx, cancel := context.WithTimeout(context.Background(), c.totalReconnectDeadline())
				_ = c.reconnect_(ctx)
				cancel()
			}
		}
	}
}

func (c *Client[P, S]) totalReconnectDeadline() time.Duration {
	if c.reconnect.MaxAttempts != nil {
		n := *c.reconnect.MaxAttempts
		return time.Duration(n+1) * c.reconnect.MaxRetryDelay
	}
	return 5 * time.Minute
}

// triggerReconnect kicks off reconnection synchronously and waits for it,
// bounded by ctx; used by Send/SendRecv when the underlying socket has
// just failed under them.
func (c *Client[P, S]) triggerReconnect(ctx context.Context) {
	_ = c.reconnect_(ctx)
}

// reconnect_ implements exponential backoff with jitter, round-robining
// across primary + fallback endpoints, up to MaxAttempts (nil = unbounded).
// receiveLoop, keepAlivePinger, and Send/SendRecv can all reach this
// concurrently after independently observing a dead socket; reconnecting
// makes only the first caller actually dial, and the rest wait for its
// outcome instead of racing to swap c.sock themselves.
func (c *Client[P, S]) reconnect_(ctx context.Context) error {
	if !c.reconnect.AutoReconnect {
		return ErrReconnectFailed
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return c.waitForInFlightReconnect(ctx)
	}
	defer c.reconnecting.Store(false)

	if c.metrics != nil {
		c.metrics.SetConnectionState("reconnecting")
	}

	candidates := c.candidates()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.lastReconErr.Store(errBox{fmt.Errorf("%w: %v", ErrReconnectFailed, ctx.Err())})
			return ErrReconnectFailed
		default:
		}
		if c.reconnect.MaxAttempts != nil && attempt >= *c.reconnect.MaxAttempts {
			err := fmt.Errorf("%w: exhausted %d attempts", ErrReconnectFailed, attempt)
			c.lastReconErr.Store(errBox{err})
			return err
		}

		delay := backoffDelay(attempt, c.reconnect, c.rng)
		select {
		case <-ctx.Done():
			return ErrReconnectFailed
		case <-time.After(delay):
		}

		ep := candidates[attempt%len(candidates)]
		attempt++

		err := c.tryReconnectOnce(ep)
		if err == nil {
			c.reconnected.Store(true)
			if c.metrics != nil {
				c.metrics.SetConnectionState("connected")
			}
			Info("reconnected to %s after %d attempt(s)", ep, attempt)
			return nil
		}
		Warning("reconnect attempt %d to %s failed: %v", attempt, ep, err)
		c.lastReconErr.Store(errBox{err})
	}
}

// waitForInFlightReconnect blocks until the goroutine that currently holds
// reconnecting finishes (or ctx expires), then reports its outcome.
func (c *Client[P, S]) waitForInFlightReconnect(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ErrReconnectFailed
		case <-ticker.C:
		}
		if !c.reconnecting.Load() {
			if c.reconnected.Load() {
				return nil
			}
			return c.LastReconnectError()
		}
	}
}

func (c *Client[P, S]) tryReconnectOnce(ep Endpoint) error {
	conn, err := dialEndpoint(ep, c.ioTimeout)
	if err != nil {
		return err
	}
	sock := newSocket[P](conn, c.factory, c.ioTimeout, c.maxFrameSize)
	sock.SetMetrics(c.metrics)

	if err := negotiateCipherClient(sock, c.encryption); err != nil {
		_ = sock.Close()
		return err
	}

	resumeID := ""
	if !c.reconnect.Reinitialize {
		resumeID = c.SessionID()
	}
	session, err := clientHandshakePhaseB[P, S](sock, c.factory, func() P { return c.factory.OK() }, c.username, c.password, resumeID)
	if err != nil {
		_ = sock.Close()
		return err
	}

	c.mu.Lock()
	old := c.sock
	c.sock = sock
	c.session = session
	c.sessionBound = true
	c.endpoint = ep
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close tears down the connection and stops all background tasks.
func (c *Client[P, S]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.bgDone)
	sock := c.currentSocket()
	var err error
	if sock != nil {
		err = sock.Shutdown()
	}
	c.bgWG.Wait()
	if c.metrics != nil {
		c.metrics.SetConnectionState("disconnected")
	}
	return err
}

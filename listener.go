package tnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorHandler is invoked whenever a connection tears down for a
// non-normal reason (handshake failure, keep-alive timeout, fatal I/O
// error). err is the cause; sessionID is "" if the handshake never bound
// one.
type ErrorHandler func(sessionID string, err error)

// Listener runs the accept loop and per-connection lifecycle: accept ->
// handshake -> authenticate -> session resume/issue -> dispatch loop ->
// graceful teardown.
type Listener[P Packet, S Session, R Resource] struct {
	factory         PacketFactory[P]
	handlers        *HandlerRegistry[P, S, R]
	registry        *SessionRegistry[S]
	resource        *ResourceHandle[R]
	conns           *connectionTable[P]
	encryption      EncryptionConfig
	auth            Authenticator
	keepAlive       KeepAliveConfig
	ioTimeout       time.Duration
	maxFrameSize    int
	metrics         MetricsCollector
	onError         ErrorHandler
	defaultHandler  HandlerFunc[P, S, R]

	mu       sync.Mutex
	ln       net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ListenerConfig groups Listener's constructor parameters.
type ListenerConfig[P Packet, S Session, R Resource] struct {
	PacketFactory    PacketFactory[P]
	Handlers         *HandlerRegistry[P, S, R]
	SessionFactory   SessionFactory[S]
	Resource         R
	Encryption       EncryptionConfig
	Authenticator    Authenticator
	KeepAlive        KeepAliveConfig
	IOTimeout        time.Duration
	MaxFrameSize     int
	Metrics          MetricsCollector
	OnError          ErrorHandler
}

// NewListener builds a Listener ready to Run. The handler registry is
// frozen here if the caller has not already frozen it.
func NewListener[P Packet, S Session, R Resource](cfg ListenerConfig[P, S, R]) *Listener[P, S, R] {
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if !cfg.Handlers.Frozen() {
		cfg.Handlers.Freeze()
	}
	registry := NewSessionRegistry(cfg.SessionFactory)
	registry.SetMetrics(cfg.Metrics)
	l := &Listener[P, S, R]{
		factory:        cfg.PacketFactory,
		handlers:       cfg.Handlers,
		registry:       registry,
		resource:       NewResourceHandle(cfg.Resource),
		conns:          newConnectionTable[P](),
		encryption:     cfg.Encryption,
		auth:           cfg.Authenticator,
		keepAlive:      cfg.KeepAlive,
		ioTimeout:      cfg.IOTimeout,
		maxFrameSize:   cfg.MaxFrameSize,
		metrics:        cfg.Metrics,
		onError:        cfg.OnError,
		defaultHandler: DefaultOKHandler[P, S, R](cfg.PacketFactory),
		shutdown:       make(chan struct{}),
	}
	return l
}

// Pools returns the listener's live pool/registry view, for code that
// wants to broadcast from outside a handler (e.g. a timer task).
func (l *Listener[P, S, R]) Pools() *Pools[P, S] {
	return newPools(l.registry, l.conns)
}

// Registry returns the underlying session registry.
func (l *Listener[P, S, R]) Registry() *SessionRegistry[S] { return l.registry }

// Addr returns the bound address once Run has started listening, or nil
// before that.
func (l *Listener[P, S, R]) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Run binds to host:port and accepts connections until Close is called or
// a fatal accept error occurs.
func (l *Listener[P, S, R]) Run(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("tnet: listen %s:%d: %w", host, port, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	Info("listener bound on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				Info("listener shutting down")
				return nil
			default:
			}
			Error("accept failed: %v", err)
			return fmt.Errorf("tnet: accept: %w", err)
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Close stops accepting new connections. It does not forcibly close
// already-established connections; those tear down on their own loops.
func (l *Listener[P, S, R]) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	select {
	case <-l.shutdown:
	default:
		close(l.shutdown)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Wait blocks until every in-flight connection handler has returned.
func (l *Listener[P, S, R]) Wait() { l.wg.Wait() }

func (l *Listener[P, S, R]) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	sock := newSocket[P](conn, l.factory, l.ioTimeout, l.maxFrameSize)
	sock.SetMetrics(l.metrics)

	ctx, cancel := context.WithTimeout(context.Background(), l.ioTimeout*2)
	session, err := l.handshake(ctx, sock)
	cancel()
	if err != nil {
		_ = sock.Close()
		Warning("handshake failed from %s: %v", conn.RemoteAddr(), err)
		if l.onError != nil {
			l.onError("", err)
		}
		if l.metrics != nil {
			l.metrics.IncrementError("handshake")
		}
		return
	}
	sessionID := session.ID()
	l.conns.register(sessionID, sock)
	if l.metrics != nil {
		l.metrics.SetActiveSessions(l.conns.size())
	}
	defer func() {
		l.conns.deregister(sessionID, sock)
		_ = sock.Shutdown()
		if l.metrics != nil {
			l.metrics.SetActiveSessions(l.conns.size())
		}
	}()

	l.dispatchLoop(sock, sessionID)
}

func (l *Listener[P, S, R]) handshake(ctx context.Context, sock *Socket[P]) (S, error) {
	var zero S
	if err := negotiateCipherServer(sock, l.encryption); err != nil {
		return zero, err
	}
	return serverHandshakePhaseB(ctx, sock, l.factory, l.registry, l.auth)
}

// dispatchLoop is the connection's receive path: it dispatches every frame
// in order, while a watchdog tears the connection down if too long passes
// without a successful recv.
func (l *Listener[P, S, R]) dispatchLoop(sock *Socket[P], sessionID string) {
	var lastRecv atomic.Int64
	lastRecv.Store(time.Now().UnixNano())

	done := make(chan struct{})
	var watchdogTripped atomic.Bool

	if l.keepAlive.Enabled {
		go l.watchdog(sock, &lastRecv, done, &watchdogTripped)
	}
	defer close(done)

	pools := newPools(l.registry, l.conns)

	for {
		pkt, err := sock.Recv()
		if err != nil {
			if watchdogTripped.Load() {
				Warning("session %s: keep-alive timeout", sessionID)
				if l.onError != nil {
					l.onError(sessionID, ErrKeepAliveTimeout)
				}
			} else if !IsFatal(err) && isTemporaryTimeout(err) {
				continue
			} else {
				Debug("session %s: connection closed: %v", sessionID, err)
				if l.onError != nil && !isCleanClose(err) {
					l.onError(sessionID, err)
				}
			}
			return
		}
		lastRecv.Store(time.Now().UnixNano())

		if pkt.Header() == HeaderKeepAlive {
			continue
		}

		l.registry.Touch(sessionID)
		ctx := &HandlerContext[P, S, R]{Socket: sock, Packet: pkt, Pools: pools, Resource: l.resource}
		dispatch(l.handlers, l.factory, l.defaultHandler, l.metrics, func(err error) {
			Warning("session %s: handler for %q failed: %v", sessionID, pkt.Header(), err)
			if l.metrics != nil {
				l.metrics.IncrementError("handler")
			}
			if l.onError != nil {
				l.onError(sessionID, err)
			}
		}, ctx)
	}
}

func (l *Listener[P, S, R]) watchdog(sock *Socket[P], lastRecv *atomic.Int64, done <-chan struct{}, tripped *atomic.Bool) {
	interval := l.keepAlive.Interval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := l.keepAlive.Timeout
	if timeout <= 0 {
		timeout = 2 * interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, lastRecv.Load())
			if time.Since(last) >= timeout {
				tripped.Store(true)
				_ = sock.Close()
				return
			}
		}
	}
}

// isTemporaryTimeout reports whether err is a transient per-op timeout
// that should not tear down the whole connection on its own (the watchdog
// is what decides that, based on accumulated silence).
func isTemporaryTimeout(err error) bool {
	return IsTemporary(err) && !IsFatal(err)
}

func isCleanClose(err error) bool {
	return err == errClosedIO || (err != nil && err.Error() == errClosedIO.Error())
}

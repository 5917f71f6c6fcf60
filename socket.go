package tnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Socket wraps a single TCP connection plus its negotiated cipher state and
// an optional bound session id. It is the sole owner of the connection:
// sends are serialized by sendMu so a background broadcast and a handler's
// own reply can never interleave on the wire, and shutdown is safe to call
// from any goroutine.
type Socket[P Packet] struct {
	conn         net.Conn
	cipher       *cipherState
	factory      PacketFactory[P]
	ioTimeout    time.Duration
	maxFrameSize int
	metrics      MetricsCollector

	sendMu    sync.Mutex
	sessionID atomic.Value // string
	closed    atomic.Bool
}

// newSocket builds a Socket around an already-dialed/accepted conn. cipher
// may be nil (plaintext) and is filled in once the handshake's Phase A
// completes.
func newSocket[P Packet](conn net.Conn, factory PacketFactory[P], ioTimeout time.Duration, maxFrameSize int) *Socket[P] {
	s := &Socket[P]{
		conn:         conn,
		factory:      factory,
		ioTimeout:    ioTimeout,
		maxFrameSize: maxFrameSize,
	}
	s.sessionID.Store("")
	return s
}

// SetMetrics attaches a metrics collector; pass nil to disable.
func (s *Socket[P]) SetMetrics(m MetricsCollector) { s.metrics = m }

// SessionID returns the session id bound to this socket, or "" if none has
// been bound yet.
func (s *Socket[P]) SessionID() string {
	return s.sessionID.Load().(string)
}

// BindSession records id as the session bound to this socket. Called once
// the handshake resolves a session.
func (s *Socket[P]) BindSession(id string) {
	s.sessionID.Store(id)
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Socket[P]) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// errClosedIO is returned by Send/Recv after Shutdown/Close: an Io error
// wrapping ErrClosed. Subsequent send/recv calls fail with this and never
// panic.
var errClosedIO = fmt.Errorf("%w: %w", ErrIo, ErrClosed)

// writeFrame sends a raw, unencrypted frame directly on the wire. Used only
// by the handshake's Phase A, before any cipher exists.
func (s *Socket[P]) writeFrame(payload []byte) error {
	if s.closed.Load() {
		return errClosedIO
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	frame := encodeFrame(payload)
	defer globalBufferPool.PutBuffer(frame)
	if _, err := s.conn.Write(frame); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// readFrame reads one raw frame directly off the wire. Used only by the
// handshake's Phase A.
func (s *Socket[P]) readFrame() ([]byte, error) {
	if s.closed.Load() {
		return nil, errClosedIO
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	payload, err := decodeFrame(s.conn, s.maxFrameSize)
	if err != nil {
		return nil, classifyIOError(err)
	}
	return payload, nil
}

// classifyIOError maps a raw net/io error to the taxonomy's Timeout or Io
// kind, preserving anything already classified (FrameTooLarge, Truncated).
func classifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrTruncated) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) {
		return errClosedIO
	}
	return fmt.Errorf("%w: %v", ErrIo, err)
}

// Send serializes p, optionally seals it under the connection's cipher,
// frames it, and writes it. Concurrent Send/SendRecv calls on the same
// socket are totally ordered by sendMu.
func (s *Socket[P]) Send(p P) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(p)
}

func (s *Socket[P]) sendLocked(p P) error {
	if s.closed.Load() {
		return errClosedIO
	}
	data, err := marshalPacket(p)
	if err != nil {
		return err
	}
	if s.cipher != nil {
		data, err = s.cipher.seal(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncrypt, err)
		}
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	frame := encodeFrame(data)
	defer globalBufferPool.PutBuffer(frame)
	n, err := s.conn.Write(frame)
	if err != nil {
		return classifyIOError(err)
	}
	if s.metrics != nil {
		s.metrics.AddBytesSent(uint64(n))
		s.metrics.IncrementMessageSent(p.Header())
	}
	return nil
}

// Recv reads, decrypts, and JSON-decodes the next frame into a P. It fails
// with Decrypt, Parse, Timeout, FrameTooLarge, Truncated, or Io.
func (s *Socket[P]) Recv() (P, error) {
	var zero P
	if s.closed.Load() {
		return zero, errClosedIO
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrIo, err)
	}
	rawPayload, err := decodeFrame(s.conn, s.maxFrameSize)
	if err != nil {
		return zero, classifyIOError(err)
	}
	defer globalBufferPool.PutBuffer(rawPayload)

	payload := rawPayload
	if s.cipher != nil {
		payload, err = s.cipher.open(payload)
		if err != nil {
			return zero, err
		}
	}
	var p P
	if err := json.Unmarshal(payload, &p); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if s.metrics != nil {
		s.metrics.AddBytesReceived(uint64(frameLengthSize + len(rawPayload)))
		s.metrics.IncrementMessageReceived(p.Header())
	}
	return p, nil
}

// SendRecv sends p and waits for the paired reply, atomically with respect
// to other SendRecv/Send calls on the same socket: no other send may
// interleave between this send and its matching recv. This is the
// low-level primitive used by the client side of the handshake, before the
// client's receive loop starts, when nothing else is reading the socket.
// Client's public SendRecv uses its own background-dispatcher-aware path
// instead (see client.go), since a client's reader is owned by its
// broadcast dispatcher task.
func (s *Socket[P]) SendRecv(p P) (P, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	var zero P
	if err := s.sendLocked(p); err != nil {
		return zero, err
	}
	return s.Recv()
}

// Shutdown half-closes the write side, drains the read side up to
// DefaultShutdownDrainTimeout, then closes the connection outright.
// Idempotent: calling it more than once is a no-op after the first call.
func (s *Socket[P]) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(DefaultShutdownDrainTimeout))
	drain := make([]byte, 4096)
	for {
		if _, err := s.conn.Read(drain); err != nil {
			break
		}
	}
	return s.conn.Close()
}

// Close closes the connection immediately, without draining. Equivalent to
// Shutdown for callers that don't need a graceful half-close (e.g. a
// handshake failure before the socket is fully live).
func (s *Socket[P]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// IsClosed reports whether Shutdown or Close has been called.
func (s *Socket[P]) IsClosed() bool { return s.closed.Load() }

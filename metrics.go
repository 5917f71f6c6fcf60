package tnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector defines the interface for collecting connection-level
// metrics. Applications plug in custom implementations (Prometheus,
// StatsD, a custom exporter) for production monitoring; Listener and
// Client both accept an optional collector and call into it from the hot
// path, so every method must be non-blocking and safe for concurrent use.
type MetricsCollector interface {
	// IncrementMessageSent increments the count of packets sent under the
	// given header (e.g. "OK", "KEEPALIVE", a user-defined header).
	IncrementMessageSent(header string)

	// IncrementMessageReceived increments the count of packets received
	// under the given header.
	IncrementMessageReceived(header string)

	// SetActiveSessions updates the gauge of currently live sessions.
	SetActiveSessions(count int)

	// IncrementError increments the error counter for an error kind. The
	// framework itself reports "handshake" (a failed handshake) and
	// "handler" (a handler error or panic).
	IncrementError(kind string)

	// RecordHandlerLatency records how long a header's handler took to run.
	RecordHandlerLatency(header string, duration time.Duration)

	// SetConnectionState updates the current connection state: "connected",
	// "disconnected", "handshaking", or "reconnecting".
	SetConnectionState(state string)

	// AddBytesSent adds to the total bytes written to the wire.
	AddBytesSent(bytes uint64)

	// AddBytesReceived adds to the total bytes read from the wire.
	AddBytesReceived(bytes uint64)
}

// InMemoryMetrics is a simple in-memory MetricsCollector, suitable for
// development, testing, and applications that want basic counters without
// an external dependency.
type InMemoryMetrics struct {
	sentMu   sync.RWMutex
	sent     map[string]uint64
	recvMu   sync.RWMutex
	received map[string]uint64

	activeSessions int32

	errMu      sync.RWMutex
	errByKind  map[string]uint64
	latencyMu  sync.RWMutex
	latency    map[string]*latencyStats
	connState  atomic.Value // string

	bytesSent     uint64
	bytesReceived uint64
}

type latencyStats struct {
	count      uint64
	totalNanos uint64
	minNanos   uint64
	maxNanos   uint64
}

// NewInMemoryMetrics creates a new in-memory metrics collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{
		sent:      make(map[string]uint64),
		received:  make(map[string]uint64),
		errByKind: make(map[string]uint64),
		latency:   make(map[string]*latencyStats),
	}
	m.connState.Store("disconnected")
	return m
}

func (m *InMemoryMetrics) IncrementMessageSent(header string) {
	m.sentMu.Lock()
	m.sent[header]++
	m.sentMu.Unlock()
}

func (m *InMemoryMetrics) IncrementMessageReceived(header string) {
	m.recvMu.Lock()
	m.received[header]++
	m.recvMu.Unlock()
}

func (m *InMemoryMetrics) SetActiveSessions(count int) {
	atomic.StoreInt32(&m.activeSessions, int32(count))
}

func (m *InMemoryMetrics) IncrementError(kind string) {
	m.errMu.Lock()
	m.errByKind[kind]++
	m.errMu.Unlock()
}

func (m *InMemoryMetrics) RecordHandlerLatency(header string, duration time.Duration) {
	nanos := uint64(duration.Nanoseconds())

	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	stats := m.latency[header]
	if stats == nil {
		stats = &latencyStats{minNanos: nanos, maxNanos: nanos}
		m.latency[header] = stats
	}
	stats.count++
	stats.totalNanos += nanos
	if nanos < stats.minNanos {
		stats.minNanos = nanos
	}
	if nanos > stats.maxNanos {
		stats.maxNanos = nanos
	}
}

func (m *InMemoryMetrics) SetConnectionState(state string) {
	m.connState.Store(state)
}

func (m *InMemoryMetrics) AddBytesSent(bytes uint64) {
	atomic.AddUint64(&m.bytesSent, bytes)
}

func (m *InMemoryMetrics) AddBytesReceived(bytes uint64) {
	atomic.AddUint64(&m.bytesReceived, bytes)
}

// MessagesSent returns the count of packets sent under header.
func (m *InMemoryMetrics) MessagesSent(header string) uint64 {
	m.sentMu.RLock()
	defer m.sentMu.RUnlock()
	return m.sent[header]
}

// MessagesReceived returns the count of packets received under header.
func (m *InMemoryMetrics) MessagesReceived(header string) uint64 {
	m.recvMu.RLock()
	defer m.recvMu.RUnlock()
	return m.received[header]
}

// ActiveSessions returns the current active-session gauge.
func (m *InMemoryMetrics) ActiveSessions() int {
	return int(atomic.LoadInt32(&m.activeSessions))
}

// Errors returns the error count for kind.
func (m *InMemoryMetrics) Errors(kind string) uint64 {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.errByKind[kind]
}

// AllErrors returns a copy of every error kind's count.
func (m *InMemoryMetrics) AllErrors() map[string]uint64 {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	out := make(map[string]uint64, len(m.errByKind))
	for k, v := range m.errByKind {
		out[k] = v
	}
	return out
}

// AvgLatency returns the average handler latency for header, or 0 if no
// measurements have been recorded.
func (m *InMemoryMetrics) AvgLatency(header string) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	stats := m.latency[header]
	if stats == nil || stats.count == 0 {
		return 0
	}
	return time.Duration(stats.totalNanos / stats.count)
}

// ConnectionState returns the current connection state string.
func (m *InMemoryMetrics) ConnectionState() string {
	return m.connState.Load().(string)
}

// BytesSent returns the total bytes sent.
func (m *InMemoryMetrics) BytesSent() uint64 { return atomic.LoadUint64(&m.bytesSent) }

// BytesReceived returns the total bytes received.
func (m *InMemoryMetrics) BytesReceived() uint64 { return atomic.LoadUint64(&m.bytesReceived) }

// Reset clears every counter and gauge. Useful for testing.
func (m *InMemoryMetrics) Reset() {
	m.sentMu.Lock()
	m.sent = make(map[string]uint64)
	m.sentMu.Unlock()

	m.recvMu.Lock()
	m.received = make(map[string]uint64)
	m.recvMu.Unlock()

	atomic.StoreInt32(&m.activeSessions, 0)

	m.errMu.Lock()
	m.errByKind = make(map[string]uint64)
	m.errMu.Unlock()

	m.latencyMu.Lock()
	m.latency = make(map[string]*latencyStats)
	m.latencyMu.Unlock()

	m.connState.Store("disconnected")
	atomic.StoreUint64(&m.bytesSent, 0)
	atomic.StoreUint64(&m.bytesReceived, 0)
}

package tnet

import (
	"net"
	"strconv"
	"time"
)

// EncryptionConfig controls whether Phase A of the handshake negotiates an
// AES-256-GCM session key. Both sides must agree; a mismatch fails the
// handshake with ErrEncryptionMismatch.
type EncryptionConfig struct {
	Enabled bool
}

// DefaultEncryptionConfig returns encryption on, matching the framework's
// default-on convention.
func DefaultEncryptionConfig() EncryptionConfig {
	return EncryptionConfig{Enabled: true}
}

// AuthType selects how the server's handshake Phase B validates a client.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthUserPassword
)

func (a AuthType) String() string {
	if a == AuthUserPassword {
		return "user-password"
	}
	return "none"
}

// KeepAliveConfig controls the listener's watchdog and the client's pinger.
type KeepAliveConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultKeepAliveConfig returns interval=15s, timeout=30s, enabled.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Enabled:  true,
		Interval: DefaultKeepAliveInterval,
		Timeout:  DefaultKeepAliveTimeout,
	}
}

// Endpoint is a dial target for the client's primary connection or one of
// its reconnection fallbacks.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ReconnectionConfig drives the client's reconnection engine. MaxAttempts
// nil means retry forever.
type ReconnectionConfig struct {
	AutoReconnect     bool
	Endpoints         []Endpoint
	MaxAttempts       *int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffFactor     float64
	Jitter            float64
	Reinitialize      bool
}

// DefaultReconnectionConfig returns a config with auto-reconnect disabled;
// callers opt in by setting AutoReconnect and Endpoints.
func DefaultReconnectionConfig() ReconnectionConfig {
	return ReconnectionConfig{
		AutoReconnect:     false,
		InitialRetryDelay: 500 * time.Millisecond,
		MaxRetryDelay:     30 * time.Second,
		BackoffFactor:     2.0,
		Jitter:            0.2,
		Reinitialize:      false,
	}
}

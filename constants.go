package tnet

import "time"

// Reserved packet headers. A handler may not be registered under any of
// these. Only KEEPALIVE is intercepted before the handler registry lookup;
// an OK or ERROR packet received after the handshake is looked up like any
// other header and, finding no handler, goes to the default handler.
const (
	HeaderOK        = "OK"
	HeaderError     = "ERROR"
	HeaderKeepAlive = "KEEPALIVE"
)

func isReservedHeader(h string) bool {
	switch h {
	case HeaderOK, HeaderError, HeaderKeepAlive:
		return true
	}
	return false
}

// Frame and I/O defaults.
const (
	// DefaultMaxFrameSize is the largest payload decodeFrame will accept
	// before failing with ErrFrameTooLarge.
	DefaultMaxFrameSize = 16 * 1024 * 1024 // 16 MiB

	// DefaultIOTimeout bounds every individual send/recv I/O operation.
	DefaultIOTimeout = 30 * time.Second

	// DefaultShutdownDrainTimeout bounds how long Socket.Shutdown waits for the
	// read side to drain after a half-close.
	DefaultShutdownDrainTimeout = 1 * time.Second
)

// Keep-alive defaults.
const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultKeepAliveTimeout  = 30 * time.Second
)

// DefaultInitialDialRetries bounds the doubling-backoff retries Finalize
// gives the primary endpoint before handing off to the full reconnection
// engine.
const DefaultInitialDialRetries = 2

// frameLengthSize is the width of the big-endian length prefix on the wire.
const frameLengthSize = 4

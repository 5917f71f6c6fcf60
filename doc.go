// Package tnet is an asynchronous, message-oriented TCP networking
// framework. It provides a length-prefixed frame codec, an optional
// X25519/AES-256-GCM encrypted transport, a two-phase connect/authenticate
// handshake, session-aware pooling and broadcast, a generic handler
// dispatcher, a listener with keep-alive supervision, a client with
// automatic reconnection, and a one-hop relay for proxying a single packet
// to a downstream server.
//
// Every exchanged message is a Packet: a header string plus a Body. User
// code supplies its own Packet and Session implementations (or uses the
// BasicPacket/BasicSession pair) and registers HandlerFunc callbacks by
// header on a HandlerRegistry before starting a Listener.
package tnet

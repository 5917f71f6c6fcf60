package tnet

import (
	"context"
	"encoding/json"
	"fmt"
)

// Authenticator validates a username/password pair during handshake Phase
// B. User code supplies one when the server requires AuthUserPassword;
// a nil Authenticator means anonymous or session-only auth is accepted.
type Authenticator func(ctx context.Context, username, password string) error

// negotiateCipherServer runs handshake Phase A from the server's side.
// The client always speaks first: an empty frame when
// encryption is off, or its X25519 public key when on. A mismatch between
// what the client sent and the server's own EncryptionConfig fails with
// ErrEncryptionMismatch and the caller must close the connection. On a
// mismatch the server still answers in the shape of its own setting (a
// 32-byte frame when on, an empty one when off), so the client detects the
// mismatch as well.
func negotiateCipherServer[P Packet](sock *Socket[P], cfg EncryptionConfig) error {
	clientFrame, err := sock.readFrame()
	if err != nil {
		return fmt.Errorf("tnet: handshake phase A read: %w", err)
	}
	clientWantsEncryption := len(clientFrame) == 32

	if clientWantsEncryption != cfg.Enabled {
		var reply []byte
		if cfg.Enabled {
			reply = make([]byte, 32)
		}
		_ = sock.writeFrame(reply)
		return ErrEncryptionMismatch
	}
	if !cfg.Enabled {
		return sock.writeFrame(nil)
	}

	var clientPub [32]byte
	copy(clientPub[:], clientFrame)
	if !validateX25519PublicKey(clientPub) {
		return fmt.Errorf("tnet: %w: invalid peer public key", ErrEncrypt)
	}

	kp, err := newX25519KeyPair()
	if err != nil {
		return err
	}
	if err := sock.writeFrame(kp.public[:]); err != nil {
		return err
	}
	secret, err := kp.sharedSecret(clientPub)
	if err != nil {
		return fmt.Errorf("tnet: %w: %v", ErrEncrypt, err)
	}
	salt := append(append([]byte{}, clientPub[:]...), kp.public[:]...)
	c2s, s2c, err := deriveCipherKeys(secret, salt)
	if err != nil {
		return err
	}
	cs, err := newCipherState(CipherAES256GCM, c2s, s2c, false)
	if err != nil {
		return err
	}
	sock.cipher = cs
	return nil
}

// negotiateCipherClient runs handshake Phase A from the client's side.
func negotiateCipherClient[P Packet](sock *Socket[P], cfg EncryptionConfig) error {
	var kp *x25519KeyPair
	var outgoing []byte
	if cfg.Enabled {
		var err error
		kp, err = newX25519KeyPair()
		if err != nil {
			return err
		}
		outgoing = kp.public[:]
	}
	if err := sock.writeFrame(outgoing); err != nil {
		return err
	}
	serverFrame, err := sock.readFrame()
	if err != nil {
		return fmt.Errorf("tnet: handshake phase A read: %w", err)
	}
	serverWantsEncryption := len(serverFrame) == 32
	if serverWantsEncryption != cfg.Enabled {
		return ErrEncryptionMismatch
	}
	if !cfg.Enabled {
		return nil
	}

	var serverPub [32]byte
	copy(serverPub[:], serverFrame)
	if !validateX25519PublicKey(serverPub) {
		return fmt.Errorf("tnet: %w: invalid peer public key", ErrEncrypt)
	}
	secret, err := kp.sharedSecret(serverPub)
	if err != nil {
		return fmt.Errorf("tnet: %w: %v", ErrEncrypt, err)
	}
	salt := append(append([]byte{}, kp.public[:]...), serverPub[:]...)
	c2s, s2c, err := deriveCipherKeys(secret, salt)
	if err != nil {
		return err
	}
	cs, err := newCipherState(CipherAES256GCM, c2s, s2c, true)
	if err != nil {
		return err
	}
	sock.cipher = cs
	return nil
}

// serverHandshakePhaseB runs Phase B from the server's side: it reads the
// client's auth packet, authenticates (if configured), resumes or mints a
// session, and replies with an OK packet carrying the session blob (spec
// §4.3). On authentication failure it sends an ERROR packet and returns
// ErrInvalidCredentials; the caller must close the connection afterward.
func serverHandshakePhaseB[P Packet, S Session](
	ctx context.Context,
	sock *Socket[P],
	factory PacketFactory[P],
	registry *SessionRegistry[S],
	auth Authenticator,
) (S, error) {
	var zero S

	pkt, err := sock.Recv()
	if err != nil {
		return zero, fmt.Errorf("tnet: handshake phase B recv: %w", err)
	}
	body := pkt.GetBody()

	if auth != nil {
		username, password, ok := body.credentials()
		if !ok {
			_ = sock.Send(factory.Err(ErrInvalidCredentials))
			return zero, ErrInvalidCredentials
		}
		if err := auth(ctx, username, password); err != nil {
			_ = sock.Send(factory.Err(ErrInvalidCredentials))
			return zero, ErrInvalidCredentials
		}
	}

	requestedID, _ := body.sessionIDFromAuth()
	session, err := registry.GetOrCreate(requestedID)
	if err != nil {
		_ = sock.Send(factory.Err(err))
		return zero, err
	}
	registry.Touch(session.ID())
	sock.BindSession(session.ID())

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return zero, NewProtocolError("failed to marshal session: "+err.Error(), true)
	}
	sessionStr := string(sessionJSON)

	ok := factory.OK()
	okBody := ok.GetBody()
	okBody.Session = &sessionStr
	ok.SetBody(okBody)

	if err := sock.Send(ok); err != nil {
		return zero, err
	}
	return session, nil
}

// clientHandshakePhaseB runs Phase B from the client's side: it sends
// credentials and/or a session id to resume, and returns the session blob
// the server issued. sessionID may be "" to request a fresh session.
func clientHandshakePhaseB[P Packet, S Session](
	sock *Socket[P],
	factory PacketFactory[P],
	newAuthPacket func() P,
	username, password *string,
	sessionID string,
) (S, error) {
	var zero S
	pkt := newAuthPacket()
	body := pkt.GetBody()
	if username != nil && password != nil {
		body.Auth = &AuthEnvelope{Username: username, Password: password}
	}
	if sessionID != "" {
		if body.Auth == nil {
			body.Auth = &AuthEnvelope{}
		}
		body.Auth.SessionID = &sessionID
	}
	pkt.SetBody(body)

	reply, err := sock.SendRecv(pkt)
	if err != nil {
		return zero, fmt.Errorf("tnet: handshake phase B send/recv: %w", err)
	}
	replyBody := reply.GetBody()
	if reply.Header() == HeaderError {
		msg := "handshake rejected"
		if replyBody.Error != nil {
			msg = *replyBody.Error
		}
		return zero, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}
	if replyBody.Session == nil {
		return zero, NewProtocolError("server did not return a session blob", true)
	}
	var session S
	if err := json.Unmarshal([]byte(*replyBody.Session), &session); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrParse, err)
	}
	sock.BindSession(session.ID())
	return session, nil
}

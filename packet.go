package tnet

import "encoding/json"

// AuthEnvelope carries the credentials or session id a client offers during
// Phase B of the handshake. All three fields are optional; an empty
// envelope means "anonymous".
type AuthEnvelope struct {
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
}

// Body is the structured record every packet carries, matching the wire
// schema exactly: an optional free-form payload, an optional error string,
// an optional auth envelope, and an optional opaque session blob.
type Body struct {
	Payload *string       `json:"payload,omitempty"`
	Error   *string       `json:"error,omitempty"`
	Auth    *AuthEnvelope `json:"auth,omitempty"`
	Session *string       `json:"session,omitempty"`
}

// SetPayload sets the free-form string payload.
func (b *Body) SetPayload(s string) *Body {
	b.Payload = &s
	return b
}

// SetError sets the error string.
func (b *Body) SetError(s string) *Body {
	b.Error = &s
	return b
}

// SetAuth attaches a username/password pair.
func (b *Body) SetAuth(username, password string) *Body {
	b.Auth = &AuthEnvelope{Username: &username, Password: &password}
	return b
}

// SetSessionID attaches a session id request to resume.
func (b *Body) SetSessionID(id string) *Body {
	if b.Auth == nil {
		b.Auth = &AuthEnvelope{}
	}
	b.Auth.SessionID = &id
	return b
}

// SetSession embeds the opaque, JSON-encoded session blob.
func (b *Body) SetSession(sessionJSON string) *Body {
	b.Session = &sessionJSON
	return b
}

// sessionIDFromAuth returns the session id offered in the auth envelope, if
// any.
func (b *Body) sessionIDFromAuth() (string, bool) {
	if b.Auth == nil || b.Auth.SessionID == nil {
		return "", false
	}
	return *b.Auth.SessionID, true
}

// credentials returns the username/password offered, if any.
func (b *Body) credentials() (username, password string, ok bool) {
	if b.Auth == nil || b.Auth.Username == nil || b.Auth.Password == nil {
		return "", "", false
	}
	return *b.Auth.Username, *b.Auth.Password, true
}

// Packet is the capability set every user-defined message type must
// implement. The framework never constructs a concrete packet type itself;
// it only calls these methods, so any type satisfying this interface can
// flow through a Socket, Listener, or Client.
type Packet interface {
	Header() string
	GetBody() Body
	SetBody(Body)
}

// PacketFactory builds the sentinel packets the framework needs to
// manufacture on its own: an OK acknowledgement, an error reply, and a
// keep-alive ping. User code supplies one implementation per packet type.
type PacketFactory[P Packet] interface {
	OK() P
	Err(err error) P
	KeepAlive() P
}

// BasicPacket is a ready-to-use Packet implementation covering the common
// case where no domain-specific header beyond OK/ERROR/KEEPALIVE and one
// user header set is needed. Most handlers can use this directly instead
// of declaring their own packet type.
type BasicPacket struct {
	HeaderField string `json:"header"`
	BodyField   Body   `json:"body"`
}

func (p *BasicPacket) Header() string  { return p.HeaderField }
func (p *BasicPacket) GetBody() Body   { return p.BodyField }
func (p *BasicPacket) SetBody(b Body)  { p.BodyField = b }

// NewBasicPacket builds a BasicPacket with the given header and an empty
// body, ready for the caller to populate via Body's setters.
func NewBasicPacket(header string) *BasicPacket {
	return &BasicPacket{HeaderField: header}
}

// basicPacketFactory manufactures OK/ERROR/KEEPALIVE BasicPackets; it backs
// BasicPacketFactory.
type basicPacketFactory struct{}

// BasicPacketFactory is the PacketFactory[*BasicPacket] implementation.
// Callers using BasicPacket pass it as the PacketFactory of a ListenerConfig
// or ClientConfig; the framework does not substitute it for a missing one.
var BasicPacketFactory PacketFactory[*BasicPacket] = basicPacketFactory{}

func (basicPacketFactory) OK() *BasicPacket {
	return &BasicPacket{HeaderField: HeaderOK}
}

func (basicPacketFactory) Err(err error) *BasicPacket {
	p := &BasicPacket{HeaderField: HeaderError}
	msg := err.Error()
	p.BodyField.Error = &msg
	return p
}

func (basicPacketFactory) KeepAlive() *BasicPacket {
	return &BasicPacket{HeaderField: HeaderKeepAlive}
}

// marshalPacket serializes p using its own concrete struct tags, not just
// the Header/Body the Packet interface exposes: Recv decodes with
// json.Unmarshal(payload, &p) against the same concrete type, so any extra
// wire fields a concrete packet type declares (PhantomPacket's Destination,
// InnerPacket, RecvPacket) round-trip along with header and body.
func marshalPacket(p Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, NewProtocolError("failed to marshal packet: "+err.Error(), true)
	}
	return data, nil
}

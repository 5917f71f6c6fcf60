package tnet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PhantomDestination is the dial target and credentials an upstream caller
// asks a phantom relay to hop to.
type PhantomDestination struct {
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	Encryption EncryptionConfig `json:"encryption"`
	Username   *string          `json:"username,omitempty"`
	Password   *string          `json:"password,omitempty"`
}

// PhantomPacket is the packet type spoken on both hops of a relay. An
// upstream caller sends one carrying a Destination and an opaque
// InnerPacket (itself a JSON-encoded PhantomPacket); the relay's reply
// carries RecvPacket, the downstream server's serialized response, or
// BodyField.Error on failure.
type PhantomPacket struct {
	HeaderField string              `json:"header"`
	Destination *PhantomDestination `json:"destination,omitempty"`
	InnerPacket *string             `json:"inner_packet,omitempty"`
	RecvPacket  *string             `json:"recv_packet,omitempty"`
	BodyField   Body                `json:"body"`
}

func (p *PhantomPacket) Header() string { return p.HeaderField }
func (p *PhantomPacket) GetBody() Body  { return p.BodyField }
func (p *PhantomPacket) SetBody(b Body) { p.BodyField = b }

// NewPhantomRequest builds the packet an upstream caller sends to ask a
// phantom listener to relay inner to dest under the relay's chosen header.
func NewPhantomRequest(header string, dest PhantomDestination, inner Packet) (*PhantomPacket, error) {
	innerJSON, err := marshalPacket(inner)
	if err != nil {
		return nil, err
	}
	s := string(innerJSON)
	return &PhantomPacket{HeaderField: header, Destination: &dest, InnerPacket: &s}, nil
}

// phantomPacketFactory manufactures OK/ERROR/KEEPALIVE PhantomPackets so a
// phantom relay's downstream leg can be built with the ordinary
// PacketFactory[P] contract every Client requires.
type phantomPacketFactory struct{}

// PhantomPacketFactory is the PacketFactory[*PhantomPacket] wired into every
// phantom relay's downstream Client.
var PhantomPacketFactory PacketFactory[*PhantomPacket] = phantomPacketFactory{}

func (phantomPacketFactory) OK() *PhantomPacket {
	return &PhantomPacket{HeaderField: HeaderOK}
}

func (phantomPacketFactory) Err(err error) *PhantomPacket {
	p := &PhantomPacket{HeaderField: HeaderError}
	msg := err.Error()
	p.BodyField.Error = &msg
	return p
}

func (phantomPacketFactory) KeepAlive() *PhantomPacket {
	return &PhantomPacket{HeaderField: HeaderKeepAlive}
}

// PhantomHandler builds the C5 handler a phantom listener registers under
// its chosen relay header (commonly "relay"). relayTimeout bounds both the
// downstream dial+handshake and the downstream send_recv.
//
// Failure at any step yields a PhantomPacket carrying an error body rather
// than tearing down the upstream connection: the downstream leg is always
// closed, even when the relay itself fails.
func PhantomHandler[S Session, R Resource](relayTimeout time.Duration) HandlerFunc[*PhantomPacket, S, R] {
	return func(ctx *HandlerContext[*PhantomPacket, S, R]) error {
		reply, err := relayOnce(relayTimeout, ctx.Packet)
		if err != nil {
			Warning("phantom relay failed: %v", err)
			reply = phantomPacketFactory{}.Err(err)
		}
		return ctx.Socket.Send(reply)
	}
}

// relayOnce dials and fully handshakes a Client to the requested
// destination, deserializes and forwards the inner packet, and folds the
// downstream reply back into a PhantomPacket. The downstream Client is
// always closed via defer, whether or not the hop succeeded.
func relayOnce(relayTimeout time.Duration, req *PhantomPacket) (*PhantomPacket, error) {
	if req.Destination == nil {
		return nil, fmt.Errorf("%w: phantom request missing destination", ErrParse)
	}
	if req.InnerPacket == nil {
		return nil, fmt.Errorf("%w: phantom request missing inner packet", ErrParse)
	}
	dest := req.Destination

	client := NewClient[*PhantomPacket, BasicSession](ClientConfig[*PhantomPacket, BasicSession]{
		PacketFactory: PhantomPacketFactory,
		Host:          dest.Host,
		Port:          dest.Port,
		Encryption:    dest.Encryption,
		Username:      dest.Username,
		Password:      dest.Password,
		IOTimeout:     relayTimeout,
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), relayTimeout)
	err := client.Finalize(dialCtx)
	dialCancel()
	if err != nil {
		return nil, fmt.Errorf("tnet: phantom dial %s:%d: %w", dest.Host, dest.Port, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			Debug("phantom downstream close: %v", err)
		}
	}()

	var inner PhantomPacket
	if err := json.Unmarshal([]byte(*req.InnerPacket), &inner); err != nil {
		return nil, fmt.Errorf("%w: phantom inner packet: %v", ErrParse, err)
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), relayTimeout)
	downReply, err := client.SendRecv(sendCtx, &inner)
	sendCancel()
	if err != nil {
		return nil, fmt.Errorf("tnet: phantom send_recv: %w", err)
	}

	replyJSON, err := marshalPacket(downReply)
	if err != nil {
		return nil, err
	}
	replyStr := string(replyJSON)
	return &PhantomPacket{HeaderField: HeaderOK, RecvPacket: &replyStr}, nil
}

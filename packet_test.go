package tnet

import (
	"encoding/json"
	"testing"
)

func TestBasicPacketMarshalRoundTrip(t *testing.T) {
	p := NewBasicPacket("GREET")
	body := p.GetBody()
	body.SetPayload("hi").SetSessionID("abc123")
	p.SetBody(body)

	data, err := marshalPacket(p)
	if err != nil {
		t.Fatal(err)
	}

	var got BasicPacket
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Header() != "GREET" {
		t.Fatalf("header mismatch: %q", got.Header())
	}
	if got.GetBody().Payload == nil || *got.GetBody().Payload != "hi" {
		t.Fatalf("payload mismatch: %+v", got.GetBody())
	}
	gotBody := got.GetBody()
	if id, ok := gotBody.sessionIDFromAuth(); !ok || id != "abc123" {
		t.Fatalf("session id mismatch: %q ok=%v", id, ok)
	}
}

func TestPhantomPacketCarriesExtraFieldsThroughMarshalPacket(t *testing.T) {
	// marshalPacket must serialize a concrete type's own extra wire fields,
	// not just what the Packet interface exposes (Header/Body) - otherwise
	// PhantomPacket's Destination/InnerPacket/RecvPacket would silently
	// vanish the moment a phantom request crosses a Socket.Send.
	inner := NewBasicPacket("ECHO")
	dest := PhantomDestination{Host: "127.0.0.1", Port: 9999, Encryption: DefaultEncryptionConfig()}
	req, err := NewPhantomRequest("relay", dest, inner)
	if err != nil {
		t.Fatal(err)
	}

	data, err := marshalPacket(req)
	if err != nil {
		t.Fatal(err)
	}

	var got PhantomPacket
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Header() != "relay" {
		t.Fatalf("header mismatch: %q", got.Header())
	}
	if got.Destination == nil || got.Destination.Host != "127.0.0.1" || got.Destination.Port != 9999 {
		t.Fatalf("destination did not round trip: %+v", got.Destination)
	}
	if got.InnerPacket == nil {
		t.Fatal("expected inner packet to round trip")
	}

	var innerGot BasicPacket
	if err := json.Unmarshal([]byte(*got.InnerPacket), &innerGot); err != nil {
		t.Fatal(err)
	}
	if innerGot.Header() != "ECHO" {
		t.Fatalf("inner packet header mismatch: %q", innerGot.Header())
	}
}

func TestBodyCredentials(t *testing.T) {
	var b Body
	if _, _, ok := b.credentials(); ok {
		t.Fatal("expected no credentials on an empty body")
	}
	b.SetAuth("alice", "hunter2")
	user, pass, ok := b.credentials()
	if !ok || user != "alice" || pass != "hunter2" {
		t.Fatalf("credentials mismatch: %q %q ok=%v", user, pass, ok)
	}
}

func TestBasicPacketFactory(t *testing.T) {
	ok := BasicPacketFactory.OK()
	if ok.Header() != HeaderOK {
		t.Fatalf("expected header %q, got %q", HeaderOK, ok.Header())
	}
	errPkt := BasicPacketFactory.Err(ErrInvalidCredentials)
	if errPkt.Header() != HeaderError {
		t.Fatalf("expected header %q, got %q", HeaderError, errPkt.Header())
	}
	if errPkt.GetBody().Error == nil {
		t.Fatal("expected error packet to carry an error message")
	}
	ka := BasicPacketFactory.KeepAlive()
	if ka.Header() != HeaderKeepAlive {
		t.Fatalf("expected header %q, got %q", HeaderKeepAlive, ka.Header())
	}
}

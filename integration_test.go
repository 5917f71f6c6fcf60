package tnet

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// waitForAddr polls until Run has bound its listener, since Run blocks in
// its own accept loop rather than returning once bound.
func waitForAddr[P Packet, S Session, R Resource](t *testing.T, l *Listener[P, S, R]) *net.TCPAddr {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := l.Addr(); addr != nil {
			return addr.(*net.TCPAddr)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("listener never bound")
	return nil
}

func runListener[P Packet, S Session, R Resource](t *testing.T, l *Listener[P, S, R]) *net.TCPAddr {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run("127.0.0.1", 0) }()
	addr := waitForAddr(t, l)
	t.Cleanup(func() {
		_ = l.Close()
		l.Wait()
		select {
		case err := <-errCh:
			if err != nil {
				t.Logf("listener exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for listener goroutine to exit")
		}
	})
	return addr
}

func TestPlaintextEchoEndToEnd(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	if err := handlers.Register("ECHO", func(ctx *HandlerContext[*BasicPacket, BasicSession, noResource]) error {
		reply := BasicPacketFactory.OK()
		reply.SetBody(ctx.Packet.GetBody())
		return ctx.Socket.Send(reply)
	}); err != nil {
		t.Fatal(err)
	}

	l := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	addr := runListener(t, l)

	client := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Encryption:    EncryptionConfig{Enabled: false},
		KeepAlive:     KeepAliveConfig{Enabled: false},
	})
	if err := client.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	req := NewBasicPacket("ECHO")
	body := req.GetBody()
	body.SetPayload("hello")
	req.SetBody(body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.SendRecv(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.GetBody().Payload == nil || *reply.GetBody().Payload != "hello" {
		t.Fatalf("expected echoed payload, got %+v", reply.GetBody())
	}
}

func TestEncryptedLoginEndToEnd(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	handlers.Freeze()

	auth := func(ctx context.Context, username, password string) error {
		if username == "alice" && password == "swordfish" {
			return nil
		}
		return ErrInvalidCredentials
	}

	l := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     DefaultEncryptionConfig(),
		Authenticator:  auth,
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	addr := runListener(t, l)

	user := "alice"
	pass := "swordfish"
	client := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Encryption:    DefaultEncryptionConfig(),
		KeepAlive:     KeepAliveConfig{Enabled: false},
		Username:      &user,
		Password:      &pass,
	})
	if err := client.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if client.SessionID() == "" {
		t.Fatal("expected a bound session id after successful encrypted login")
	}

	badPass := "wrong"
	badClient := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Encryption:    DefaultEncryptionConfig(),
		KeepAlive:     KeepAliveConfig{Enabled: false},
		Username:      &user,
		Password:      &badPass,
	})
	if err := badClient.Finalize(context.Background()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for a bad password, got %v", err)
	}
}

func TestKeepAliveDropEndToEnd(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	handlers.Freeze()

	l := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive: KeepAliveConfig{
			Enabled:  true,
			Interval: 20 * time.Millisecond,
			Timeout:  60 * time.Millisecond,
		},
	})
	addr := runListener(t, l)

	// A raw client with no keep-alive pinger of its own: the server's
	// watchdog must close the connection after Timeout of silence.
	client := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Encryption:    EncryptionConfig{Enabled: false},
		KeepAlive:     KeepAliveConfig{Enabled: false},
	})
	if err := client.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := client.SendRecv(ctx, NewBasicPacket("PING")); err == nil {
		t.Fatal("expected send/recv to fail after the server's keep-alive watchdog dropped the connection")
	}
}

func TestReconnectWithFailoverEndToEnd(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	handlers.Freeze()

	fallback := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	fallbackAddr := runListener(t, fallback)

	// A primary endpoint nothing listens on: connection refused every time.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := deadLn.Addr().(*net.TCPAddr)
	_ = deadLn.Close()

	maxAttempts := 6
	client := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          deadAddr.Port,
		Encryption:    EncryptionConfig{Enabled: false},
		KeepAlive:     KeepAliveConfig{Enabled: false},
		Reconnect: ReconnectionConfig{
			AutoReconnect:     true,
			Endpoints:         []Endpoint{{Host: "127.0.0.1", Port: fallbackAddr.Port}},
			MaxAttempts:       &maxAttempts,
			InitialRetryDelay: 5 * time.Millisecond,
			MaxRetryDelay:     20 * time.Millisecond,
			BackoffFactor:     1.5,
			Jitter:            0.1,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Finalize(ctx); err != nil {
		t.Fatalf("expected Finalize to succeed via the fallback endpoint, got %v", err)
	}
	defer client.Close()

	if !client.IsReconnected() {
		t.Fatal("expected IsReconnected to report true after failing over to the fallback endpoint")
	}
}

func TestBroadcastFanOutEndToEnd(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	if err := handlers.Register("JOIN", func(ctx *HandlerContext[*BasicPacket, BasicSession, noResource]) error {
		if err := ctx.Pools.Add("room", ctx.Socket.SessionID()); err != nil {
			return err
		}
		return ctx.Socket.Send(BasicPacketFactory.OK())
	}); err != nil {
		t.Fatal(err)
	}

	l := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	addr := runListener(t, l)

	const n = 3
	clients := make([]*Client[*BasicPacket, BasicSession], n)
	received := make([]chan *BasicPacket, n)

	for i := 0; i < n; i++ {
		ch := make(chan *BasicPacket, 1)
		received[i] = ch
		clients[i] = NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
			PacketFactory: BasicPacketFactory,
			Host:          "127.0.0.1",
			Port:          addr.Port,
			Encryption:    EncryptionConfig{Enabled: false},
			KeepAlive:     KeepAliveConfig{Enabled: false},
			BroadcastHandler: func(p *BasicPacket) {
				ch <- p
			},
		})
		if err := clients[i].Finalize(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer clients[i].Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := clients[i].SendRecv(ctx, NewBasicPacket("JOIN")); err != nil {
			cancel()
			t.Fatal(err)
		}
		cancel()
	}

	announcement := NewBasicPacket("ANNOUNCE")
	body := announcement.GetBody()
	body.SetPayload("party time")
	announcement.SetBody(body)
	l.Pools().Broadcast("room", announcement)

	for i := 0; i < n; i++ {
		select {
		case p := <-received[i]:
			if p.GetBody().Payload == nil || *p.GetBody().Payload != "party time" {
				t.Fatalf("client %d: unexpected broadcast payload %+v", i, p.GetBody())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d never received the broadcast", i)
		}
	}
}

func TestPhantomRelayEndToEnd(t *testing.T) {
	destHandlers := NewHandlerRegistry[*PhantomPacket, BasicSession, noResource]()
	if err := destHandlers.Register("ECHO", func(ctx *HandlerContext[*PhantomPacket, BasicSession, noResource]) error {
		reply := PhantomPacketFactory.OK()
		reply.BodyField = ctx.Packet.GetBody()
		return ctx.Socket.Send(reply)
	}); err != nil {
		t.Fatal(err)
	}

	dest := NewListener(ListenerConfig[*PhantomPacket, BasicSession, noResource]{
		PacketFactory:  PhantomPacketFactory,
		Handlers:       destHandlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	destAddr := runListener(t, dest)

	relayHandlers := NewHandlerRegistry[*PhantomPacket, BasicSession, noResource]()
	if err := relayHandlers.Register("relay", PhantomHandler[BasicSession, noResource](2*time.Second)); err != nil {
		t.Fatal(err)
	}

	relay := NewListener(ListenerConfig[*PhantomPacket, BasicSession, noResource]{
		PacketFactory:  PhantomPacketFactory,
		Handlers:       relayHandlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	relayAddr := runListener(t, relay)

	upstream := NewClient[*PhantomPacket, BasicSession](ClientConfig[*PhantomPacket, BasicSession]{
		PacketFactory: PhantomPacketFactory,
		Host:          "127.0.0.1",
		Port:          relayAddr.Port,
		Encryption:    EncryptionConfig{Enabled: false},
		KeepAlive:     KeepAliveConfig{Enabled: false},
	})
	if err := upstream.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer upstream.Close()

	inner := &PhantomPacket{HeaderField: "ECHO"}
	innerBody := inner.GetBody()
	innerBody.SetPayload("relayed")
	inner.SetBody(innerBody)

	req, err := NewPhantomRequest("relay", PhantomDestination{
		Host:       "127.0.0.1",
		Port:       destAddr.Port,
		Encryption: EncryptionConfig{Enabled: false},
	}, inner)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := upstream.SendRecv(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Header() != HeaderOK {
		t.Fatalf("expected OK header, got %q (body: %+v)", reply.Header(), reply.GetBody())
	}
	if reply.RecvPacket == nil {
		t.Fatal("expected a recv_packet in the relay reply")
	}

	var downReply PhantomPacket
	if err := json.Unmarshal([]byte(*reply.RecvPacket), &downReply); err != nil {
		t.Fatal(err)
	}
	if downReply.GetBody().Payload == nil || *downReply.GetBody().Payload != "relayed" {
		t.Fatalf("expected echoed payload from downstream, got %+v", downReply.GetBody())
	}
}

func TestShutdownThenSendFailsWithoutPanic(t *testing.T) {
	handlers := NewHandlerRegistry[*BasicPacket, BasicSession, noResource]()
	handlers.Freeze()

	l := NewListener(ListenerConfig[*BasicPacket, BasicSession, noResource]{
		PacketFactory:  BasicPacketFactory,
		Handlers:       handlers,
		SessionFactory: EmptyBasicSession(time.Minute),
		Resource:       noResource{},
		Encryption:     EncryptionConfig{Enabled: false},
		KeepAlive:      KeepAliveConfig{Enabled: false},
	})
	addr := runListener(t, l)

	client := NewClient[*BasicPacket, BasicSession](ClientConfig[*BasicPacket, BasicSession]{
		PacketFactory: BasicPacketFactory,
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Encryption:    EncryptionConfig{Enabled: false},
		KeepAlive:     KeepAliveConfig{Enabled: false},
	})
	if err := client.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.SendRecv(ctx, NewBasicPacket("PING")); err == nil {
		t.Fatal("expected SendRecv on a closed client to fail")
	}
	if err := client.Send(ctx, NewBasicPacket("PING")); err == nil {
		t.Fatal("expected Send on a closed client to fail")
	}
}

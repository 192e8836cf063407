package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T) *Server {
	t.Helper()
	return New(&Config{
		Logger:           testLogger(),
		HandshakeTimeout: 2 * time.Second,
		BuildHash:        "testbuild",
	}, security.NewMemoryTokenStore())
}

func testApp(name string) app.App {
	return app.App{
		ID:      identifier.MustNew("com.example", name),
		Version: "1.0.0",
	}
}

// receiveTyped reads one packet from conn and decodes it as pt,
// failing the test on mismatch.
func receiveTyped[T any](t *testing.T, conn Conn, pt protocol.PacketType[T]) T {
	t.Helper()
	p, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if p.Type != pt.ID().Key() {
		t.Fatalf("got packet %q, want %q", p.Type, pt.ID().Key())
	}
	v, err := pt.Decode(p.Payload)
	if err != nil {
		t.Fatalf("decode %s: %v", p.Type, err)
	}
	return v
}

func sendTyped[T any](t *testing.T, conn Conn, pt protocol.PacketType[T], v T) {
	t.Helper()
	p, err := pt.Make(v)
	if err != nil {
		t.Fatalf("make %s: %v", pt.ID().Key(), err)
	}
	if err := conn.Send(p); err != nil {
		t.Fatalf("send %s: %v", pt.ID().Key(), err)
	}
}

// connect drives the client side of the handshake over a loopback
// transport: first contact mints a token, the resent connect with it
// yields server_meta plus the token confirmation.
func connect(t *testing.T, srv *Server, a app.App) (client Conn, token string) {
	t.Helper()
	serverSide, clientSide := NewLoopback()
	go srv.Admit(serverSide)

	sendTyped(t, clientSide, protocol.PacketConnect, protocol.ConnectPayload{
		App:      a,
		Protocol: protocol.VersionInfo{Version: protocol.Version},
	})
	token = receiveTyped(t, clientSide, protocol.PacketToken)
	if token == "" {
		t.Fatal("server minted an empty token")
	}
	return resume(t, clientSide, a, token), token
}

// resume completes the handshake on an existing transport with a
// previously issued token.
func resume(t *testing.T, clientSide Conn, a app.App, token string) Conn {
	t.Helper()
	sendTyped(t, clientSide, protocol.PacketConnect, protocol.ConnectPayload{
		App:      a,
		Protocol: protocol.VersionInfo{Version: protocol.Version},
		Token:    token,
	})
	meta := receiveTyped(t, clientSide, protocol.PacketServerMeta)
	if meta.Protocol.Version != protocol.Version {
		t.Fatalf("server_meta version = %q, want %q", meta.Protocol.Version, protocol.Version)
	}
	confirmed := receiveTyped(t, clientSide, protocol.PacketToken)
	if confirmed != token {
		t.Fatalf("token confirmation = %q, want %q", confirmed, token)
	}
	return clientSide
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHandshakeMintsAndConfirmsToken(t *testing.T) {
	srv := testServer(t)
	a := testApp("alpha")

	client, _ := connect(t, srv, a)
	defer client.Close()

	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	s, ok := srv.Sessions().Find(a.ID)
	if !ok {
		t.Fatal("session not registered after handshake")
	}
	if got := s.State(); got != StateAwaitingPermissions {
		t.Fatalf("state = %v, want %v", got, StateAwaitingPermissions)
	}

	sendTyped(t, client, protocol.PacketReady, protocol.Ready{})
	receiveTyped(t, client, protocol.PacketReady)
	if !s.IsReady() {
		t.Fatal("session not ready after ready round-trip")
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	srv := testServer(t)
	serverSide, clientSide := NewLoopback()
	go srv.Admit(serverSide)

	sendTyped(t, clientSide, protocol.PacketConnect, protocol.ConnectPayload{
		App:      testApp("alpha"),
		Protocol: protocol.VersionInfo{Version: protocol.Version},
		Token:    "forged",
	})
	d := receiveTyped(t, clientSide, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonInvalidToken {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonInvalidToken)
	}
}

func TestHandshakeRejectsIncompatibleVersion(t *testing.T) {
	srv := testServer(t)
	serverSide, clientSide := NewLoopback()
	go srv.Admit(serverSide)

	sendTyped(t, clientSide, protocol.PacketConnect, protocol.ConnectPayload{
		App:      testApp("old"),
		Protocol: protocol.VersionInfo{Version: "3.0.0"},
	})
	d := receiveTyped(t, clientSide, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonInvalidVersion {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonInvalidVersion)
	}
}

func TestHandshakeRejectsNonConnectPacket(t *testing.T) {
	srv := testServer(t)
	serverSide, clientSide := NewLoopback()
	go srv.Admit(serverSide)

	sendTyped(t, clientSide, protocol.PacketReady, protocol.Ready{})
	d := receiveTyped(t, clientSide, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonInvalidPacket {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonInvalidPacket)
	}
}

func TestSupersedeDisconnectsPriorSession(t *testing.T) {
	srv := testServer(t)
	a := testApp("alpha")

	first, token := connect(t, srv, a)
	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	// Same app connects again on a fresh transport with the stored
	// token; the prior session must be evicted first.
	serverSide, clientSide := NewLoopback()
	go srv.Admit(serverSide)
	second := resume(t, clientSide, a, token)
	defer second.Close()

	d := receiveTyped(t, first, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonAnotherConnection {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonAnotherConnection)
	}

	waitFor(t, func() bool {
		s, ok := srv.Sessions().Find(a.ID)
		return ok && !s.Closed()
	})
	if srv.Sessions().Len() != 1 {
		t.Fatalf("len = %d, want 1", srv.Sessions().Len())
	}
}

func TestReadyTasksRunBeforeReadyPacket(t *testing.T) {
	srv := testServer(t)
	a := testApp("alpha")

	var order []string
	srv.Sessions().Connected.Listen(func(s *Session) {
		_ = s.AddReadyTask(func(context.Context) error {
			order = append(order, "first")
			return nil
		})
		_ = s.AddReadyTask(func(context.Context) error {
			order = append(order, "second")
			return nil
		})
	})

	client, _ := connect(t, srv, a)
	defer client.Close()
	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	sendTyped(t, client, protocol.PacketReady, protocol.Ready{})
	receiveTyped(t, client, protocol.PacketReady)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("ready task order = %v", order)
	}
}

func TestWaitReadyResolvesWhenAllAppsReady(t *testing.T) {
	srv := testServer(t)
	a := testApp("alpha")
	b := testApp("beta")

	done := srv.Sessions().WaitReady([]identifier.ID{a.ID, b.ID})
	select {
	case <-done:
		t.Fatal("waiter resolved before any session connected")
	default:
	}

	for _, target := range []app.App{a, b} {
		client, _ := connect(t, srv, target)
		defer client.Close()
		sendTyped(t, client, protocol.PacketReady, protocol.Ready{})
		receiveTyped(t, client, protocol.PacketReady)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not resolve after both sessions became ready")
	}
}

func TestDispatcherRegisterConflict(t *testing.T) {
	d := NewDispatcher(testLogger())
	id := identifier.MustNew("com.example", "custom")
	pt := protocol.JSONType[string](id)

	if err := d.Register(pt); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.Register(pt); err != nil {
		t.Fatalf("idempotent re-register: %v", err)
	}

	other := protocol.JSONType[int](id)
	err := d.Register(other)
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("conflicting register: got %v, want ConflictError", err)
	}
}

func TestDispatchUnknownTypeIsProtocolError(t *testing.T) {
	srv := testServer(t)
	client, _ := connect(t, srv, testApp("alpha"))
	defer client.Close()
	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	_ = client.Send(protocol.Packet{Type: "com.example:nope", Payload: []byte("{}")})
	d := receiveTyped(t, client, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonInvalidPacketType {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonInvalidPacketType)
	}
}

func TestDispatchInvokesBoundHandler(t *testing.T) {
	srv := testServer(t)
	id := identifier.MustNew("com.example", "echo")
	pt := protocol.JSONType[string](id)
	srv.Dispatcher().MustRegister(pt)

	got := make(chan string, 1)
	Bind(srv.Dispatcher(), pt, func(_ context.Context, _ *Session, payload string) error {
		got <- payload
		return nil
	})

	client, _ := connect(t, srv, testApp("alpha"))
	defer client.Close()
	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	sendTyped(t, client, pt, "hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Fatalf("payload = %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestEmitterUnsubscribeIsIdempotent(t *testing.T) {
	var e Emitter[int]
	var calls int
	unsub := e.Listen(func(int) { calls++ })
	e.Emit(1)
	unsub()
	unsub()
	e.Emit(2)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLoopbackCloseUnblocksPeer(t *testing.T) {
	a, b := NewLoopback()
	errs := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		errs <- err
	}()
	_ = a.Close()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("err = %v, want ErrConnClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peer receive did not unblock")
	}
}

func TestDisconnectAllUsesGivenReason(t *testing.T) {
	srv := testServer(t)
	client, _ := connect(t, srv, testApp("alpha"))
	waitFor(t, func() bool { return srv.Sessions().Len() == 1 })

	srv.Sessions().DisconnectAll(protocol.ReasonServerRestart, "restarting")
	d := receiveTyped(t, client, protocol.PacketDisconnect)
	if d.Reason != protocol.ReasonServerRestart {
		t.Fatalf("reason = %q, want %q", d.Reason, protocol.ReasonServerRestart)
	}
	waitFor(t, func() bool { return srv.Sessions().Len() == 0 })
}

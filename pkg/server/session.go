package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAwaitingPermissions
	StateReady
	StateDisconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingPermissions:
		return "awaiting_permissions"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed resolves any future still pending when its session
// disconnects.
var ErrSessionClosed = errors.New("server: session closed")

// ReadyTask is deferred work that must finish before the session's
// ready packet is emitted. Tasks run in the order they were added.
type ReadyTask func(ctx context.Context) error

// Session is one connected app's live server-side state. It is owned
// by the session manager for its lifetime and mutated only by the
// owning connection's read loop and by extension callbacks reacting to
// its events.
type Session struct {
	conn   Conn
	server *Server
	logger *slog.Logger

	app         app.App
	permissions *security.Handle

	state  atomic.Int32
	readyF atomic.Bool

	readyMu    sync.Mutex
	readyTasks []ReadyTask

	// Ready fires when the session reaches READY; Disconnected fires
	// exactly once when it closes.
	Ready        Emitter[*Session]
	Disconnected Emitter[*Session]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(srv *Server, conn Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		server: srv,
		logger: srv.logger.With("component", "session"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// App returns the session's identity descriptor. Empty until the
// handshake has assigned it.
func (s *Session) App() app.App { return s.app }

// Kind returns the app type, defaulting to the ordinary app type.
func (s *Session) Kind() app.Type { return s.app.Kind() }

// Permissions returns the session's grant-set handle.
func (s *Session) Permissions() *security.Handle { return s.permissions }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsReady reports whether the ready packet has been emitted.
func (s *Session) IsReady() bool { return s.readyF.Load() }

// Closed reports whether the session has fully torn down.
func (s *Session) Closed() bool { return s.State() == StateClosed }

// Context is cancelled when the session disconnects; every in-flight
// await tied to the session must select on it.
func (s *Session) Context() context.Context { return s.ctx }

// Trusted reports whether the session bypasses interactive permission
// approval. Trust comes from the token that authenticated the session
// (plugin and dashboard tokens), never from the client-declared app
// type.
func (s *Session) Trusted() bool {
	return s.permissions != nil && s.permissions.Trusted()
}

// Send encodes a typed payload and writes it to the session's
// transport.
func Send[T any](s *Session, pt protocol.PacketType[T], v T) error {
	p, err := pt.Make(v)
	if err != nil {
		return err
	}
	return s.conn.Send(p)
}

// SendRaw writes an already-encoded packet.
func (s *Session) SendRaw(p protocol.Packet) error {
	return s.conn.Send(p)
}

// CheckPermissions returns a PermissionDeniedError naming the missing
// grants unless the session holds all of them. Trusted sessions always
// pass. Every extension operation that reads or mutates shared state
// calls this before touching state.
func (s *Session) CheckPermissions(ids ...identifier.ID) error {
	if len(ids) == 0 || s.Trusted() {
		return nil
	}
	if s.permissions != nil && s.permissions.HasAll(ids) {
		return nil
	}
	var missing []identifier.ID
	for _, id := range ids {
		if s.permissions == nil || !s.permissions.Has(id) {
			missing = append(missing, id)
		}
	}
	return &protocol.PermissionDeniedError{
		Missing: missing,
		Message: fmt.Sprintf("session %s lacks required permissions", s.app.Key()),
	}
}

// AddReadyTask defers work until just before the session's ready
// packet. Adding a task to an already-ready session is an error; the
// readiness window closed.
func (s *Session) AddReadyTask(task ReadyTask) error {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.readyF.Load() {
		return fmt.Errorf("server: session %s is already ready", s.app.Key())
	}
	s.readyTasks = append(s.readyTasks, task)
	return nil
}

// processReady runs the pending ready tasks in order, then emits the
// ready packet and notifies observers. A failing task aborts the
// readiness transition; the caller disconnects the session.
func (s *Session) processReady(ctx context.Context) error {
	if s.readyF.Load() {
		return nil
	}
	for {
		s.readyMu.Lock()
		if len(s.readyTasks) == 0 {
			s.readyMu.Unlock()
			break
		}
		task := s.readyTasks[0]
		s.readyTasks = s.readyTasks[1:]
		s.readyMu.Unlock()
		if err := task(ctx); err != nil {
			return fmt.Errorf("server: ready task for %s: %w", s.app.Key(), err)
		}
	}
	s.state.Store(int32(StateReady))
	s.readyF.Store(true)
	if err := Send(s, protocol.PacketReady, protocol.Ready{}); err != nil {
		return err
	}
	s.logger.Info("session ready", "app", s.app.Key())
	s.Ready.Emit(s)
	return nil
}

// Disconnect performs a controlled disconnect: best-effort disconnect
// packet with the reason code, then transport close and teardown
// notification. Safe to call from any state, exactly-once.
func (s *Session) Disconnect(reason protocol.DisconnectReason, message string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnecting))
		// The peer may already be gone; the disconnect packet is
		// best effort.
		_ = Send(s, protocol.PacketDisconnect, protocol.DisconnectPayload{Reason: reason, Message: message})
		s.cancel()
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
		if !s.app.ID.IsZero() {
			s.logger.Info("session disconnected", "app", s.app.Key(), "reason", string(reason))
		}
		s.Disconnected.Emit(s)
	})
}

// run is the session's read loop: one in-flight read, packets
// processed in FIFO order through the dispatcher. Handshake packets
// are handled inline; a protocol violation causes a controlled
// disconnect with the mapped reason.
func (s *Session) run() {
	defer s.Disconnect(protocol.ReasonClose, "connection closed")
	for {
		p, err := s.conn.Receive()
		if err != nil {
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				s.logger.Warn("protocol error", "app", s.app.Key(), "error", err)
				s.Disconnect(perr.Reason, perr.Message)
			}
			return
		}
		if err := s.handlePacket(p); err != nil {
			reason := protocol.DisconnectReasonFor(err)
			if protocol.IsPermissionDenied(err) {
				// Denials are returned to the caller; the session
				// stays connected.
				s.logger.Warn("permission denied", "app", s.app.Key(), "error", err)
				continue
			}
			s.logger.Warn("packet handling failed", "app", s.app.Key(), "packet", p.Type, "error", err)
			s.Disconnect(reason, err.Error())
			return
		}
	}
}

func (s *Session) handlePacket(p protocol.Packet) error {
	switch p.Type {
	case protocol.PacketReady.ID().Key():
		return s.processReady(s.ctx)
	case protocol.PacketDisconnect.ID().Key():
		s.Disconnect(protocol.ReasonClose, "client requested close")
		return nil
	case protocol.PacketConnect.ID().Key():
		return protocol.NewProtocolError(protocol.ReasonInvalidPacket, "connect after handshake", nil)
	}
	start := time.Now()
	err := s.server.dispatcher.Dispatch(s.ctx, s, p)
	s.server.metrics.PacketsDispatched.WithLabelValues(p.Type).Inc()
	s.server.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if protocol.IsPermissionDenied(err) {
		s.server.metrics.PermissionDenials.Inc()
	}
	return err
}

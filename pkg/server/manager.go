package server

import (
	"log/slog"
	"sync"

	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
)

// SessionManager owns the registry of live sessions. The invariant it
// preserves: at most one live session per App id; registering a second
// forcibly disconnects the first with reason another_connection before
// the new one is admitted.
type SessionManager struct {
	mu       sync.Mutex
	sessions *identifier.Map[*Session]
	waiters  map[string][]*readyWaiter

	// Connected fires when a session is admitted after its handshake;
	// Disconnected fires when an admitted session tears down.
	Connected    Emitter[*Session]
	Disconnected Emitter[*Session]

	logger *slog.Logger
}

// readyWaiter blocks one session's readiness on a set of other app
// ids; done is closed when the last of them reaches READY.
type readyWaiter struct {
	pending *identifier.Set
	done    chan struct{}
	once    sync.Once
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: identifier.NewMap[*Session](),
		waiters:  make(map[string][]*readyWaiter),
		logger:   logger.With("component", "sessions"),
	}
}

// Register admits an authenticated session, superseding any prior
// session for the same App id.
func (m *SessionManager) Register(s *Session) {
	id := s.App().ID

	m.mu.Lock()
	prior, hadPrior := m.sessions.Get(id)
	m.sessions.Set(id, s)
	m.mu.Unlock()

	if hadPrior && prior != s {
		m.logger.Warn("superseding session", "app", id.Key())
		prior.Disconnect(protocol.ReasonAnotherConnection,
			"another connection for "+id.Key())
	}

	s.Disconnected.Listen(func(closed *Session) {
		m.mu.Lock()
		if current, ok := m.sessions.Get(id); ok && current == closed {
			m.sessions.Delete(id)
		}
		m.mu.Unlock()
		m.Disconnected.Emit(closed)
	})
	s.Ready.Listen(func(ready *Session) {
		m.resolveWaiters(ready.App().ID)
	})

	m.logger.Info("session connected", "app", id.Key(), "type", string(s.Kind()), "remote", s.conn.RemoteAddr())
	m.Connected.Emit(s)
}

// Find returns the live session for an App id.
func (m *SessionManager) Find(id identifier.ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Get(id)
}

// Each calls fn for every live session.
func (m *SessionManager) Each(fn func(*Session)) {
	m.mu.Lock()
	snapshot := make([]*Session, 0, m.sessions.Len())
	m.sessions.Range(func(_ identifier.ID, s *Session) bool {
		snapshot = append(snapshot, s)
		return true
	})
	m.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Len()
}

// WaitReady returns a channel that closes once every listed app id has
// a READY session. Ids that are already ready are discounted up front.
func (m *SessionManager) WaitReady(ids []identifier.ID) <-chan struct{} {
	w := &readyWaiter{pending: identifier.NewSet(), done: make(chan struct{})}

	m.mu.Lock()
	for _, id := range ids {
		if s, ok := m.sessions.Get(id); ok && s.IsReady() {
			continue
		}
		w.pending.Add(id)
		m.waiters[id.Key()] = append(m.waiters[id.Key()], w)
	}
	empty := w.pending.Len() == 0
	m.mu.Unlock()

	if empty {
		w.once.Do(func() { close(w.done) })
	}
	return w.done
}

func (m *SessionManager) resolveWaiters(id identifier.ID) {
	key := id.Key()
	m.mu.Lock()
	waiters := m.waiters[key]
	delete(m.waiters, key)
	var fire []*readyWaiter
	for _, w := range waiters {
		w.pending.Delete(id)
		if w.pending.Len() == 0 {
			fire = append(fire, w)
		}
	}
	m.mu.Unlock()
	for _, w := range fire {
		w.once.Do(func() { close(w.done) })
	}
}

// DisconnectAll tears down every live session with the given reason.
// Used for shutdown and the graceful-restart protocol.
func (m *SessionManager) DisconnectAll(reason protocol.DisconnectReason, message string) {
	m.Each(func(s *Session) {
		s.Disconnect(reason, message)
	})
}

// Package signal implements the stateless broadcast primitive:
// notifications reach every currently-subscribed session and nothing
// is stored, so late subscribers see no replay.
package signal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

var signalNamespace = identifier.MustNew("core", "signal")

// Notification carries one signal's id and an opaque payload.
type Notification struct {
	Signal  identifier.ID
	Payload []byte
}

func encodeNotification(n Notification) ([]byte, error) {
	enc := protocol.NewEncoder()
	enc.WriteString(n.Signal.Key())
	enc.WriteBlob(n.Payload)
	return enc.Bytes(), nil
}

func decodeNotification(data []byte) (Notification, error) {
	dec := protocol.NewDecoder(data)
	key, err := dec.ReadString()
	if err != nil {
		return Notification{}, err
	}
	id, err := identifier.Parse(key)
	if err != nil {
		return Notification{}, err
	}
	payload, err := dec.ReadBlob()
	if err != nil {
		return Notification{}, err
	}
	return Notification{Signal: id, Payload: payload}, nil
}

// Ref addresses one signal.
type Ref struct {
	Signal identifier.ID `json:"id"`
}

// Permissions sets the permission ids gating a signal.
type Permissions struct {
	Signal identifier.ID  `json:"id"`
	Listen *identifier.ID `json:"listen,omitempty"`
	Notify *identifier.ID `json:"notify,omitempty"`
}

var (
	PacketListen         = protocol.JSONType[Ref](signalNamespace.Join("listen"))
	PacketUnlisten       = protocol.JSONType[Ref](signalNamespace.Join("unlisten"))
	PacketNotify         = protocol.NewType(signalNamespace.Join("notify"), encodeNotification, decodeNotification)
	PacketSetPermissions = protocol.JSONType[Permissions](signalNamespace.Join("set_permissions"))
)

type entry struct {
	subscribers map[*server.Session]func()
	permListen  *identifier.ID
	permNotify  *identifier.ID
}

// Extension owns the signal subscription sets.
type Extension struct {
	srv    *server.Server
	logger *slog.Logger

	mu      sync.Mutex
	signals map[string]*entry
}

// New wires the signal extension into the server.
func New(srv *server.Server) *Extension {
	ext := &Extension{
		srv:     srv,
		logger:  srv.Logger().With("component", "signal"),
		signals: make(map[string]*entry),
	}
	srv.Dispatcher().MustRegister(PacketListen, PacketUnlisten, PacketNotify, PacketSetPermissions)
	server.Bind(srv.Dispatcher(), PacketListen, ext.handleListen)
	server.Bind(srv.Dispatcher(), PacketUnlisten, ext.handleUnlisten)
	server.Bind(srv.Dispatcher(), PacketNotify, ext.handleNotify)
	server.Bind(srv.Dispatcher(), PacketSetPermissions, ext.handleSetPermissions)
	return ext
}

func (ext *Extension) get(id identifier.ID) *entry {
	e, ok := ext.signals[id.Key()]
	if !ok {
		e = &entry{subscribers: make(map[*server.Session]func())}
		ext.signals[id.Key()] = e
	}
	return e
}

// Notify broadcasts a payload to every subscriber of id.
func (ext *Extension) Notify(id identifier.ID, payload []byte) {
	ext.mu.Lock()
	e := ext.get(id)
	subscribers := make([]*server.Session, 0, len(e.subscribers))
	for s := range e.subscribers {
		subscribers = append(subscribers, s)
	}
	ext.mu.Unlock()
	for _, s := range subscribers {
		_ = server.Send(s, PacketNotify, Notification{Signal: id, Payload: payload})
	}
}

func (ext *Extension) check(s *server.Session, id identifier.ID, notify bool) error {
	ext.mu.Lock()
	e := ext.get(id)
	perm := e.permListen
	if notify {
		perm = e.permNotify
	}
	ext.mu.Unlock()
	if perm == nil {
		return nil
	}
	return s.CheckPermissions(*perm)
}

func (ext *Extension) handleListen(_ context.Context, s *server.Session, ref Ref) error {
	if err := ext.check(s, ref.Signal, false); err != nil {
		return err
	}
	ext.mu.Lock()
	e := ext.get(ref.Signal)
	if _, ok := e.subscribers[s]; ok {
		ext.mu.Unlock()
		return nil
	}
	unsub := s.Disconnected.Listen(func(*server.Session) { ext.unsubscribe(ref.Signal, s) })
	e.subscribers[s] = unsub
	ext.mu.Unlock()
	return nil
}

func (ext *Extension) handleUnlisten(_ context.Context, s *server.Session, ref Ref) error {
	ext.unsubscribe(ref.Signal, s)
	return nil
}

func (ext *Extension) unsubscribe(id identifier.ID, s *server.Session) {
	ext.mu.Lock()
	e := ext.get(id)
	unsub, ok := e.subscribers[s]
	delete(e.subscribers, s)
	ext.mu.Unlock()
	if ok {
		unsub()
	}
}

func (ext *Extension) handleNotify(_ context.Context, s *server.Session, n Notification) error {
	if err := ext.check(s, n.Signal, true); err != nil {
		return err
	}
	ext.Notify(n.Signal, n.Payload)
	return nil
}

func (ext *Extension) handleSetPermissions(_ context.Context, s *server.Session, p Permissions) error {
	if !s.Trusted() && !p.Signal.IsSubpathOf(s.App().ID) {
		return &protocol.ConflictError{ID: p.Signal, Message: "signal id is not under the session's app id"}
	}
	ext.mu.Lock()
	e := ext.get(p.Signal)
	e.permListen = p.Listen
	e.permNotify = p.Notify
	ext.mu.Unlock()
	return nil
}

// Package registry implements the single-value primitive: one mutable
// value per identifier, last-write-wins, with a change stream to
// listeners and a get endpoint for snapshots.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

var registryNamespace = identifier.MustNew("core", "registry")

// Value carries one registry's id and its raw value.
type Value struct {
	Registry identifier.ID
	Value    []byte
}

func encodeValue(v Value) ([]byte, error) {
	enc := protocol.NewEncoder()
	enc.WriteString(v.Registry.Key())
	enc.WriteBlob(v.Value)
	return enc.Bytes(), nil
}

func decodeValue(data []byte) (Value, error) {
	dec := protocol.NewDecoder(data)
	key, err := dec.ReadString()
	if err != nil {
		return Value{}, err
	}
	id, err := identifier.Parse(key)
	if err != nil {
		return Value{}, err
	}
	raw, err := dec.ReadBlob()
	if err != nil {
		return Value{}, err
	}
	return Value{Registry: id, Value: raw}, nil
}

// Ref addresses one registry.
type Ref struct {
	Registry identifier.ID `json:"id"`
}

// Permissions sets the permission ids gating a registry. A nil id
// leaves the operation open to any authenticated session.
type Permissions struct {
	Registry identifier.ID  `json:"id"`
	Read     *identifier.ID `json:"read,omitempty"`
	Write    *identifier.ID `json:"write,omitempty"`
}

var (
	PacketListen         = protocol.JSONType[Ref](registryNamespace.Join("listen"))
	PacketUnlisten       = protocol.JSONType[Ref](registryNamespace.Join("unlisten"))
	PacketUpdate         = protocol.NewType(registryNamespace.Join("update"), encodeValue, decodeValue)
	PacketSetPermissions = protocol.JSONType[Permissions](registryNamespace.Join("set_permissions"))
)

// EndpointGet returns the current value snapshot.
var EndpointGet = registryNamespace.Join("get")

// entry is one registry slot: latest value plus its subscribers.
type entry struct {
	value     []byte
	set       bool
	observers map[*server.Session]func()
	permRead  *identifier.ID
	permWrite *identifier.ID
}

// Extension owns every registry slot.
type Extension struct {
	srv    *server.Server
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New wires the registry extension into the server.
func New(srv *server.Server, endpoints *endpoint.Extension) *Extension {
	ext := &Extension{
		srv:     srv,
		logger:  srv.Logger().With("component", "registry"),
		entries: make(map[string]*entry),
	}
	srv.Dispatcher().MustRegister(PacketListen, PacketUnlisten, PacketUpdate, PacketSetPermissions)
	server.Bind(srv.Dispatcher(), PacketListen, ext.handleListen)
	server.Bind(srv.Dispatcher(), PacketUnlisten, ext.handleUnlisten)
	server.Bind(srv.Dispatcher(), PacketUpdate, ext.handleUpdate)
	server.Bind(srv.Dispatcher(), PacketSetPermissions, ext.handleSetPermissions)

	endpoint.BindJSON(endpoints, EndpointGet, nil,
		func(_ context.Context, s *server.Session, req Ref) ([]byte, error) {
			if err := ext.check(s, req.Registry, false); err != nil {
				return nil, err
			}
			v, _ := ext.Get(req.Registry)
			return v, nil
		})
	return ext
}

func (ext *Extension) get(id identifier.ID) *entry {
	e, ok := ext.entries[id.Key()]
	if !ok {
		e = &entry{observers: make(map[*server.Session]func())}
		ext.entries[id.Key()] = e
	}
	return e
}

// Get returns the latest value for id and whether one has been set.
func (ext *Extension) Get(id identifier.ID) ([]byte, bool) {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	e := ext.get(id)
	return e.value, e.set
}

// Set stores a value server-side and notifies listeners. Last write
// wins; there is no merge.
func (ext *Extension) Set(id identifier.ID, value []byte) {
	ext.mu.Lock()
	e := ext.get(id)
	e.value = value
	e.set = true
	observers := make([]*server.Session, 0, len(e.observers))
	for s := range e.observers {
		observers = append(observers, s)
	}
	ext.mu.Unlock()
	for _, s := range observers {
		_ = server.Send(s, PacketUpdate, Value{Registry: id, Value: value})
	}
}

// check verifies the read or write gate for a registry, when one is
// configured.
func (ext *Extension) check(s *server.Session, id identifier.ID, write bool) error {
	ext.mu.Lock()
	e := ext.get(id)
	perm := e.permRead
	if write {
		perm = e.permWrite
	}
	ext.mu.Unlock()
	if perm == nil {
		return nil
	}
	return s.CheckPermissions(*perm)
}

func (ext *Extension) handleSetPermissions(_ context.Context, s *server.Session, p Permissions) error {
	if !s.Trusted() && !p.Registry.IsSubpathOf(s.App().ID) {
		return &protocol.ConflictError{ID: p.Registry, Message: "registry id is not under the session's app id"}
	}
	ext.mu.Lock()
	e := ext.get(p.Registry)
	e.permRead = p.Read
	e.permWrite = p.Write
	ext.mu.Unlock()
	return nil
}

func (ext *Extension) handleListen(_ context.Context, s *server.Session, ref Ref) error {
	if err := ext.check(s, ref.Registry, false); err != nil {
		return err
	}
	ext.mu.Lock()
	e := ext.get(ref.Registry)
	if _, ok := e.observers[s]; ok {
		ext.mu.Unlock()
		return nil
	}
	unsub := s.Disconnected.Listen(func(*server.Session) { ext.unobserve(ref.Registry, s) })
	e.observers[s] = unsub
	sendCurrent := e.set
	value := e.value
	ext.mu.Unlock()

	// A new listener immediately receives the latest snapshot.
	if sendCurrent {
		return server.Send(s, PacketUpdate, Value{Registry: ref.Registry, Value: value})
	}
	return nil
}

func (ext *Extension) handleUnlisten(_ context.Context, s *server.Session, ref Ref) error {
	ext.unobserve(ref.Registry, s)
	return nil
}

func (ext *Extension) unobserve(id identifier.ID, s *server.Session) {
	ext.mu.Lock()
	e := ext.get(id)
	unsub, ok := e.observers[s]
	delete(e.observers, s)
	ext.mu.Unlock()
	if ok {
		unsub()
	}
}

func (ext *Extension) handleUpdate(_ context.Context, s *server.Session, v Value) error {
	if err := ext.check(s, v.Registry, true); err != nil {
		return err
	}
	ext.Set(v.Registry, v.Value)
	return nil
}

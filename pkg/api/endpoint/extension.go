// Package endpoint implements the request/response primitive: a
// caller sends a correlated request to a named endpoint and awaits
// exactly one response or a typed error. Endpoints are served either
// by in-process handlers or by a connected session that registered
// them.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

// Handler serves one endpoint in-process.
type Handler func(ctx context.Context, s *server.Session, req []byte) ([]byte, error)

type registration struct {
	permission *identifier.ID

	// Exactly one of handler and provider is set.
	handler  Handler
	provider *server.Session
}

// pending tracks one routed session-to-session call awaiting its
// response.
type pending struct {
	caller   *server.Session
	provider *server.Session
}

type callKey struct {
	endpoint string
	key      uint64
}

// Extension is the endpoint registry and call router.
type Extension struct {
	srv    *server.Server
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*registration
	calls     map[callKey]*pending
}

// New wires the endpoint extension into the server's dispatcher.
func New(srv *server.Server) *Extension {
	ext := &Extension{
		srv:       srv,
		logger:    srv.Logger().With("component", "endpoint"),
		endpoints: make(map[string]*registration),
		calls:     make(map[callKey]*pending),
	}
	srv.Dispatcher().MustRegister(PacketRegister, PacketCall, PacketReceive, PacketError)
	server.Bind(srv.Dispatcher(), PacketRegister, ext.handleRegister)
	server.Bind(srv.Dispatcher(), PacketCall, ext.handleCall)
	server.Bind(srv.Dispatcher(), PacketReceive, ext.handleReceive)
	server.Bind(srv.Dispatcher(), PacketError, ext.handleError)
	srv.Sessions().Disconnected.Listen(ext.onSessionGone)
	return ext
}

// onSessionGone drops a departed session's registrations, fails every
// call still awaiting a response from it with a typed error, and
// discards calls it had issued itself.
func (ext *Extension) onSessionGone(s *server.Session) {
	type failed struct {
		caller *server.Session
		data   ErrorData
	}
	var fails []failed

	ext.mu.Lock()
	for key, reg := range ext.endpoints {
		if reg.provider == s {
			delete(ext.endpoints, key)
		}
	}
	for ck, p := range ext.calls {
		switch {
		case p.provider == s:
			delete(ext.calls, ck)
			id, err := identifier.Parse(ck.endpoint)
			if err != nil {
				continue
			}
			fails = append(fails, failed{caller: p.caller, data: ErrorData{
				Endpoint: id,
				Key:      ck.key,
				Error:    "endpoint provider disconnected",
			}})
		case p.caller == s:
			delete(ext.calls, ck)
		}
	}
	ext.mu.Unlock()

	for _, f := range fails {
		_ = server.Send(f.caller, PacketError, f.data)
	}
}

// Bind registers an in-process handler for an endpoint, optionally
// gated by a permission id. Binding an id that is already served is a
// ConflictError.
func (ext *Extension) Bind(id identifier.ID, permission *identifier.ID, handler Handler) error {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	if _, ok := ext.endpoints[id.Key()]; ok {
		return &protocol.ConflictError{ID: id, Message: "endpoint already registered"}
	}
	ext.endpoints[id.Key()] = &registration{permission: permission, handler: handler}
	return nil
}

// MustBind is Bind for startup wiring.
func (ext *Extension) MustBind(id identifier.ID, permission *identifier.ID, handler Handler) {
	if err := ext.Bind(id, permission, handler); err != nil {
		panic(err)
	}
}

// BindJSON adapts a typed request/response function to a Handler with
// JSON codecs on both sides.
func BindJSON[Req, Res any](ext *Extension, id identifier.ID, permission *identifier.ID, fn func(ctx context.Context, s *server.Session, req Req) (Res, error)) {
	ext.MustBind(id, permission, func(ctx context.Context, s *server.Session, raw []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, protocol.NewProtocolError(protocol.ReasonInvalidPacketData, "malformed request for "+id.Key(), err)
		}
		res, err := fn(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
}

func (ext *Extension) handleRegister(_ context.Context, s *server.Session, regs []Registration) error {
	for _, reg := range regs {
		// Sessions may only register endpoints under their own id.
		if !s.Trusted() && !reg.ID.IsSubpathOf(s.App().ID) {
			return &protocol.ConflictError{ID: reg.ID, Message: "endpoint id is not under the session's app id"}
		}
		ext.mu.Lock()
		if existing, ok := ext.endpoints[reg.ID.Key()]; ok && (existing.handler != nil || existing.provider != s) {
			ext.mu.Unlock()
			return &protocol.ConflictError{ID: reg.ID, Message: "endpoint already registered"}
		}
		ext.endpoints[reg.ID.Key()] = &registration{permission: reg.Permission, provider: s}
		ext.mu.Unlock()
	}
	return nil
}

func (ext *Extension) handleCall(ctx context.Context, s *server.Session, d CallData) error {
	ext.mu.Lock()
	reg, ok := ext.endpoints[d.Endpoint.Key()]
	ext.mu.Unlock()
	if !ok {
		return ext.sendError(s, d, "no such endpoint")
	}

	if reg.permission != nil {
		if err := s.CheckPermissions(*reg.permission); err != nil {
			if sendErr := ext.sendError(s, d, err.Error()); sendErr != nil {
				return sendErr
			}
			return err
		}
	}

	if reg.handler != nil {
		// In-process endpoints run off the session's read loop so a
		// slow handler cannot stall the connection.
		go ext.invoke(ctx, s, reg.handler, d)
		return nil
	}

	ck := callKey{endpoint: d.Endpoint.Key(), key: d.Key}
	ext.mu.Lock()
	if _, exists := ext.calls[ck]; exists {
		ext.mu.Unlock()
		return ext.sendError(s, d, fmt.Sprintf("call %d already outstanding", d.Key))
	}
	ext.calls[ck] = &pending{caller: s, provider: reg.provider}
	ext.mu.Unlock()

	if err := server.Send(reg.provider, PacketCall, d); err != nil {
		ext.mu.Lock()
		delete(ext.calls, ck)
		ext.mu.Unlock()
		return ext.sendError(s, d, "endpoint provider unavailable")
	}
	return nil
}

func (ext *Extension) invoke(ctx context.Context, s *server.Session, handler Handler, d CallData) {
	res, err := handler(ctx, s, d.Payload)
	if err != nil {
		ext.logger.Warn("endpoint handler failed", "endpoint", d.Endpoint.Key(), "error", err)
		_ = ext.sendError(s, d, err.Error())
		return
	}
	_ = server.Send(s, PacketReceive, CallData{Endpoint: d.Endpoint, Key: d.Key, Payload: res})
}

// handleReceive routes a provider's response back to the caller that
// opened the correlation key.
func (ext *Extension) handleReceive(_ context.Context, s *server.Session, d CallData) error {
	ck := callKey{endpoint: d.Endpoint.Key(), key: d.Key}
	ext.mu.Lock()
	p, ok := ext.calls[ck]
	delete(ext.calls, ck)
	ext.mu.Unlock()
	if !ok {
		ext.logger.Warn("response with no outstanding call", "endpoint", d.Endpoint.Key(), "key", d.Key, "from", s.App().Key())
		return nil
	}
	return server.Send(p.caller, PacketReceive, d)
}

func (ext *Extension) handleError(_ context.Context, s *server.Session, e ErrorData) error {
	ck := callKey{endpoint: e.Endpoint.Key(), key: e.Key}
	ext.mu.Lock()
	p, ok := ext.calls[ck]
	delete(ext.calls, ck)
	ext.mu.Unlock()
	if !ok {
		return nil
	}
	return server.Send(p.caller, PacketError, e)
}

func (ext *Extension) sendError(s *server.Session, d CallData, msg string) error {
	return server.Send(s, PacketError, ErrorData{Endpoint: d.Endpoint, Key: d.Key, Error: msg})
}

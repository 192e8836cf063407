// Package table implements the keyed-collection primitive: server
// authoritative Identifier-to-bytes maps whose mutations fan out only
// to observing sessions.
package table

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

// Extension owns every table and binds the table packets and
// endpoints.
type Extension struct {
	srv    *server.Server
	logger *slog.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// New wires the table extension into the server.
func New(srv *server.Server, endpoints *endpoint.Extension) *Extension {
	ext := &Extension{
		srv:    srv,
		logger: srv.Logger().With("component", "table"),
		tables: make(map[string]*Table),
	}
	srv.Dispatcher().MustRegister(
		PacketListen, PacketUnlisten,
		PacketItemAdd, PacketItemUpdate, PacketItemRemove, PacketClear,
		PacketSetPermissions,
	)
	server.Bind(srv.Dispatcher(), PacketListen, ext.handleListen)
	server.Bind(srv.Dispatcher(), PacketUnlisten, ext.handleUnlisten)
	server.Bind(srv.Dispatcher(), PacketItemAdd, ext.handleAdd)
	server.Bind(srv.Dispatcher(), PacketItemUpdate, ext.handleUpdate)
	server.Bind(srv.Dispatcher(), PacketItemRemove, ext.handleRemove)
	server.Bind(srv.Dispatcher(), PacketClear, ext.handleClear)
	server.Bind(srv.Dispatcher(), PacketSetPermissions, ext.handleSetPermissions)

	endpoint.BindJSON(endpoints, EndpointGet, nil,
		func(_ context.Context, s *server.Session, req GetRequest) (map[string][]byte, error) {
			t := ext.Get(req.Table)
			if err := ext.checkRead(s, t); err != nil {
				return nil, err
			}
			return t.Get(req.Keys...), nil
		})
	endpoint.BindJSON(endpoints, EndpointFetch, nil,
		func(_ context.Context, s *server.Session, req FetchRequest) (map[string][]byte, error) {
			t := ext.Get(req.Table)
			if err := ext.checkRead(s, t); err != nil {
				return nil, err
			}
			items, _ := t.Fetch(req.Limit, req.Backward, req.Cursor)
			return items, nil
		})
	return ext
}

// Get returns the table for an id, creating it on first use.
func (ext *Extension) Get(id identifier.ID) *Table {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	t, ok := ext.tables[id.Key()]
	if !ok {
		t = newTable(id)
		ext.tables[id.Key()] = t
	}
	return t
}

func (ext *Extension) checkRead(s *server.Session, t *Table) error {
	return ext.check(s, t.permAll, t.permRead)
}

func (ext *Extension) checkWrite(s *server.Session, t *Table) error {
	return ext.check(s, t.permAll, t.permWrite)
}

func (ext *Extension) checkRemove(s *server.Session, t *Table) error {
	return ext.check(s, t.permAll, t.permRemove)
}

// check passes when the session holds the specific permission, the
// table-wide permission, or when neither is configured. The denial
// names the most specific requirement.
func (ext *Extension) check(s *server.Session, all, specific *identifier.ID) error {
	if all == nil && specific == nil {
		return nil
	}
	if specific != nil && s.CheckPermissions(*specific) == nil {
		return nil
	}
	if all != nil && s.CheckPermissions(*all) == nil {
		return nil
	}
	if specific != nil {
		return s.CheckPermissions(*specific)
	}
	return s.CheckPermissions(*all)
}

func (ext *Extension) handleListen(_ context.Context, s *server.Session, ref Ref) error {
	t := ext.Get(ref.Table)
	if err := ext.checkRead(s, t); err != nil {
		return err
	}
	t.Observe(s)
	return nil
}

func (ext *Extension) handleUnlisten(_ context.Context, s *server.Session, ref Ref) error {
	ext.Get(ref.Table).Unobserve(s)
	return nil
}

func (ext *Extension) handleAdd(_ context.Context, s *server.Session, b Items) error {
	t := ext.Get(b.Table)
	if err := ext.checkWrite(s, t); err != nil {
		return err
	}
	t.Add(b.Items)
	return nil
}

func (ext *Extension) handleUpdate(_ context.Context, s *server.Session, b Items) error {
	t := ext.Get(b.Table)
	if err := ext.checkWrite(s, t); err != nil {
		return err
	}
	t.Update(b.Items)
	return nil
}

func (ext *Extension) handleRemove(_ context.Context, s *server.Session, b Items) error {
	t := ext.Get(b.Table)
	if err := ext.checkRemove(s, t); err != nil {
		return err
	}
	t.Remove(sortedKeys(b.Items)...)
	return nil
}

func (ext *Extension) handleClear(_ context.Context, s *server.Session, ref Ref) error {
	t := ext.Get(ref.Table)
	if err := ext.checkRemove(s, t); err != nil {
		return err
	}
	t.Clear()
	return nil
}

// handleSetPermissions configures a table's permission gates. Only the
// table's owner (a session whose app id the table id is under) or a
// trusted session may do this.
func (ext *Extension) handleSetPermissions(_ context.Context, s *server.Session, p Permissions) error {
	if !s.Trusted() && !p.Table.IsSubpathOf(s.App().ID) {
		return &protocol.ConflictError{ID: p.Table, Message: "table id is not under the session's app id"}
	}
	ext.Get(p.Table).SetPermissions(p.All, p.Read, p.Write, p.Remove)
	return nil
}

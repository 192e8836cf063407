// Package api wires the built-in extensions into a server in
// dependency order.
package api

import (
	"github.com/apphub-dev/apphub/pkg/api/asset"
	"github.com/apphub-dev/apphub/pkg/api/dashboard"
	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/api/permission"
	"github.com/apphub-dev/apphub/pkg/api/registry"
	"github.com/apphub-dev/apphub/pkg/api/session"
	"github.com/apphub-dev/apphub/pkg/api/signal"
	"github.com/apphub-dev/apphub/pkg/api/table"
	"github.com/apphub-dev/apphub/pkg/server"
)

// Extensions bundles every built-in extension attached to a server.
type Extensions struct {
	Endpoint   *endpoint.Extension
	Dashboard  *dashboard.Extension
	Permission *permission.Extension
	Table      *table.Extension
	Registry   *registry.Extension
	Signal     *signal.Extension
	Session    *session.Extension
	Asset      *asset.Extension
}

// Attach wires all built-in extensions into srv. Assets persist
// through store.
func Attach(srv *server.Server, store asset.Store) *Extensions {
	endpoints := endpoint.New(srv)
	dash := dashboard.New(srv, endpoints)
	tables := table.New(srv, endpoints)
	return &Extensions{
		Endpoint:   endpoints,
		Dashboard:  dash,
		Permission: permission.New(srv, dash),
		Table:      tables,
		Registry:   registry.New(srv, endpoints),
		Signal:     signal.New(srv),
		Session:    session.New(srv, tables, endpoints),
		Asset:      asset.New(srv, endpoints, store),
	}
}

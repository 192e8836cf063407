// Package session exposes the hub's connected apps to other sessions:
// an observable sessions table, readiness waiters on other apps, and
// the token endpoints for spawning child and remote apps.
package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/api/table"
	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

var sessionNamespace = identifier.MustNew("core", "session")

// SessionsTableID addresses the table of connected apps.
var SessionsTableID = sessionNamespace.Join("sessions")

// ReadPermissionID gates observation of the sessions table.
var ReadPermissionID = sessionNamespace.Join("read")

// PacketRequire lists app ids this session needs READY before its own
// readiness completes.
var PacketRequire = protocol.JSONType[[]identifier.ID](sessionNamespace.Join("require"))

// Endpoints.
var (
	EndpointGenerateToken = sessionNamespace.Join("generate_token")
	EndpointRemoteApp     = sessionNamespace.Join("remote_app")
)

// TokenRequest mints a token for a child app of the caller.
type TokenRequest struct {
	App app.App `json:"app"`
}

// TokenResponse returns the minted token.
type TokenResponse struct {
	Token string `json:"token"`
}

// RemoteAppRequest spawns a remote app identity linked to the caller.
type RemoteAppRequest struct {
	App app.App `json:"app"`
}

// RemoteAppResponse carries the remote app descriptor and its token.
type RemoteAppResponse struct {
	App   app.App `json:"app"`
	Token string  `json:"token"`
}

// Extension mirrors the session registry into a table and serves the
// token endpoints.
type Extension struct {
	srv    *server.Server
	table  *table.Table
	logger *slog.Logger
}

// New wires the session extension into the server.
func New(srv *server.Server, tables *table.Extension, endpoints *endpoint.Extension) *Extension {
	ext := &Extension{
		srv:    srv,
		table:  tables.Get(SessionsTableID),
		logger: srv.Logger().With("component", "session"),
	}
	srv.Dispatcher().MustRegister(PacketRequire)
	server.Bind(srv.Dispatcher(), PacketRequire, ext.handleRequire)

	srv.Security().MustRegister(security.NewPermission(ReadPermissionID, security.LevelLow, "List connected apps"))
	read := ReadPermissionID
	ext.table.SetPermissions(nil, &read, nil, nil)

	srv.Sessions().Connected.Listen(ext.onConnected)
	srv.Sessions().Disconnected.Listen(ext.onDisconnected)

	endpoint.BindJSON(endpoints, EndpointGenerateToken, nil, ext.handleGenerateToken)
	endpoint.BindJSON(endpoints, EndpointRemoteApp, nil, ext.handleRemoteApp)
	return ext
}

func (ext *Extension) onConnected(s *server.Session) {
	data, err := json.Marshal(s.App())
	if err != nil {
		ext.logger.Warn("encoding app for sessions table failed", "app", s.App().Key(), "error", err)
		return
	}
	ext.table.Add(map[string][]byte{s.App().Key(): data})
}

func (ext *Extension) onDisconnected(s *server.Session) {
	ext.table.Remove(s.App().Key())
}

// handleRequire holds the session's readiness until every listed app
// id has a READY session.
func (ext *Extension) handleRequire(_ context.Context, s *server.Session, ids []identifier.ID) error {
	if len(ids) == 0 {
		return nil
	}
	done := ext.srv.Sessions().WaitReady(ids)
	return s.AddReadyTask(func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// handleGenerateToken mints a token for an app under the caller's own
// id, so a parent app can hand credentials to processes it spawns.
func (ext *Extension) handleGenerateToken(_ context.Context, s *server.Session, req TokenRequest) (TokenResponse, error) {
	if err := req.App.Validate(); err != nil {
		return TokenResponse{}, err
	}
	if !s.Trusted() && !req.App.ID.IsSubpathOf(s.App().ID) {
		return TokenResponse{}, &protocol.ConflictError{
			ID:      req.App.ID,
			Message: "app id is not under the requesting app",
		}
	}
	_, token, err := ext.srv.Security().GenerateAppToken(req.App)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{Token: token}, nil
}

// handleRemoteApp registers a remote app identity linked back to the
// caller through parent_id and returns its credentials.
func (ext *Extension) handleRemoteApp(_ context.Context, s *server.Session, req RemoteAppRequest) (RemoteAppResponse, error) {
	remote := req.App
	remote.Type = app.TypeRemote
	remote.ParentID = s.App().ID
	if err := remote.Validate(); err != nil {
		return RemoteAppResponse{}, err
	}
	_, token, err := ext.srv.Security().GenerateAppToken(remote)
	if err != nil {
		return RemoteAppResponse{}, err
	}
	return RemoteAppResponse{App: remote, Token: token}, nil
}

// Package permission implements dynamic capability registration and
// the interactive grant flow: sessions declare permission types under
// their own id, require grants before readiness, and receive grant
// packets once the dashboard approves.
package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apphub-dev/apphub/pkg/api/dashboard"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

var permissionNamespace = identifier.MustNew("core", "permission")

var (
	// PacketRegister declares permission types a session's app
	// exposes to others.
	PacketRegister = protocol.JSONType[[]security.PermissionType](permissionNamespace.Join("register"))
	// PacketRequire lists permission ids the session needs before it
	// can become ready.
	PacketRequire = protocol.JSONType[[]identifier.ID](permissionNamespace.Join("require"))
	// PacketGrant tells the session which permissions it now holds.
	PacketGrant = protocol.JSONType[[]security.PermissionType](permissionNamespace.Join("grant"))
)

// Extension binds the permission packets to the security manager and
// the dashboard approval flow.
type Extension struct {
	srv    *server.Server
	dash   *dashboard.Extension
	logger *slog.Logger
}

// New wires the permission extension into the server.
func New(srv *server.Server, dash *dashboard.Extension) *Extension {
	ext := &Extension{
		srv:    srv,
		dash:   dash,
		logger: srv.Logger().With("component", "permission"),
	}
	srv.Dispatcher().MustRegister(PacketRegister, PacketRequire, PacketGrant)
	server.Bind(srv.Dispatcher(), PacketRegister, ext.handleRegister)
	server.Bind(srv.Dispatcher(), PacketRequire, ext.handleRequire)
	return ext
}

// handleRegister records client-declared permission types. Every
// dynamically registered id must sit under the declaring app's own id;
// trusted sessions are not exempt from this check.
func (ext *Extension) handleRegister(_ context.Context, s *server.Session, perms []security.PermissionType) error {
	for _, p := range perms {
		if !p.ID.IsSubpathOf(s.App().ID) {
			return &protocol.ConflictError{
				ID:      p.ID,
				Message: "permission id is not under app " + s.App().Key(),
			}
		}
	}
	return ext.srv.Security().Register(true, perms...)
}

// handleRequire resolves the session's needed grants. Grants the
// session already holds are discounted; trusted sessions get the rest
// immediately; everyone else waits for dashboard approval via a
// deferred ready task, so the session's ready packet is held back
// until the operator decides.
func (ext *Extension) handleRequire(_ context.Context, s *server.Session, ids []identifier.ID) error {
	var missing []identifier.ID
	var missingTypes []security.PermissionType
	for _, id := range ids {
		if s.Permissions() != nil && s.Permissions().Has(id) {
			continue
		}
		pt, ok := ext.srv.Security().Permission(id)
		if !ok {
			return &protocol.ConflictError{ID: id, Message: "unknown permission"}
		}
		missing = append(missing, id)
		missingTypes = append(missingTypes, pt)
	}
	if len(missing) == 0 {
		return nil
	}

	if s.Trusted() {
		ext.grant(s, missing, missingTypes)
		return nil
	}

	return s.AddReadyTask(func(ctx context.Context) error {
		if err := ext.dash.Request(ctx, s, missingTypes); err != nil {
			return fmt.Errorf("permission request for %s: %w", s.App().Key(), err)
		}
		ext.grant(s, missing, missingTypes)
		return nil
	})
}

func (ext *Extension) grant(s *server.Session, ids []identifier.ID, types []security.PermissionType) {
	if s.Permissions() != nil {
		s.Permissions().GrantAll(ids...)
	}
	if err := server.Send(s, PacketGrant, types); err != nil {
		ext.logger.Warn("grant delivery failed", "app", s.App().Key(), "error", err)
	}
}

// Package dashboard tracks the privileged dashboard session and runs
// the interactive permission-approval round-trip on its behalf.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

var dashboardNamespace = identifier.MustNew("core", "dashboard")

// PermissionRequest asks the dashboard operator to approve a set of
// permissions for an app.
type PermissionRequest struct {
	RequestID   string                    `json:"request_id"`
	App         app.App                   `json:"app"`
	Permissions []security.PermissionType `json:"permissions"`
}

// Resolution is the dashboard's reply to one request.
type Resolution struct {
	RequestID string `json:"request_id"`
}

// PacketPermissionRequest is pushed to the dashboard session.
var PacketPermissionRequest = protocol.JSONType[PermissionRequest](dashboardNamespace.Join("permission_request"))

// Endpoints the dashboard calls to resolve requests.
var (
	EndpointAccept = dashboardNamespace.Join("permission", "accept")
	EndpointDeny   = dashboardNamespace.Join("permission", "deny")
)

// ErrDenied reports that the dashboard operator rejected the request.
var ErrDenied = errors.New("dashboard: permission request denied")

type pendingRequest struct {
	req     PermissionRequest
	session *server.Session
	result  chan error
	sent    bool
}

// Extension owns the current dashboard session and the outstanding
// permission requests.
type Extension struct {
	srv    *server.Server
	logger *slog.Logger

	mu        sync.Mutex
	dashboard *server.Session
	pending   map[string]*pendingRequest
}

// New wires the dashboard extension into the server.
func New(srv *server.Server, endpoints *endpoint.Extension) *Extension {
	ext := &Extension{
		srv:     srv,
		logger:  srv.Logger().With("component", "dashboard"),
		pending: make(map[string]*pendingRequest),
	}
	srv.Dispatcher().MustRegister(PacketPermissionRequest)

	srv.Sessions().Connected.Listen(ext.onConnected)

	endpoint.BindJSON(endpoints, EndpointAccept, nil,
		func(_ context.Context, s *server.Session, r Resolution) (struct{}, error) {
			return struct{}{}, ext.resolve(s, r.RequestID, nil)
		})
	endpoint.BindJSON(endpoints, EndpointDeny, nil,
		func(_ context.Context, s *server.Session, r Resolution) (struct{}, error) {
			return struct{}{}, ext.resolve(s, r.RequestID, ErrDenied)
		})
	return ext
}

// Current returns the live dashboard session, if one is connected.
func (ext *Extension) Current() (*server.Session, bool) {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	return ext.dashboard, ext.dashboard != nil
}

func (ext *Extension) onConnected(s *server.Session) {
	if s.Kind() != app.TypeDashboard {
		return
	}
	ext.mu.Lock()
	ext.dashboard = s
	queued := make([]*pendingRequest, 0, len(ext.pending))
	for _, p := range ext.pending {
		if !p.sent {
			p.sent = true
			queued = append(queued, p)
		}
	}
	ext.mu.Unlock()

	ext.logger.Info("dashboard connected", "app", s.App().Key())
	s.Disconnected.Listen(func(*server.Session) {
		ext.mu.Lock()
		if ext.dashboard == s {
			ext.dashboard = nil
		}
		// Requests already pushed to this dashboard go back to the
		// queue for the next one.
		for _, p := range ext.pending {
			p.sent = false
		}
		ext.mu.Unlock()
	})

	for _, p := range queued {
		_ = server.Send(s, PacketPermissionRequest, p.req)
	}
}

// Request forwards a permission request to the dashboard and blocks
// until the operator resolves it, the requesting session disconnects,
// or ctx is cancelled. Requests raised while no dashboard is connected
// queue until one arrives.
func (ext *Extension) Request(ctx context.Context, s *server.Session, perms []security.PermissionType) error {
	p := &pendingRequest{
		req: PermissionRequest{
			RequestID:   uuid.NewString(),
			App:         s.App(),
			Permissions: perms,
		},
		session: s,
		result:  make(chan error, 1),
	}

	ext.mu.Lock()
	ext.pending[p.req.RequestID] = p
	dash := ext.dashboard
	if dash != nil {
		p.sent = true
	}
	ext.mu.Unlock()

	if dash != nil {
		if err := server.Send(dash, PacketPermissionRequest, p.req); err != nil {
			ext.mu.Lock()
			p.sent = false
			ext.mu.Unlock()
		}
	}

	select {
	case err := <-p.result:
		return err
	case <-s.Context().Done():
		ext.drop(p.req.RequestID)
		return server.ErrSessionClosed
	case <-ctx.Done():
		ext.drop(p.req.RequestID)
		return ctx.Err()
	}
}

func (ext *Extension) drop(requestID string) {
	ext.mu.Lock()
	delete(ext.pending, requestID)
	ext.mu.Unlock()
}

// resolve completes a pending request. Only the dashboard session may
// resolve requests.
func (ext *Extension) resolve(s *server.Session, requestID string, outcome error) error {
	if s.Kind() != app.TypeDashboard {
		return &protocol.PermissionDeniedError{Message: "only the dashboard can resolve permission requests"}
	}
	ext.mu.Lock()
	p, ok := ext.pending[requestID]
	delete(ext.pending, requestID)
	ext.mu.Unlock()
	if !ok {
		return errors.New("dashboard: unknown permission request " + requestID)
	}
	p.result <- outcome
	return nil
}

package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
)

// pluginTokenTTL bounds how long a minted plugin token stays valid
// before the plugin process presents it.
const pluginTokenTTL = 5 * time.Minute

// Manager owns the permission-type registry, issues and validates
// per-app bearer tokens, and tracks the grant-set attached to each
// token. It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	address     string
	store       TokenStore
	permissions *identifier.Map[PermissionType]
	tokens      map[string]*tokenEntry
	now         func() time.Time
}

type tokenEntry struct {
	appKey  string
	grants  *identifier.Set
	kind    app.Type
	expires time.Time
}

// NewManager creates a security manager bound to the server address,
// persisting issued tokens through store.
func NewManager(address string, store TokenStore) *Manager {
	return &Manager{
		address:     address,
		store:       store,
		permissions: identifier.NewMap[PermissionType](),
		tokens:      make(map[string]*tokenEntry),
		now:         time.Now,
	}
}

// Register adds permission types to the registry. Registering the same
// id with a conflicting descriptor is a ConflictError unless overwrite
// is set (dynamic client registration passes overwrite after its
// subpath check).
func (m *Manager) Register(overwrite bool, perms ...PermissionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if existing, ok := m.permissions.Get(p.ID); ok && !overwrite {
			if existing.Level != p.Level {
				return &protocol.ConflictError{ID: p.ID, Message: "permission type already registered"}
			}
			continue
		}
		m.permissions.Set(p.ID, p)
	}
	return nil
}

// MustRegister is Register for startup wiring where a conflict is a
// programming error.
func (m *Manager) MustRegister(perms ...PermissionType) {
	if err := m.Register(false, perms...); err != nil {
		panic(err)
	}
}

// Permission looks up a registered permission type.
func (m *Manager) Permission(id identifier.ID) (PermissionType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permissions.Get(id)
}

// Handle is the grant-set attached to one issued token. Extension
// callbacks mutate it only through the owning session's lifecycle.
type Handle struct {
	mu     sync.Mutex
	grants *identifier.Set
	all    bool
	kind   app.Type
}

// Kind reports what kind of session the authenticating token
// authorizes. Privileged session types come only from here, never from
// the client's own declaration.
func (h *Handle) Kind() app.Type {
	if h.kind == "" {
		return app.TypeApp
	}
	return h.kind
}

// Has reports whether the single permission is granted.
func (h *Handle) Has(id identifier.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.all || h.grants.Has(id)
}

// HasAll reports whether every permission is granted.
func (h *Handle) HasAll(ids []identifier.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.all || h.grants.HasAll(ids)
}

// GrantAll adds the given permissions to the grant-set.
func (h *Handle) GrantAll(ids ...identifier.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.grants.Add(id)
	}
}

// Grants returns the granted permission ids, sorted.
func (h *Handle) Grants() []identifier.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grants.Values()
}

// Trusted reports whether the handle bypasses permission checks
// entirely (plugin tokens).
func (h *Handle) Trusted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.all
}

// GenerateAppToken mints a fresh token for an app, persists it, and
// returns the grant handle shared with any session that later
// authenticates with that token.
func (m *Manager) GenerateAppToken(a app.App) (*Handle, string, error) {
	token := uuid.NewString()
	m.mu.Lock()
	entry := &tokenEntry{appKey: a.ID.Key(), grants: identifier.NewSet(), kind: app.TypeApp}
	m.tokens[token] = entry
	m.mu.Unlock()
	if err := m.store.Store(m.address, a, token); err != nil {
		return nil, "", err
	}
	return &Handle{grants: entry.grants, kind: entry.kind}, token, nil
}

// GeneratePluginToken mints a one-shot token for a server-managed
// plugin: it is consumed on first validation and expires unused after
// pluginTokenTTL. Plugin sessions are implicitly trusted: their handle
// passes every permission check.
func (m *Manager) GeneratePluginToken() string {
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[token] = &tokenEntry{
		grants:  identifier.NewSet(),
		kind:    app.TypePlugin,
		expires: m.now().Add(pluginTokenTTL),
	}
	m.mu.Unlock()
	return token
}

// RegisterDashboardToken installs the operator-configured dashboard
// credential. Sessions authenticating with it are trusted and carry
// the dashboard kind; the token is reusable across reconnects.
func (m *Manager) RegisterDashboardToken(token string) {
	m.mu.Lock()
	m.tokens[token] = &tokenEntry{grants: identifier.NewSet(), kind: app.TypeDashboard}
	m.mu.Unlock()
}

// ValidateToken checks a token presented by app a during the
// handshake. Plugin tokens match any app identity exactly once and
// only before their deadline; the dashboard token matches any app
// identity and survives reconnects; app tokens must have been issued
// to the same app id.
func (m *Manager) ValidateToken(a app.App, token string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tokens[token]
	if !ok {
		return nil, false
	}
	switch entry.kind {
	case app.TypePlugin:
		delete(m.tokens, token)
		if m.now().After(entry.expires) {
			return nil, false
		}
		return &Handle{grants: entry.grants, all: true, kind: entry.kind}, true
	case app.TypeDashboard:
		return &Handle{grants: entry.grants, all: true, kind: entry.kind}, true
	}
	if entry.appKey != a.ID.Key() {
		return nil, false
	}
	return &Handle{grants: entry.grants, kind: entry.kind}, true
}

// StoredToken returns the persisted token for an app, if any. Used to
// re-admit a known app that reconnects without presenting a token.
func (m *Manager) StoredToken(a app.App) (string, bool) {
	return m.store.Get(m.address, a)
}

package security

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
)

func testApp(key string) app.App {
	return app.App{ID: identifier.MustParse(key)}
}

func TestRegisterConflict(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	p := NewPermission(identifier.MustParse("ns:app/read"), LevelLow, "Read")

	if err := m.Register(false, p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Idempotent re-registration of the same descriptor is allowed.
	if err := m.Register(false, p); err != nil {
		t.Fatalf("idempotent Register() error = %v", err)
	}
	conflicting := p
	conflicting.Level = LevelHigh
	if err := m.Register(false, conflicting); err == nil {
		t.Error("conflicting Register() should fail")
	}
	// Overwrite is allowed when requested.
	if err := m.Register(true, conflicting); err != nil {
		t.Errorf("overwrite Register() error = %v", err)
	}
	got, ok := m.Permission(p.ID)
	if !ok || got.Level != LevelHigh {
		t.Errorf("Permission() = %+v, %v", got, ok)
	}
}

func TestTokenIssueAndValidate(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	a := testApp("com.example:chat")

	handle, token, err := m.GenerateAppToken(a)
	if err != nil {
		t.Fatalf("GenerateAppToken() error = %v", err)
	}
	read := identifier.MustParse("ns:chat/read")
	handle.GrantAll(read)

	validated, ok := m.ValidateToken(a, token)
	if !ok {
		t.Fatal("ValidateToken() = false for issued token")
	}
	if !validated.Has(read) {
		t.Error("grants should be shared between issue and validate handles")
	}

	if _, ok := m.ValidateToken(testApp("com.example:other"), token); ok {
		t.Error("token must not validate for a different app id")
	}
	if _, ok := m.ValidateToken(a, "bogus"); ok {
		t.Error("unknown token must not validate")
	}
}

func TestPluginTokenIsTrusted(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	token := m.GeneratePluginToken()
	handle, ok := m.ValidateToken(testApp("com.example:plugin/obs"), token)
	if !ok {
		t.Fatal("plugin token should validate")
	}
	if !handle.Trusted() {
		t.Error("plugin handle should be trusted")
	}
	if !handle.Has(identifier.MustParse("ns:anything")) {
		t.Error("trusted handle should pass any permission check")
	}
	if handle.Kind() != app.TypePlugin {
		t.Errorf("Kind() = %q, want plugin", handle.Kind())
	}
}

func TestPluginTokenIsOneShot(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	token := m.GeneratePluginToken()
	a := testApp("com.example:plugin/obs")

	if _, ok := m.ValidateToken(a, token); !ok {
		t.Fatal("first validation should pass")
	}
	if _, ok := m.ValidateToken(a, token); ok {
		t.Fatal("plugin token validated twice")
	}
}

func TestPluginTokenExpires(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	base := time.Now()
	m.now = func() time.Time { return base }
	token := m.GeneratePluginToken()

	m.now = func() time.Time { return base.Add(pluginTokenTTL + time.Second) }
	if _, ok := m.ValidateToken(testApp("com.example:plugin/obs"), token); ok {
		t.Fatal("stale plugin token validated")
	}
}

func TestDashboardTokenSurvivesReconnects(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	m.RegisterDashboardToken("dash-secret")
	a := testApp("com.example:dash")

	for i := 0; i < 2; i++ {
		handle, ok := m.ValidateToken(a, "dash-secret")
		if !ok {
			t.Fatalf("validation %d failed", i+1)
		}
		if !handle.Trusted() || handle.Kind() != app.TypeDashboard {
			t.Fatalf("handle = trusted %v, kind %q", handle.Trusted(), handle.Kind())
		}
	}
}

func TestAppTokenKindIsOrdinary(t *testing.T) {
	m := NewManager("localhost:26423", NewMemoryTokenStore())
	a := testApp("com.example:chat")
	handle, _, err := m.GenerateAppToken(a)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Kind() != app.TypeApp {
		t.Errorf("Kind() = %q, want app", handle.Kind())
	}
	if handle.Trusted() {
		t.Error("ordinary app handle must not be trusted")
	}
}

func TestHandleHasAll(t *testing.T) {
	h := &Handle{grants: identifier.NewSet()}
	a, b := identifier.MustParse("ns:a"), identifier.MustParse("ns:b")
	h.GrantAll(a)
	if h.HasAll([]identifier.ID{a, b}) {
		t.Error("HasAll() should be false when a grant is missing")
	}
	h.GrantAll(b)
	if !h.HasAll([]identifier.ID{a, b}) {
		t.Error("HasAll() should be true with both grants")
	}
}

func TestFileTokenStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	a := testApp("com.example:chat")

	s, err := NewFileTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store("localhost:26423", a, "tok-1"); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	token, ok := reopened.Get("localhost:26423", a)
	if !ok || token != "tok-1" {
		t.Errorf("Get() after reopen = %q, %v", token, ok)
	}
	if _, ok := reopened.Get("otherhost:1", a); ok {
		t.Error("token must be scoped to the server address")
	}
}

func TestStaticTokenProvider(t *testing.T) {
	p := StaticTokenProvider{Token: "fixed"}
	token, ok := p.Get("any", testApp("ns:x"))
	if !ok || token != "fixed" {
		t.Errorf("Get() = %q, %v", token, ok)
	}
	if err := p.Store("any", testApp("ns:x"), "other"); err == nil {
		t.Error("Store() should fail for static provider")
	}
}

package plugin

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/client"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return server.New(cfg, security.NewMemoryTokenStore())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBuiltinPluginConnectsAsTrustedSession(t *testing.T) {
	srv := newTestServer(t)
	loader := NewLoader(srv, t.TempDir(), nil)

	var started *client.Client
	loader.RegisterBuiltin(Plugin{
		Name:    "greeter",
		Version: "1.0.0",
		Hooks: Hooks{
			OnStart: func(_ context.Context, c *client.Client) error {
				started = c
				return nil
			},
		},
	})

	ctx := context.Background()
	if errs := loader.LoadAll(ctx); len(errs) != 0 {
		t.Fatalf("load errors: %v", errs)
	}
	t.Cleanup(func() { loader.StopAll(ctx) })

	if started == nil {
		t.Fatal("on_start hook never ran")
	}
	instances := loader.Instances()
	if len(instances) != 1 || !instances[0].Alive() {
		t.Fatalf("instances = %v", instances)
	}

	id := AppID("greeter")
	waitFor(t, func() bool {
		_, ok := srv.Sessions().Find(id)
		return ok
	})
	s, _ := srv.Sessions().Find(id)
	if s.App().Type != app.TypePlugin {
		t.Errorf("session type = %q", s.App().Type)
	}
	if !s.Permissions().Trusted() {
		t.Error("plugin session not trusted")
	}
}

func TestLoadAllAggregatesRestartBeforeStart(t *testing.T) {
	srv := newTestServer(t)
	loader := NewLoader(srv, t.TempDir(), nil)

	startedA := false
	loader.RegisterBuiltin(Plugin{
		Name:    "a",
		Version: "1.0.0",
		Hooks: Hooks{
			OnInstall: func(context.Context) (bool, error) { return false, nil },
			OnStart: func(context.Context, *client.Client) error {
				startedA = true
				return nil
			},
		},
	})
	loader.RegisterBuiltin(Plugin{
		Name:    "b",
		Version: "1.0.0",
		Hooks: Hooks{
			OnInstall: func(context.Context) (bool, error) { return true, nil },
		},
	})

	ctx := context.Background()
	if errs := loader.LoadAll(ctx); len(errs) != 0 {
		t.Fatalf("load errors: %v", errs)
	}
	if !loader.RestartRequired() {
		t.Fatal("restart not aggregated")
	}
	// No plugin starts when any install hook demands a restart.
	if startedA {
		t.Error("plugin started despite pending restart")
	}
	if len(loader.Instances()) != 0 {
		t.Errorf("instances = %v", loader.Instances())
	}
}

func TestReloadRunsUpdateAndSupersedes(t *testing.T) {
	srv := newTestServer(t)
	loader := NewLoader(srv, t.TempDir(), nil)

	installs, updates, stops := 0, 0, 0
	loader.RegisterBuiltin(Plugin{
		Name:    "cycler",
		Version: "1.0.0",
		Hooks: Hooks{
			OnInstall: func(context.Context) (bool, error) { installs++; return false, nil },
			OnUpdate:  func(context.Context) (bool, error) { updates++; return false, nil },
			OnStop:    func(context.Context) error { stops++; return nil },
		},
	})

	ctx := context.Background()
	if errs := loader.LoadAll(ctx); len(errs) != 0 {
		t.Fatalf("first load: %v", errs)
	}
	first := loader.Instances()[0]

	if errs := loader.LoadAll(ctx); len(errs) != 0 {
		t.Fatalf("reload: %v", errs)
	}
	t.Cleanup(func() { loader.StopAll(ctx) })

	if installs != 1 || updates != 1 {
		t.Errorf("installs = %d, updates = %d", installs, updates)
	}
	if stops != 1 {
		t.Errorf("stops = %d, old instance not superseded", stops)
	}
	second := loader.Instances()[0]
	if first == second {
		t.Error("reload reused the old instance")
	}
	waitFor(t, func() bool { return second.Alive() && !first.Alive() })
}

func TestLoadAllResolvesDependenciesOnce(t *testing.T) {
	srv := newTestServer(t)
	installer := &fakeInstaller{}
	resolver := NewResolver(installedSet(nil), installer)
	loader := NewLoader(srv, t.TempDir(), resolver)

	loader.RegisterBuiltin(Plugin{
		Name: "x", Version: "1.0.0",
		Dependencies: map[string]string{"left": "*"},
	})
	loader.RegisterBuiltin(Plugin{
		Name: "y", Version: "1.0.0",
		Dependencies: map[string]string{"right": ">=1.0.0"},
	})

	ctx := context.Background()
	if errs := loader.LoadAll(ctx); len(errs) != 0 {
		t.Fatalf("load errors: %v", errs)
	}
	t.Cleanup(func() { loader.StopAll(ctx) })

	// Both plugins' requirements land in one installer invocation.
	if len(installer.calls) != 1 {
		t.Fatalf("installer invoked %d times", len(installer.calls))
	}
	if len(installer.calls[0]) != 2 {
		t.Fatalf("batch = %v", installer.calls[0])
	}
}

func TestParseChildArgs(t *testing.T) {
	args, err := ParseChildArgs([]string{
		"--address", "127.0.0.1:26423",
		"--token", "tok-1",
		"--parent-pid", "4242",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if args.Address != "127.0.0.1:26423" || args.Token != "tok-1" || args.ParentPID != 4242 {
		t.Fatalf("args = %+v", args)
	}

	if _, err := ParseChildArgs([]string{"--token", "tok-1"}); err == nil {
		t.Fatal("missing address accepted")
	}
}

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/client"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/server"
)

// pluginNamespace holds the app ids assigned to plugin sessions.
var pluginNamespace = identifier.MustNew("core", "plugin")

// terminateGrace is how long an isolated plugin gets to exit cleanly.
const terminateGrace = 5 * time.Second

// Instance is one running plugin: either an in-process client over a
// loopback transport or a supervised child process. Instances are
// replaced, not mutated, on reload.
type Instance struct {
	Plugin Plugin

	client *client.Client
	proc   *Supervised
	logger *slog.Logger
}

// AppID returns the app id a plugin's session connects under.
func AppID(name string) identifier.ID {
	return pluginNamespace.Join(name)
}

// startInstance launches one plugin against the server. The minted
// plugin token authenticates the session as trusted regardless of
// route.
func startInstance(ctx context.Context, srv *server.Server, p Plugin) (*Instance, error) {
	inst := &Instance{
		Plugin: p,
		logger: srv.Logger().With("component", "plugin", "plugin", p.Name),
	}
	token := srv.Security().GeneratePluginToken()
	a := app.App{
		ID:      AppID(p.Name),
		Version: p.Version,
		Type:    app.TypePlugin,
	}

	if p.Isolated {
		proc, err := Spawn(ctx, p.Entry, []string{
			"--address", srv.Config().Address,
			"--token", token,
			"--parent-pid", strconv.Itoa(os.Getpid()),
		}, nil)
		if err != nil {
			return nil, err
		}
		inst.proc = proc
		inst.logger.Info("isolated plugin started", "pid", proc.PID())
		return inst, nil
	}

	serverSide, clientSide := server.NewLoopback()
	go srv.Admit(serverSide)

	c := client.New(clientSide, a, client.Options{Token: token, Logger: srv.Logger()})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("plugin %s: connecting: %w", p.Name, err)
	}
	if err := c.Ready(ctx); err != nil {
		return nil, fmt.Errorf("plugin %s: readiness: %w", p.Name, err)
	}
	inst.client = c

	if p.Hooks.OnStart != nil {
		if err := p.Hooks.OnStart(ctx, c); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("plugin %s: on_start: %w", p.Name, err)
		}
	}
	inst.logger.Info("plugin started")
	return inst, nil
}

// Client returns the in-process client handle, when the plugin runs
// in-process.
func (inst *Instance) Client() (*client.Client, bool) {
	return inst.client, inst.client != nil
}

// Alive reports whether the instance is still running.
func (inst *Instance) Alive() bool {
	if inst.proc != nil {
		return inst.proc.Alive()
	}
	if inst.client != nil {
		select {
		case <-inst.client.Done():
			return false
		default:
			return true
		}
	}
	return false
}

// Stop tears the instance down: on_stop hook for in-process plugins,
// terminate-and-join for isolated ones.
func (inst *Instance) Stop(ctx context.Context) error {
	if inst.proc != nil {
		if err := inst.proc.Terminate(terminateGrace); err != nil {
			inst.logger.Warn("plugin terminated forcibly", "error", err)
		}
		return nil
	}
	if inst.Plugin.Hooks.OnStop != nil {
		if err := inst.Plugin.Hooks.OnStop(ctx); err != nil {
			return fmt.Errorf("plugin %s: on_stop: %w", inst.Plugin.Name, err)
		}
	}
	if inst.client != nil {
		return inst.client.Close()
	}
	return nil
}

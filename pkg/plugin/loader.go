package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/apphub-dev/apphub/pkg/server"
)

// LoadError records one plugin's failure with the stage that failed.
// Loading continues for other plugins.
type LoadError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Stage, e.Err)
}

// ExecInstaller shells out to a package-manager command, appending the
// batched specs to the configured argv.
type ExecInstaller struct {
	Command string
	Args    []string
}

func (i ExecInstaller) Install(ctx context.Context, specs []string) error {
	args := append(append([]string(nil), i.Args...), specs...)
	cmd := exec.CommandContext(ctx, i.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("installer %s: %w: %s", i.Command, err, out)
	}
	return nil
}

// Loader discovers, resolves, and runs plugins against one server.
type Loader struct {
	srv      *server.Server
	dir      string
	resolver *Resolver
	logger   *slog.Logger

	mu              sync.Mutex
	builtins        []Plugin
	instances       map[string]*Instance
	restartRequired bool

	watcher *fsnotify.Watcher
}

// NewLoader builds a loader over the plugins directory. The resolver
// may be nil when dependency management is not configured.
func NewLoader(srv *server.Server, dir string, resolver *Resolver) *Loader {
	return &Loader{
		srv:       srv,
		dir:       dir,
		resolver:  resolver,
		logger:    srv.Logger().With("component", "plugins"),
		instances: make(map[string]*Instance),
	}
}

// RegisterBuiltin adds an in-process plugin compiled into this server.
func (l *Loader) RegisterBuiltin(p Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builtins = append(l.builtins, p)
}

// RestartRequired reports whether any install/update hook in the last
// load pass demanded a full server restart.
func (l *Loader) RestartRequired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restartRequired
}

// Instances snapshots the running instances.
func (l *Loader) Instances() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		out = append(out, inst)
	}
	return out
}

// LoadAll runs one full pass: discover manifests, resolve every
// plugin's dependencies in one batch, run install/update hooks
// (aggregating restart_required before anything starts), then start
// each plugin. Failures are captured per plugin and do not abort the
// others.
func (l *Loader) LoadAll(ctx context.Context) []LoadError {
	var errs []LoadError

	discovered, err := Discover(l.dir)
	if err != nil {
		errs = append(errs, LoadError{Plugin: "*", Stage: "discover", Err: err})
	}
	l.mu.Lock()
	plugins := append(append([]Plugin(nil), l.builtins...), discovered...)
	l.mu.Unlock()

	// Plugins that vanished from the directory since the last pass
	// are stopped and uninstalled.
	known := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		known[p.Name] = true
	}
	l.mu.Lock()
	var removed []*Instance
	for name, inst := range l.instances {
		if !known[name] {
			removed = append(removed, inst)
			delete(l.instances, name)
		}
	}
	l.mu.Unlock()
	for _, inst := range removed {
		if err := inst.Stop(ctx); err != nil {
			errs = append(errs, LoadError{Plugin: inst.Plugin.Name, Stage: "stop", Err: err})
		}
		if inst.Plugin.Hooks.OnUninstall != nil {
			if err := inst.Plugin.Hooks.OnUninstall(ctx); err != nil {
				errs = append(errs, LoadError{Plugin: inst.Plugin.Name, Stage: "on_uninstall", Err: err})
			}
		}
	}

	// One batched resolution pass across every plugin's requirements.
	if l.resolver != nil {
		requirements := make(map[string]string)
		for _, p := range plugins {
			for name, constraint := range p.Dependencies {
				requirements[name] = constraint
			}
		}
		if _, err := l.resolver.Resolve(ctx, requirements); err != nil {
			errs = append(errs, LoadError{Plugin: "*", Stage: "resolve", Err: err})
			return errs
		}
	}

	// Install/update hooks run for every plugin before any starts, so
	// restart_required aggregates across the whole pass.
	restart := false
	var startable []Plugin
	for _, p := range plugins {
		l.mu.Lock()
		_, reloading := l.instances[p.Name]
		l.mu.Unlock()
		hook, stage := p.Hooks.OnInstall, "on_install"
		if reloading {
			hook, stage = p.Hooks.OnUpdate, "on_update"
		}
		if hook != nil {
			r, err := hook(ctx)
			if err != nil {
				errs = append(errs, LoadError{Plugin: p.Name, Stage: stage, Err: err})
				continue
			}
			restart = restart || r
		}
		startable = append(startable, p)
	}
	l.mu.Lock()
	l.restartRequired = restart
	l.mu.Unlock()
	if restart {
		l.logger.Info("restart required before plugins can start")
		return errs
	}

	for _, p := range startable {
		if err := l.start(ctx, p); err != nil {
			errs = append(errs, LoadError{Plugin: p.Name, Stage: "start", Err: err})
		}
	}
	for _, e := range errs {
		l.logger.Warn("plugin load failure", "plugin", e.Plugin, "stage", e.Stage, "error", e.Err)
	}
	return errs
}

func (l *Loader) start(ctx context.Context, p Plugin) error {
	l.mu.Lock()
	if old, ok := l.instances[p.Name]; ok {
		delete(l.instances, p.Name)
		l.mu.Unlock()
		if err := old.Stop(ctx); err != nil {
			l.logger.Warn("stopping superseded plugin", "plugin", p.Name, "error", err)
		}
	} else {
		l.mu.Unlock()
	}

	inst, err := startInstance(ctx, l.srv, p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.instances[p.Name] = inst
	l.mu.Unlock()
	return nil
}

// StopAll tears down every instance.
func (l *Loader) StopAll(ctx context.Context) {
	l.mu.Lock()
	instances := l.instances
	l.instances = make(map[string]*Instance)
	l.mu.Unlock()
	for name, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			l.logger.Warn("plugin stop failed", "plugin", name, "error", err)
		}
	}
}

// Watch reloads plugins when the plugins directory changes. Events
// within the debounce window collapse into one reload.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugin: creating watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("plugin: watching %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go func() {
		defer watcher.Close()
		const debounce = 500 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				l.logger.Info("plugins directory changed, reloading")
				l.LoadAll(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("plugin watcher error", "error", err)
			}
		}
	}()
	return nil
}

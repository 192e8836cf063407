// Package plugin implements plugin discovery, dependency resolution,
// and process isolation. Non-isolated plugins run inside the server
// process over a loopback transport; isolated plugins run as child OS
// processes that dial back over a real socket with a minted token.
package plugin

import (
	"context"

	"github.com/apphub-dev/apphub/pkg/client"
)

// Hooks are a plugin's optional lifecycle callbacks. Install and
// update hooks report whether a full server restart is needed before
// the plugin can run; the flag aggregates across all plugins processed
// in one resolution pass.
type Hooks struct {
	OnStart     func(ctx context.Context, c *client.Client) error
	OnStop      func(ctx context.Context) error
	OnInstall   func(ctx context.Context) (restartRequired bool, err error)
	OnUninstall func(ctx context.Context) error
	OnUpdate    func(ctx context.Context) (restartRequired bool, err error)
}

// Plugin is one loadable unit. Built-in plugins supply Hooks and run
// in-process; manifest-discovered plugins with an Entry command run
// isolated.
type Plugin struct {
	Name    string
	Version string

	// Isolated plugins run as a child OS process started from Entry.
	Isolated bool
	Entry    string

	// Dependencies maps package name to a semver range constraint.
	Dependencies map[string]string

	Hooks Hooks
}

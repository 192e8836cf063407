package plugin

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/client"
)

// ChildArgs are the credentials an isolated plugin child receives on
// its command line.
type ChildArgs struct {
	Address   string
	Token     string
	ParentPID int
}

// ParseChildArgs reads the argv the loader passes to an isolated
// plugin entry command.
func ParseChildArgs(args []string) (ChildArgs, error) {
	fs := flag.NewFlagSet("plugin-child", flag.ContinueOnError)
	var c ChildArgs
	fs.StringVar(&c.Address, "address", "", "hub server address")
	fs.StringVar(&c.Token, "token", "", "minted plugin token")
	fs.IntVar(&c.ParentPID, "parent-pid", 0, "server process id")
	if err := fs.Parse(args); err != nil {
		return ChildArgs{}, err
	}
	if c.Address == "" || c.Token == "" {
		return ChildArgs{}, fmt.Errorf("plugin child: missing --address or --token")
	}
	return c, nil
}

// RunChild is the isolated plugin main loop: dial the hub with the
// minted token, authenticate as a plugin app, start the parent
// watchdog, then hand control to run until the connection or the
// parent goes away.
func RunChild(ctx context.Context, name string, args ChildArgs, run func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if args.ParentPID > 0 {
		go WatchParent(ctx, int32(args.ParentPID), time.Second, cancel)
	}

	c, err := client.Dial(ctx, args.Address, app.App{
		ID:   AppID(name),
		Type: app.TypePlugin,
	}, client.Options{Token: args.Token})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.Ready(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- run(ctx, c) }()
	select {
	case err := <-done:
		return err
	case <-c.Done():
		return client.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

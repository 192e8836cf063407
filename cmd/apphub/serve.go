package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/apphub-dev/apphub/internal/config"
	"github.com/apphub-dev/apphub/pkg/api"
	"github.com/apphub-dev/apphub/pkg/api/asset"
	"github.com/apphub-dev/apphub/pkg/plugin"
	"github.com/apphub-dev/apphub/pkg/security"
	"github.com/apphub-dev/apphub/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		address    string
		dataDir    string
		configFile string
		tokenFile  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Address = address
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if tokenFile != "" {
				cfg.TokenFile = tokenFile
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (host:port)")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for persisted state")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to apphub.json")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to the token store file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	tokens, err := security.NewFileTokenStore(cfg.TokenFile)
	if err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Address:        cfg.Address,
		DataDir:        cfg.DataDir,
		BuildHash:      commit,
		TrustedOrigins: cfg.TrustedOrigins,
		DashboardToken: cfg.DashboardToken,
		Logger:         logger,
	}, tokens)

	store, err := assetStore(ctx, cfg)
	if err != nil {
		return err
	}
	api.Attach(srv, store)

	var resolver *plugin.Resolver
	if cfg.Installer.Command != "" {
		index := plugin.FileIndex(filepath.Join(cfg.PluginsDir, "packages.json"))
		resolver = plugin.NewResolver(index, plugin.ExecInstaller{
			Command: cfg.Installer.Command,
			Args:    cfg.Installer.Args,
		})
	}
	plugins := plugin.NewLoader(srv, cfg.PluginsDir, resolver)
	plugins.LoadAll(ctx)
	if plugins.RestartRequired() {
		logger.Info("plugin installation requires a restart")
		return restart(srv)
	}
	if err := plugins.Watch(ctx); err != nil {
		logger.Warn("plugin hot-reload disabled", "error", err)
	}
	defer plugins.StopAll(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if srv.RestartRequested() {
		return restart(srv)
	}
	return nil
}

// restart re-execs the server with the same arguments and exits with
// the sentinel code so an external supervisor can also react.
func restart(srv *server.Server) error {
	_ = srv.Stop()
	if _, err := server.Reexec(); err != nil {
		return fmt.Errorf("re-exec failed: %w", err)
	}
	os.Exit(server.RestartExitCode)
	return nil
}

func assetStore(ctx context.Context, cfg *config.Config) (asset.Store, error) {
	switch cfg.Assets.Backend {
	case "", "dir":
		return asset.NewDirStore(cfg.Assets.Dir)
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return asset.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Assets.Bucket, cfg.Assets.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown asset backend %q", cfg.Assets.Backend)
	}
}

package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/devcollab"
	"pkt.systems/devcollab/coordinator"
	"pkt.systems/devcollab/internal/appconfig"
	"pkt.systems/devcollab/internal/execbackend"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var backendURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if backendURL != "" {
				cfg.Backend.URL = backendURL
			}

			var runner execbackend.Runner
			opts := []devcollab.ServerOption{devcollab.WithCoordinator()}
			if strings.TrimSpace(cfg.Backend.URL) != "" {
				client, err := execbackend.NewHTTPClient(cfg.Backend.HTTPConfig())
				if err != nil {
					return err
				}
				runner = client
				logger.Info("execution backend selected", "backend", "http", "url", cfg.Backend.URL)
			} else {
				runner = &execbackend.Mock{Delay: time.Duration(cfg.Backend.Mock.DelayMillis) * time.Millisecond}
				logger.Info("execution backend selected", "backend", "mock")
			}

			serverCfg := devcollab.ServerConfig{
				Service: cfg.Service.Schema(),
				Coordinator: coordinator.Config{
					Addr: cfg.Coordinator.Addr,
					Path: cfg.Coordinator.Path,
				},
			}
			server, err := devcollab.New(serverCfg, devcollab.ServerDeps{
				Runner: runner,
				Logger: logger,
			}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("coordinator listening", "addr", cfg.Coordinator.Addr, "path", cfg.Coordinator.Path)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "execution backend base URL (overrides config)")
	return cmd
}

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/devcollab"
	"pkt.systems/devcollab/internal/appconfig"
	"pkt.systems/pslog"
)

func newMockRunnerCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var delayMillis int
	cmd := &cobra.Command{
		Use:   "mockrunner",
		Short: "Start a standalone mock execution backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Backend.Mock.Addr = addr
			}
			if delayMillis >= 0 {
				cfg.Backend.Mock.DelayMillis = delayMillis
			}

			server, err := devcollab.New(devcollab.ServerConfig{
				MockBackend: devcollab.MockBackendConfig{
					Addr:  cfg.Backend.Mock.Addr,
					Delay: time.Duration(cfg.Backend.Mock.DelayMillis) * time.Millisecond,
				},
			}, devcollab.ServerDeps{Logger: logger}, devcollab.WithMockBackend())
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
			logger.Info("mock backend listening", "addr", cfg.Backend.Mock.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().IntVar(&delayMillis, "delay-ms", -1, "simulated execution latency in milliseconds")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/potluck-btc/potluck/internal/config"
	"github.com/potluck-btc/potluck/internal/observability"
	"github.com/potluck-btc/potluck/internal/relayserver"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		Long: `Start the relay daemon.

Examples:
  potluck-relay serve                         # in-memory backlog
  potluck-relay serve --addr :8480
  potluck-relay serve --redis-addr localhost:6379
  potluck-relay serve --backlog-limit 10000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			obs, err := observability.New(ctx, cfg.Observability, nil)
			if err != nil {
				return fmt.Errorf("init observability: %w", err)
			}
			log := obs.Logger.WithComponent("relay")

			var backlog relayserver.Backlog
			if cfg.Relay.RedisAddr != "" {
				backlog = relayserver.NewRedisBacklog(cfg.Relay.RedisAddr, cfg.Relay.BacklogLimit, obs.Logger)
				log.Info("using redis backlog", "addr", cfg.Relay.RedisAddr, "limit", cfg.Relay.BacklogLimit)
			} else {
				backlog = relayserver.NewMemoryBacklog(cfg.Relay.BacklogLimit)
				log.Info("using in-memory backlog", "limit", cfg.Relay.BacklogLimit)
			}
			obs.Shutdown.Register("backlog", func(context.Context) error { return backlog.Close() })

			srv := relayserver.New(backlog,
				relayserver.WithLogger(log),
				relayserver.WithRegisterer(obs.Registry),
			)

			httpSrv := &http.Server{
				Addr:              cfg.Relay.Addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			obs.Shutdown.Register("listener", httpSrv.Shutdown)

			obs.ServeMetrics(cfg.Observability.MetricsAddr)

			errCh := make(chan error, 1)
			go func() {
				log.Info("relay listening", "addr", cfg.Relay.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return obs.Close(shCtx)
		},
	}

	config.BindRelayFlags(cmd, v)
	cmd.Flags().String("config", "", "config file path")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "log format (json, text)")
	_ = v.BindPFlag("observability.log_level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", cmd.Flags().Lookup("log-format"))

	return cmd
}

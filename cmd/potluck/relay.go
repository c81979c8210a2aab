package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/potluck-btc/potluck/internal/config"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/relaypool"
)

func newRelayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay diagnostics",
	}
	cmd.AddCommand(newRelayHealthCmd(v))
	return cmd
}

func newRelayHealthCmd(v *viper.Viper) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the configured relays and report connection quality",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			endpoints := cfg.Endpoints()
			if len(endpoints) == 0 {
				return fmt.Errorf("no relays configured")
			}

			log := logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			pool := relaypool.New(endpoints, relaypool.WithLogger(log))
			if err := pool.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() { _ = pool.Close() }()

			// Dials are staggered by priority; give the pool a moment to
			// settle before classifying.
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(wait):
			}

			fmt.Printf("relays:  %d configured\n", len(endpoints))
			for _, ep := range endpoints {
				fmt.Printf("  %s\n", ep.URL)
			}
			fmt.Printf("health:  %s\n", pool.Health())
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "time to let connections settle")
	return cmd
}

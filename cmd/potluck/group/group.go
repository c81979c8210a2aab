// Package group holds the group lifecycle subcommands.
package group

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/potluck-btc/potluck/internal/config"
	"github.com/potluck-btc/potluck/internal/keyring"
	"github.com/potluck-btc/potluck/internal/store"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/relaypool"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage savings groups",
	}

	cmd.AddCommand(
		newCreateCmd(v),
	)

	return cmd
}

func dataDir(v *viper.Viper) string {
	if d := v.GetString("data_dir"); d != "" {
		return d
	}
	return config.DefaultDataDir()
}

func openKeyring(v *viper.Viper) *keyring.Keyring {
	return keyring.New(dataDir(v))
}

func loadKey(ctx context.Context, v *viper.Viper, kr *keyring.Keyring) (*keyring.Key, error) {
	if name := v.GetString("key"); name != "" {
		return kr.Load(ctx, name)
	}
	return kr.LoadOrGenerate(ctx, keyring.DefaultAlias)
}

func openStore(v *viper.Viper, cfg config.Config, log *logging.Logger) (store.Store, error) {
	if cfg.Store.Backend == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenBadger(filepath.Join(dataDir(v), "events"), log)
}

// teePublisher persists every outbound event locally before handing it to
// the relay pool, so group state refolds after restart even if no relay was
// reachable at publish time.
type teePublisher struct {
	st   store.Store
	pool *relaypool.Pool
}

func (t *teePublisher) Publish(ctx context.Context, ev *event.Event) error {
	if err := t.st.Put(ev); err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return t.pool.Publish(ctx, ev)
}

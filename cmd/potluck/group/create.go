package group

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/potluck-btc/potluck/internal/config"
	"github.com/potluck-btc/potluck/pkg/ledger"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/relaypool"
)

func newCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		threshold   int
		maxMembers  int
		displayName string
		xpub        string
		goalSats    int64
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a savings group",
		Long: `Create a new M-of-N savings group.

The creator is the first member. The multisig wallet materializes once
every member has registered an extended public key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			params, err := cfg.ChainParams()
			if err != nil {
				return err
			}

			log := logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

			kr := openKeyring(v)
			key, err := loadKey(ctx, v, kr)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			st, err := openStore(v, cfg, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			pool := relaypool.New(cfg.Endpoints(), relaypool.WithLogger(log))
			if err := pool.Connect(ctx); err != nil {
				return fmt.Errorf("connect relays: %w", err)
			}
			defer func() { _ = pool.Close() }()

			led := ledger.New(key.Keypair, kr, &teePublisher{st: st, pool: pool},
				ledger.WithNetwork(params),
				ledger.WithLogger(log),
			)

			g, err := led.CreateGroup(ctx, args[0], threshold, maxMembers, displayName)
			if err != nil {
				return fmt.Errorf("create group: %w", err)
			}
			if xpub != "" {
				if err := led.SetMemberXpub(ctx, g.ID, xpub); err != nil {
					return fmt.Errorf("register xpub: %w", err)
				}
			}
			if goalSats > 0 {
				if err := led.UpdateGoal(ctx, g.ID, goalSats); err != nil {
					return fmt.Errorf("set goal: %w", err)
				}
			}

			fmt.Printf("Group created: %s\n", g.DisplayName)
			fmt.Printf("  ID:         %s\n", g.ID)
			fmt.Printf("  Multisig:   %d-of-%d\n", g.Threshold, g.MaxMembers)
			fmt.Printf("  Network:    %s\n", params.Name)
			if goalSats > 0 {
				fmt.Printf("  Goal:       %d sats\n", goalSats)
			}
			if xpub == "" {
				fmt.Println("\nNo xpub registered; the wallet cannot materialize until every member registers one.")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&threshold, "threshold", "m", 2, "signatures required to spend")
	cmd.Flags().IntVarP(&maxMembers, "max-members", "n", 3, "total signing members")
	cmd.Flags().StringVar(&displayName, "display-name", "", "your display name inside the group")
	cmd.Flags().StringVar(&xpub, "xpub", "", "your extended public key for the multisig wallet")
	cmd.Flags().Int64Var(&goalSats, "goal", 0, "savings goal in satoshis")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/potluck-btc/potluck/cmd/potluck/group"
	"github.com/potluck-btc/potluck/cmd/potluck/keys"
	"github.com/potluck-btc/potluck/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "potluck",
		Short: "Group savings over multisig Bitcoin",
		Long: `Potluck coordinates shared savings groups over M-of-N multisig wallets.

All group state lives on the members' devices; relays only carry
encrypted envelopes.`,
	}

	config.BindClientFlags(rootCmd, v)

	rootCmd.PersistentFlags().StringP("key", "k", "", "key alias or public key hex")
	_ = v.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))

	rootCmd.AddCommand(
		keys.Entrypoint(v),
		group.Entrypoint(v),
		newRelayCmd(v),
		newWhoamiCmd(v),
		newVersionCmd(),
	)

	return rootCmd.Execute()
}

package keys

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <alias|public-key>",
		Short: "Show key details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kr := openKeyring(v)

			key, err := kr.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("key %q not found: %w", args[0], err)
			}

			fmt.Printf("Public Key: %s\n", key.PublicKey)
			fmt.Printf("Created At: %s\n", key.Metadata.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Key File:   %s\n", filepath.Join(dataDir(v), "keys", key.PublicKey+".key"))
			return nil
		},
	}
}

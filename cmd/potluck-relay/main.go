package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "potluck-relay",
		Short: "Potluck relay - encrypted event fan-out",
		Long: `The reference relay daemon.

Relays are dumb and untrusted: they verify event signatures, retain a
bounded backlog for replay, and fan events out to subscribers. They can
read nothing inside the envelopes they carry.`,
	}

	rootCmd.AddCommand(newServeCmd())

	return rootCmd.Execute()
}

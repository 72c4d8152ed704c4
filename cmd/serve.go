package cmd

import (
	"fmt"

	"peerdrop/internal/registry"
	"peerdrop/internal/relay"
	"peerdrop/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd runs the registry and signaling server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer registry and signaling server",
	Long: `Run the HTTP server that records transfers, relays connection setup
messages between peers and accepts completion notifications.

The registry is stored in the sqlite database at registry.database_path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServer(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, cancel := createContext()
		defer cancel()

		store, err := registry.Open(cfg.Registry)
		if err != nil {
			return err
		}
		defer store.Close()

		mem := relay.NewMemory(
			relay.WithHistorySize(cfg.Signaling.HistorySize),
			relay.WithTTL(cfg.Signaling.SessionTTL),
		)
		return server.New(cfg.Server, store, mem).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on (default :8080)")
	serveCmd.Flags().String("db", "", "registry database path")

	viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("registry.database_path", serveCmd.Flags().Lookup("db"))
}

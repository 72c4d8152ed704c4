package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"peerdrop/internal/apiclient"
	"peerdrop/internal/config"
	"peerdrop/internal/registry"
	"peerdrop/internal/relay"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "peerdrop - direct peer-to-peer file transfer",
	Long: `peerdrop sends a file straight from one machine to another over a WebRTC
data channel. A small server (or Firebase) only carries the connection setup
and records the transfer; file bytes never pass through it.

Usage:
  Run the server:  peerdrop serve
  Send a file:     peerdrop send --file /path/to/file
  Receive a file:  peerdrop receive --dst /path/to/dir --code Ab12Cd

The receiver verifies the SHA-256 checksum before the file is saved.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.peerdrop.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "", "peerdrop server URL")
	rootCmd.PersistentFlags().String("signaling", "", "signaling backend (server or firebase)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("signaling.server_url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("signaling.backend", rootCmd.PersistentFlags().Lookup("signaling"))

	// PEERDROP_SIGNALING_SERVER_URL overrides signaling.server_url
	viper.SetEnvPrefix("PEERDROP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.WithError(err).Warn("Could not find home directory")
			return
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".peerdrop")
	}

	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nReceived interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// createServices picks the registry and signaling relay the configuration
// asks for. The returned cleanup releases whatever was opened.
func createServices(ctx context.Context) (registry.Registry, relay.Relay, func(), error) {
	client := apiclient.New(cfg.Signaling.ServerURL)
	cleanup := func() {}

	var reg registry.Registry = client
	if cfg.Registry.Mode == config.RegistryLocal {
		store, err := registry.Open(cfg.Registry)
		if err != nil {
			return nil, nil, nil, err
		}
		reg = store
		cleanup = func() {
			if err := store.Close(); err != nil {
				logrus.WithError(err).Warn("Error closing registry")
			}
		}
	}

	var r relay.Relay = client
	if cfg.Signaling.Backend == config.BackendFirebase {
		fb, err := relay.NewFirebase(ctx, cfg.Firebase, cfg.Signaling.PollInterval)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		r = fb
	}

	return reg, r, cleanup, nil
}

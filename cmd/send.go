package cmd

import (
	"errors"

	"peerdrop/internal/app"
	"peerdrop/internal/file"
	"peerdrop/internal/negotiator"
	"peerdrop/internal/ui"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type SendFlags struct {
	FilePath      string
	Password      string
	MaxRecipients int
}

var sendFlags SendFlags

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a file to a peer",
	Long: `Send a file to a peer via WebRTC. This will:

1. Hash the file and register it, printing a transfer code
2. Wait for the receiver to connect using that code
3. Stream the file over the data channel once both sides are ready

Use --file to specify the path to the file you want to send.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateSendFlags(&sendFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logrus.WithField("file", sendFlags.FilePath).Info("Starting sender")
		return runSenderApp(cmd, &sendFlags)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendFlags.FilePath, "file", "f", "", "Path to file to send (required)")
	sendCmd.Flags().StringVarP(&sendFlags.Password, "password", "p", "", "Password the receiver must supply")
	sendCmd.Flags().IntVar(&sendFlags.MaxRecipients, "max-recipients", 1, "Number of completed downloads before the code is used up")

	sendCmd.MarkFlagRequired("file")
}

// validateSendFlags validates the send command flags
func validateSendFlags(flags *SendFlags) error {
	if flags.FilePath == "" {
		return errors.New("file path is required")
	}
	if flags.MaxRecipients < 1 {
		return errors.New("max recipients must be at least 1")
	}
	return nil
}

// runSenderApp creates and runs the sender application
func runSenderApp(cmd *cobra.Command, flags *SendFlags) error {
	ctx, cancel := createContext()
	defer cancel()

	reg, r, cleanup, err := createServices(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := &app.SenderOptions{
		FilePath:      flags.FilePath,
		Password:      flags.Password,
		MaxRecipients: flags.MaxRecipients,
	}

	senderApp := app.NewSenderApp(cfg, reg,
		app.NewPeerConnector(negotiator.Offerer, r, cfg.WebRTC),
		file.NewFileService(),
		ui.NewConsoleUI(cmd.InOrStdin(), cmd.OutOrStdout(), cfg.Registry.CodeLength),
	)
	return senderApp.Run(ctx, opts)
}

package cmd

import (
	"errors"
	"fmt"
	"os"

	"peerdrop/internal/app"
	"peerdrop/internal/file"
	"peerdrop/internal/negotiator"
	"peerdrop/internal/ui"
	"peerdrop/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type ReceiveFlags struct {
	DstPath  string
	Code     string
	Password string
}

var receiveFlags ReceiveFlags

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive a file from a peer",
	Long: `Receive a file from a peer via WebRTC. This will:

1. Look up the transfer code (prompting for it if --code is not given)
2. Connect to the sender and receive the file
3. Verify the checksum, confirm completion and save the file

Use --dst to specify the directory to save the received file in.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateReceiveFlags(&receiveFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logrus.WithField("dst", receiveFlags.DstPath).Info("Starting receiver")
		return runReceiverApp(cmd, &receiveFlags)
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&receiveFlags.DstPath, "dst", "d", ".", "Directory to save the received file in")
	receiveCmd.Flags().StringVarP(&receiveFlags.Code, "code", "c", "", "Transfer code from the sender")
	receiveCmd.Flags().StringVarP(&receiveFlags.Password, "password", "p", "", "Transfer password, if the sender set one")
}

// validateReceiveFlags validates the receive command flags
func validateReceiveFlags(flags *ReceiveFlags) error {
	if flags.DstPath == "" {
		return errors.New("destination path is required")
	}
	if info, err := os.Stat(flags.DstPath); err == nil && !info.IsDir() {
		return fmt.Errorf("destination path '%s' is not a directory", flags.DstPath)
	}
	if flags.Code != "" && !utils.IsValidCode(flags.Code, cfg.Registry.CodeLength) {
		return fmt.Errorf("code must be %d letters or digits", cfg.Registry.CodeLength)
	}
	return nil
}

// runReceiverApp creates and runs the receiver application
func runReceiverApp(cmd *cobra.Command, flags *ReceiveFlags) error {
	ctx, cancel := createContext()
	defer cancel()

	reg, r, cleanup, err := createServices(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := &app.ReceiverOptions{
		DestPath: flags.DstPath,
		Code:     flags.Code,
		Password: flags.Password,
	}

	receiverApp := app.NewReceiverApp(cfg, reg,
		app.NewPeerConnector(negotiator.Answerer, r, cfg.WebRTC),
		file.NewFileService(),
		ui.NewConsoleUI(cmd.InOrStdin(), cmd.OutOrStdout(), cfg.Registry.CodeLength),
	)
	_, err = receiverApp.Run(ctx, opts)
	return err
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerdrop/internal/config"
	"peerdrop/internal/file"
	"peerdrop/internal/registry"
	"peerdrop/internal/transfer"
	"peerdrop/internal/ui"
	"peerdrop/pkg/types"

	"github.com/sirupsen/logrus"
)

// SenderOptions configures the sender application behavior
type SenderOptions struct {
	FilePath      string // Required: path to file to send
	Password      string
	MaxRecipients int
}

// SenderApp registers a file, waits for the receiver and streams it.
type SenderApp struct {
	config    *config.Config
	registry  registry.Registry
	connector Connector
	files     *file.FileService
	ui        *ui.ConsoleUI
}

// NewSenderApp creates a new sender application
func NewSenderApp(
	cfg *config.Config,
	reg registry.Registry,
	connector Connector,
	files *file.FileService,
	console *ui.ConsoleUI,
) *SenderApp {
	return &SenderApp{
		config:    cfg,
		registry:  reg,
		connector: connector,
		files:     files,
		ui:        console,
	}
}

// Run sends one file to one receiver and returns once every chunk has been
// acknowledged.
func (s *SenderApp) Run(ctx context.Context, opts *SenderOptions) error {
	if opts.FilePath == "" {
		return errors.New("file path is required")
	}

	src, err := s.files.Open(opts.FilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	ticket, err := s.registry.CreateTransfer(ctx, types.CreateTransferRequest{
		Metadata:      src.Metadata,
		Password:      opts.Password,
		MaxRecipients: opts.MaxRecipients,
	})
	if err != nil {
		return fmt.Errorf("failed to register transfer: %w", err)
	}
	s.ui.ShowTicket(ticket, src.Metadata)

	log := logrus.WithFields(logrus.Fields{"role": "sender", "code": ticket.Code})

	link, err := s.connector.Connect(ctx, ticket.Code)
	if err != nil {
		return err
	}
	defer func() {
		if err := link.Close(); err != nil {
			log.WithError(err).Warn("Error closing peer connection")
		}
	}()

	sender := transfer.NewSender(link.Conn(), transfer.SenderOptions{
		ChunkSize:         s.config.WebRTC.ChunkSize,
		MaxBufferedAmount: s.config.WebRTC.MaxBufferedAmount,
		DrainPollInterval: s.config.WebRTC.DrainPollInterval,
		HandshakeTimeout:  s.config.WebRTC.HandshakeTimeout,
	})
	defer sender.Close()

	if err := sender.Load(src, src.Metadata); err != nil {
		return err
	}
	if err := sender.SetToken(ticket.Token); err != nil {
		return err
	}

	progress := ui.NewProgressUI(s.ui.Out(), "Sending")
	tracked := make(chan transfer.Event, 1)
	go func() {
		tracked <- progress.Track(ctx, sender.Events())
	}()

	if err := sender.WaitReady(ctx); err != nil {
		return fmt.Errorf("peer did not become ready: %w", err)
	}
	log.Info("Peer ready, starting transfer")

	if err := sender.StartTransfer(ctx); err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}

	// Closing before the receiver has everything would cut it off.
	ackCtx, cancel := context.WithTimeout(ctx, s.config.Transfer.AckTimeout)
	defer cancel()
	if err := sender.WaitAcknowledged(ackCtx); err != nil {
		log.WithError(err).Warn("Not every chunk was acknowledged")
	}

	select {
	case <-tracked:
	case <-time.After(time.Second):
	}
	s.ui.ShowTransferSummary("sent", src.Metadata, progress.Elapsed(), "")
	return nil
}

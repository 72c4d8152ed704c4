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

	"github.com/sirupsen/logrus"
)

var errIdle = errors.New("no data received from peer")

// ReceiverOptions configures the receiver application behavior
type ReceiverOptions struct {
	DestPath string // Required: destination directory to save received file
	Code     string // Prompted for when empty
	Password string
}

// ReceiverApp looks a code up, receives the file and saves it once the
// server has accepted the completion.
type ReceiverApp struct {
	config    *config.Config
	registry  registry.Registry
	connector Connector
	files     *file.FileService
	ui        *ui.ConsoleUI
}

// NewReceiverApp creates a new receiver application
func NewReceiverApp(
	cfg *config.Config,
	reg registry.Registry,
	connector Connector,
	files *file.FileService,
	console *ui.ConsoleUI,
) *ReceiverApp {
	return &ReceiverApp{
		config:    cfg,
		registry:  reg,
		connector: connector,
		files:     files,
		ui:        console,
	}
}

// Run receives one file and returns the path it was saved to.
func (r *ReceiverApp) Run(ctx context.Context, opts *ReceiverOptions) (string, error) {
	if opts.DestPath == "" {
		return "", errors.New("destination path is required")
	}

	code := opts.Code
	if code == "" {
		var err error
		if code, err = r.ui.InputCode(ctx); err != nil {
			return "", fmt.Errorf("failed to get code from user: %w", err)
		}
	}

	info, err := r.registry.LookupTransfer(ctx, code, opts.Password)
	if err != nil {
		return "", fmt.Errorf("failed to look up transfer %s: %w", code, err)
	}
	r.ui.ShowOffer(info)

	log := logrus.WithFields(logrus.Fields{"role": "receiver", "code": code})

	link, err := r.connector.Connect(ctx, code)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := link.Close(); err != nil {
			log.WithError(err).Warn("Error closing peer connection")
		}
	}()

	receiver := transfer.NewReceiver(link.Conn(), r.registry, transfer.ReceiverOptions{
		HandshakeTimeout: r.config.WebRTC.HandshakeTimeout,
		Expected:         &info.Metadata,
	})
	defer receiver.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watch(watchCtx, receiver, link, r.config.Transfer.IdleTimeout)

	progress := ui.NewProgressUI(r.ui.Out(), "Receiving")
	tracked := make(chan transfer.Event, 1)
	go func() {
		tracked <- progress.Track(watchCtx, receiver.Events())
	}()

	artifact, err := receiver.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("transfer failed: %w", err)
	}
	select {
	case <-tracked:
	case <-time.After(time.Second):
	}

	path, err := r.files.Save(opts.DestPath, artifact)
	if err != nil {
		return "", err
	}
	r.ui.ShowTransferSummary("received", artifact.Metadata, progress.Elapsed(), path)
	return path, nil
}

// watch aborts the receiver when the peer goes quiet or the link drops.
func watch(ctx context.Context, receiver *transfer.Receiver, link Link, idle time.Duration) {
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Done():
			receiver.Abort(link.Err())
			return
		case <-receiver.Closed():
			receiver.Abort(errLinkClosed)
			return
		case <-ticker.C:
			if time.Since(receiver.LastActivity()) > idle {
				receiver.Abort(errIdle)
				return
			}
		}
	}
}

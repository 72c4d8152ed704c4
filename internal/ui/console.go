package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"peerdrop/pkg/types"
	"peerdrop/pkg/utils"

	"github.com/dustin/go-humanize"
)

// ConsoleUI implements console-based interactive UI
type ConsoleUI struct {
	in         io.Reader
	out        io.Writer
	codeLength int
}

// NewConsoleUI creates a console UI reading from in and writing to out
func NewConsoleUI(in io.Reader, out io.Writer, codeLength int) *ConsoleUI {
	if codeLength <= 0 {
		codeLength = utils.DefaultCodeLength
	}
	return &ConsoleUI{in: in, out: out, codeLength: codeLength}
}

// Out is where messages and progress are written.
func (c *ConsoleUI) Out() io.Writer {
	return c.out
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// InputCode prompts until the user types a well-formed transfer code
func (c *ConsoleUI) InputCode(ctx context.Context) (string, error) {
	return utils.AskForCode(ctx, c.in, c.out, c.codeLength)
}

// ShowTicket prints what the sender needs to pass on to the receiver.
func (c *ConsoleUI) ShowTicket(ticket *types.Ticket, meta types.FileMetadata) {
	fmt.Fprintf(c.out, "\nReady to send %s (%s)\n", meta.Name, humanize.Bytes(uint64(meta.Size)))
	fmt.Fprintf(c.out, "Transfer code: %s\n", ticket.Code)
	fmt.Fprintf(c.out, "Code expires %s\n\n", humanize.Time(ticket.ExpiresAt))
}

// ShowOffer describes the file a code points at before the receiver connects.
func (c *ConsoleUI) ShowOffer(info *types.TransferInfo) {
	fmt.Fprintf(c.out, "Incoming file: %s (%s, %s)\n",
		info.Metadata.Name, humanize.Bytes(uint64(info.Metadata.Size)), info.Metadata.Type)
}

// ShowTransferSummary displays a summary of the completed transfer
func (c *ConsoleUI) ShowTransferSummary(operation string, meta types.FileMetadata, elapsed time.Duration, path string) {
	fmt.Fprintf(c.out, "\n=============================================\n")
	fmt.Fprintf(c.out, "File %s successfully!\n", operation)
	fmt.Fprintf(c.out, "+ File: %s\n", meta.Name)
	fmt.Fprintf(c.out, "+ Size: %s\n", humanize.Bytes(uint64(meta.Size)))
	fmt.Fprintf(c.out, "+ Transfer time: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(c.out, "+ Average throughput: %s/s\n", humanize.Bytes(throughput(meta.Size, elapsed)))
	fmt.Fprintf(c.out, "+ SHA-256: %s\n", meta.Checksum)
	if path != "" {
		fmt.Fprintf(c.out, "+ Saved to: %s\n", path)
	}
	fmt.Fprintf(c.out, "=============================================\n")
}

func throughput(bytes int64, elapsed time.Duration) uint64 {
	if elapsed <= 0 || bytes <= 0 {
		return 0
	}
	return uint64(float64(bytes) / elapsed.Seconds())
}

package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"peerdrop/internal/transfer"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// ProgressUI renders a session's events as a progress bar.
type ProgressUI struct {
	out       io.Writer
	operation string // "Sending" or "Receiving"
	bar       *progressbar.ProgressBar
	filename  string
	start     time.Time
}

func NewProgressUI(out io.Writer, operation string) *ProgressUI {
	return &ProgressUI{out: out, operation: operation}
}

func (p *ProgressUI) startProgress(filename string, totalBytes int64) {
	p.filename = filename
	p.start = time.Now()
	p.bar = progressbar.NewOptions64(totalBytes,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", p.operation, filename)),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// Track consumes events until the session ends and returns the terminal
// event. It returns nil if ctx ends first.
func (p *ProgressUI) Track(ctx context.Context, events <-chan transfer.Event) transfer.Event {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case transfer.ProgressEvent:
				p.update(ev.Progress)
			case transfer.StateEvent:
				logrus.WithFields(logrus.Fields{"from": ev.From, "to": ev.To}).Debug("Transfer state changed")
			case transfer.DoneEvent:
				p.update(ev.Progress)
				p.finish()
				return ev
			case transfer.FailedEvent:
				if p.bar != nil {
					_ = p.bar.Exit()
					fmt.Fprintln(p.out)
				}
				return ev
			}
		}
	}
}

func (p *ProgressUI) update(progress transfer.Progress) {
	if progress.Metadata == nil {
		return
	}
	if p.bar == nil {
		p.startProgress(progress.Metadata.Name, progress.TotalBytes)
	}
	_ = p.bar.Set64(progress.Bytes)

	elapsed := time.Since(p.start)
	if elapsed > 0 && progress.Bytes > 0 {
		p.bar.Describe(fmt.Sprintf("%s %s (%s/s)", p.operation, p.filename,
			humanize.Bytes(throughput(progress.Bytes, elapsed))))
	}
}

func (p *ProgressUI) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.out)
}

// Elapsed reports time since the first progress update.
func (p *ProgressUI) Elapsed() time.Duration {
	if p.start.IsZero() {
		return 0
	}
	return time.Since(p.start)
}

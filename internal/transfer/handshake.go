package transfer

import (
	"fmt"
	"time"

	"peerdrop/internal/codec"
	"peerdrop/internal/transport"
)

// handshake confirms the channel carries messages in both directions.
// Each side sends hello when the channel opens and answers the first hello
// it receives exactly once. It is embedded in both engines and guarded by
// the owning engine's lock.
type handshake struct {
	conn    transport.Connection
	text    string
	timeout time.Duration

	opened    bool
	confirmed bool
	replied   bool
	timer     *time.Timer
}

func (h *handshake) sendHello() error {
	frame, err := codec.EncodeHello(h.text, time.Now())
	if err != nil {
		return err
	}
	if err := h.conn.Send(frame); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	return nil
}

// open sends the opening hello and arms the timeout. It reports false if
// the channel had already been opened.
func (h *handshake) open(onTimeout func()) (bool, error) {
	if h.opened {
		return false, nil
	}
	h.opened = true
	if err := h.sendHello(); err != nil {
		return true, err
	}
	if h.timeout > 0 && !h.confirmed {
		h.timer = time.AfterFunc(h.timeout, onTimeout)
	}
	return true, nil
}

// observe records a peer hello. first is true only for the first one.
func (h *handshake) observe() (first bool, err error) {
	if h.confirmed {
		return false, nil
	}
	h.confirmed = true
	h.stop()
	if !h.replied {
		h.replied = true
		err = h.sendHello()
	}
	return true, err
}

func (h *handshake) stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DataChannel adapts a pion data channel to Connection.
type DataChannel struct {
	dc         *webrtc.DataChannel
	dispatcher *dispatcher
	drainedCh  chan struct{}

	closeOnce sync.Once
}

// NewDataChannel wraps dc and installs its callbacks. It must be called
// before the channel can deliver messages, i.e. directly after
// CreateDataChannel or inside the OnDataChannel callback.
func NewDataChannel(dc *webrtc.DataChannel, lowThreshold uint64) *DataChannel {
	c := &DataChannel{
		dc:         dc,
		dispatcher: newDispatcher(),
		drainedCh:  make(chan struct{}, 1),
	}

	log := logrus.WithFields(logrus.Fields{"label": dc.Label()})

	dc.OnOpen(func() {
		log.WithField("id", idOf(dc)).Debug("Data channel opened")
		c.dispatcher.push(event{kind: eventOpen})
	})
	dc.OnClose(func() {
		log.Debug("Data channel closed")
		c.pushClose()
	})
	dc.OnError(func(err error) {
		log.WithError(err).Warn("Data channel error")
		c.dispatcher.push(event{kind: eventError, err: err})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.dispatcher.push(event{kind: eventMessage, data: msg.Data})
	})

	dc.SetBufferedAmountLowThreshold(lowThreshold)
	dc.OnBufferedAmountLow(func() {
		signal(c.drainedCh)
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.dispatcher.push(event{kind: eventOpen})
	}

	return c
}

func idOf(dc *webrtc.DataChannel) uint16 {
	if id := dc.ID(); id != nil {
		return *id
	}
	return 0
}

func (c *DataChannel) pushClose() {
	c.closeOnce.Do(func() {
		c.dispatcher.push(event{kind: eventClose})
	})
}

func (c *DataChannel) Bind(h MessageHandler) {
	c.dispatcher.bind(h)
}

func (c *DataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send transmits data as a single text message.
func (c *DataChannel) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrChannelClosed
	}
	if err := c.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("failed to send data: %w", err)
	}
	return nil
}

func (c *DataChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *DataChannel) Drained() <-chan struct{} {
	return c.drainedCh
}

// Close closes the underlying channel, flushing queued messages first.
func (c *DataChannel) Close() error {
	var err error
	if c.dc.ReadyState() == webrtc.DataChannelStateOpen {
		err = c.dc.GracefulClose()
	}
	c.pushClose()
	return err
}

package message

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// HelloReply is written back automatically when a peer greets with "hello".
const HelloReply = "👋 Hello from receiver!"

// Writer is the part of a peer connection the classifier needs.
type Writer interface {
	WriteFrame(p []byte) error
}

// TransferSink receives file messages. It is implemented by transfer.Receiver.
type TransferSink interface {
	OnFileMeta(meta FileMeta) error
	OnFileChunk(chunk FileChunk) error
}

// Observer receives everything the classifier does not handle itself.
type Observer interface {
	// PeerConnected is called when the remote handshake sentinel arrives.
	PeerConnected(from string, conn Writer)
	// TextReceived is called for plain chat text.
	TextReceived(from string, text string)
	// MessageError reports a non-fatal problem with one inbound message.
	MessageError(from string, err error)
}

// Classifier decodes inbound frames and dispatches them. It holds no state of
// its own and never panics on bad input.
type Classifier struct {
	transfers TransferSink
	observer  Observer
	logger    *slog.Logger
}

// NewClassifier creates a classifier. logger may be nil.
func NewClassifier(transfers TransferSink, observer Observer, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		transfers: transfers,
		observer:  observer,
		logger:    logger,
	}
}

// Classify routes one raw frame from the peer named from, arriving on conn,
// and returns the kind it was treated as.
func (c *Classifier) Classify(from string, raw []byte, conn Writer) Kind {
	msg, err := Decode(raw)
	switch {
	case errors.Is(err, ErrUnknownMessageType):
		// Surface as chat so nothing typed by a human is lost.
		c.report(from, err)
		c.text(from, string(raw), conn)
		return KindPlainText
	case err != nil:
		c.report(from, err)
		return KindInvalid
	}

	switch msg.Kind {
	case KindConnected:
		c.logger.Debug("peer handshake received", "peer", from)
		if c.observer != nil {
			c.observer.PeerConnected(from, conn)
		}
	case KindFileMeta:
		if c.transfers != nil {
			if err := c.transfers.OnFileMeta(msg.Meta); err != nil {
				c.report(from, err)
			}
		}
	case KindFileChunk:
		if c.transfers != nil {
			if err := c.transfers.OnFileChunk(msg.Chunk); err != nil {
				c.report(from, err)
			}
		}
	default:
		c.text(from, msg.Text, conn)
	}
	return msg.Kind
}

func (c *Classifier) text(from, text string, conn Writer) {
	if IsHello(text) && conn != nil {
		if err := conn.WriteFrame(EncodeText(HelloReply)); err != nil {
			c.report(from, fmt.Errorf("hello reply: %w", err))
		}
	}
	if c.observer != nil {
		c.observer.TextReceived(from, text)
	}
}

func (c *Classifier) report(from string, err error) {
	c.logger.Warn("inbound message rejected", "peer", from, "error", err)
	if c.observer != nil {
		c.observer.MessageError(from, err)
	}
}

// IsHello reports whether text is a greeting that triggers HelloReply.
func IsHello(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "hello")
}

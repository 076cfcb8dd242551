// Package messaging connects CarePipe to patient messaging transports.
//
// A Service sends outbound text and exposes inbound messages and delivery
// receipts as channels; the Router turns inbound messages into buffered
// fragments and observations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone number and returns it
	// in "+digits" form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound patient messages. Delivery is
	// at-least-once.
	Responses() <-chan models.InboundMessage
}

// CanonicalPhone strips formatting from a phone number and returns it as
// "+digits".
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := nonDigits.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// channels holds the event channels shared by every transport.
type channels struct {
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
	log       *logger.Logger
}

func newChannels(log *logger.Logger) *channels {
	if log == nil {
		log = logger.NewNop()
	}
	return &channels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		log:       log,
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// close marks the transport stopped and closes both channels once.
func (c *channels) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
}

// emitReceipt holds the read lock while sending so close cannot race with it.
func (c *channels) emitReceipt(r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		c.log.Warn("messaging: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (c *channels) emitResponse(m models.InboundMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		c.log.Warn("messaging: dropping inbound message, service stopped", "from", m.From)
		return false
	}
	select {
	case c.responses <- m:
		return true
	case <-time.After(DefaultChannelTimeout):
		c.log.Warn("messaging: responses channel blocked, dropping message", "from", m.From, "external_id", m.ExternalID)
		return false
	}
}

func (c *channels) Receipts() <-chan models.Receipt { return c.receipts }

func (c *channels) Responses() <-chan models.InboundMessage { return c.responses }

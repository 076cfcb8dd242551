package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// LogService is a transport that only logs outbound messages. Inbound
// messages can be injected with Inject, which makes it the transport for
// local runs and tests.
type LogService struct {
	*channels
	log *logger.Logger

	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage is one message passed to LogService.SendMessage.
type SentMessage struct {
	To   string
	Body string
}

// NewLogService creates a LogService.
func NewLogService(log *logger.Logger) *LogService {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogService{channels: newChannels(log), log: log}
}

func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

func (s *LogService) Start(context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.close()
	return nil
}

func (s *LogService) SendMessage(_ context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalPhone(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{To: canonicalTo, Body: body})
	s.mu.Unlock()
	s.log.Info("LogService.SendMessage: outbound message", "to", canonicalTo, "body", body)
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Inject queues msg as if it had arrived from the patient.
func (s *LogService) Inject(msg models.InboundMessage) bool {
	return s.emitResponse(msg)
}

// Sent returns a copy of the messages sent so far.
func (s *LogService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

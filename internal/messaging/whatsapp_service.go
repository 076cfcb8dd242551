package messaging

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	*channels
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is a live connection
	log      *logger.Logger
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender, log *logger.Logger) *WhatsAppService {
	if log == nil {
		log = logger.NewNop()
	}
	s := &WhatsAppService{client: client, log: log, channels: newChannels(log)}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start registers the whatsmeow event handler. Mock clients have no events.
func (s *WhatsAppService) Start(context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		s.log.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(s.handleEvent)
	s.log.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the channels. The live connection is left to its owner.
func (s *WhatsAppService) Stop() error {
	s.close()
	s.log.Info("WhatsAppService.Stop: channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalPhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		s.log.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := inboundFromEvent(v); ok {
			s.emitResponse(msg)
		}
	case *events.Receipt:
		if r, ok := receiptFromEvent(v); ok {
			s.emitReceipt(r)
		}
	}
}

// inboundFromEvent extracts text, image captions and image URLs. Other
// message kinds are ignored.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return models.InboundMessage{}, false
	}
	var body, media string
	switch {
	case evt.Message.GetConversation() != "":
		body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		body = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		body = img.GetCaption()
		media = img.GetURL()
	}
	if body == "" && media == "" {
		return models.InboundMessage{}, false
	}
	return models.InboundMessage{
		From:       "+" + evt.Info.Sender.User,
		Body:       body,
		MediaURL:   media,
		ExternalID: string(evt.Info.ID),
		Time:       evt.Info.Timestamp.Unix(),
	}, true
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{
		To:     "+" + evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}, true
}

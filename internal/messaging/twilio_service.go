package messaging

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	twclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API. Inbound
// messages and status callbacks arrive through WebhookHandler.
type TwilioService struct {
	*channels
	client     twiliowhatsapp.Sender
	validator  *twclient.RequestValidator
	webhookURL string
	log        *logger.Logger
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match publicURL signed with authToken.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twclient.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = publicURL
	}
}

// WithTwilioLogger sets the logger.
func WithTwilioLogger(l *logger.Logger) TwilioOption {
	return func(s *TwilioService) {
		if l != nil {
			s.log = l
		}
	}
}

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, log: logger.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.channels = newChannels(s.log)
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op; Twilio pushes events to the webhook.
func (s *TwilioService) Start(context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

var twilioStatuses = map[string]models.MessageStatus{
	"sent":        models.MessageStatusSent,
	"delivered":   models.MessageStatusDelivered,
	"read":        models.MessageStatusRead,
	"failed":      models.MessageStatusFailed,
	"undelivered": models.MessageStatusFailed,
}

// WebhookHandler handles inbound Twilio webhook requests. Incoming messages
// are emitted on Responses(), status callbacks on Receipts(). The handler
// acknowledges as soon as the event is queued.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.log.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			s.log.Warn("TwilioService.WebhookHandler: signature mismatch")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if status := r.PostForm.Get("MessageStatus"); status != "" && r.PostForm.Get("Body") == "" && r.PostForm.Get("NumMedia") == "" {
		s.handleStatus(w, r, status)
		return
	}

	msg, err := parseTwilioInbound(r)
	if err != nil {
		s.log.Warn("TwilioService.WebhookHandler: rejected message", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.emitResponse(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.log.Debug("TwilioService.WebhookHandler: inbound message queued", "from", msg.From, "external_id", msg.ExternalID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) handleStatus(w http.ResponseWriter, r *http.Request, status string) {
	mapped, ok := twilioStatuses[status]
	if ok {
		to, err := s.ValidateAndCanonicalizeRecipient(r.PostForm.Get("To"))
		if err == nil {
			s.emitReceipt(models.Receipt{To: to, Status: mapped, Time: time.Now().Unix()})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTwilioInbound(r *http.Request) (models.InboundMessage, error) {
	from, err := CanonicalPhone(strings.TrimPrefix(r.PostForm.Get("From"), "whatsapp:"))
	if err != nil {
		return models.InboundMessage{}, err
	}
	sid := r.PostForm.Get("MessageSid")
	if sid == "" {
		return models.InboundMessage{}, fmt.Errorf("missing MessageSid")
	}
	msg := models.InboundMessage{
		From:       from,
		Body:       r.PostForm.Get("Body"),
		ExternalID: sid,
		Time:       time.Now().Unix(),
	}
	if n, _ := strconv.Atoi(r.PostForm.Get("NumMedia")); n > 0 {
		msg.MediaURL = r.PostForm.Get("MediaUrl0")
	}
	if strings.TrimSpace(msg.Body) == "" && msg.MediaURL == "" {
		return models.InboundMessage{}, fmt.Errorf("message %s has neither body nor media", sid)
	}
	return msg, nil
}

package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

// Ensure every transport implements Service
func TestServicesImplementService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
	var _ Service = (*LogService)(nil)
}

// Test SendMessage emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient, nil)
	ctx := context.Background()
	if err := svc.SendMessage(ctx, "+7 999 000-00-01", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "+79990000001" {
			t.Errorf("expected receipt.To %s, got %s", "+79990000001", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
	if len(mockClient.Sent) != 1 || mockClient.Sent[0] != "+79990000001: hello" {
		t.Errorf("unexpected sends %v", mockClient.Sent)
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if receipt, ok := <-svc.Receipts(); ok {
		t.Errorf("expected receipts channel closed, got value %v", receipt)
	}
	if response, ok := <-svc.Responses(); ok {
		t.Errorf("expected responses channel closed, got value %v", response)
	}
	if err := svc.SendMessage(context.Background(), "+79990000001", "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func messageEvent(id string, msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.ID = types.MessageID(id)
	evt.Info.Sender = types.NewJID("79990000001", types.DefaultUserServer)
	evt.Info.Timestamp = time.Unix(1748736000, 0)
	return evt
}

func TestInboundFromEvent(t *testing.T) {
	msg, ok := inboundFromEvent(messageEvent("wamid.1", &waE2E.Message{Conversation: proto.String("вес 80")}))
	if !ok {
		t.Fatal("expected text message to be accepted")
	}
	if msg.From != "+79990000001" || msg.Body != "вес 80" || msg.ExternalID != "wamid.1" || msg.Time != 1748736000 {
		t.Errorf("unexpected message %+v", msg)
	}

	img := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{URL: proto.String("https://mmg.whatsapp.net/x"), Caption: proto.String("lunch")}}
	msg, ok = inboundFromEvent(messageEvent("wamid.2", img))
	if !ok || msg.MediaURL != "https://mmg.whatsapp.net/x" || msg.Body != "lunch" {
		t.Errorf("unexpected image message %+v (ok=%v)", msg, ok)
	}

	if _, ok := inboundFromEvent(messageEvent("wamid.3", &waE2E.Message{})); ok {
		t.Error("expected empty message to be ignored")
	}

	own := messageEvent("wamid.4", &waE2E.Message{Conversation: proto.String("echo")})
	own.Info.IsFromMe = true
	if _, ok := inboundFromEvent(own); ok {
		t.Error("expected own message to be ignored")
	}
}

func TestReceiptFromEvent(t *testing.T) {
	evt := &events.Receipt{Type: events.ReceiptTypeRead, Timestamp: time.Unix(100, 0)}
	evt.MessageSource.Sender = types.NewJID("79990000001", types.DefaultUserServer)
	r, ok := receiptFromEvent(evt)
	if !ok || r.Status != models.MessageStatusRead || r.To != "+79990000001" {
		t.Errorf("unexpected receipt %+v (ok=%v)", r, ok)
	}

	evt.Type = events.ReceiptTypeReadSelf
	if _, ok := receiptFromEvent(evt); ok {
		t.Error("expected self-read receipt to be ignored")
	}
}

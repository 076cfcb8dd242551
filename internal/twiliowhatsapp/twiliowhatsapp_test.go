package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "12345", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestAddress(t *testing.T) {
	tests := map[string]string{
		"+79990000001":          "whatsapp:+79990000001",
		"79990000001":           "whatsapp:+79990000001",
		"whatsapp:+79990000001": "whatsapp:+79990000001",
	}
	for in, want := range tests {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClient_SendMessage(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, "+15550001111", logger.NewNop())

	if err := c.SendMessage(context.Background(), "79990000001", "Please log your weight"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 request, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "whatsapp:+79990000001" || *p.From != "whatsapp:+15550001111" {
		t.Errorf("unexpected addressing: to=%q from=%q", *p.To, *p.From)
	}
	if *p.Body != "Please log your weight" {
		t.Errorf("unexpected body %q", *p.Body)
	}
}

func TestClient_SendMessageError(t *testing.T) {
	api := &fakeAPI{err: errors.New("rate limited")}
	c := newClient(api, "+15550001111", logger.NewNop())
	if err := c.SendMessage(context.Background(), "+79990000001", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(WithFromWhats("+1555")); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+1555")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
)

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	require.NoError(t, svc.SendMessage(context.Background(), "whatsapp:+7 (999) 000-00-01", "hello"))
	require.Len(t, mock.SentMessages, 1)
	assert.Equal(t, "+79990000001", mock.SentMessages[0].To)

	receipt := <-svc.Receipts()
	assert.Equal(t, models.MessageStatusSent, receipt.Status)

	_, err := svc.ValidateAndCanonicalizeRecipient("12")
	assert.Error(t, err)
	_, err = svc.ValidateAndCanonicalizeRecipient("")
	assert.ErrorIs(t, err, models.ErrEmptyRecipient)
}

func TestTwilioService_SendMessageError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("twilio down")
	svc := NewTwilioService(mock)
	assert.Error(t, svc.SendMessage(context.Background(), "+79990000001", "hello"))
	assert.Empty(t, svc.Receipts())
}

func TestTwilioWebhook_TextMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+79990000001"},
		"Body":       {"Привет"},
		"MessageSid": {"SM1"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	msg := <-svc.Responses()
	assert.Equal(t, "+79990000001", msg.From)
	assert.Equal(t, "Привет", msg.Body)
	assert.Equal(t, "SM1", msg.ExternalID)
	assert.Empty(t, msg.MediaURL)
}

func TestTwilioWebhook_MediaOnly(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+79990000001"},
		"MessageSid": {"SM2"},
		"NumMedia":   {"1"},
		"MediaUrl0":  {"https://api.twilio.com/media/ME1"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	msg := <-svc.Responses()
	assert.Equal(t, "https://api.twilio.com/media/ME1", msg.MediaURL)
	assert.Empty(t, msg.Body)
}

func TestTwilioWebhook_Rejects(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := map[string]url.Values{
		"no sender":  {"Body": {"hi"}, "MessageSid": {"SM3"}},
		"no sid":     {"From": {"whatsapp:+79990000001"}, "Body": {"hi"}},
		"no content": {"From": {"whatsapp:+79990000001"}, "MessageSid": {"SM4"}, "Body": {"  "}},
	}
	for name, form := range tests {
		t.Run(name, func(t *testing.T) {
			rec := postForm(t, svc.WebhookHandler, form, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, svc.Responses())
}

func TestTwilioWebhook_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.WebhookHandler, url.Values{
		"MessageSid":    {"SM5"},
		"MessageStatus": {"delivered"},
		"To":            {"whatsapp:+79990000001"},
	}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	receipt := <-svc.Receipts()
	assert.Equal(t, models.MessageStatusDelivered, receipt.Status)
	assert.Equal(t, "+79990000001", receipt.To)
	assert.Empty(t, svc.Responses())
}

func TestTwilioWebhook_SignatureValidation(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation("secret-token", "https://carepipe.example.com/webhook/twilio"))
	rec := postForm(t, svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+79990000001"},
		"Body":       {"hi"},
		"MessageSid": {"SM6"},
	}, map[string]string{"X-Twilio-Signature": "forged"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.Responses())
}

func TestTwilioWebhook_AfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())
	rec := postForm(t, svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+79990000001"},
		"Body":       {"hi"},
		"MessageSid": {"SM7"},
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "+79990000001", "x"), ErrServiceStopped)
}

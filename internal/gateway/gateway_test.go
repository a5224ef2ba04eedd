package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/db"
)

func testDelivery(channel, addr string) *Delivery {
	return &Delivery{
		MessageID:   uuid.New(),
		ExecutionID: uuid.New(),
		RecipientID: uuid.New(),
		Channel:     channel,
		Address:     addr,
		Payload:     db.Payload{Text: "Your appointment is tomorrow", Subject: "Reminder"},
		Attempt:     1,
	}
}

func TestWebhookGateway_Classification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"accepted", http.StatusAccepted, false, false},
		{"bad_request", http.StatusBadRequest, true, true},
		{"unprocessable", http.StatusUnprocessableEntity, true, true},
		{"rate_limited", http.StatusTooManyRequests, true, false},
		{"server_error", http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			gw := NewWebhookGateway(WebhookConfig{URL: srv.URL}, zap.NewNop())
			err := gw.Send(context.Background(), testDelivery(db.ChannelWebhook, "+15550000001"))

			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

func TestWebhookGateway_RequestShape(t *testing.T) {
	var (
		got     webhookRequest
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewWebhookGateway(WebhookConfig{URL: srv.URL, AuthToken: "secret"}, zap.NewNop())
	d := testDelivery(db.ChannelWebhook, "+15550000001")
	if err := gw.Send(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.To != "+15550000001" || got.Content != d.Payload.Text {
		t.Errorf("unexpected body: %+v", got)
	}
	if headers.Get("Idempotency-Key") != d.RecipientID.String() {
		t.Errorf("expected idempotency key header, got %q", headers.Get("Idempotency-Key"))
	}
	if headers.Get("Authorization") != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", headers.Get("Authorization"))
	}
}

func TestWebhookGateway_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := NewWebhookGateway(WebhookConfig{URL: srv.URL}, zap.NewNop())
	err := gw.Send(context.Background(), testDelivery(db.ChannelWebhook, "+1"))

	d, ok := RetryAfter(err)
	if !ok || d != 7*time.Second {
		t.Errorf("expected retry after 7s, got %v (%v)", d, ok)
	}
}

func TestWebhookGateway_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	gw := NewWebhookGateway(WebhookConfig{URL: url, Timeout: time.Second}, zap.NewNop())
	err := gw.Send(context.Background(), testDelivery(db.ChannelWebhook, "+1"))
	if err == nil || IsPermanent(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

type mockSES struct {
	err   error
	input *ses.SendEmailInput
}

func (m *mockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type mockSNS struct {
	err   error
	input *sns.PublishInput
}

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSESGateway_Send(t *testing.T) {
	client := &mockSES{}
	gw := newSESGateway(client, SESConfig{FromEmail: "noreply@example.com"}, zap.NewNop())

	if err := gw.Send(context.Background(), testDelivery(db.ChannelEmail, "a@example.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.input.Destination.ToAddresses[0] != "a@example.com" {
		t.Errorf("unexpected destination %v", client.input.Destination.ToAddresses)
	}
	if aws.ToString(client.input.Source) != "noreply@example.com" {
		t.Errorf("unexpected source %s", aws.ToString(client.input.Source))
	}
}

func TestSESGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Fault: smithy.FaultClient}, true},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient}, false},
		{"server", &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}, false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newSESGateway(&mockSES{err: tt.err}, SESConfig{FromEmail: "x@example.com"}, zap.NewNop())
			err := gw.Send(context.Background(), testDelivery(db.ChannelEmail, "a@example.com"))
			if err == nil {
				t.Fatal("expected error")
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestSESGateway_MissingSubjectIsPermanent(t *testing.T) {
	gw := newSESGateway(&mockSES{}, SESConfig{}, zap.NewNop())
	d := testDelivery(db.ChannelEmail, "a@example.com")
	d.Payload.Subject = ""
	if err := gw.Send(context.Background(), d); !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestSNSGateway_Send(t *testing.T) {
	client := &mockSNS{}
	gw := newSNSGateway(client, SNSConfig{SenderID: "HERALD"}, zap.NewNop())

	if err := gw.Send(context.Background(), testDelivery(db.ChannelSMS, "+15550000001")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(client.input.PhoneNumber) != "+15550000001" {
		t.Errorf("unexpected phone %s", aws.ToString(client.input.PhoneNumber))
	}
	if v := client.input.MessageAttributes["AWS.SNS.SMS.SMSType"]; aws.ToString(v.StringValue) != "Transactional" {
		t.Errorf("expected transactional sms type, got %s", aws.ToString(v.StringValue))
	}
}

func TestSNSGateway_InvalidNumberIsPermanent(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "InvalidParameter", Message: "Invalid parameter: PhoneNumber", Fault: smithy.FaultClient}
	gw := newSNSGateway(&mockSNS{err: apiErr}, SNSConfig{}, zap.NewNop())

	err := gw.Send(context.Background(), testDelivery(db.ChannelSMS, "+0"))
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestMultiGatewayRouting(t *testing.T) {
	logger := zap.NewNop()
	multi := NewMultiGateway(logger,
		newSNSGateway(&mockSNS{}, SNSConfig{}, logger),
		NewWebhookGateway(WebhookConfig{}, logger),
	)

	tests := []struct {
		channel string
		want    bool
	}{
		{db.ChannelSMS, true},
		{db.ChannelWebhook, true},
		{db.ChannelEmail, false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}

	err := multi.Send(context.Background(), testDelivery(db.ChannelEmail, "a@example.com"))
	if !IsPermanent(err) {
		t.Errorf("expected permanent error for unrouted channel, got %v", err)
	}
}

func TestLogGateway(t *testing.T) {
	gw := NewLogGateway(zap.NewNop())
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook} {
		if !gw.SupportsChannel(ch) {
			t.Errorf("log gateway should support %s", ch)
		}
	}
	if err := gw.Send(context.Background(), testDelivery(db.ChannelSMS, "+1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

type countingGateway struct{ sends int }

func (c *countingGateway) Send(ctx context.Context, d *Delivery) error {
	c.sends++
	return nil
}

func (c *countingGateway) SupportsChannel(string) bool { return true }

func TestThrottled_WaitsOnLimiter(t *testing.T) {
	inner := &countingGateway{}
	gw := NewThrottled(inner, zap.NewNop(), rate.NewLimiter(rate.Every(time.Hour), 1))

	if err := gw.Send(context.Background(), testDelivery(db.ChannelSMS, "+1")); err != nil {
		t.Fatalf("first send should pass the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gw.Send(ctx, testDelivery(db.ChannelSMS, "+1"))
	if err == nil || IsPermanent(err) {
		t.Errorf("expected transient throttle error, got %v", err)
	}
	if inner.sends != 1 {
		t.Errorf("expected 1 send, got %d", inner.sends)
	}
}

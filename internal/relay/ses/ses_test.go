package ses

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/tempmail/internal/email"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	mu        sync.Mutex
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.mu.Lock()
	m.callCount++
	m.lastInput = params
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

var testEnvelope = email.Envelope{
	From: "sender@example.com",
	To:   []string{"to1@example.com", "to2@example.com"},
}

const testRaw = "Subject: Test\n\nHello, World!\n"

func newTestRelay(sender string, client SendEmailAPI) *Relay {
	return NewWithClient(sender, client).WithRetryDelay(time.Millisecond)
}

func TestName(t *testing.T) {
	t.Parallel()
	r := NewWithClient("sender@example.com", &mockSESClient{})
	if got := r.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_RawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	r := newTestRelay("relay@example.com", mock)

	if err := r.Send(context.Background(), testEnvelope, []byte(testRaw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}
	if got := string(input.Content.Raw.Data); got != "Subject: Test\r\n\r\nHello, World!\r\n" {
		t.Errorf("raw data: got %q", got)
	}
	if got := *input.FromEmailAddress; got != "relay@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "relay@example.com")
	}
	if got := len(input.Destination.ToAddresses); got != 2 {
		t.Errorf("ToAddresses: got %d, want 2", got)
	}
}

func TestBuildRawInput_SenderFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sender string
		env    email.Envelope
		want   string
	}{
		{name: "configured sender wins", sender: "relay@example.com", env: testEnvelope, want: "relay@example.com"},
		{name: "envelope sender", sender: "", env: testEnvelope, want: "sender@example.com"},
		{name: "no sender", sender: "", env: email.Envelope{To: []string{"a@example.com"}}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			input := buildRawInput(tt.sender, tt.env, []byte(testRaw))
			got := ""
			if input.FromEmailAddress != nil {
				got = *input.FromEmailAddress
			}
			if got != tt.want {
				t.Errorf("FromEmailAddress: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	r := newTestRelay("relay@example.com", mock)

	err := r.Send(context.Background(), email.Envelope{From: "a@example.com"}, []byte(testRaw))
	if !errors.Is(err, ErrNoRecipients) {
		t.Errorf("got %v, want ErrNoRecipients", err)
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	r := newTestRelay("relay@example.com", mock)

	if err := r.Send(context.Background(), testEnvelope, []byte(testRaw)); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	r := newTestRelay("relay@example.com", mock)

	err := r.Send(context.Background(), testEnvelope, []byte(testRaw))
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	r := NewWithClient("relay@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Send(ctx, testEnvelope, []byte(testRaw)); err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	r := NewWithClient("", &mockSESClient{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := r.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

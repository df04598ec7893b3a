// Package ses implements a Relay that forwards raw messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/tempmail/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// ErrNoRecipients is returned when an envelope has nobody to deliver to.
var ErrNoRecipients = errors.New("ses: envelope has no recipients")

// Config holds the configuration for creating a Relay.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope sender when set. SES only sends from
	// verified identities, so this is usually required.
	Sender string
}

// Relay sends messages via the AWS SES v2 API.
type Relay struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
	logger     *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Relay with the given configuration.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Relay with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Relay {
	return &Relay{
		sender:     sender,
		client:     client,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
}

// WithRetryDelay sets the initial backoff delay.
func (r *Relay) WithRetryDelay(d time.Duration) *Relay {
	r.retryDelay = d
	return r
}

// Send delivers raw to every recipient in env as a single raw SES message.
func (r *Relay) Send(ctx context.Context, env email.Envelope, raw []byte) error {
	if len(env.To) == 0 {
		return ErrNoRecipients
	}
	input := buildRawInput(r.sender, env, raw)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, r.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := r.client.SendEmail(ctx, input)
		if err == nil {
			if out != nil && out.MessageId != nil {
				r.logger.Debug("SES accepted message", "ses_message_id", *out.MessageId)
			}
			return nil
		}

		lastErr = err
		r.logger.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "ses"
}

// buildRawInput wraps the stored message in a SES raw-content request.
// SES expects CRLF line terminators.
func buildRawInput(sender string, env email.Envelope, raw []byte) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: append([]string(nil), env.To...),
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: bytes.ReplaceAll(raw, []byte("\n"), []byte("\r\n")),
			},
		},
	}

	from := sender
	if from == "" {
		from = env.From
	}
	if from != "" {
		input.FromEmailAddress = aws.String(from)
	}
	return input
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (r *Relay) backoffDelay(attempt int) time.Duration {
	delay := r.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

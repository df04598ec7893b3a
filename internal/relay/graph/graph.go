// Package graph implements a Relay that forwards raw messages via the
// Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/tempmail/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// ErrNoRecipients is returned when an envelope has nobody to deliver to.
var ErrNoRecipients = errors.New("graph: envelope has no recipients")

// errorResponse is an error body returned by Graph.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Config holds the configuration for creating a Relay.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent as.
	Sender string
}

// Relay sends messages through Microsoft Graph using OAuth2 client
// credentials. Messages are posted in MIME form, so Graph takes recipients
// from the message headers.
type Relay struct {
	sendURL    string
	httpClient *http.Client
	token      *tokenSource
	retryDelay time.Duration
	logger     *slog.Logger
}

// New creates a Relay with the given configuration.
func New(cfg Config) *Relay {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Relay with custom URLs and HTTP client, used for testing.
func newWithOverrides(cfg Config, sendURL, tokenURL string, client *http.Client) *Relay {
	return &Relay{
		sendURL:    sendURL,
		httpClient: client,
		token:      newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
}

// WithRetryDelay sets the initial backoff delay.
func (r *Relay) WithRetryDelay(d time.Duration) *Relay {
	r.retryDelay = d
	return r
}

// Send delivers raw via Graph. It retries transient failures with exponential
// backoff, honors Retry-After on HTTP 429 and refreshes the token once on HTTP 401.
// Token endpoint outages count as transient failures; rejected credentials do not.
func (r *Relay) Send(ctx context.Context, env email.Envelope, raw []byte) error {
	if len(env.To) == 0 {
		return ErrNoRecipients
	}
	body := encodeMIME(raw)

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		token, err := r.token.Token(ctx)
		if err == nil {
			err = r.doSendRequest(ctx, token, body)
			if err == nil {
				return nil
			}
		} else {
			err = tokenSendError(err)
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			r.logger.Info("refreshing Graph API token after 401")
			r.token.Invalidate(token)
			tokenRefreshed = true
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := r.retryAfterDelay(sendErr.retryAfter, attempt)
			r.logger.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := r.backoffDelay(attempt)
			r.logger.Info("transient Graph API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "msgraph"
}

// tokenSendError maps a failed token exchange onto the retry classification.
// Errors other than tokenError, such as a cancelled context, pass through.
func tokenSendError(err error) error {
	var te *tokenError
	if !errors.As(err, &te) {
		return fmt.Errorf("failed to get access token: %w", err)
	}
	return &sendError{
		message:    "failed to get access token: " + te.Error(),
		statusCode: te.StatusCode,
		permanent:  !te.Temporary(),
		transient:  te.Temporary(),
		cause:      te,
	}
}

// doSendRequest performs a single HTTP request to the sendMail endpoint.
func (r *Relay) doSendRequest(ctx context.Context, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	var errResp errorResponse
	if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
}

// encodeMIME converts the stored message to CRLF and base64 encodes it, the
// request body format sendMail expects for MIME content.
func encodeMIME(raw []byte) []byte {
	crlf := bytes.ReplaceAll(raw, []byte("\n"), []byte("\r\n"))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(crlf)))
	base64.StdEncoding.Encode(out, crlf)
	return out
}

// sendError is a sendMail failure classified for retry decisions.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
	cause      error
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *sendError) Unwrap() error {
	return e.cause
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses a Retry-After value in seconds, falling back to
// exponential backoff when it is missing or unparseable.
func (r *Relay) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return r.backoffDelay(attempt)
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

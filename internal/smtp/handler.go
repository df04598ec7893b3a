// Package smtp implements the submission side of the gateway: a line-oriented
// SMTP-like session that accepts messages and stores a copy in the mailbox of
// every recipient.
package smtp

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/shineum/tempmail/internal/dkim"
	"github.com/shineum/tempmail/internal/email"
	"github.com/shineum/tempmail/internal/metrics"
	"github.com/shineum/tempmail/internal/ratelimit"
)

// DefaultIdleTimeout is the maximum time a session can remain idle before being closed.
const DefaultIdleTimeout = 60 * time.Second

// DefaultMaxMessageSize is the default maximum message size (10 MB).
const DefaultMaxMessageSize = 10 * 1024 * 1024

// Mailboxes receives accepted messages.
type Mailboxes interface {
	Append(address string, msg email.Message)
}

// Limiter admits or rejects connections by source address.
type Limiter interface {
	Check(p ratelimit.Protocol, addr string) ratelimit.Decision
}

// Forwarder hands an accepted message to an outbound relay without blocking.
type Forwarder interface {
	Forward(env email.Envelope, msg email.Message)
}

// Config holds the dependencies and settings shared by all submission sessions.
type Config struct {
	// Hostname is used in the greeting and HELO replies.
	Hostname string

	// Store receives accepted messages. Required.
	Store Mailboxes

	// Limiter gates new connections. Nil disables rate limiting.
	Limiter Limiter

	// Signer signs accepted messages. Nil stores messages unsigned.
	Signer dkim.MessageSigner

	// Forwarder relays accepted messages. Nil disables relaying.
	Forwarder Forwarder

	Collector metrics.Collector
	Logger    *slog.Logger

	// IdleTimeout bounds each read. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// MaxMessageSize bounds the body in bytes. Zero means DefaultMaxMessageSize;
	// a negative value disables the limit.
	MaxMessageSize int
}

// Handler serves submission connections.
type Handler struct {
	config Config
}

// NewHandler creates a Handler, filling unset optional fields with defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Handler{config: cfg}
}

// ServeConn runs one submission session on conn until the client quits,
// disconnects or goes idle.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	NewSession(conn, &h.config).Handle(ctx)
}

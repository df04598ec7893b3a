// Package imap implements the retrieval side of the gateway: a tag-prefixed,
// IMAP-like session that reads messages out of the mailbox store.
package imap

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/shineum/tempmail/internal/auth"
	"github.com/shineum/tempmail/internal/email"
	"github.com/shineum/tempmail/internal/metrics"
	"github.com/shineum/tempmail/internal/ratelimit"
)

// DefaultIdleTimeout is the maximum time a session can remain idle before being closed.
const DefaultIdleTimeout = 60 * time.Second

// Mailboxes is the read side of the mailbox store.
type Mailboxes interface {
	Count(address string) int
	Fetch(address string, index int) (email.Message, bool)
}

// Limiter admits or rejects commands by source address.
type Limiter interface {
	Check(p ratelimit.Protocol, addr string) ratelimit.Decision
}

// Config holds the dependencies and settings shared by all retrieval sessions.
type Config struct {
	Hostname string

	// Store is read by SELECT and FETCH. Required.
	Store Mailboxes

	// Limiter gates every command. Nil disables rate limiting.
	Limiter Limiter

	// Authenticator validates LOGIN. Nil accepts any credentials.
	Authenticator auth.Authenticator

	Collector metrics.Collector
	Logger    *slog.Logger

	// IdleTimeout bounds each read. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Handler serves retrieval connections.
type Handler struct {
	config Config
}

// NewHandler creates a Handler, filling unset optional fields with defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.AllowAll{}
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
	return &Handler{config: cfg}
}

// ServeConn runs one retrieval session on conn.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	NewSession(conn, &h.config).Handle(ctx)
}
